package browser

import "testing"

func TestProbeFilterMatch(t *testing.T) {
	f := ProbeFilter{HostSubstring: "etsy.com"}

	tests := []struct {
		mime string
		url  string
		want bool
	}{
		{"application/json", "https://www.etsy.com/api/v3/search", true},
		{"application/json; charset=utf-8", "https://etsy.com/api", true},
		{"text/html", "https://www.etsy.com/listing/1", false},
		{"application/json", "https://example.com/api", false},
		{"APPLICATION/JSON", "https://etsy.com/api", true},
	}
	for _, tt := range tests {
		if got := f.Match(tt.mime, tt.url); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.mime, tt.url, got, tt.want)
		}
	}
}

func TestProbeFilterEmptyHostMatchesAll(t *testing.T) {
	f := ProbeFilter{}
	if !f.Match("application/json", "https://anything.example/x") {
		t.Fatal("empty host filter should match any JSON response")
	}
}

func TestFilterByType(t *testing.T) {
	listings := []map[string]any{
		{"@type": "Product", "name": "lamp"},
		{"type": "Review", "rating": 4},
		{"name": "untyped"},
	}

	got := filterByType(listings, []string{"Product"})
	if len(got) != 2 {
		t.Fatalf("got %d listings, want 2 (Product + untyped)", len(got))
	}
	if got[0]["name"] != "lamp" || got[1]["name"] != "untyped" {
		t.Errorf("unexpected filter result: %v", got)
	}
}

func TestJSString(t *testing.T) {
	if got := jsString(`a"b`); got != `"a\"b"` {
		t.Errorf("jsString escaping broken: %s", got)
	}
}
