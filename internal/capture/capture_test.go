package capture

import (
	"testing"

	"github.com/webpilot/webpilot/internal/session"
)

func TestRecordsParsesBufferedBodies(t *testing.T) {
	bodies := []session.CapturedBody{
		{URL: "https://etsy.com/api/search", Raw: []byte(`{"results": [{"id": 1}, {"id": 2}]}`)},
		{URL: "https://etsy.com/api/other", Raw: []byte(`{"count": 5}`)},
	}

	out := Records(bodies, session.ModeListings, 1<<20, Defaults())
	if len(out.Records) != 2 || out.Skipped != 0 || out.ParseFailures != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	// The listings transformer keeps the results array.
	arr, ok := out.Records[0].JSON.([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("record[0].JSON = %#v, want the results array", out.Records[0].JSON)
	}
	// No matching subtree: whole document fallback.
	doc, ok := out.Records[1].JSON.(map[string]any)
	if !ok || doc["count"] != float64(5) {
		t.Errorf("record[1].JSON = %#v, want whole document", out.Records[1].JSON)
	}

	for _, r := range out.Records {
		if r.Source != "raw" || r.CaptureType != session.ModeListings || r.URL == "" {
			t.Errorf("record = %+v", r)
		}
	}
}

func TestRecordsSkipsOversizedBodies(t *testing.T) {
	bodies := []session.CapturedBody{
		{URL: "u", Raw: []byte(`{"big": "0123456789"}`)},
		{URL: "u2", Raw: []byte(`{}`)},
	}

	out := Records(bodies, session.ModeListings, 10, Defaults())
	if out.Skipped != 1 || len(out.Records) != 1 {
		t.Fatalf("outcome = %+v, want 1 skipped 1 record", out)
	}
}

func TestRecordsCountsParseFailures(t *testing.T) {
	bodies := []session.CapturedBody{
		{URL: "bad", Raw: []byte(`{"unterminated": `)},
		{URL: "good", Raw: []byte(`{"ok": true}`)},
	}

	out := Records(bodies, session.ModeReviews, 1<<20, Defaults())
	if out.ParseFailures != 1 || len(out.Records) != 1 {
		t.Fatalf("outcome = %+v, want 1 failure 1 record", out)
	}
}

func TestReviewsTransformerKeepsReviewArray(t *testing.T) {
	bodies := []session.CapturedBody{
		{URL: "u", Raw: []byte(`{"reviews": [{"rating": 5}], "meta": {}}`)},
	}

	out := Records(bodies, session.ModeReviews, 1<<20, Defaults())
	arr, ok := out.Records[0].JSON.([]any)
	if !ok || len(arr) != 1 {
		t.Fatalf("reviews record = %#v", out.Records[0].JSON)
	}
}
