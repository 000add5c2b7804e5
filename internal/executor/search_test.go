package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
)

func TestSearchTaskStopsOnPageReset(t *testing.T) {
	h := newHarness(t, nil)
	// Every page reports active page 1: page 2's request comes back reset,
	// so each term stops after its second page.
	h.browser.configure = func(ft *fakeTab) {
		ft.activePage = 1
	}

	res := h.exec.Execute(context.Background(), command.Command{
		ID:   "st",
		Type: command.ExecuteSearchTask,
		Payload: command.Payload{
			"searchTerms": []any{"x"},
			"actions": []any{
				map[string]any{"type": command.ScrollToBottom, "payload": map[string]any{}},
			},
		},
	})
	if !res.Completed() {
		t.Fatalf("search task = %+v", res)
	}

	if got := len(h.browser.opened); got != 2 {
		t.Fatalf("opened %d pages, want 2 (page 2 triggered the reset stop)", got)
	}
	if h.sink.exports != 1 {
		t.Errorf("exports = %d, want exactly 1", h.sink.exports)
	}
	// The driver always cleans up its tabs.
	if h.sessions.Count() != 0 {
		t.Errorf("%d tabs left open after search task", h.sessions.Count())
	}
	for _, ft := range h.browser.opened {
		if !ft.closed {
			t.Error("search task left a tab open")
		}
	}
}

func TestSearchTaskRunsAllPagesWhenPaginationAdvances(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.MaxPagesPerTerm = 3 })
	pages := 0
	h.browser.configure = func(ft *fakeTab) {
		pages++
		ft.activePage = pages // site keeps up with the requested page
	}

	res := h.exec.Execute(context.Background(), command.Command{
		ID:   "all",
		Type: command.ExecuteSearchTask,
		Payload: command.Payload{
			"searchTerms": []any{"mug"},
			"actions": []any{
				map[string]any{"type": command.ScrollToBottom, "payload": map[string]any{}},
			},
		},
	})
	if !res.Completed() {
		t.Fatalf("search task = %+v", res)
	}
	if len(h.browser.opened) != 3 {
		t.Fatalf("opened %d pages, want all 3", len(h.browser.opened))
	}
}

func TestSearchTaskStopsTermOnFailedPage(t *testing.T) {
	h := newHarness(t, nil)
	h.browser.configure = func(ft *fakeTab) {
		ft.scrollErr = context.DeadlineExceeded
	}

	res := h.exec.Execute(context.Background(), command.Command{
		ID:   "f",
		Type: command.ExecuteSearchTask,
		Payload: command.Payload{
			"searchTerms": []any{"x", "y"},
			"actions": []any{
				map[string]any{"type": command.ScrollToBottom, "payload": map[string]any{}},
			},
		},
	})
	if !res.Completed() {
		t.Fatalf("search task = %+v", res)
	}
	// One failed page per term, then stop; export still fires once.
	if len(h.browser.opened) != 2 {
		t.Fatalf("opened %d pages, want 2 (one per term)", len(h.browser.opened))
	}
	if h.sink.exports != 1 {
		t.Errorf("exports = %d, want 1", h.sink.exports)
	}
}

func TestSearchTaskRequiresTerms(t *testing.T) {
	h := newHarness(t, nil)

	res := h.exec.Execute(context.Background(), command.Command{
		ID:      "empty",
		Type:    command.ExecuteSearchTask,
		Payload: command.Payload{},
	})
	if res.ErrorCode != command.ErrInvalidCommand {
		t.Fatalf("got %+v, want INVALID_COMMAND", res)
	}
}

func TestExpandTemplate(t *testing.T) {
	got := expandTemplate("https://www.etsy.com/search?q={searchTerm}&page={pageNumber}", "desk lamp", 3)
	want := "https://www.etsy.com/search?q=desk+lamp&page=3"
	if got != want {
		t.Errorf("expandTemplate = %q, want %q", got, want)
	}
}

func TestJitterWaitsOverridesWaitMilliseconds(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.jitter = func(n int) int { return 7 }

	actions := []command.Action{
		{Type: command.Wait, Payload: command.Payload{"milliseconds": 50}},
		{Type: command.ScrollToBottom, Payload: command.Payload{"step": 100}},
	}
	out := h.exec.jitterWaits(actions)

	if ms := out[0].Payload.Int("milliseconds", 0); ms != minSearchWaitMs+7 {
		t.Errorf("jittered wait = %d, want %d", ms, minSearchWaitMs+7)
	}
	if out[1].Payload.Int("step", 0) != 100 {
		t.Error("non-WAIT action payload must pass through untouched")
	}
	// The template itself stays pristine.
	if actions[0].Payload.Int("milliseconds", 0) != 50 {
		t.Error("jitterWaits must not mutate the template")
	}
}

func TestJitterRange(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.jitter = func(n int) int {
		if n != maxSearchWaitMs-minSearchWaitMs {
			t.Errorf("jitter span = %d, want %d", n, maxSearchWaitMs-minSearchWaitMs)
		}
		return n - 1
	}
	out := h.exec.jitterWaits([]command.Action{{Type: command.Wait}})
	if ms := out[0].Payload.Int("milliseconds", 0); ms != maxSearchWaitMs-1 {
		t.Errorf("max jittered wait = %d, want %d", ms, maxSearchWaitMs-1)
	}
}

func TestSearchPageIDsCarryTermAndPage(t *testing.T) {
	h := newHarness(t, nil)
	h.browser.configure = func(ft *fakeTab) {
		ft.activePage = 1
	}

	h.exec.Execute(context.Background(), command.Command{
		ID:   "ids",
		Type: command.ExecuteSearchTask,
		Payload: command.Payload{
			"searchTerms": []any{"lamp"},
			"actions": []any{
				map[string]any{"type": command.ScrollToBottom, "payload": map[string]any{}},
			},
		},
	})

	entries := h.recorder.entries()
	var pageIDs []string
	for _, e := range entries {
		if e.Type == command.OpenURL {
			pageIDs = append(pageIDs, e.ID)
		}
	}
	if len(pageIDs) != 2 {
		t.Fatalf("got %d page entries, want 2", len(pageIDs))
	}
	for i, id := range pageIDs {
		if !strings.HasPrefix(id, "search:") || !strings.Contains(id, ":lamp:") {
			t.Errorf("page id %q lacks search/term markers", id)
		}
		if !strings.HasSuffix(id, "p"+string(rune('1'+i))) {
			t.Errorf("page id %q lacks page suffix p%d", id, i+1)
		}
	}
}
