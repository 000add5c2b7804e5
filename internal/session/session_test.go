package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/config"
)

type stubTab struct {
	id       int64
	detached int
	closed   int
}

func (t *stubTab) ID() int64 { return t.id }
func (t *stubTab) AttachProbe(ctx context.Context, f browser.ProbeFilter, s browser.BodySink) error {
	return nil
}
func (t *stubTab) DetachProbe(ctx context.Context) error { t.detached++; return nil }
func (t *stubTab) Close(ctx context.Context) error       { t.closed++; return nil }
func (t *stubTab) ScrollToBottom(ctx context.Context, step int, delay time.Duration, maxIterations int) (int, error) {
	return 0, nil
}
func (t *stubTab) Click(ctx context.Context, selector string, maxTimes int, delay time.Duration) (int, error) {
	return 0, nil
}
func (t *stubTab) ExtractSchema(ctx context.Context, types []string) (browser.ExtractResult, error) {
	return browser.ExtractResult{}, nil
}
func (t *stubTab) ActivePage(ctx context.Context) (int, error) { return 1, nil }

func newTestManager(maxTabs int) *Manager {
	return NewManager(func() int { return maxTabs }, zerolog.Nop())
}

func TestSessionBufferAdditive(t *testing.T) {
	m := newTestManager(3)
	s := m.Open(&stubTab{id: 1}, "cmd", config.Settings{})

	s.AddBody("u1", []byte("{}"))
	s.SetCaptureMode(ModeReviews)
	s.AddBody("u2", []byte("{}"))

	if got := len(s.Bodies()); got != 2 {
		t.Fatalf("buffer holds %d bodies, want 2 (mode switch must not wipe)", got)
	}
	if s.CaptureMode() != ModeReviews {
		t.Errorf("mode = %s", s.CaptureMode())
	}
}

func TestCleanupDetachesBeforeRemovingAndIsIdempotent(t *testing.T) {
	m := newTestManager(3)
	tab := &stubTab{id: 7}
	s := m.Open(tab, "cmd", config.Settings{})

	m.Cleanup(context.Background(), 7)
	m.Cleanup(context.Background(), 7)

	if tab.detached != 1 || tab.closed != 1 {
		t.Errorf("detached=%d closed=%d, want 1 and 1", tab.detached, tab.closed)
	}
	if _, ok := m.Get(7); ok {
		t.Error("session still present after cleanup")
	}

	s.AddBody("late", []byte("{}"))
	if len(s.Bodies()) != 0 {
		t.Error("closed session accepted a body")
	}
}

func TestRemoveKeepsTabOpen(t *testing.T) {
	m := newTestManager(3)
	tab := &stubTab{id: 2}
	m.Open(tab, "cmd", config.Settings{})

	m.Remove(context.Background(), 2)

	if tab.detached != 1 {
		t.Errorf("detached = %d, want 1", tab.detached)
	}
	if tab.closed != 0 {
		t.Error("Remove must not close the tab")
	}
	if _, ok := m.Get(2); ok {
		t.Error("session should be gone")
	}
	if _, ok := m.Tab(2); !ok {
		t.Error("tab handle should survive Remove")
	}

	// A later Cleanup still closes the tab.
	m.Cleanup(context.Background(), 2)
	if tab.closed != 1 {
		t.Error("Cleanup after Remove should close the tab")
	}
}

func TestReserveSlotBlocksAtCeiling(t *testing.T) {
	m := newTestManager(1)
	m.Open(&stubTab{id: 1}, "cmd", config.Settings{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.ReserveSlot(ctx); err == nil {
		t.Fatal("ReserveSlot should block while at the ceiling")
	}

	released := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		released <- m.ReserveSlot(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	m.Cleanup(context.Background(), 1)

	if err := <-released; err != nil {
		t.Fatalf("ReserveSlot after cleanup: %v", err)
	}
}

func TestReserveSlotImmediateWhenFree(t *testing.T) {
	m := newTestManager(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.ReserveSlot(ctx); err != nil {
		t.Fatalf("ReserveSlot on empty manager: %v", err)
	}
}
