package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
	"github.com/webpilot/webpilot/internal/session"
)

type fakeTab struct {
	id        int64
	attachErr error

	mu       sync.Mutex
	sink     browser.BodySink
	detached bool
	closed   bool

	// bodies delivered to the sink during the first scroll step, standing
	// in for responses observed while earlier sub-actions run.
	bodiesOnScroll [][2]string

	scrollIterations int
	scrollErr        error
	clickErr         error
	clicks           int
	extract          browser.ExtractResult
	extractErr       error
	activePage       int
	activePageErr    error
}

func (t *fakeTab) ID() int64 { return t.id }

func (t *fakeTab) AttachProbe(ctx context.Context, filter browser.ProbeFilter, sink browser.BodySink) error {
	if t.attachErr != nil {
		return t.attachErr
	}
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) DetachProbe(ctx context.Context) error {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) ScrollToBottom(ctx context.Context, step int, delay time.Duration, maxIterations int) (int, error) {
	t.mu.Lock()
	sink := t.sink
	pending := t.bodiesOnScroll
	t.bodiesOnScroll = nil
	t.mu.Unlock()
	if sink != nil {
		for _, b := range pending {
			sink(b[0], []byte(b[1]))
		}
	}
	return t.scrollIterations, t.scrollErr
}

func (t *fakeTab) Click(ctx context.Context, selector string, maxTimes int, delay time.Duration) (int, error) {
	return t.clicks, t.clickErr
}

func (t *fakeTab) ExtractSchema(ctx context.Context, types []string) (browser.ExtractResult, error) {
	return t.extract, t.extractErr
}

func (t *fakeTab) ActivePage(ctx context.Context) (int, error) {
	return t.activePage, t.activePageErr
}

type fakeBrowser struct {
	mu      sync.Mutex
	openErr error
	nextID  int64
	opened  []*fakeTab

	// configure applies per-tab fixtures before the tab is returned.
	configure func(t *fakeTab)
}

func (b *fakeBrowser) OpenTab(ctx context.Context, url string, timeout time.Duration) (browser.Tab, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	b.nextID++
	t := &fakeTab{id: b.nextID, activePage: 1}
	if b.configure != nil {
		b.configure(t)
	}
	b.opened = append(b.opened, t)
	b.mu.Unlock()
	return t, nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	logs      []command.LogEntry
	summaries map[string]command.Summary
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{summaries: make(map[string]command.Summary)}
}

func (r *fakeRecorder) AppendLog(e command.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, e)
	return nil
}

func (r *fakeRecorder) SaveResult(id string, sum command.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries[id] = sum
	return nil
}

func (r *fakeRecorder) entries() []command.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]command.LogEntry, len(r.logs))
	copy(out, r.logs)
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	records []any
	exports int
}

func (s *fakeSink) Send(record any) {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
}

func (s *fakeSink) Export() {
	s.mu.Lock()
	s.exports++
	s.mu.Unlock()
}

type fakeEvents struct {
	mu      sync.Mutex
	results []string
}

func (e *fakeEvents) CommandResult(commandID string, result command.Result) {
	e.mu.Lock()
	e.results = append(e.results, commandID)
	e.mu.Unlock()
}

type harness struct {
	exec     *Executor
	browser  *fakeBrowser
	sessions *session.Manager
	recorder *fakeRecorder
	sink     *fakeSink
	events   *fakeEvents
	settings *config.Store
}

func newHarness(t interface{ Fatalf(string, ...any) }, mutate func(*config.Settings)) *harness {
	cfg := config.Settings{
		AllowedOrigins:       []string{"etsy.com"},
		MaxCommandsPerMinute: 100,
		MaxConcurrentTabs:    3,
		MaxResponseBodyBytes: 1 << 20,
		AgentControlEnabled:  true,
		MaxPagesPerTerm:      5,
		CaptureHostFilter:    "etsy.com",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	settings, err := config.NewStore(cfg, nil)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}

	log := zerolog.Nop()
	fb := &fakeBrowser{}
	sessions := session.NewManager(settings.MaxConcurrentTabs, log)
	rec := newFakeRecorder()
	sink := &fakeSink{}
	events := &fakeEvents{}

	exec := New(fb, sessions, settings, rec, sink, events, log)
	exec.jitter = func(n int) int { return 0 }

	return &harness{
		exec:     exec,
		browser:  fb,
		sessions: sessions,
		recorder: rec,
		sink:     sink,
		events:   events,
		settings: settings,
	}
}
