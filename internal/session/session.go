// session.go — Per-tab capture sessions and the manager that bounds them.
// A session exists exactly while the probe is attached to its tab; cleanup
// always detaches before removing the entry.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/config"
)

// Capture modes.
const (
	ModeListings = "listings"
	ModeReviews  = "reviews"
)

const slotPollInterval = 500 * time.Millisecond

// CapturedBody is one raw response body harvested by the probe.
type CapturedBody struct {
	URL string
	Raw []byte
}

// Session is the capture state of one tab: buffered bodies, capture mode,
// and the settings bound at open time. The buffer is additive across
// command steps; only explicit capture-handler completion destroys it.
type Session struct {
	CommandID string
	Tab       browser.Tab
	Settings  config.Settings

	mu     sync.Mutex
	mode   string
	bodies []CapturedBody
	closed bool
}

// AddBody appends a captured body. Bodies arriving after cleanup are
// dropped so a detached tab can no longer touch any buffer.
func (s *Session) AddBody(url string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.bodies = append(s.bodies, CapturedBody{URL: url, Raw: raw})
}

// Bodies returns a copy of the buffered bodies.
func (s *Session) Bodies() []CapturedBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedBody, len(s.bodies))
	copy(out, s.bodies)
	return out
}

// SetCaptureMode switches the capture mode without wiping the buffer.
func (s *Session) SetCaptureMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode != "" {
		s.mode = mode
	}
}

// CaptureMode returns the current capture mode.
func (s *Session) CaptureMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Manager owns the tab-id to session mapping and enforces the concurrent
// tab ceiling by admission polling. Tabs are tracked separately from
// sessions: a capture step may destroy the session while leaving its tab
// open for further content-agent queries until Cleanup.
type Manager struct {
	maxTabs func() int
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
	tabs     map[int64]browser.Tab
}

// NewManager builds a manager reading its ceiling from maxTabs.
func NewManager(maxTabs func() int, log zerolog.Logger) *Manager {
	return &Manager{
		maxTabs:  maxTabs,
		log:      log.With().Str("component", "sessions").Logger(),
		sessions: make(map[int64]*Session),
		tabs:     make(map[int64]browser.Tab),
	}
}

// ReserveSlot blocks until the open-tab count is below the ceiling,
// polling every 500 ms, or until ctx is done.
func (m *Manager) ReserveSlot(ctx context.Context) error {
	for {
		m.mu.Lock()
		free := len(m.tabs) < m.maxTabs()
		m.mu.Unlock()
		if free {
			return nil
		}

		timer := time.NewTimer(slotPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Open registers a session for the tab. The probe must already be attached;
// callers wire the probe's sink to the returned session's AddBody.
func (m *Manager) Open(tab browser.Tab, commandID string, settings config.Settings) *Session {
	s := &Session{
		CommandID: commandID,
		Tab:       tab,
		Settings:  settings,
		mode:      ModeListings,
	}
	m.mu.Lock()
	m.sessions[tab.ID()] = s
	m.tabs[tab.ID()] = tab
	m.mu.Unlock()
	m.log.Debug().Int64("tab", tab.ID()).Str("command", commandID).Msg("session opened")
	return s
}

// Get returns the session for a tab id.
func (m *Manager) Get(tabID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tabID]
	return s, ok
}

// Tab returns the open tab for an id, present until Cleanup even after
// the session is gone.
func (m *Manager) Tab(tabID int64) (browser.Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[tabID]
	return t, ok
}

// Count returns the number of open tabs.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Remove detaches the probe and destroys the session but leaves the tab
// open. Used by capture completion when the caller asked to keep the tab.
func (m *Manager) Remove(ctx context.Context, tabID int64) {
	m.mu.Lock()
	s, ok := m.sessions[tabID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.markClosed()
	if err := s.Tab.DetachProbe(ctx); err != nil {
		m.log.Debug().Err(err).Int64("tab", tabID).Msg("probe detach failed")
	}

	m.mu.Lock()
	if m.sessions[tabID] == s {
		delete(m.sessions, tabID)
	}
	m.mu.Unlock()
}

// Cleanup detaches the probe, removes the session entry, and closes the
// tab. Detach and close are best-effort; the call is idempotent.
func (m *Manager) Cleanup(ctx context.Context, tabID int64) {
	m.Remove(ctx, tabID)

	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := tab.Close(ctx); err != nil {
		m.log.Debug().Err(err).Int64("tab", tabID).Msg("tab close failed")
	}
	m.log.Debug().Int64("tab", tabID).Msg("session cleaned up")
}

// CleanupAll tears down every tab; used by the suspend hook.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.tabs))
	for id := range m.tabs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
}
