// config.go — Typed runtime settings with viper-backed loading.
// Settings are read by every component and mutated only through
// Store.ToggleAgentControl or an external options edit followed by reload.
package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Defaults applied when flags, env, and the persisted copy are all silent.
const (
	DefaultAgentEndpoint        = "ws://localhost:8000/ws/extension"
	DefaultDataEndpoint         = "ws://localhost:8000/ws/data"
	DefaultMaxCommandsPerMinute = 30
	DefaultMaxConcurrentTabs    = 3
	DefaultMaxResponseBodyBytes = 2 * 1024 * 1024
	DefaultMaxPagesPerTerm      = 5
	DefaultCaptureHostFilter    = "etsy.com"
)

// Settings holds all runtime configuration for the daemon.
type Settings struct {
	AllowedOrigins       []string `json:"allowedOrigins"`
	MaxCommandsPerMinute int      `json:"maxCommandsPerMinute"`
	MaxConcurrentTabs    int      `json:"maxConcurrentTabs"`
	MaxResponseBodyBytes int64    `json:"maxResponseBodyBytes"`
	AgentEndpoint        string   `json:"agentEndpoint"`
	DataEndpoint         string   `json:"dataEndpoint"`
	AgentControlEnabled  bool     `json:"agentControlEnabled"`
	MaxPagesPerTerm      int      `json:"maxPagesPerTerm"`
	CaptureHostFilter    string   `json:"captureHostFilter"`
	SearchURLTemplate    string   `json:"searchUrlTemplate"`
	HealthAddr           string   `json:"healthAddr,omitempty"`
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/webpilot).
func Load() Settings {
	return Settings{
		AllowedOrigins:       viper.GetStringSlice("allowed_origins"),
		MaxCommandsPerMinute: viper.GetInt("max_commands_per_minute"),
		MaxConcurrentTabs:    viper.GetInt("max_concurrent_tabs"),
		MaxResponseBodyBytes: viper.GetInt64("max_response_body_bytes"),
		AgentEndpoint:        viper.GetString("agent_endpoint"),
		DataEndpoint:         viper.GetString("data_endpoint"),
		AgentControlEnabled:  viper.GetBool("agent_control_enabled"),
		MaxPagesPerTerm:      viper.GetInt("max_pages_per_term"),
		CaptureHostFilter:    viper.GetString("capture_host_filter"),
		SearchURLTemplate:    viper.GetString("search_url_template"),
		HealthAddr:           viper.GetString("health_addr"),
	}
}

// Validate rejects settings that would wedge admission or capture.
func (s Settings) Validate() error {
	if s.MaxConcurrentTabs < 1 {
		return fmt.Errorf("maxConcurrentTabs must be >= 1, got %d", s.MaxConcurrentTabs)
	}
	if s.MaxCommandsPerMinute < 1 {
		return fmt.Errorf("maxCommandsPerMinute must be >= 1, got %d", s.MaxCommandsPerMinute)
	}
	if s.MaxResponseBodyBytes < 1 {
		return fmt.Errorf("maxResponseBodyBytes must be >= 1, got %d", s.MaxResponseBodyBytes)
	}
	return nil
}

// clone copies the settings, including the origins slice, so snapshots
// handed to other goroutines cannot alias the live copy.
func (s Settings) clone() Settings {
	out := s
	out.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
	return out
}

// Persister saves a settings snapshot to durable storage.
type Persister interface {
	SaveSettings(Settings) error
}

// Store is the single owner of the live settings. All reads go through
// Snapshot; runtime mutations are the agent-control toggle and Replace.
type Store struct {
	mu      sync.RWMutex
	current Settings
	persist Persister
}

// NewStore wraps validated settings. persist may be nil (tests).
func NewStore(s Settings, persist Persister) (*Store, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Store{current: s.clone(), persist: persist}, nil
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.clone()
}

// AgentControlEnabled reports whether agent-issued commands are admitted.
func (st *Store) AgentControlEnabled() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.AgentControlEnabled
}

// MaxConcurrentTabs returns the live session ceiling.
func (st *Store) MaxConcurrentTabs() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.MaxConcurrentTabs
}

// ToggleAgentControl flips agent admission and persists the new settings.
// A persistence failure keeps the in-memory toggle and is returned to the
// caller for logging; the toggle itself never rolls back.
func (st *Store) ToggleAgentControl(enabled bool) (Settings, error) {
	st.mu.Lock()
	st.current.AgentControlEnabled = enabled
	snap := st.current.clone()
	st.mu.Unlock()

	if st.persist != nil {
		if err := st.persist.SaveSettings(snap); err != nil {
			return snap, fmt.Errorf("persist settings: %w", err)
		}
	}
	return snap, nil
}

// Replace swaps in externally edited settings after validation, persisting
// the result.
func (st *Store) Replace(s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return st.Snapshot(), err
	}
	st.mu.Lock()
	st.current = s.clone()
	snap := st.current.clone()
	st.mu.Unlock()

	if st.persist != nil {
		if err := st.persist.SaveSettings(snap); err != nil {
			return snap, fmt.Errorf("persist settings: %w", err)
		}
	}
	return snap, nil
}
