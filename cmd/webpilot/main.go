// webpilot — drives a real browser on behalf of an external agent.
// Commands arrive over a persistent WebSocket bridge, execute one at a
// time against Chrome tabs, and captured records stream to a data sink.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webpilot/webpilot/internal/bridge"
	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
	"github.com/webpilot/webpilot/internal/executor"
	"github.com/webpilot/webpilot/internal/queue"
	"github.com/webpilot/webpilot/internal/ratelimit"
	"github.com/webpilot/webpilot/internal/session"
	"github.com/webpilot/webpilot/internal/store"
	"github.com/webpilot/webpilot/internal/streamer"
)

const stateSnapshotLogs = 20

func main() {
	rootCmd := &cobra.Command{
		Use:   "webpilot",
		Short: "Browser-automation command orchestrator",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.StringSlice("allowed-origins", nil, "origin patterns commands may navigate to (host or *.domain)")
	f.Int("max-commands-per-minute", config.DefaultMaxCommandsPerMinute, "command admission ceiling per sliding minute")
	f.Int("max-concurrent-tabs", config.DefaultMaxConcurrentTabs, "maximum simultaneously open tabs")
	f.Int64("max-response-body-bytes", config.DefaultMaxResponseBodyBytes, "largest captured response body retained")
	f.String("agent-endpoint", config.DefaultAgentEndpoint, "agent transport WebSocket URL")
	f.String("data-endpoint", config.DefaultDataEndpoint, "records sink WebSocket URL")
	f.Bool("agent-control-enabled", true, "admit agent-issued commands")
	f.Int("max-pages-per-term", config.DefaultMaxPagesPerTerm, "search-task page ceiling per term")
	f.String("capture-host-filter", config.DefaultCaptureHostFilter, "host substring of responses worth capturing")
	f.String("search-url-template", "", "search page URL template ({searchTerm}, {pageNumber})")
	f.String("health-addr", "", "optional localhost health endpoint, e.g. 127.0.0.1:7891")
	f.String("state-db", "webpilot.db", "path to the SQLite state database")
	f.Bool("headless", true, "run the browser headless")
	f.Bool("verbose", false, "debug logging")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("allowed_origins", "allowed-origins")
	bindFlag("max_commands_per_minute", "max-commands-per-minute")
	bindFlag("max_concurrent_tabs", "max-concurrent-tabs")
	bindFlag("max_response_body_bytes", "max-response-body-bytes")
	bindFlag("agent_endpoint", "agent-endpoint")
	bindFlag("data_endpoint", "data-endpoint")
	bindFlag("agent_control_enabled", "agent-control-enabled")
	bindFlag("max_pages_per_term", "max-pages-per-term")
	bindFlag("capture_host_filter", "capture-host-filter")
	bindFlag("search_url_template", "search-url-template")
	bindFlag("health_addr", "health-addr")
	bindFlag("state_db", "state-db")
	bindFlag("headless", "headless")
	bindFlag("verbose", "verbose")

	viper.SetEnvPrefix("WEBPILOT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(logLevel).With().Timestamp().Logger()

	st, err := store.Open(viper.GetString("state_db"))
	if err != nil {
		return err
	}
	defer st.Close()

	// When a persisted copy exists it replaces the flag/env/default values,
	// except the agent endpoint, data endpoint, and health address, which
	// always come from flags, env, or defaults. Other explicitly set flags
	// and env vars do not override the persisted copy.
	cfg := config.Load()
	if persisted, ok, perr := st.LoadSettings(); perr == nil && ok {
		persisted.AgentEndpoint = cfg.AgentEndpoint
		persisted.DataEndpoint = cfg.DataEndpoint
		persisted.HealthAddr = cfg.HealthAddr
		cfg = persisted
	}
	settings, err := config.NewStore(cfg, st)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chrome, err := browser.NewChrome(ctx, browser.ChromeOptions{Headless: viper.GetBool("headless")}, log)
	if err != nil {
		return err
	}
	defer chrome.Close()

	sessions := session.NewManager(settings.MaxConcurrentTabs, log)
	sink := streamer.New(settings.Snapshot().DataEndpoint, log)
	limiter := ratelimit.New(func() int { return settings.Snapshot().MaxCommandsPerMinute })

	var agentBridge *bridge.Bridge
	ctl := &control{settings: settings, store: st, sink: sink}
	events := bridgeEvents{bridge: &agentBridge}
	exec := executor.New(chrome, sessions, settings, st, sink, events, log)
	q := queue.New(settings, limiter, exec, st, events, log)
	ctl.queue = q
	agentBridge = bridge.New(settings.Snapshot().AgentEndpoint, ctl, log)

	go q.Run(ctx)
	go agentBridge.Start(ctx)
	go sink.Start(ctx)

	if addr := settings.Snapshot().HealthAddr; addr != "" {
		go serveHealth(addr, q, sessions, agentBridge, log)
	}

	log.Info().
		Str("agent", settings.Snapshot().AgentEndpoint).
		Str("sink", settings.Snapshot().DataEndpoint).
		Msg("webpilot running")

	<-ctx.Done()

	// Suspend: abandon in-flight work, detach every probe, drop sessions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions.CleanupAll(shutdownCtx)
	log.Info().Msg("webpilot stopped")
	return nil
}

// control is the bridge-facing surface over the queue, settings, store,
// and sink.
type control struct {
	queue    *queue.Queue
	settings *config.Store
	store    *store.Store
	sink     *streamer.Streamer
}

func (c *control) Enqueue(cmd command.Command) command.Result {
	return c.queue.Enqueue(cmd)
}

func (c *control) Snapshot() bridge.ExtensionState {
	logs, err := c.store.RecentLogs(stateSnapshotLogs)
	if err != nil {
		logs = nil
	}
	return bridge.ExtensionState{
		Settings:    c.settings.Snapshot(),
		QueueLength: c.queue.Length(),
		Processing:  c.queue.Processing(),
		Logs:        logs,
	}
}

func (c *control) ToggleAgentControl(enabled bool) (config.Settings, error) {
	return c.settings.ToggleAgentControl(enabled)
}

func (c *control) ExportData() string {
	c.sink.Export()
	return "data sink is live-streaming; export marker queued"
}

// bridgeEvents defers to the bridge pointer so queue and executor
// construction can precede bridge construction.
type bridgeEvents struct {
	bridge **bridge.Bridge
}

func (e bridgeEvents) CommandResult(commandID string, result command.Result) {
	if b := *e.bridge; b != nil {
		b.CommandResult(commandID, result)
	}
}

func (e bridgeEvents) StateChanged() {
	if b := *e.bridge; b != nil {
		b.StateChanged()
	}
}

func serveHealth(addr string, q *queue.Queue, sessions *session.Manager, b *bridge.Bridge, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queueLength":  q.Length(),
			"processing":   q.Processing(),
			"sessionCount": sessions.Count(),
			"bridgeStatus": b.Status(),
		})
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("health endpoint failed")
	}
}
