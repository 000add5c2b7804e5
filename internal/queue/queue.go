// queue.go — Admission control and the single-consumer drain loop.
// Strictly one command executes end-to-end at a time; admission failures
// are logged and surfaced to the caller, never queued.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
	"github.com/webpilot/webpilot/internal/gate"
	"github.com/webpilot/webpilot/internal/ratelimit"
)

// Runner executes one admitted command to its terminal state.
type Runner interface {
	Execute(ctx context.Context, cmd command.Command) command.Result
}

// Recorder persists terminal steps and rejections.
type Recorder interface {
	AppendLog(command.LogEntry) error
	SaveResult(commandID string, sum command.Summary) error
}

// Events receives command results and state-change notifications.
type Events interface {
	CommandResult(commandID string, result command.Result)
	StateChanged()
}

// Queue is the FIFO between admission and execution.
type Queue struct {
	settings *config.Store
	limiter  *ratelimit.Window
	runner   Runner
	recorder Recorder
	events   Events
	log      zerolog.Logger

	mu         sync.Mutex
	items      []command.Command
	processing bool

	wake chan struct{}
}

// New wires a queue. Run must be started for admitted commands to execute.
func New(settings *config.Store, limiter *ratelimit.Window, runner Runner, rec Recorder, events Events, log zerolog.Logger) *Queue {
	return &Queue{
		settings: settings,
		limiter:  limiter,
		runner:   runner,
		recorder: rec,
		events:   events,
		log:      log.With().Str("component", "queue").Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue validates and admits a command. The returned result is either
// {status: queued} or a rejection carrying the admission error; rejected
// commands are logged and never executed.
func (q *Queue) Enqueue(cmd command.Command) command.Result {
	if code := q.admit(cmd); code != "" {
		q.logRejection(cmd, code)
		q.events.StateChanged()
		return command.Rejected(code)
	}

	q.mu.Lock()
	q.items = append(q.items, cmd)
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.log.Debug().Str("id", cmd.ID).Str("type", cmd.Type).Int("depth", depth).Msg("command queued")
	q.events.StateChanged()
	return command.Result{Status: command.StatusQueued}
}

// admit returns the rejection code, or "" on admission. Checks run in
// order: shape, agent control, rate ceiling, domain gate.
func (q *Queue) admit(cmd command.Command) string {
	if cmd.ID == "" || cmd.Type == "" {
		return command.ErrInvalidCommand
	}
	if !q.settings.AgentControlEnabled() {
		return command.ErrAgentDisabled
	}
	if !q.limiter.Admit() {
		return command.ErrRateLimited
	}
	if url := cmd.Payload.String("url", ""); url != "" {
		if !gate.Allowed(url, q.settings.Snapshot().AllowedOrigins) {
			return command.ErrDomainNotAllowed
		}
	}
	return ""
}

func (q *Queue) logRejection(cmd command.Command, code string) {
	q.log.Warn().Str("id", cmd.ID).Str("type", cmd.Type).Str("code", code).Msg("command rejected")
	entry := command.LogEntry{
		ID:        cmd.ID,
		Type:      cmd.Type,
		Status:    command.StatusRejected,
		ErrorCode: code,
		Timestamp: time.Now(),
		URL:       cmd.Payload.String("url", ""),
	}
	if err := q.recorder.AppendLog(entry); err != nil {
		q.log.Error().Err(err).Str("id", cmd.ID).Msg("append rejection log failed")
	}
	if err := q.recorder.SaveResult(cmd.ID, command.Summarize(cmd.Type, command.Rejected(code))); err != nil {
		q.log.Error().Err(err).Str("id", cmd.ID).Msg("persist rejection failed")
	}
}

// Length returns the current queue depth.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processing reports whether a command is currently executing.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Run drains the queue until ctx is done. It is the only consumer; the
// single goroutine makes re-entrant draining structurally impossible.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 || ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		cmd := q.items[0]
		q.items = q.items[1:]
		q.processing = true
		q.mu.Unlock()

		res := q.runner.Execute(ctx, cmd)

		if err := q.recorder.SaveResult(cmd.ID, command.Summarize(cmd.Type, res)); err != nil {
			q.log.Error().Err(err).Str("id", cmd.ID).Msg("persist result failed")
		}
		entry := command.LogEntry{
			ID:        cmd.ID,
			Type:      cmd.Type,
			Status:    res.Status,
			ErrorCode: res.ErrorCode,
			Timestamp: time.Now(),
			URL:       cmd.Payload.String("url", ""),
		}
		if err := q.recorder.AppendLog(entry); err != nil {
			q.log.Error().Err(err).Str("id", cmd.ID).Msg("append log failed")
		}

		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()

		q.events.CommandResult(cmd.ID, res)
		q.events.StateChanged()
	}
}
