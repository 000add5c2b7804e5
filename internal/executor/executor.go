// executor.go — Per-command dispatch. One command executes end-to-end at a
// time; sub-actions run inside their parent's slot against the parent's tab
// and never re-enter the queue.
package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/browser"
	"github.com/webpilot/webpilot/internal/capture"
	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
	"github.com/webpilot/webpilot/internal/schema"
	"github.com/webpilot/webpilot/internal/session"
)

const navigationTimeout = 30 * time.Second

// Additional content-adapter error codes.
const (
	errMissingSelector = "MISSING_SELECTOR"
	errElementNotFound = "ELEMENT_NOT_FOUND"
)

// Sink streams records to the data destination.
type Sink interface {
	Send(record any)
	Export()
}

// Recorder persists terminal steps.
type Recorder interface {
	AppendLog(command.LogEntry) error
	SaveResult(commandID string, sum command.Summary) error
}

// Events receives per-command notifications for the agent.
type Events interface {
	CommandResult(commandID string, result command.Result)
}

// Executor dispatches commands by verb. It owns no queueing; the queue's
// drain loop calls Execute, and handlers recurse through runStep for
// sub-actions.
type Executor struct {
	browser      browser.Browser
	sessions     *session.Manager
	settings     *config.Store
	recorder     Recorder
	sink         Sink
	events       Events
	transformers capture.TransformerSet
	log          zerolog.Logger

	// jitter returns a uniform draw from [0, n); swapped in tests.
	jitter func(n int) int
}

// New wires an executor.
func New(b browser.Browser, sessions *session.Manager, settings *config.Store, rec Recorder, sink Sink, events Events, log zerolog.Logger) *Executor {
	return &Executor{
		browser:      b,
		sessions:     sessions,
		settings:     settings,
		recorder:     rec,
		sink:         sink,
		events:       events,
		transformers: capture.Defaults(),
		log:          log.With().Str("component", "executor").Logger(),
		jitter:       rand.Intn,
	}
}

// Execute runs one command to its terminal state.
func (e *Executor) Execute(ctx context.Context, cmd command.Command) command.Result {
	switch cmd.Type {
	case command.OpenURL:
		return e.handleOpenURL(ctx, cmd)
	case command.Wait:
		return e.handleWait(ctx, cmd)
	case command.ScrollToBottom:
		return e.handleScroll(ctx, cmd)
	case command.Click:
		return e.handleClick(ctx, cmd)
	case command.CaptureJSON:
		return e.handleCapture(ctx, cmd)
	case command.ExtractSchema:
		return e.handleExtract(ctx, cmd)
	case command.ExecuteSearchTask:
		return e.handleSearchTask(ctx, cmd)
	default:
		e.log.Warn().Str("type", cmd.Type).Str("id", cmd.ID).Msg("unknown command verb")
		return command.Failed(command.ErrInvalidCommand)
	}
}

// runStep executes an internal command (sub-action or search page) and
// persists its own result summary, log entry, and result event, exactly
// like a top-level command's terminal bookkeeping.
func (e *Executor) runStep(ctx context.Context, cmd command.Command) command.Result {
	res := e.Execute(ctx, cmd)

	if err := e.recorder.SaveResult(cmd.ID, command.Summarize(cmd.Type, res)); err != nil {
		e.log.Error().Err(err).Str("id", cmd.ID).Msg("persist step result failed")
	}
	entry := command.LogEntry{
		ID:        cmd.ID,
		Type:      cmd.Type,
		Status:    res.Status,
		ErrorCode: res.ErrorCode,
		Timestamp: time.Now(),
		URL:       cmd.Payload.String("url", ""),
	}
	if err := e.recorder.AppendLog(entry); err != nil {
		e.log.Error().Err(err).Str("id", cmd.ID).Msg("append step log failed")
	}
	e.events.CommandResult(cmd.ID, res)
	return res
}

// handleOpenURL reserves a tab slot, opens the URL, attaches the probe,
// registers the session, then runs sub-actions in order against the tab.
// Records returned by sub-actions aggregate into the parent result.
func (e *Executor) handleOpenURL(ctx context.Context, cmd command.Command) command.Result {
	url := cmd.Payload.String("url", "")
	if url == "" {
		return command.Failed(command.ErrInvalidCommand)
	}

	if err := e.sessions.ReserveSlot(ctx); err != nil {
		return command.Failed(command.ErrUnknown)
	}

	tab, err := e.browser.OpenTab(ctx, url, navigationTimeout)
	if err != nil {
		if errors.Is(err, browser.ErrNavigationTimeout) {
			return command.Failed(command.ErrNavigationTimeout)
		}
		e.log.Error().Err(err).Str("url", url).Msg("open tab failed")
		return command.Failed(command.ErrUnknown)
	}

	settings := e.settings.Snapshot()
	tabID := tab.ID()

	// The probe resolves its session per event so bodies arriving after
	// cleanup find no buffer to land in.
	sink := func(respURL string, raw []byte) {
		if s, ok := e.sessions.Get(tabID); ok {
			s.AddBody(respURL, raw)
		}
	}
	filter := browser.ProbeFilter{HostSubstring: settings.CaptureHostFilter}
	if err := tab.AttachProbe(ctx, filter, sink); err != nil {
		e.log.Error().Err(err).Int64("tab", tabID).Msg("probe attach failed")
		_ = tab.Close(ctx)
		return command.Failed(command.ErrAttachFailed)
	}

	e.sessions.Open(tab, cmd.ID, settings)

	actions := cmd.Subactions()
	result := command.Result{Status: command.StatusCompleted, TabID: tabID}
	if len(actions) == 0 {
		return result
	}

	succeeded := 0
	firstError := ""
	for i, act := range actions {
		payload := command.Payload{}
		for k, v := range act.Payload {
			payload[k] = v
		}
		payload["tabId"] = tabID

		sub := command.Command{
			ID:      command.SubactionID(cmd.ID, i, act.Type),
			Type:    act.Type,
			Payload: payload,
		}
		res := e.runStep(ctx, sub)
		if res.Completed() {
			succeeded++
		} else if firstError == "" {
			firstError = res.ErrorCode
		}
		result.Records = append(result.Records, res.Records...)
	}

	// A parent with sub-actions fails only when nothing succeeded.
	if succeeded == 0 {
		result.Status = command.StatusFailed
		result.ErrorCode = firstError
		if result.ErrorCode == "" {
			result.ErrorCode = command.ErrUnknown
		}
	}
	return result
}

func (e *Executor) handleWait(ctx context.Context, cmd command.Command) command.Result {
	ms := cmd.Payload.Int("milliseconds", 1000)
	if err := cooperativeSleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return command.Failed(command.ErrUnknown)
	}
	return command.Result{Status: command.StatusCompleted}
}

func (e *Executor) handleScroll(ctx context.Context, cmd command.Command) command.Result {
	sess, res := e.sessionFor(cmd)
	if sess == nil {
		return res
	}

	step := cmd.Payload.Int("step", 800)
	delay := time.Duration(cmd.Payload.Int("delay", 500)) * time.Millisecond
	maxIterations := cmd.Payload.Int("maxIterations", 20)

	iterations, err := sess.Tab.ScrollToBottom(ctx, step, delay, maxIterations)
	if err != nil {
		e.log.Warn().Err(err).Str("id", cmd.ID).Msg("scroll failed")
		return command.Failed(command.ErrContentScript)
	}
	return command.Result{
		Status: command.StatusCompleted,
		Data:   map[string]any{"iterations": iterations},
	}
}

func (e *Executor) handleClick(ctx context.Context, cmd command.Command) command.Result {
	sess, res := e.sessionFor(cmd)
	if sess == nil {
		return res
	}

	selector := cmd.Payload.String("selector", "")
	if selector == "" {
		return command.Failed(errMissingSelector)
	}
	maxTimes := cmd.Payload.Int("maxTimes", 1)
	delay := time.Duration(cmd.Payload.Int("delay", 500)) * time.Millisecond

	clicks, err := sess.Tab.Click(ctx, selector, maxTimes, delay)
	if err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return command.Failed(errElementNotFound)
		}
		e.log.Warn().Err(err).Str("selector", selector).Msg("click failed")
		return command.Failed(command.ErrContentScript)
	}
	return command.Result{
		Status: command.StatusCompleted,
		Data:   map[string]any{"clicks": clicks},
	}
}

// handleCapture parses everything buffered so far — navigation, scroll,
// and wait phases all feed the same buffer — then destroys the session.
func (e *Executor) handleCapture(ctx context.Context, cmd command.Command) command.Result {
	sess, res := e.sessionFor(cmd)
	if sess == nil {
		return res
	}

	captureType := cmd.Payload.String("captureType", session.ModeListings)
	if captureType != session.ModeListings && captureType != session.ModeReviews {
		return command.Failed(command.ErrInvalidCommand)
	}
	waitFor := time.Duration(cmd.Payload.Int("waitForMs", 5000)) * time.Millisecond
	closeTab := cmd.Payload.Bool("closeTab", true)

	sess.SetCaptureMode(captureType)
	if err := cooperativeSleep(ctx, waitFor); err != nil {
		return command.Failed(command.ErrUnknown)
	}

	outcome := capture.Records(sess.Bodies(), captureType, sess.Settings.MaxResponseBodyBytes, e.transformers)
	if outcome.ParseFailures > 0 || outcome.Skipped > 0 {
		e.log.Info().
			Int("parseFailures", outcome.ParseFailures).
			Int("oversized", outcome.Skipped).
			Str("id", cmd.ID).
			Msg("capture dropped bodies")
	}

	tabID := sess.Tab.ID()
	if closeTab {
		e.sessions.Cleanup(ctx, tabID)
	} else {
		e.sessions.Remove(ctx, tabID)
	}

	return command.Result{
		Status:  command.StatusCompleted,
		Records: outcome.Records,
	}
}

func (e *Executor) handleExtract(ctx context.Context, cmd command.Command) command.Result {
	sess, res := e.sessionFor(cmd)
	if sess == nil {
		return res
	}

	extracted, err := sess.Tab.ExtractSchema(ctx, cmd.Payload.Strings("types"))
	if err != nil {
		e.log.Warn().Err(err).Str("id", cmd.ID).Msg("schema extraction failed")
		return command.Failed(command.ErrContentScript)
	}

	valid, rejected := schema.Partition(extracted.Listings)
	streamed := 0
	for _, listing := range valid {
		e.sink.Send(command.Record{Source: "dom", CaptureType: session.ModeListings, Listing: listing})
		streamed++
	}

	return command.Result{
		Status:             command.StatusCompleted,
		ItemsStreamed:      streamed,
		TotalListingsFound: len(extracted.Listings),
		RejectedCount:      rejected,
		SchemaCount:        len(extracted.Schemas),
	}
}

// sessionFor resolves the session a tab-bound verb targets. A nil session
// comes back with the failure result to return.
func (e *Executor) sessionFor(cmd command.Command) (*session.Session, command.Result) {
	tabID := int64(cmd.Payload.Int("tabId", 0))
	if tabID == 0 {
		return nil, command.Failed(command.ErrInvalidCommand)
	}
	sess, ok := e.sessions.Get(tabID)
	if !ok {
		return nil, command.Failed(command.ErrInvalidCommand)
	}
	return sess, command.Result{}
}

func cooperativeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
