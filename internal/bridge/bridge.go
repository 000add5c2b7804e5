// bridge.go — The agent-facing transport: a persistent WebSocket client
// with auto-reconnect and an outbox that preserves event frames across
// disconnects. Request envelopes always get exactly one response frame,
// even when the control handler rejects the request.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
)

// Bridge connection states.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Wire envelope kinds.
const (
	envelopeAgentMessage      = "agent-message"
	envelopeExtensionResponse = "extension-response"
)

const writeWait = 10 * time.Second

// ExtensionState is the snapshot frame the agent sees.
type ExtensionState struct {
	Settings     config.Settings    `json:"settings"`
	QueueLength  int                `json:"queueLength"`
	Processing   bool               `json:"processing"`
	Logs         []command.LogEntry `json:"logs"`
	BridgeStatus string             `json:"bridgeStatus"`
}

// Control is the executor-side surface the bridge dispatches requests into.
type Control interface {
	Enqueue(cmd command.Command) command.Result
	Snapshot() ExtensionState
	ToggleAgentControl(enabled bool) (config.Settings, error)
	ExportData() string
}

type requestEnvelope struct {
	Envelope  string          `json:"envelope"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type responseEnvelope struct {
	Envelope  string `json:"envelope"`
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload"`
}

type controlPayload struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// Bridge maintains the agent connection.
type Bridge struct {
	endpoint string
	control  Control
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu      sync.Mutex
	status  string
	conn    *websocket.Conn
	outbox  [][]byte
	writeMu sync.Mutex
}

// New builds a bridge for the configured endpoint.
func New(endpoint string, control Control, log zerolog.Logger) *Bridge {
	return &Bridge{
		endpoint: endpoint,
		control:  control,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log.With().Str("component", "bridge").Logger(),
		status:   StatusDisconnected,
	}
}

// Status returns the current connection state.
func (b *Bridge) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Start runs the connect/read/reconnect loop until ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		b.setStatus(StatusConnecting)

		conn, _, err := b.dialer.DialContext(ctx, b.endpoint, nil)
		if err != nil {
			attempt++
			delay := BackoffDelay(attempt)
			b.setStatus(StatusDisconnected)
			b.log.Debug().Err(err).Int("attempt", attempt).Dur("retryIn", delay).Msg("dial failed")
			if sleepCtx(ctx, delay) != nil {
				return
			}
			continue
		}
		attempt = 0

		b.mu.Lock()
		b.conn = conn
		b.status = StatusConnected
		b.mu.Unlock()
		b.log.Info().Str("endpoint", b.endpoint).Msg("agent transport connected")

		// Snapshot first so the agent can anchor any replayed events, then
		// drain everything queued while disconnected, oldest first.
		b.Emit(map[string]any{"type": "extensionState", "payload": b.snapshot()})
		b.flushOutbox()

		b.readLoop(ctx, conn)

		b.mu.Lock()
		b.conn = nil
		b.status = StatusDisconnected
		b.mu.Unlock()
		_ = conn.Close()
		b.log.Warn().Msg("agent transport disconnected")

		attempt++
		if sleepCtx(ctx, BackoffDelay(attempt)) != nil {
			return
		}
	}
}

func (b *Bridge) setStatus(status string) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Emit sends an event frame, or queues it while disconnected. FIFO order
// is preserved in both paths.
func (b *Bridge) Emit(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal event failed")
		return
	}

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.outbox = append(b.outbox, data)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.write(conn, data); err != nil {
		b.mu.Lock()
		b.outbox = append(b.outbox, data)
		b.mu.Unlock()
	}
}

// CommandResult emits a per-command result event.
func (b *Bridge) CommandResult(commandID string, result command.Result) {
	b.Emit(map[string]any{"type": "commandResult", "commandId": commandID, "result": result})
}

// StateChanged broadcasts a fresh extension-state snapshot.
func (b *Bridge) StateChanged() {
	b.Emit(map[string]any{"type": "extensionState", "payload": b.snapshot()})
}

// snapshot stamps the control state with the live connection status.
func (b *Bridge) snapshot() ExtensionState {
	state := b.control.Snapshot()
	state.BridgeStatus = b.Status()
	return state
}

func (b *Bridge) flushOutbox() {
	b.mu.Lock()
	pending := b.outbox
	b.outbox = nil
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || len(pending) == 0 {
		b.requeue(pending)
		return
	}

	for i, frame := range pending {
		if err := b.write(conn, frame); err != nil {
			b.requeue(pending[i:])
			return
		}
	}
}

// requeue puts unsent frames back at the head of the outbox.
func (b *Bridge) requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	b.mu.Lock()
	b.outbox = append(append([][]byte{}, frames...), b.outbox...)
	b.mu.Unlock()
}

func (b *Bridge) write(conn *websocket.Conn, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env requestEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Envelope != envelopeAgentMessage {
			b.log.Debug().Msg("ignoring non-request frame")
			continue
		}

		resp := b.dispatch(env.Payload)
		out := responseEnvelope{
			Envelope:  envelopeExtensionResponse,
			RequestID: env.RequestID,
			Payload:   resp,
		}
		frame, err := json.Marshal(out)
		if err != nil {
			frame, _ = json.Marshal(responseEnvelope{
				Envelope:  envelopeExtensionResponse,
				RequestID: env.RequestID,
				Payload:   map[string]any{"ok": false, "error": command.ErrUnknown},
			})
		}
		if err := b.write(conn, frame); err != nil {
			b.log.Error().Err(err).Str("requestId", env.RequestID).Msg("response write failed")
			return
		}
	}
}

// dispatch routes one control payload. Every path returns a payload;
// silent drops are a bug by contract.
func (b *Bridge) dispatch(raw json.RawMessage) any {
	var payload controlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"ok": false, "error": command.ErrInvalidCommand}
	}

	switch payload.Type {
	case "enqueueCommand":
		var cmd command.Command
		if err := json.Unmarshal(payload.Command, &cmd); err != nil {
			return map[string]any{"ok": false, "error": command.ErrInvalidCommand}
		}
		return map[string]any{"ok": true, "result": b.control.Enqueue(cmd)}

	case "getExtensionState":
		return b.snapshot()

	case "toggleAgentControl":
		enabled := false
		if payload.Enabled != nil {
			enabled = *payload.Enabled
		}
		settings, err := b.control.ToggleAgentControl(enabled)
		if err != nil {
			b.log.Error().Err(err).Msg("agent-control toggle persistence failed")
		}
		return map[string]any{"ok": true, "settings": settings}

	case "exportData":
		return map[string]any{"ok": true, "message": b.control.ExportData()}

	default:
		return map[string]any{"ok": false, "error": command.ErrUnknownMessageType}
	}
}

// BackoffDelay computes the reconnect delay for the k-th attempt:
// 1 s, 4 s, 9 s, then capped at 15 s.
func BackoffDelay(attempt int) time.Duration {
	k := attempt
	if k > 5 {
		k = 5
	}
	delay := time.Duration(k*k) * time.Second
	if delay > 15*time.Second {
		delay = 15 * time.Second
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
