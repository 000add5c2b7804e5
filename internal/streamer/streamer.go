// streamer.go — Write-mostly channel to the records sink. Same reconnect
// curve as the agent bridge with a 2-second floor; inbound frames are
// drained and ignored.
package streamer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/webpilot/webpilot/internal/bridge"
)

const (
	writeWait         = 10 * time.Second
	minReconnectDelay = 2 * time.Second
	exportedFrameType = "export"
)

// Streamer serializes records to the sink endpoint, queueing to an outbox
// while disconnected.
type Streamer struct {
	endpoint string
	dialer   *websocket.Dialer
	log      zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	outbox  [][]byte
	writeMu sync.Mutex
}

// New builds a streamer for the sink endpoint.
func New(endpoint string, log zerolog.Logger) *Streamer {
	return &Streamer{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log.With().Str("component", "streamer").Logger(),
	}
}

// Start runs the connect/drain/reconnect loop until ctx is done.
func (s *Streamer) Start(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			attempt++
			if sleepCtx(ctx, reconnectDelay(attempt)) != nil {
				return
			}
			continue
		}
		attempt = 0

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info().Str("endpoint", s.endpoint).Msg("data sink connected")

		s.flushOutbox()

		// The sink never speaks, but reading is what detects the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Warn().Msg("data sink disconnected")

		attempt++
		if sleepCtx(ctx, reconnectDelay(attempt)) != nil {
			return
		}
	}
}

// Send serializes one record and ships or queues it.
func (s *Streamer) Send(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal record failed")
		return
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.outbox = append(s.outbox, data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.write(conn, data); err != nil {
		s.mu.Lock()
		s.outbox = append(s.outbox, data)
		s.mu.Unlock()
	}
}

// Export marks the end of a capture run on the live stream.
func (s *Streamer) Export() {
	s.Send(map[string]any{"type": exportedFrameType, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// Pending returns the number of frames waiting for a connection.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

func (s *Streamer) flushOutbox() {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || len(pending) == 0 {
		s.requeue(pending)
		return
	}

	for i, frame := range pending {
		if err := s.write(conn, frame); err != nil {
			s.requeue(pending[i:])
			return
		}
	}
}

func (s *Streamer) requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	s.outbox = append(append([][]byte{}, frames...), s.outbox...)
	s.mu.Unlock()
}

func (s *Streamer) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// reconnectDelay follows the bridge curve with a 2-second floor.
func reconnectDelay(attempt int) time.Duration {
	d := bridge.BackoffDelay(attempt)
	if d < minReconnectDelay {
		d = minReconnectDelay
	}
	return d
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
