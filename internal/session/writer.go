package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
)

// ErrBackpressure is returned by the writer when the client stopped reading
// and the outbound buffer filled up.
var ErrBackpressure = errors.New("outbound buffer overflow")

// Conn is the socket the writer goroutine owns. *websocket.Conn satisfies it.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outbox is the bounded outbound queue. send never blocks: a full queue
// marks the outbox overflowed and every later send fails.
type outbox struct {
	mu       sync.Mutex
	seq      int64
	frames   chan []byte
	overflow chan struct{}
	closed   bool
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = 256
	}
	return &outbox{
		frames:   make(chan []byte, size),
		overflow: make(chan struct{}),
	}
}

// send stamps env with the next sequence number and queues it.
func (b *outbox) send(env protocol.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	data, err := b.stamp(&env)
	if err != nil {
		slog.Error("outbound marshal failed", "type", env.Type, "error", err)
		return false
	}
	select {
	case b.frames <- data:
		return true
	default:
		b.closed = true
		close(b.overflow)
		return false
	}
}

// final stamps env for delivery outside the queue, after an overflow.
func (b *outbox) final(env protocol.Envelope) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.stamp(&env)
	if err != nil {
		return nil
	}
	return data
}

func (b *outbox) stamp(env *protocol.Envelope) ([]byte, error) {
	env.Sequence = b.seq + 1
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	b.seq++
	return data, nil
}

// Sequence is the number of the last stamped envelope.
func (b *outbox) sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// outboundWriter drains the outbox into the socket, sends heartbeats and
// pings, and closes the socket when the session ends.
type outboundWriter struct {
	conn Conn
	box  *outbox
	cfg  Config
	now  func() time.Time
}

func (w *outboundWriter) Run(done <-chan struct{}) error {
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()

	for {
		// An overflow preempts whatever is still queued.
		select {
		case <-w.box.overflow:
			return w.abort()
		default:
		}

		select {
		case <-done:
			w.flush()
			w.closeConn(websocket.CloseNormalClosure, "")
			return nil
		case <-w.box.overflow:
			return w.abort()
		case data := <-w.box.frames:
			if err := w.write(data); err != nil {
				_ = w.conn.Close()
				return err
			}
		case <-heartbeat.C:
			w.box.send(protocol.Envelope{Type: protocol.TypeHeartbeat, Timestamp: w.now().UnixMilli()})
		case <-ping.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				_ = w.conn.Close()
				return err
			}
		}
	}
}

// abort writes the backpressure error ahead of the backlog and closes.
func (w *outboundWriter) abort() error {
	env := protocol.ErrorEnvelope(protocol.CodeBackpressure, "client is not reading fast enough", false)
	if data := w.box.final(env); data != nil {
		_ = w.write(data)
	}
	w.closeConn(websocket.ClosePolicyViolation, "backpressure")
	return ErrBackpressure
}

// flush writes what is already queued, bounded by the write timeout, so a
// closing error message reaches the client.
func (w *outboundWriter) flush() {
	deadline := time.Now().Add(w.cfg.WriteTimeout)
	for time.Now().Before(deadline) {
		select {
		case data := <-w.box.frames:
			if err := w.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *outboundWriter) closeConn(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteTimeout))
	_ = w.conn.Close()
}
