package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen     = 500
	tracerBuffer = 128
	writeTimeout = 5 * time.Second
)

// writer is the slice of Store the tracer uses.
type writer interface {
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	EndSession(ctx context.Context, id, reason, quality string, endedAt time.Time) error
	CreateTurn(ctx context.Context, t Turn) error
	UpdateTurn(ctx context.Context, t Turn) error
	CreateBargeIn(ctx context.Context, b BargeIn) error
}

type traceMsg struct {
	kind    string // "session_update", "session_end", "turn_create", "turn_update", "barge_in"
	session Session
	turn    Turn
	bargeIn BargeIn
	reason  string
	quality string
	at      time.Time
}

// Tracer writes one session's trace asynchronously. Writes never block the
// caller: when the buffer is full the record is dropped and logged.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	store     writer
	sessionID string
	redact    bool

	mu     sync.RWMutex
	closed bool
	ch     chan traceMsg
	done   chan struct{}
}

// NewTracer records sess and starts the background writer. Must call Close
// when done.
func NewTracer(store *Store, sess Session) *Tracer {
	if store == nil {
		return nil
	}
	return newTracer(store, sess)
}

func newTracer(store writer, sess Session) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sess.ID,
		redact:    true,
		ch:        make(chan traceMsg, tracerBuffer),
		done:      make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := store.CreateSession(ctx, sess); err != nil {
		slog.Warn("trace session create failed", "session_id", sess.ID, "error", err)
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	handlers := map[string]func() error{
		"session_update": func() error { return t.store.UpdateSession(ctx, m.session) },
		"session_end":    func() error { return t.store.EndSession(ctx, t.sessionID, m.reason, m.quality, m.at) },
		"turn_create":    func() error { return t.store.CreateTurn(ctx, m.turn) },
		"turn_update":    func() error { return t.store.UpdateTurn(ctx, m.turn) },
		"barge_in":       func() error { return t.store.CreateBargeIn(ctx, m.bargeIn) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "session_id", t.sessionID, "error", err)
	}
}

func (t *Tracer) send(m traceMsg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace buffer full, record dropped", "kind", m.kind, "session_id", t.sessionID)
	}
}

// SetConsent updates the negotiated session fields. Transcripts are stored
// only when persist is true; otherwise they are reduced to their length.
func (t *Tracer) SetConsent(sess Session, persist bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.redact = !persist
	t.mu.Unlock()
	sess.ID = t.sessionID
	t.send(traceMsg{kind: "session_update", session: sess})
}

// StartTurn begins a turn and returns its ID.
func (t *Tracer) StartTurn(at time.Time) string {
	id := uuid.NewString()
	if t == nil {
		return id
	}
	t.send(traceMsg{kind: "turn_create", turn: Turn{ID: id, SessionID: t.sessionID, StartedAt: at}})
	return id
}

// EndTurn finalizes a turn.
func (t *Tracer) EndTurn(id string, duration time.Duration, transcript, response, status string) {
	if t == nil || id == "" {
		return
	}
	t.send(traceMsg{kind: "turn_update", turn: Turn{
		ID:         id,
		SessionID:  t.sessionID,
		DurationMs: float64(duration.Milliseconds()),
		Transcript: t.text(transcript),
		Response:   t.text(response),
		Status:     status,
	}})
}

// RecordBargeIn stores a classified barge-in.
func (t *Tracer) RecordBargeIn(b BargeIn) {
	if t == nil {
		return
	}
	b.ID = uuid.NewString()
	b.SessionID = t.sessionID
	b.Transcript = t.text(b.Transcript)
	t.send(traceMsg{kind: "barge_in", bargeIn: b})
}

// End records the close reason and final connection quality.
func (t *Tracer) End(reason, quality string, at time.Time) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "session_end", reason: reason, quality: quality, at: at})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

func (t *Tracer) text(s string) string {
	t.mu.RLock()
	redact := t.redact
	t.mu.RUnlock()
	if redact {
		if s == "" {
			return ""
		}
		return fmt.Sprintf("[redacted %d chars]", len([]rune(s)))
	}
	return truncate(s, maxIOLen)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
