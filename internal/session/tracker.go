package session

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Summary is the registry view of one live session.
type Summary struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Device         string    `json:"device"`
	Language       string    `json:"language"`
	State          string    `json:"state"`
	PipelineMode   string    `json:"pipeline_mode"`
	Quality        string    `json:"quality"`
	StartedAt      time.Time `json:"started_at"`
}

// Handle is what the tracker can do to a registered session.
type Handle struct {
	Cancel  func()
	Warn    func(code, message string) error
	Summary func() Summary
}

// Tracker is the registry of live sessions, used for listing and for
// draining on shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

// Register adds a session. The returned func removes it and is safe to call
// more than once. Registering an ID twice replaces the older entry.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the live sessions, oldest first.
func (t *Tracker) List() []Summary {
	if t == nil {
		return nil
	}
	var fns []func() Summary
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Summary != nil {
			fns = append(fns, entry.handle.Summary)
		}
	}
	t.mu.Unlock()

	out := make([]Summary, 0, len(fns))
	for _, fn := range fns {
		out = append(out, fn())
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// WarnAll sends a recoverable error to every session.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Warn != nil {
			warns = append(warns, entry.handle.Warn)
		}
	}
	t.mu.Unlock()

	for _, warn := range warns {
		if warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

// CancelAll closes every session.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is
// done. It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
