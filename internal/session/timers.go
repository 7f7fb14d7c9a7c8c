package session

import (
	"context"
	"time"
)

type timerKind int

const (
	timerRollback  timerKind = iota // misfire rollback window
	timerClassify                   // upper bound on an unclassified barge-in
	timerGrace                      // soft-barge grace period
	timerEndOfTurn                  // predicted silence before committing the utterance
	timerIdle
)

func (k timerKind) String() string {
	switch k {
	case timerRollback:
		return "rollback"
	case timerClassify:
		return "classify"
	case timerGrace:
		return "grace"
	case timerEndOfTurn:
		return "end_of_turn"
	case timerIdle:
		return "idle"
	default:
		return "unknown"
	}
}

type timerFire struct {
	kind timerKind
	gen  uint64
}

// timerSet runs the per-session timers. Fires are delivered on C and must
// be checked with take: a fire from a timer that was stopped or re-armed
// after it went off is stale. Everything but the fire goroutines is owned
// by the session loop.
type timerSet struct {
	ctx   context.Context
	ch    chan timerFire
	gens  map[timerKind]uint64
	stops map[timerKind]func() bool
}

func newTimerSet(ctx context.Context) *timerSet {
	return &timerSet{
		ctx:   ctx,
		ch:    make(chan timerFire, 8),
		gens:  make(map[timerKind]uint64),
		stops: make(map[timerKind]func() bool),
	}
}

func (t *timerSet) C() <-chan timerFire { return t.ch }

// arm (re)starts kind to fire after d.
func (t *timerSet) arm(kind timerKind, d time.Duration) {
	t.stop(kind)
	gen := t.gens[kind]
	tm := time.AfterFunc(max(d, 0), func() {
		select {
		case t.ch <- timerFire{kind: kind, gen: gen}:
		case <-t.ctx.Done():
		}
	})
	t.stops[kind] = tm.Stop
}

// stop cancels kind; a fire already in flight becomes stale.
func (t *timerSet) stop(kind timerKind) {
	if stop, ok := t.stops[kind]; ok {
		stop()
		delete(t.stops, kind)
	}
	t.gens[kind]++
}

func (t *timerSet) armed(kind timerKind) bool {
	_, ok := t.stops[kind]
	return ok
}

// take reports whether f is the live fire of its timer and disarms it.
func (t *timerSet) take(f timerFire) bool {
	if f.gen != t.gens[f.kind] || !t.armed(f.kind) {
		return false
	}
	delete(t.stops, f.kind)
	return true
}

func (t *timerSet) stopAll() {
	for kind := range t.stops {
		t.stop(kind)
	}
}
