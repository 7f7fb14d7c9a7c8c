// Package scheduler owns the outbound synthesized-audio timeline of a session.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
)

// ErrQueueCorrupt reports a violated queue invariant. It is fatal for the session.
var ErrQueueCorrupt = errors.New("playback queue corrupt")

// WordTiming places one synthesized word within its chunk.
type WordTiming struct {
	Word    string `json:"word"`
	StartMs int    `json:"start_ms"`
	EndMs   int    `json:"end_ms"`
}

// Chunk is one timestamped PCM16 buffer produced by TTS.
type Chunk struct {
	PCM           []byte
	SampleRate    int
	Channels      int
	StartOffsetMs int // position within the utterance
	Words         []WordTiming
	SentenceIndex int
	IsFinal       bool
}

// Duration is derived from the payload size.
func (c Chunk) Duration() time.Duration {
	return audio.PCM16Duration(len(c.PCM), c.SampleRate, c.Channels)
}

// Output is the playback device. The session implements it by emitting
// protocol messages to the client.
type Output interface {
	Play(c Chunk, at time.Time) error
	Ramp(from, to float64, d time.Duration) error
	Suspend() error
	Resume() error
}

// EventKind names a scheduler telemetry event.
type EventKind string

const (
	EventQueueOverflow EventKind = "queue_overflow"
	EventDriftReset    EventKind = "schedule_drift_reset"
	EventSuspendFailed EventKind = "output_suspend_failed"
	EventRampFailed    EventKind = "output_ramp_failed"
)

// Event is reported through the OnEvent hook.
type Event struct {
	Kind            EventKind
	At              time.Time
	Dropped         int
	DroppedDuration time.Duration
	Drift           time.Duration
	Err             error
	// Coalesced marks drops within a breach that was already reported.
	Coalesced bool
}

// Config holds the scheduling thresholds.
type Config struct {
	MaxQueued        time.Duration // hard cap on queued audio
	Epsilon          time.Duration // offset applied when the schedule is reset
	Lead             time.Duration // how far ahead of its slot a chunk is dispatched
	RampDuration     time.Duration // mute ramp, at most 50ms
	WatchdogInterval time.Duration
	DriftThreshold   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueued:        1000 * time.Millisecond,
		Epsilon:          20 * time.Millisecond,
		Lead:             120 * time.Millisecond,
		RampDuration:     50 * time.Millisecond,
		WatchdogInterval: 500 * time.Millisecond,
		DriftThreshold:   1000 * time.Millisecond,
	}
}

const maxRamp = 50 * time.Millisecond

// MuteReport describes one InstantMute.
type MuteReport struct {
	StartedAt time.Time
	// MicActiveAt is when capture of the interrupting speech began. It is
	// never later than RampEndsAt.
	MicActiveAt       time.Time
	RampEndsAt        time.Time
	FromGain          float64
	Discarded         int
	DiscardedDuration time.Duration
	AlreadyMuted      bool
	RampErr           error
}

// Scheduler is not safe for concurrent use; it belongs to the session loop.
type Scheduler struct {
	cfg     Config
	out     Output
	onEvent func(Event)

	queue         []Chunk
	queued        time.Duration
	nextScheduled time.Time
	breach        bool

	gain        float64
	restoreGain float64
	muted       bool
	suspendAt   time.Time // pending post-ramp suspension
	suspended   bool
	tail        []Chunk // discarded by the last mute
}

// New creates a scheduler writing to out. onEvent may be nil.
func New(cfg Config, out Output, onEvent func(Event)) *Scheduler {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultConfig().MaxQueued
	}
	if cfg.RampDuration <= 0 || cfg.RampDuration > maxRamp {
		cfg.RampDuration = maxRamp
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Scheduler{cfg: cfg, out: out, onEvent: onEvent, gain: 1, restoreGain: 1}
}

// Queued is the cumulative duration of chunks not yet dispatched.
func (s *Scheduler) Queued() time.Duration { return s.queued }

// Len is the number of queued chunks.
func (s *Scheduler) Len() int { return len(s.queue) }

// Headroom is how much audio can be enqueued without overflowing.
func (s *Scheduler) Headroom() time.Duration { return max(0, s.cfg.MaxQueued-s.queued) }

// Gain is the current output gain.
func (s *Scheduler) Gain() float64 { return s.gain }

// Muted reports whether an InstantMute is in effect.
func (s *Scheduler) Muted() bool { return s.muted }

// Suspended reports whether the output device is suspended.
func (s *Scheduler) Suspended() bool { return s.suspended }

// NextScheduled is the playback time of the next dispatched chunk; zero when idle.
func (s *Scheduler) NextScheduled() time.Time { return s.nextScheduled }

// Enqueue appends a chunk. If the queue exceeds the cap the oldest chunks are
// dropped until it fits and the schedule restarts at now+ε. Every drop is
// reported; all but the first of a breach are marked Coalesced.
func (s *Scheduler) Enqueue(now time.Time, c Chunk) {
	d := c.Duration()
	if d <= 0 {
		return
	}
	s.queue = append(s.queue, c)
	s.queued += d
	if s.queued <= s.cfg.MaxQueued {
		return
	}

	dropped, droppedDur := s.dropOldest(s.queued - s.cfg.MaxQueued)
	s.nextScheduled = now.Add(s.cfg.Epsilon)
	s.onEvent(Event{Kind: EventQueueOverflow, At: now, Dropped: dropped, DroppedDuration: droppedDur, Coalesced: s.breach})
	s.breach = true
}

// dropOldest removes chunks from the head until at least excess has been removed.
func (s *Scheduler) dropOldest(excess time.Duration) (int, time.Duration) {
	var n int
	var removed time.Duration
	for len(s.queue) > 0 && removed < excess {
		removed += s.queue[0].Duration()
		s.queue[0] = Chunk{}
		s.queue = s.queue[1:]
		n++
	}
	s.queued -= removed
	return n, removed
}

// Tick completes a pending suspension, dispatches every chunk whose slot
// starts within the lead window and validates the queue.
func (s *Scheduler) Tick(now time.Time) error {
	if !s.suspendAt.IsZero() && !now.Before(s.suspendAt) {
		s.suspendAt = time.Time{}
		if err := s.out.Suspend(); err != nil {
			s.onEvent(Event{Kind: EventSuspendFailed, At: now, Err: err})
		} else {
			s.suspended = true
		}
	}

	if !s.muted {
		if err := s.dispatch(now); err != nil {
			return err
		}
	}
	return s.validate()
}

func (s *Scheduler) dispatch(now time.Time) error {
	if len(s.queue) == 0 {
		return nil
	}
	if s.nextScheduled.Before(now) {
		s.nextScheduled = now
	}
	for len(s.queue) > 0 && s.nextScheduled.Sub(now) <= s.cfg.Lead {
		c := s.queue[0]
		if err := s.out.Play(c, s.nextScheduled); err != nil {
			return fmt.Errorf("play chunk %d: %w", c.SentenceIndex, err)
		}
		d := c.Duration()
		s.queue[0] = Chunk{}
		s.queue = s.queue[1:]
		s.queued -= d
		s.nextScheduled = s.nextScheduled.Add(d)
		s.breach = false
	}
	return nil
}

func (s *Scheduler) validate() error {
	var sum time.Duration
	for _, c := range s.queue {
		sum += c.Duration()
	}
	if sum != s.queued {
		return fmt.Errorf("%w: queued %v, chunks sum to %v", ErrQueueCorrupt, s.queued, sum)
	}
	if s.queued > s.cfg.MaxQueued {
		return fmt.Errorf("%w: queued %v over cap %v", ErrQueueCorrupt, s.queued, s.cfg.MaxQueued)
	}
	return nil
}

// InstantMute ramps gain to zero, clears the queue into the discarded tail,
// resets scheduling and arms output suspension for when the ramp ends. None
// of these wait on each other. Microphone capture is reported active at the
// instant the ramp starts.
func (s *Scheduler) InstantMute(now time.Time) MuteReport {
	if s.muted {
		return MuteReport{StartedAt: now, MicActiveAt: now, RampEndsAt: now, AlreadyMuted: true}
	}

	rep := MuteReport{
		StartedAt:         now,
		MicActiveAt:       now,
		RampEndsAt:        now.Add(s.cfg.RampDuration),
		FromGain:          s.gain,
		Discarded:         len(s.queue),
		DiscardedDuration: s.queued,
	}
	rep.RampErr = s.out.Ramp(s.gain, 0, s.cfg.RampDuration)

	s.restoreGain = s.gain
	s.gain = 0
	s.muted = true
	s.tail = s.queue
	s.queue = nil
	s.queued = 0
	s.nextScheduled = time.Time{}
	s.breach = false
	s.suspendAt = rep.RampEndsAt
	return rep
}

// ResumeFromLastGood undoes an InstantMute when the interruption did not take
// the turn, either a false positive or a backchannel. It restores the
// pre-mute gain, un-suspends output and re-queues the discarded tail ahead
// of anything enqueued while muted. It reports whether there was a mute to
// undo.
func (s *Scheduler) ResumeFromLastGood(now time.Time) bool {
	if !s.muted {
		return false
	}
	s.suspendAt = time.Time{}
	if s.suspended {
		if err := s.out.Resume(); err != nil {
			s.onEvent(Event{Kind: EventSuspendFailed, At: now, Err: err})
		}
		s.suspended = false
	}
	if err := s.out.Ramp(0, s.restoreGain, s.cfg.RampDuration); err != nil {
		s.onEvent(Event{Kind: EventRampFailed, At: now, Err: err})
	}
	s.gain = s.restoreGain
	s.muted = false

	pending := s.queue
	s.queue = append(s.tail, pending...)
	s.tail = nil
	s.queued = 0
	for _, c := range s.queue {
		s.queued += c.Duration()
	}
	if s.queued > s.cfg.MaxQueued {
		dropped, droppedDur := s.dropOldest(s.queued - s.cfg.MaxQueued)
		s.breach = true
		s.onEvent(Event{Kind: EventQueueOverflow, At: now, Dropped: dropped, DroppedDuration: droppedDur})
	}
	s.nextScheduled = now.Add(s.cfg.Epsilon)
	return true
}

// SetGain ramps the output to g without touching the queue. It is how soft
// interruptions duck the AI voice.
func (s *Scheduler) SetGain(now time.Time, g float64) error {
	g = max(0, min(1, g))
	if s.muted {
		s.restoreGain = g
		return nil
	}
	if g == s.gain {
		return nil
	}
	from := s.gain
	s.gain = g
	if err := s.out.Ramp(from, g, s.cfg.RampDuration); err != nil {
		return fmt.Errorf("ramp gain %.2f->%.2f: %w", from, g, err)
	}
	return nil
}

// Watchdog compares the schedule to the audio clock. When they drift apart
// by more than the threshold with audio queued, the audio that should
// already have played is trimmed and the schedule restarts at now+ε.
func (s *Scheduler) Watchdog(now time.Time) {
	if len(s.queue) == 0 || s.nextScheduled.IsZero() || s.muted {
		return
	}
	drift := s.nextScheduled.Sub(now)
	if drift < 0 {
		drift = -drift
	}
	if drift <= s.cfg.DriftThreshold {
		return
	}

	var dropped int
	var droppedDur time.Duration
	if s.nextScheduled.Before(now) {
		dropped, droppedDur = s.dropOldest(drift)
	}
	s.nextScheduled = now.Add(s.cfg.Epsilon)
	s.onEvent(Event{Kind: EventDriftReset, At: now, Drift: drift, Dropped: dropped, DroppedDuration: droppedDur})
}

// Reset discards all queued and muted audio and restores full gain, as when
// a new response starts or the session is torn down.
func (s *Scheduler) Reset(now time.Time) {
	s.queue = nil
	s.tail = nil
	s.queued = 0
	s.nextScheduled = time.Time{}
	s.breach = false
	s.suspendAt = time.Time{}
	if s.suspended {
		if err := s.out.Resume(); err != nil {
			s.onEvent(Event{Kind: EventSuspendFailed, At: now, Err: err})
		}
		s.suspended = false
	}
	if s.gain != 1 {
		if err := s.out.Ramp(s.gain, 1, s.cfg.RampDuration); err != nil {
			s.onEvent(Event{Kind: EventRampFailed, At: now, Err: err})
		}
	}
	s.gain = 1
	s.restoreGain = 1
	s.muted = false
}
