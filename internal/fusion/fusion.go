// Package fusion merges the client's local VAD stream with the server-side
// speech event stream into a single barge-in trigger.
package fusion

import (
	"strings"
	"time"
)

// Source identifies which VAD stream a sample came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Sample is one VAD reading. Only the latest sample per source is kept.
type Sample struct {
	Source         Source
	Confidence     float64
	Speaking       bool
	At             time.Time
	PlaybackActive bool
}

// Origin records the evidence a trigger fired on.
type Origin string

const (
	OriginBoth     Origin = "both"
	OriginLocal    Origin = "local_only"
	OriginRemote   Origin = "remote_only"
	OriginAwaiting Origin = "awaiting_confirmation"
)

// Weights apply to source confidences when computing the fused score.
type Weights struct {
	Remote float64 `yaml:"remote"`
	Local  float64 `yaml:"local"`
}

// Config holds fusion thresholds.
type Config struct {
	Staleness       time.Duration
	LocalThreshold  float64 // local-only triggers need confidence above this
	BothConfidence  float64
	ConfirmWindow   time.Duration // awaiting_confirmation waits this long for a transcript
	RollbackWindow  time.Duration
	DualOverlap     time.Duration // sustained agreement that corroborates a trigger
	DedupWindow     time.Duration
	PlaybackWeights Weights
	IdleWeights     Weights
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Staleness:       300 * time.Millisecond,
		LocalThreshold:  0.8,
		BothConfidence:  0.95,
		ConfirmWindow:   500 * time.Millisecond,
		RollbackWindow:  500 * time.Millisecond,
		DualOverlap:     150 * time.Millisecond,
		DedupWindow:     500 * time.Millisecond,
		PlaybackWeights: Weights{Remote: 0.7, Local: 0.3},
		IdleWeights:     Weights{Remote: 0.4, Local: 0.6},
	}
}

// Decision is the result of one fusion evaluation.
type Decision struct {
	Fire       bool // a new trigger
	Awaiting   bool // stale speech evidence, waiting on a transcript
	Coalesced  bool // would have fired, but within the dedup window
	Source     Origin
	Confidence float64
	At         time.Time
}

// Outcome is the state of the most recent trigger's rollback window.
type Outcome int

const (
	NoTrigger Outcome = iota
	Open
	Confirmed
	RolledBack
)

func (o Outcome) String() string {
	switch o {
	case Open:
		return "open"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	default:
		return "none"
	}
}

// Resolution reports how a trigger's rollback window ended.
type Resolution struct {
	Outcome  Outcome
	Trigger  Decision
	Evidence string // "transcript" or "dual_overlap" when confirmed
}

type pending struct {
	trigger  Decision
	evidence string
}

// Fusion is owned by a single session loop.
type Fusion struct {
	cfg Config

	local, remote         Sample
	haveLocal, haveRemote bool
	playback              bool

	overlapStart time.Time
	lastFire     time.Time

	awaitingSince    time.Time
	awaitingEvidence time.Time // newest speaking sample the current wait is for

	pending *pending
}

// New creates a Fusion with cfg.
func New(cfg Config) *Fusion {
	return &Fusion{cfg: cfg}
}

// SetPlayback selects the playback or idle weight set.
func (f *Fusion) SetPlayback(active bool) { f.playback = active }

// Observe records the latest sample for its source and tracks overlapping
// dual-source agreement.
func (f *Fusion) Observe(s Sample) {
	switch s.Source {
	case SourceLocal:
		f.local, f.haveLocal = s, true
	case SourceRemote:
		f.remote, f.haveRemote = s, true
	default:
		return
	}

	now := s.At
	if f.speakingFresh(f.local, f.haveLocal, now) && f.speakingFresh(f.remote, f.haveRemote, now) {
		if f.overlapStart.IsZero() {
			f.overlapStart = now
		}
		f.corroborateOverlap(now)
		return
	}
	f.overlapStart = time.Time{}
}

func (f *Fusion) corroborateOverlap(now time.Time) {
	if f.pending == nil || f.pending.evidence != "" || f.overlapStart.IsZero() {
		return
	}
	if now.Sub(f.overlapStart) >= f.cfg.DualOverlap && !f.windowClosed(now) {
		f.pending.evidence = "dual_overlap"
	}
}

func (f *Fusion) fresh(s Sample, have bool, now time.Time) bool {
	return have && now.Sub(s.At) < f.cfg.Staleness
}

func (f *Fusion) speakingFresh(s Sample, have bool, now time.Time) bool {
	return f.fresh(s, have, now) && s.Speaking
}

func (f *Fusion) weights() Weights {
	if f.playback {
		return f.cfg.PlaybackWeights
	}
	return f.cfg.IdleWeights
}

// score is the weighted fusion of the sources that are fresh and speaking.
func (f *Fusion) score(local, remote bool) float64 {
	w := f.weights()
	var v float64
	if local {
		v += w.Local * f.local.Confidence
	}
	if remote {
		v += w.Remote * f.remote.Confidence
	}
	return v
}

// Decide evaluates the current samples at now. Both sources fresh and
// speaking always fires in this call unless coalesced.
func (f *Fusion) Decide(now time.Time) Decision {
	ls := f.speakingFresh(f.local, f.haveLocal, now)
	rs := f.speakingFresh(f.remote, f.haveRemote, now)

	switch {
	case ls && rs:
		return f.fire(now, OriginBoth, f.cfg.BothConfidence)
	case rs:
		return f.fire(now, OriginRemote, f.score(false, true))
	case ls && f.local.Confidence > f.cfg.LocalThreshold:
		return f.fire(now, OriginLocal, f.score(true, false))
	case ls:
		return Decision{At: now}
	}

	if f.fresh(f.local, f.haveLocal, now) || f.fresh(f.remote, f.haveRemote, now) {
		// a fresh source says silence
		f.awaitingSince = time.Time{}
		return Decision{At: now}
	}
	return f.await(now)
}

// await handles the case where no source is fresh but the last evidence was speech.
func (f *Fusion) await(now time.Time) Decision {
	var evidence time.Time
	if f.haveLocal && f.local.Speaking {
		evidence = f.local.At
	}
	if f.haveRemote && f.remote.Speaking && f.remote.At.After(evidence) {
		evidence = f.remote.At
	}
	if evidence.IsZero() {
		return Decision{At: now}
	}
	if !evidence.Equal(f.awaitingEvidence) {
		// the wait starts when the evidence went stale
		f.awaitingEvidence = evidence
		f.awaitingSince = evidence.Add(f.cfg.Staleness)
	}
	if f.awaitingSince.IsZero() || now.Sub(f.awaitingSince) >= f.cfg.ConfirmWindow {
		f.awaitingSince = time.Time{}
		return Decision{At: now}
	}
	return Decision{Awaiting: true, Source: OriginAwaiting, At: now}
}

func (f *Fusion) fire(now time.Time, origin Origin, conf float64) Decision {
	d := Decision{Source: origin, Confidence: conf, At: now}
	if !f.lastFire.IsZero() && now.Sub(f.lastFire) < f.cfg.DedupWindow {
		d.Coalesced = true
		return d
	}
	d.Fire = true
	f.lastFire = now
	f.awaitingSince = time.Time{}
	f.pending = &pending{trigger: d}
	f.corroborateOverlap(now)
	return d
}

// Transcript feeds a transcript token. It corroborates an open trigger, or
// fires one when the last speech evidence went stale less than the
// confirmation window ago.
func (f *Fusion) Transcript(now time.Time, text string) Decision {
	if strings.TrimSpace(text) == "" {
		return Decision{At: now}
	}
	if f.pending != nil && !f.windowClosed(now) {
		if f.pending.evidence == "" {
			f.pending.evidence = "transcript"
		}
		return Decision{At: now}
	}
	if !f.fresh(f.local, f.haveLocal, now) && !f.fresh(f.remote, f.haveRemote, now) {
		f.await(now)
	}
	if !f.awaitingSince.IsZero() && now.Sub(f.awaitingSince) < f.cfg.ConfirmWindow {
		d := f.fire(now, OriginAwaiting, f.weights().Remote)
		if d.Fire {
			f.pending.evidence = "transcript"
		}
		return d
	}
	return Decision{At: now}
}

func (f *Fusion) windowClosed(now time.Time) bool {
	return now.Sub(f.pending.trigger.At) >= f.cfg.RollbackWindow
}

// Resolve reports the state of the open trigger. A confirmed or rolled back
// trigger is reported exactly once; later calls return NoTrigger.
func (f *Fusion) Resolve(now time.Time) Resolution {
	if f.pending == nil {
		return Resolution{Outcome: NoTrigger}
	}
	p := f.pending
	if p.evidence == "" && !f.overlapStart.IsZero() &&
		f.speakingFresh(f.local, f.haveLocal, now) && f.speakingFresh(f.remote, f.haveRemote, now) {
		f.corroborateOverlap(now)
	}
	switch {
	case p.evidence != "":
		f.pending = nil
		return Resolution{Outcome: Confirmed, Trigger: p.trigger, Evidence: p.evidence}
	case f.windowClosed(now):
		f.pending = nil
		return Resolution{Outcome: RolledBack, Trigger: p.trigger}
	default:
		return Resolution{Outcome: Open, Trigger: p.trigger}
	}
}

// Cancel drops the open trigger without resolving it, as when a
// superseding classification arrives first.
func (f *Fusion) Cancel() { f.pending = nil }

// Pending reports whether a trigger's rollback window is open.
func (f *Fusion) Pending() bool { return f.pending != nil }

// Reset clears all samples and trigger state.
func (f *Fusion) Reset() {
	playback := f.playback
	*f = Fusion{cfg: f.cfg, playback: playback}
}
