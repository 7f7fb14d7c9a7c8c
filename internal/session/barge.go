package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/bargein"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/flags"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

// originManual marks barge-ins requested by the client.
const originManual fusion.Origin = "manual"

// activeBarge is a triggered barge-in awaiting its verdict.
type activeBarge struct {
	event      bargein.Event
	from       turn.State // state to return to on resume
	mute       scheduler.MuteReport
	speechEnd  time.Time // last local speech since the trigger
	speaking   bool
	transcript string
	final      bool // the recognizer closed the utterance
	resolved   bool // fusion confirmed or rolled back the trigger
	evidence   string
}

func (b *activeBarge) durationMs() int {
	return int(b.speechEnd.Sub(b.event.TriggeredAt) / time.Millisecond)
}

// evaluate asks fusion whether the current evidence is a barge-in. Only
// audible AI speech can be barged in on.
func (s *Session) evaluate(now time.Time) {
	if !s.playing() || s.barge != nil {
		return
	}
	d := s.fusion.Decide(now)
	switch {
	case d.Fire:
		s.triggerBargeIn(now, d)
	case d.Coalesced:
		s.log.Debug("barge-in trigger coalesced", "source", d.Source)
	}
}

// triggerBargeIn mutes synchronously, then waits for evidence to classify
// the interruption. The rollback timer bounds how long an uncorroborated
// trigger keeps the AI muted.
func (s *Session) triggerBargeIn(now time.Time, d fusion.Decision) {
	s.openBarge(now, d)
	s.timers.arm(timerRollback, s.fusionCfg.RollbackWindow)
	s.timers.arm(timerClassify, s.cfg.ClassifyTimeout)
	s.resolveBarge(now)
	if s.barge != nil {
		s.classifyBarge(now)
	}
}

// openBarge mutes output and enters barge_in_detected.
func (s *Session) openBarge(now time.Time, d fusion.Decision) {
	from := s.turn.State()
	rep := s.sched.InstantMute(now)
	if rep.RampErr != nil {
		s.log.Warn("mute ramp failed", "error", rep.RampErr)
	}
	s.timers.stop(timerGrace)

	s.barge = &activeBarge{
		event: bargein.Event{
			ID:             uuid.NewString(),
			TriggeredAt:    d.At,
			Source:         d.Source,
			Classification: bargein.Unclassified,
			Confidence:     d.Confidence,
			Language:       s.language(),
		},
		from:      from,
		mute:      rep,
		speechEnd: d.At,
		speaking:  true,
	}
	s.to(turn.BargeInDetected, now)

	metrics.BargeInTriggers.WithLabelValues(string(d.Source)).Inc()
	metrics.MuteLatency.Observe(rep.RampEndsAt.Sub(d.At).Seconds())
	s.log.Debug("barge-in triggered", "source", d.Source, "confidence", d.Confidence,
		"discarded", rep.DiscardedDuration, "from", from.String())
}

// updateBarge accumulates local speech evidence after a trigger.
func (s *Session) updateBarge(now time.Time, speaking bool) {
	b := s.barge
	b.speaking = speaking
	if speaking {
		b.speechEnd = now
	}
	s.resolveBarge(now)
	if s.barge != nil {
		s.classifyBarge(now)
	}
}

// resolveBarge checks the rollback window. A trigger nothing corroborated
// in time is a false positive.
func (s *Session) resolveBarge(now time.Time) {
	b := s.barge
	if b == nil || b.resolved {
		return
	}
	res := s.fusion.Resolve(now)
	switch res.Outcome {
	case fusion.Confirmed:
		b.resolved = true
		b.evidence = res.Evidence
		s.timers.stop(timerRollback)
		s.log.Debug("barge-in confirmed", "evidence", res.Evidence)
	case fusion.RolledBack:
		b.resolved = true
		b.event.RolledBack = true
		s.timers.stop(timerRollback)
		s.applyVerdict(now, s.classifier.Classify(bargein.Input{Event: b.event}))
	case fusion.NoTrigger:
		b.resolved = true
	}
}

func (s *Session) onRollbackTimer(now time.Time) {
	b := s.barge
	if b == nil || b.resolved {
		return
	}
	s.resolveBarge(now)
	if s.barge == b && !b.resolved {
		// the clock has not reached the window end yet
		left := b.event.TriggeredAt.Add(s.fusionCfg.RollbackWindow).Sub(now)
		s.timers.arm(timerRollback, left+time.Millisecond)
	}
}

// classifyBarge runs the classifier once the evidence can tell the classes
// apart: a transcript, speech past the backchannel ceiling, the end of the
// speech or the end of the utterance.
func (s *Session) classifyBarge(now time.Time) {
	b := s.barge
	dur := b.durationMs()
	ready := b.transcript != "" || dur >= s.bargeCfg.BackchannelCeilingMs || !b.speaking || b.final
	if !ready {
		return
	}
	v := s.classifier.Classify(bargein.Input{
		Event:      b.event,
		DurationMs: dur,
		Transcript: b.transcript,
		Language:   s.language(),
		Prosody:    s.prosody(s.recent),
	})
	if v.Action == bargein.ActionWait {
		if !b.final {
			return
		}
		// the utterance ended without anything classifiable
		v = bargein.Verdict{Classification: bargein.FalsePositive, Action: bargein.ActionResume, Confidence: v.Confidence}
	}
	s.applyVerdict(now, v)
}

// applyVerdict ends the barge-in and performs its follow-up.
func (s *Session) applyVerdict(now time.Time, v bargein.Verdict) {
	b := s.barge
	if b == nil {
		return
	}
	s.barge = nil
	s.fusion.Cancel()
	s.timers.stop(timerRollback)
	s.timers.stop(timerClassify)

	b.event.Classification = v.Classification
	b.event.Confidence = v.Confidence
	s.recordBargeIn(now, b, v)

	switch v.Action {
	case bargein.ActionContinue, bargein.ActionResume:
		// undo the trigger's mute; the verdict itself requested none
		s.sched.ResumeFromLastGood(now)
		s.to(b.from, now)
		if b.from == turn.SoftPaused {
			s.timers.arm(timerGrace, s.bargeCfg.Grace)
		}
	case bargein.ActionPause:
		// restore into the ducked gain rather than full volume
		if err := s.sched.SetGain(now, v.Gain); err != nil {
			s.log.Warn("duck gain failed", "error", err)
		}
		s.sched.ResumeFromLastGood(now)
		s.to(turn.SoftPaused, now)
		s.timers.arm(timerGrace, v.Grace)
	case bargein.ActionStop:
		s.stopReply(now, string(v.Classification))
	}
	s.maybeFinishPlayback(now)
}

func (s *Session) recordBargeIn(now time.Time, b *activeBarge, v bargein.Verdict) {
	metrics.BargeInClassifications.WithLabelValues(string(v.Classification)).Inc()
	if b.event.RolledBack {
		metrics.BargeInRollbacks.Inc()
	}

	action := string(v.Action)
	if b.event.RolledBack {
		action = "rollback"
	}
	s.send(protocol.Envelope{
		Type:           protocol.TypeBargeInEvent,
		Classification: string(v.Classification),
		Source:         string(b.event.Source),
		Confidence:     v.Confidence,
		Action:         action,
		Text:           v.Phrase,
		Timestamp:      b.event.TriggeredAt.UnixMilli(),
	})

	var turnID string
	if s.reply != nil {
		turnID = s.reply.turnID
	}
	s.tracer.RecordBargeIn(trace.BargeIn{
		TurnID:         turnID,
		TriggeredAt:    b.event.TriggeredAt,
		Source:         string(b.event.Source),
		Classification: string(v.Classification),
		Confidence:     v.Confidence,
		DurationMs:     b.durationMs(),
		Transcript:     b.transcript,
		Language:       b.event.Language,
		RolledBack:     b.event.RolledBack,
		MuteLatencyMs:  float64(b.mute.RampEndsAt.Sub(b.event.TriggeredAt).Milliseconds()),
	})
	s.log.Info("barge-in classified",
		"classification", v.Classification,
		"source", b.event.Source,
		"confidence", v.Confidence,
		"duration_ms", b.durationMs(),
		"phrase", v.Phrase,
		"rolled_back", b.event.RolledBack,
		"latency", now.Sub(b.event.TriggeredAt))
}

// stopReply drops the reply in progress and hands the turn to the user.
func (s *Session) stopReply(now time.Time, cause string) {
	if r := s.reply; r != nil {
		s.noteInterrupted(r)
		s.finishReply(now, trace.TurnInterrupted)
	}
	s.timers.stop(timerGrace)
	s.sched.Reset(now)
	s.sendVoiceState("cancelled")
	s.backToListening(now)
	s.log.Debug("reply stopped", "cause", cause)
}

// onGraceExpired applies the resume policy after a soft barge-in.
func (s *Session) onGraceExpired(now time.Time) {
	if s.turn.State() != turn.SoftPaused {
		return
	}
	switch s.snap.ResumePolicy {
	case flags.ResumePrompt:
		s.send(protocol.Envelope{Type: protocol.TypeBargeInEvent, Classification: string(bargein.SoftBarge), Action: string(flags.ResumePrompt)})
		s.stopReply(now, "grace_prompt")
	default:
		if err := s.sched.SetGain(now, 1); err != nil {
			s.log.Warn("restore gain failed", "error", err)
		}
		s.to(turn.AISpeaking, now)
	}
}

// manualBargeIn handles an explicit client barge_in: always a hard stop.
func (s *Session) manualBargeIn(now time.Time) {
	if s.barge != nil {
		s.applyVerdict(now, bargein.Verdict{Classification: bargein.HardBarge, Action: bargein.ActionStop, Confidence: 1, Mute: true})
		return
	}
	if !s.playing() {
		if s.reply != nil {
			s.stopReply(now, "manual")
		}
		return
	}
	s.openBarge(now, fusion.Decision{Fire: true, Source: originManual, Confidence: 1, At: now})
	s.applyVerdict(now, bargein.Verdict{Classification: bargein.HardBarge, Action: bargein.ActionStop, Confidence: 1, Mute: true})
}

// simpleVAD is the kill-switch path: local speech above one threshold for
// the hard-barge duration stops the reply. Fusion and the classifier are
// skipped.
func (s *Session) simpleVAD(now time.Time, conf float64, speaking bool) {
	if !s.playing() || !speaking || conf < s.snap.Thresholds.LocalThreshold {
		s.simpleSince = time.Time{}
		return
	}
	if s.simpleSince.IsZero() {
		s.simpleSince = now
	}
	if now.Sub(s.simpleSince) < time.Duration(s.bargeCfg.HardMinMs)*time.Millisecond {
		return
	}
	start := s.simpleSince
	s.simpleSince = time.Time{}
	s.openBarge(now, fusion.Decision{Fire: true, Source: fusion.OriginLocal, Confidence: conf, At: start})
	s.barge.speechEnd = now
	s.applyVerdict(now, bargein.Verdict{Classification: bargein.HardBarge, Action: bargein.ActionStop, Confidence: conf, Mute: true})
}
