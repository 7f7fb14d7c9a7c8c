package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/bargein"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

// run is the single consumer of every session event.
func (s *Session) run() error {
	dispatch := time.NewTicker(s.cfg.DispatchInterval)
	defer dispatch.Stop()
	watchdog := time.NewTicker(s.schedCfg.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-s.writerDone:
			return s.onWriterExit(err)
		case f := <-s.audioCh:
			s.handleAudio(f)
		case in := <-s.controlCh:
			s.handleInbound(in)
		case ev, ok := <-s.sttEvents:
			if !ok {
				s.sttEvents = nil
				continue
			}
			s.handleSTT(ev)
		case re := <-s.replyCh:
			s.handleReply(re)
		case f := <-s.timers.C():
			if s.timers.take(f) {
				s.onTimer(f.kind)
			}
		case <-dispatch.C:
			s.dispatch(s.now())
		case <-watchdog.C:
			s.sched.Watchdog(s.now())
		}
	}
}

// onWriterExit handles the writer stopping before the session did.
func (s *Session) onWriterExit(err error) error {
	switch {
	case errors.Is(err, ErrBackpressure):
		metrics.BackpressureCloses.Inc()
		s.log.Warn("client too slow, closing", "buffer", s.cfg.OutboundBuffer)
		s.closeWith(ReasonBackpressure, nil)
	case err != nil:
		s.log.Info("socket write failed", "error", err)
		s.closeWith(ReasonWriteError, nil)
	default:
		s.closeWith(ReasonClientClosed, nil)
	}
	return err
}

// touch records inbound activity for the idle timer.
func (s *Session) touch(now time.Time) {
	s.lastInbound = now
}

// syncMode reads the global kill switch; it is called once per inbound event.
func (s *Session) syncMode(now time.Time) {
	mode := protocol.ModeFused
	if s.o.deps.Kill.Engaged() {
		mode = protocol.ModeSimpleVAD
	}
	if mode == s.mode {
		return
	}
	s.log.Warn("pipeline mode changed", "from", s.mode, "to", mode)
	s.mode = mode
	s.simpleSince = time.Time{}
	if mode == protocol.ModeSimpleVAD {
		if s.barge != nil {
			s.applyVerdict(now, bargein.Verdict{Classification: bargein.FalsePositive, Action: bargein.ActionResume, Confidence: 1})
		}
		s.fusion.Reset()
	}
	s.publish()
}

func (s *Session) handleAudio(f audioFrame) {
	now := s.now()
	s.touch(now)
	s.syncMode(now)
	if s.turn.State() == turn.Idle {
		s.to(turn.Listening, now)
	}
	if f.pcm != nil {
		if class, changed := s.quality.observe(f.at); changed {
			s.setQuality(class)
		}
	}
	if s.userMuted {
		metrics.InboundDropped.WithLabelValues("muted").Inc()
		return
	}

	var lvl audio.Level
	if f.pcm != nil {
		samples := audio.DecodePCM16(f.pcm)
		lvl = s.vad.Measure(samples)
		s.keepRecent(samples)
		if s.stt != nil {
			if err := s.stt.SendAudio(f.pcm); err != nil {
				metrics.InboundDropped.WithLabelValues("stt_backlog").Inc()
			}
		}
	}
	conf, speaking := lvl.Confidence, lvl.Speaking
	if f.vad != nil {
		conf, speaking = f.vad.Confidence, f.vad.IsSpeaking
	}
	s.onLocalVAD(now, conf, speaking)
}

func (s *Session) setQuality(class string) {
	prev := s.summary.Load().Quality
	metrics.ConnectionQuality.WithLabelValues(prev).Dec()
	metrics.ConnectionQuality.WithLabelValues(class).Inc()
	s.log.Info("connection quality changed", "from", prev, "to", class)
	s.publish()
}

const recentSamples = audio.InputSampleRate

func (s *Session) keepRecent(samples []float32) {
	s.recent = append(s.recent, samples...)
	if n := len(s.recent); n > recentSamples {
		s.recent = append(s.recent[:0], s.recent[n-recentSamples:]...)
	}
}

// playing reports whether AI audio is audible or ducked.
func (s *Session) playing() bool {
	return s.turn.In(turn.AISpeaking, turn.SoftPaused)
}

// onLocalVAD applies one local voice-activity reading.
func (s *Session) onLocalVAD(now time.Time, conf float64, speaking bool) {
	if speaking {
		s.lastSpeech = now
	}

	if s.mode == protocol.ModeSimpleVAD {
		s.simpleVAD(now, conf, speaking)
		s.trackUserSpeech(now, speaking)
		return
	}

	playback := s.playing()
	s.fusion.SetPlayback(playback)
	s.fusion.Observe(fusion.Sample{Source: fusion.SourceLocal, Confidence: conf, Speaking: speaking, At: now, PlaybackActive: playback})
	if s.remoteSpeaking {
		// the recognizer is still inside a speech segment
		s.fusion.Observe(fusion.Sample{Source: fusion.SourceRemote, Confidence: s.remoteConf, Speaking: true, At: now, PlaybackActive: playback})
	}
	s.evaluate(now)
	if s.barge != nil {
		s.updateBarge(now, speaking)
	}
	s.trackUserSpeech(now, speaking)
}

// observeRemote applies a recognizer speech boundary.
func (s *Session) observeRemote(now time.Time, conf float64, speaking bool) {
	s.remoteSpeaking = speaking
	s.remoteConf = conf
	if s.mode != protocol.ModeFused {
		return
	}
	playback := s.playing()
	s.fusion.SetPlayback(playback)
	s.fusion.Observe(fusion.Sample{Source: fusion.SourceRemote, Confidence: conf, Speaking: speaking, At: now, PlaybackActive: playback})
	s.evaluate(now)
	if s.barge != nil {
		s.resolveBarge(now)
	}
}

// trackUserSpeech advances the user-turn states from local VAD.
func (s *Session) trackUserSpeech(now time.Time, speaking bool) {
	switch s.turn.State() {
	case turn.Listening:
		if speaking {
			s.speechStart = now
			s.to(turn.SpeechDetected, now)
		}
	case turn.SpeechDetected:
		switch {
		case speaking && now.Sub(s.speechStart) >= s.cfg.MinSpeech:
			s.to(turn.UserSpeaking, now)
		case !speaking && now.Sub(s.lastSpeech) >= s.cfg.MinSpeech:
			s.to(turn.Listening, now)
		}
	case turn.ProcessingSTT, turn.AwaitingContinuation:
		if speaking {
			s.timers.stop(timerEndOfTurn)
			s.to(turn.UserSpeaking, now)
		}
	}
}

// enterUserSpeech moves any listening-side state to user_speaking.
func (s *Session) enterUserSpeech(now time.Time) {
	switch s.turn.State() {
	case turn.Listening:
		s.speechStart = now
		s.walk(now, turn.SpeechDetected, turn.UserSpeaking)
	case turn.SpeechDetected, turn.ProcessingSTT, turn.AwaitingContinuation:
		s.timers.stop(timerEndOfTurn)
		s.to(turn.UserSpeaking, now)
	}
}

func (s *Session) handleSTT(ev pipeline.STTEvent) {
	now := s.now()
	switch ev.Type {
	case pipeline.STTSpeechStart:
		conf := ev.Confidence
		if conf <= 0 {
			conf = 1
		}
		s.observeRemote(now, conf, true)
		if !s.playing() && s.barge == nil {
			s.enterUserSpeech(now)
		}
	case pipeline.STTSpeechEnd:
		s.observeRemote(now, 0, false)
		switch s.turn.State() {
		case turn.UserSpeaking:
			s.to(turn.ProcessingSTT, now)
		case turn.SpeechDetected:
			s.to(turn.Listening, now)
		}
	case pipeline.STTPartial:
		s.send(protocol.Envelope{Type: protocol.TypeTranscriptDelta, Text: ev.Text, IsFinal: protocol.Ptr(false), MessageID: s.utter.messageID()})
		s.transcriptEvidence(now, ev.Text)
	case pipeline.STTFinal:
		s.handleFinal(now, ev)
	}
}

// transcriptEvidence feeds recognized text to fusion and to an open barge-in.
func (s *Session) transcriptEvidence(now time.Time, text string) {
	if strings.TrimSpace(text) == "" || s.mode != protocol.ModeFused {
		return
	}
	if s.playing() || s.barge != nil {
		if d := s.fusion.Transcript(now, text); d.Fire && s.playing() {
			s.triggerBargeIn(now, d)
		}
	}
	if s.barge != nil {
		s.barge.transcript = text
		s.resolveBarge(now)
		if s.barge != nil {
			s.classifyBarge(now)
		}
	}
}

func (s *Session) handleFinal(now time.Time, ev pipeline.STTEvent) {
	if ev.Err != nil {
		s.log.Warn("transcription failed", "error", ev.Err)
		if s.barge != nil {
			s.barge.final = true
			s.classifyBarge(now)
		}
		if !s.playing() && s.reply == nil {
			s.utter.reset()
			s.sendError(protocol.CodeSTTFailed, "could not transcribe audio", true)
			s.backToListening(now)
		}
		return
	}

	text := strings.TrimSpace(ev.Text)
	if s.barge != nil {
		s.transcriptEvidence(now, text)
		if s.barge != nil {
			s.barge.final = true
			s.classifyBarge(now)
		}
	}
	if s.playing() || s.turn.In(turn.BargeInDetected, turn.ProcessingLLM) {
		// speech over the reply that did not take the turn
		return
	}

	if text == "" {
		if !s.turn.In(turn.AwaitingContinuation) {
			s.backToListening(now)
		}
		return
	}
	s.utter.add(text, now)
	if s.utter.force {
		s.commitTurn(now)
		return
	}

	// the predicted timeout counts from the last speech
	p := s.predictor.Predict(s.utter.text(), s.language(), s.prosody(ev.Samples))
	wait := p.Timeout - s.silence(now)
	s.log.Debug("end of turn prediction", "probability", p.Probability, "timeout", p.Timeout, "continue", p.Continue, "wait", wait)
	if wait <= 0 {
		s.commitTurn(now)
		return
	}
	s.toProcessingSTT(now)
	if s.to(turn.AwaitingContinuation, now) {
		s.commitAt = now.Add(wait)
		s.timers.arm(timerEndOfTurn, wait)
		return
	}
	s.commitTurn(now)
}

// silence is how long the microphone has been quiet.
func (s *Session) silence(now time.Time) time.Duration {
	if s.lastSpeech.IsZero() || now.Before(s.lastSpeech) {
		return 0
	}
	return now.Sub(s.lastSpeech)
}

// toProcessingSTT walks any user-turn state to processing_stt.
func (s *Session) toProcessingSTT(now time.Time) {
	switch s.turn.State() {
	case turn.Listening:
		s.walk(now, turn.SpeechDetected, turn.UserSpeaking, turn.ProcessingSTT)
	case turn.SpeechDetected:
		s.walk(now, turn.UserSpeaking, turn.ProcessingSTT)
	case turn.UserSpeaking, turn.AwaitingContinuation:
		s.to(turn.ProcessingSTT, now)
	}
}

// forceCommit ends the user turn now: buffered speech is transcribed and
// the reply starts without waiting for the end-of-turn timer.
func (s *Session) forceCommit(now time.Time) {
	if s.utter.text() != "" && !s.turn.In(turn.SpeechDetected, turn.UserSpeaking) {
		s.commitTurn(now)
		return
	}
	s.utter.force = true
	if s.stt == nil {
		s.commitTurn(now)
		return
	}
	if err := s.stt.Commit(); err != nil {
		s.log.Warn("stt commit failed", "error", err)
		s.commitTurn(now)
	}
}

// backToListening abandons the user turn in progress.
func (s *Session) backToListening(now time.Time) {
	s.timers.stop(timerEndOfTurn)
	s.utter.reset()
	if s.turn.State() == turn.Idle {
		s.to(turn.Listening, now)
		return
	}
	if !s.to(turn.Listening, now) {
		s.turn.Force(turn.Listening, now)
	}
}

func (s *Session) handleInbound(in inbound) {
	now := s.now()
	s.touch(now)
	s.syncMode(now)

	if in.err != nil {
		s.malformed++
		s.log.Warn("malformed client message", "error", in.err, "count", s.malformed)
		if s.malformed >= s.cfg.MaxMalformed {
			s.fail(ReasonProtocolViolation, protocol.CodeProtocolViolation,
				fmt.Sprintf("%d malformed messages", s.malformed))
			return
		}
		s.sendError(protocol.CodeInvalidMessage, in.err.Error(), true)
		return
	}

	switch m := in.msg.(type) {
	case protocol.SessionInit:
		s.handleInit(now, m)
	case protocol.Ping:
		s.send(protocol.Envelope{Type: protocol.TypePong, Timestamp: now.UnixMilli()})
	case protocol.AudioInputComplete:
		s.forceCommit(now)
	case protocol.BargeIn:
		s.manualBargeIn(now)
	case protocol.TextMessage:
		s.handleText(now, m.Content)
	case protocol.Control:
		s.handleControl(now, m.Action)
	}
}

func (s *Session) handleInit(now time.Time, m protocol.SessionInit) {
	if s.initialized {
		s.sendError(protocol.CodeInvalidMessage, "session already initialized", true)
		return
	}
	s.initialized = true
	s.conversationID = m.ConversationID
	if m.Consent != "" {
		s.consent = m.Consent
	}
	prev := s.settings
	s.settings = mergeSettings(s.settings, m.VoiceSettings)

	// The device is known now; the snapshot is taken once for it.
	if s.settings.Device != prev.Device && s.reply == nil {
		s.configure(s.o.snapshot(s.settings.Device), now)
	}
	if s.settings.Language != prev.Language || s.settings.STTEngine != prev.STTEngine || s.settings.Device != prev.Device {
		s.openSTT()
	}

	s.tracer.SetConsent(s.traceSession(), s.consent == protocol.ConsentFull)
	s.send(protocol.Envelope{Type: protocol.TypeSessionInitAck, SessionID: s.ID, ConversationID: s.conversationID})
	if s.turn.State() == turn.Idle {
		s.to(turn.Listening, now)
	}
	s.publish()
	s.log.Info("session initialized", "device", s.settings.Device, "language", s.language(), "consent", s.consent, "flags_version", s.snap.Version)
}

func mergeSettings(cur, in protocol.VoiceSettings) protocol.VoiceSettings {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cur.Voice, in.Voice)
	set(&cur.Language, in.Language)
	set(&cur.Device, in.Device)
	set(&cur.TTSEngine, in.TTSEngine)
	set(&cur.STTEngine, in.STTEngine)
	set(&cur.LLMModel, in.LLMModel)
	if in.Speed > 0 {
		cur.Speed = in.Speed
	}
	return cur
}

// handleText answers a typed message, interrupting any reply in progress.
func (s *Session) handleText(now time.Time, content string) {
	if s.playing() || s.turn.State() == turn.BargeInDetected {
		s.stopReply(now, "text_message")
	}
	s.utter.reset()
	s.utter.add(strings.TrimSpace(content), now)
	s.commitTurn(now)
}

// handleControl applies a manual override. Overrides win over automatic
// detection.
func (s *Session) handleControl(now time.Time, action string) {
	switch action {
	case protocol.ActionMute:
		s.userMuted = true
	case protocol.ActionUnmute:
		s.userMuted = false
	case protocol.ActionForceReply:
		s.forceCommit(now)
	case protocol.ActionStop:
		if s.reply != nil || s.playing() || s.turn.State() == turn.BargeInDetected {
			s.stopReply(now, "control_stop")
		}
	}
}

func (s *Session) onTimer(kind timerKind) {
	now := s.now()
	switch kind {
	case timerRollback:
		s.onRollbackTimer(now)
	case timerClassify:
		if s.barge != nil {
			s.log.Debug("barge-in unclassified at deadline, resuming")
			s.applyVerdict(now, bargein.Verdict{Classification: bargein.FalsePositive, Action: bargein.ActionResume, Confidence: s.barge.event.Confidence})
		}
	case timerGrace:
		s.onGraceExpired(now)
	case timerEndOfTurn:
		if s.turn.State() != turn.AwaitingContinuation {
			return
		}
		if left := s.commitAt.Sub(now); left > 0 {
			s.timers.arm(timerEndOfTurn, left)
			return
		}
		s.commitTurn(now)
	case timerIdle:
		if idle := now.Sub(s.lastActivity()); idle < s.cfg.IdleTimeout {
			s.timers.arm(timerIdle, s.cfg.IdleTimeout-idle)
			return
		}
		s.fail(ReasonIdleTimeout, protocol.CodeIdleTimeout, "no client activity")
	}
}

func (s *Session) lastActivity() time.Time {
	if s.lastInbound.IsZero() {
		return s.StartedAt
	}
	return s.lastInbound
}

// dispatch tops up the scheduler from the reply and ticks it. Playback
// finishes once the reply drained.
func (s *Session) dispatch(now time.Time) {
	s.feed(now)
	if err := s.sched.Tick(now); err != nil {
		switch {
		case errors.Is(err, ErrBackpressure):
			// the writer closes the session
		case errors.Is(err, scheduler.ErrQueueCorrupt):
			s.fail(ReasonInternal, protocol.CodeInternal, "playback queue corrupt")
			return
		default:
			s.log.Warn("playback dispatch failed", "error", err)
		}
	}
	s.maybeFinishPlayback(now)
}

func (s *Session) maybeFinishPlayback(now time.Time) {
	r := s.reply
	if r == nil || !r.audioDone || !r.llmDone || len(r.pending) > 0 || s.sched.Muted() || s.sched.Len() > 0 || s.barge != nil {
		return
	}
	if next := s.sched.NextScheduled(); !next.IsZero() && now.Before(next) {
		return
	}
	if r.audioChunks > 0 {
		s.send(protocol.Envelope{
			Type:          protocol.TypeAudioOutput,
			IsFinal:       protocol.Ptr(true),
			SentenceIndex: protocol.Ptr(r.finalIndex),
			MessageID:     r.id,
		})
	}
	s.timers.stop(timerGrace)
	s.finishReply(now, trace.TurnOK)
	s.backToListening(now)
}
