// Package session runs one voice conversation per WebSocket connection: it
// demultiplexes client messages, drives the turn state machine, decides
// barge-ins and streams sequenced replies back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/bargein"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/flags"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

// Close reasons.
const (
	ReasonClientClosed      = "client_closed"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonProtocolViolation = "protocol_violation"
	ReasonBackpressure      = "backpressure"
	ReasonShutdown          = "server_shutdown"
	ReasonWriteError        = "write_error"
	ReasonInternal          = "internal_error"
)

// ErrClosed is returned by OnInboundMessage after the session ended.
var ErrClosed = errors.New("session closed")

// Config holds the per-session limits and defaults.
type Config struct {
	OutboundBuffer    int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	MaxMalformed      int
	DispatchInterval  time.Duration
	ChunkDuration     time.Duration // outbound audio frame length
	MinSpeech         time.Duration // speech_detected becomes user_speaking after this
	ClassifyTimeout   time.Duration // barge-ins still unclassified after this resume
	InterruptedLog    int

	InboundFPS   int
	InboundBPS   int64
	InboundBurst int // seconds
	AudioBuffer  int

	InterimInterval time.Duration
	RetryBackoff    time.Duration

	SystemPrompt string
	Language     string
	Device       string
	Voice        string
	STTEngine    string
	LLMEngine    string
	LLMModel     string
	TTSEngine    string

	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OutboundBuffer:    256,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PingInterval:      30 * time.Second,
		IdleTimeout:       300 * time.Second,
		MaxMalformed:      10,
		DispatchInterval:  20 * time.Millisecond,
		ChunkDuration:     100 * time.Millisecond,
		MinSpeech:         250 * time.Millisecond,
		ClassifyTimeout:   3 * time.Second,
		InterruptedLog:    2,
		InboundFPS:        100,
		InboundBPS:        2 * audio.InputSampleRate * 2,
		InboundBurst:      2,
		AudioBuffer:       64,
		InterimInterval:   700 * time.Millisecond,
		RetryBackoff:      pipeline.DefaultRetryBackoff,
		Language:          "en",
		Device:            "headset",
		Now:               time.Now,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setStr := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt(&c.OutboundBuffer, d.OutboundBuffer)
	setDur(&c.WriteTimeout, d.WriteTimeout)
	setDur(&c.HeartbeatInterval, d.HeartbeatInterval)
	setDur(&c.PingInterval, d.PingInterval)
	setDur(&c.IdleTimeout, d.IdleTimeout)
	setInt(&c.MaxMalformed, d.MaxMalformed)
	setDur(&c.DispatchInterval, d.DispatchInterval)
	setDur(&c.ChunkDuration, d.ChunkDuration)
	setDur(&c.MinSpeech, d.MinSpeech)
	setDur(&c.ClassifyTimeout, d.ClassifyTimeout)
	setInt(&c.InterruptedLog, d.InterruptedLog)
	setInt(&c.AudioBuffer, d.AudioBuffer)
	setDur(&c.RetryBackoff, d.RetryBackoff)
	setStr(&c.Language, d.Language)
	setStr(&c.Device, d.Device)
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Replier produces spoken replies. *pipeline.Responder implements it.
type Replier interface {
	Respond(ctx context.Context, req pipeline.ResponseRequest, emit func(pipeline.ResponseEvent))
}

// Deps are the collaborators shared by all sessions. STT, Flags, Kill,
// Traces and Tracker may be nil.
type Deps struct {
	STT     pipeline.STTProvider
	Replies Replier
	Flags   *flags.Store
	Kill    *flags.KillSwitch
	Traces  *trace.Store
	Tracker *Tracker
}

// Info describes the connecting client.
type Info struct {
	UserID     string
	RemoteAddr string
	Device     string
}

// Orchestrator creates and runs sessions.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), deps: deps}
}

type audioFrame struct {
	pcm []byte
	vad *protocol.VADHint
	at  time.Time
}

type inbound struct {
	msg protocol.Message
	err error
	at  time.Time
}

type replyEvent struct {
	id string
	ev pipeline.ResponseEvent
}

// Session is one connected client. Everything below the channels is owned
// by the session loop.
type Session struct {
	ID        string
	UserID    string
	StartedAt time.Time

	o      *Orchestrator
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	box        *outbox
	out        *playbackOutput
	limiter    *audioLimiter
	audioCh    chan audioFrame
	controlCh  chan inbound
	replyCh    chan replyEvent
	timers     *timerSet
	writerDone chan error
	writerExit chan struct{}
	done       chan struct{}
	unregister func()
	summary    atomic.Pointer[Summary]

	closeOnce sync.Once
	closeMu   sync.Mutex
	reason    string

	snap       flags.Snapshot
	fusionCfg  fusion.Config
	bargeCfg   bargein.Config
	schedCfg   scheduler.Config
	fusion     *fusion.Fusion
	classifier *bargein.Classifier
	predictor  *turn.Predictor
	sched      *scheduler.Scheduler
	vad        *audio.VAD
	turn       *turn.Machine
	tracer     *trace.Tracer
	quality    *qualityTracker

	stt       pipeline.STTStream
	sttEvents <-chan pipeline.STTEvent

	mode           string
	consent        string
	conversationID string
	settings       protocol.VoiceSettings
	initialized    bool
	userMuted      bool
	malformed      int
	lastInbound    time.Time
	voiceState     string

	speechStart    time.Time // local speech onset of the current user turn
	lastSpeech     time.Time // last local speaking frame
	commitAt       time.Time // predicted end of the user turn
	remoteSpeaking bool
	remoteConf     float64
	simpleSince    time.Time
	recent         []float32 // last second of microphone audio

	utter       utterance
	reply       *reply
	barge       *activeBarge
	interrupted []string
}

// OnConnect creates a session for conn, starts its writer and announces it
// with session.ready. The caller must run Run and feed OnInboundMessage.
func (o *Orchestrator) OnConnect(ctx context.Context, conn Conn, info Info) (*Session, error) {
	if o.deps.Replies == nil {
		return nil, errors.New("session: no reply pipeline configured")
	}
	s := o.newSession(ctx, info)

	w := &outboundWriter{conn: conn, box: s.box, cfg: o.cfg, now: s.now}
	go func() {
		err := w.Run(s.ctx.Done())
		s.writerDone <- err
		close(s.writerExit)
	}()

	s.unregister = o.deps.Tracker.Register(s.ID, Handle{
		Cancel: func() {
			s.closeWith(ReasonShutdown, protocol.Ptr(protocol.ErrorEnvelope(protocol.CodeShutdown, "server is shutting down", false)))
		},
		Warn: func(code, message string) error {
			if !s.box.send(protocol.ErrorEnvelope(code, message, true)) {
				return ErrClosed
			}
			return nil
		},
		Summary: func() Summary { return *s.summary.Load() },
	})
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	metrics.ConnectionQuality.WithLabelValues(QualityGood).Inc()

	s.tracer = trace.NewTracer(o.deps.Traces, s.traceSession())
	s.openSTT()
	s.send(protocol.Envelope{Type: protocol.TypeSessionReady, SessionID: s.ID, PipelineMode: s.mode})
	s.timers.arm(timerIdle, s.cfg.IdleTimeout)
	s.log.Info("session opened", "user_id", info.UserID, "remote", info.RemoteAddr, "mode", s.mode, "flags_version", s.snap.Version)
	return s, nil
}

// newSession builds the session state without starting any goroutine.
func (o *Orchestrator) newSession(ctx context.Context, info Info) *Session {
	ctx, cancel := context.WithCancel(ctx)
	now := o.cfg.Now()
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		UserID:     info.UserID,
		StartedAt:  now,
		o:          o,
		cfg:        o.cfg,
		log:        slog.With("session_id", id),
		now:        o.cfg.Now,
		ctx:        ctx,
		cancel:     cancel,
		box:        newOutbox(o.cfg.OutboundBuffer),
		limiter:    newAudioLimiter(o.cfg.Now, o.cfg.InboundFPS, o.cfg.InboundBPS, o.cfg.InboundBurst),
		audioCh:    make(chan audioFrame, o.cfg.AudioBuffer),
		controlCh:  make(chan inbound, 32),
		replyCh:    make(chan replyEvent, 64),
		writerDone: make(chan error, 1),
		writerExit: make(chan struct{}),
		done:       make(chan struct{}),
		unregister: func() {},
		quality:    newQualityTracker(),
		consent:    protocol.ConsentBasic,
		mode:       protocol.ModeFused,
		settings:   protocol.VoiceSettings{Language: o.cfg.Language, Device: o.cfg.Device},
	}
	if info.Device != "" {
		s.settings.Device = info.Device
	}
	s.timers = newTimerSet(ctx)
	s.out = newPlaybackOutput(s.box)
	s.turn = turn.NewMachine(now, s.onTransition)
	s.voiceState = turn.Idle.VoiceState()
	s.configure(o.snapshot(s.settings.Device), now)
	if o.deps.Kill.Engaged() {
		s.mode = protocol.ModeSimpleVAD
	}
	s.publish()
	return s
}

func (o *Orchestrator) snapshot(device string) flags.Snapshot {
	if o.deps.Flags == nil {
		return flags.Snapshot{Device: device, Thresholds: flags.DefaultThresholds(), ResumePolicy: flags.ResumeAuto}
	}
	return o.deps.Flags.Snapshot(device)
}

// configure builds the per-session components from an immutable flag
// snapshot.
func (s *Session) configure(snap flags.Snapshot, now time.Time) {
	s.snap = snap
	s.fusionCfg = snap.FusionConfig()
	s.bargeCfg = snap.BargeInConfig()
	s.schedCfg = snap.SchedulerConfig()
	s.fusion = fusion.New(s.fusionCfg)
	s.classifier = bargein.New(s.bargeCfg, snap.Phrases)
	s.predictor = turn.NewPredictor(snap.PredictorConfig())
	s.vad = audio.NewVAD(snap.VADConfig())
	if s.sched != nil {
		s.sched.Reset(now)
	}
	s.sched = scheduler.New(s.schedCfg, s.out, s.onSchedulerEvent)
}

// OnInboundMessage decodes one client frame and hands it to the session
// loop. It is called from the read pump only. Audio that exceeds the rate
// limit or finds the audio queue full is dropped and counted.
func (o *Orchestrator) OnInboundMessage(s *Session, raw []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	now := o.cfg.Now()
	msg, err := protocol.Decode(raw)
	if err != nil {
		metrics.ProtocolErrors.WithLabelValues(decodeErrorLabel(err)).Inc()
		return s.post(inbound{err: err, at: now})
	}

	switch m := msg.(type) {
	case protocol.AudioInput:
		if !s.limiter.Allow(len(m.PCM)) {
			metrics.InboundDropped.WithLabelValues("rate_limited").Inc()
			return nil
		}
		return s.postAudio(audioFrame{pcm: m.PCM, vad: m.VAD, at: now})
	case protocol.AudioInputVAD:
		hint := m.VADHint
		return s.postAudio(audioFrame{vad: &hint, at: now})
	default:
		return s.post(inbound{msg: msg, at: now})
	}
}

func (s *Session) postAudio(f audioFrame) error {
	select {
	case s.audioCh <- f:
		if f.pcm != nil {
			metrics.AudioFrames.Inc()
		}
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	default:
		metrics.InboundDropped.WithLabelValues("queue_full").Inc()
		return nil
	}
}

func (s *Session) post(in inbound) error {
	select {
	case s.controlCh <- in:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func decodeErrorLabel(err error) string {
	var de *protocol.DecodeError
	if !errors.As(err, &de) || de.Type == "" || errors.Is(err, protocol.ErrUnknownType) {
		return "unknown"
	}
	return de.Type
}

// OnDisconnect ends the session. It is safe to call more than once and from
// any goroutine; the first reason wins.
func (o *Orchestrator) OnDisconnect(s *Session, reason string) {
	s.closeWith(reason, nil)
}

// Run drives the session until it closes, then releases everything it
// holds. It returns the fault that closed the session, if any.
func (o *Orchestrator) Run(s *Session) error {
	err := s.run()
	s.teardown()
	return err
}

// Done is closed once Run has released the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// closeWith records reason, queues final if set and cancels the session.
func (s *Session) closeWith(reason string, final *protocol.Envelope) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.reason = reason
		s.closeMu.Unlock()
		if final != nil {
			s.box.send(*final)
		}
		s.cancel()
	})
}

func (s *Session) closeReason() string {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.reason
}

// fail closes the session with a non-recoverable error.
func (s *Session) fail(reason, code, message string) {
	s.log.Warn("session failed", "reason", reason, "code", code, "message", message)
	s.closeWith(reason, protocol.Ptr(protocol.ErrorEnvelope(code, message, false)))
}

func (s *Session) teardown() {
	now := s.now()
	reason := s.closeReason()
	if reason == "" {
		reason = ReasonClientClosed
	}

	s.timers.stopAll()
	if s.reply != nil {
		s.finishReply(now, trace.TurnCancelled)
	}
	if s.stt != nil {
		_ = s.stt.Close()
		s.stt = nil
	}
	s.out.disabled = true
	s.sched.Reset(now)

	quality := s.quality.class
	s.tracer.End(reason, quality, now)
	s.tracer.Close()

	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	metrics.ConnectionQuality.WithLabelValues(quality).Dec()
	s.unregister()

	<-s.writerExit
	s.log.Info("session closed", "reason", reason, "quality", quality, "duration", now.Sub(s.StartedAt).Round(time.Millisecond))
	close(s.done)
}

// send queues an envelope. A full buffer is handled by the writer.
func (s *Session) send(env protocol.Envelope) {
	s.box.send(env)
}

func (s *Session) sendError(code, message string, recoverable bool) {
	s.send(protocol.ErrorEnvelope(code, message, recoverable))
}

func (s *Session) onTransition(t turn.Transition) {
	metrics.TurnTransitions.WithLabelValues(t.To.String()).Inc()
	s.log.Debug("turn transition", "from", t.From.String(), "to", t.To.String(), "forced", t.Forced)
	if vs := t.To.VoiceState(); vs != s.voiceState {
		s.sendVoiceState(vs)
	}
	s.publish()
}

func (s *Session) sendVoiceState(vs string) {
	s.voiceState = vs
	s.send(protocol.Envelope{Type: protocol.TypeVoiceState, State: vs})
}

// to moves the turn machine and reports whether it moved.
func (s *Session) to(next turn.State, now time.Time) bool {
	if err := s.turn.To(next, now); err != nil {
		s.log.Debug("turn transition refused", "error", err)
		return false
	}
	return true
}

// walk follows a path of transitions, skipping steps already taken.
func (s *Session) walk(now time.Time, path ...turn.State) bool {
	for _, next := range path {
		if !s.to(next, now) {
			return false
		}
	}
	return true
}

func (s *Session) onSchedulerEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventQueueOverflow:
		metrics.QueueDroppedSeconds.Add(ev.DroppedDuration.Seconds())
		if ev.Coalesced {
			return
		}
		metrics.QueueOverflows.Inc()
		s.log.Warn("playback queue overflow", "dropped", ev.Dropped, "dropped_duration", ev.DroppedDuration)
	case scheduler.EventDriftReset:
		metrics.DriftResets.Inc()
		metrics.QueueDroppedSeconds.Add(ev.DroppedDuration.Seconds())
		s.log.Warn("playback drift reset", "drift", ev.Drift, "dropped", ev.Dropped)
	case scheduler.EventSuspendFailed:
		metrics.SuspendFailures.Inc()
		s.log.Warn("output suspend failed", "error", ev.Err)
	case scheduler.EventRampFailed:
		s.log.Warn("output ramp failed", "error", ev.Err)
	}
}

func (s *Session) language() string {
	if s.settings.Language != "" {
		return s.settings.Language
	}
	return s.cfg.Language
}

// prosodyAllowed reports whether consent covers prosody features.
func (s *Session) prosodyAllowed() bool {
	return s.consent == protocol.ConsentEnhanced || s.consent == protocol.ConsentFull
}

func (s *Session) prosody(samples []float32) *audio.Prosody {
	if !s.prosodyAllowed() || len(samples) == 0 {
		return nil
	}
	p := audio.ExtractProsody(samples, audio.InputSampleRate)
	return &p
}

func (s *Session) traceSession() trace.Session {
	return trace.Session{
		ID:             s.ID,
		UserID:         s.UserID,
		ConversationID: s.conversationID,
		Device:         s.settings.Device,
		Language:       s.language(),
		Consent:        s.consent,
		PipelineMode:   s.mode,
		FlagsVersion:   s.snap.Version,
		StartedAt:      s.StartedAt,
	}
}

// publish refreshes the registry summary.
func (s *Session) publish() {
	s.summary.Store(&Summary{
		ID:             s.ID,
		UserID:         s.UserID,
		ConversationID: s.conversationID,
		Device:         s.settings.Device,
		Language:       s.language(),
		State:          s.turn.State().String(),
		PipelineMode:   s.mode,
		Quality:        s.quality.class,
		StartedAt:      s.StartedAt,
	})
}

// openSTT (re)opens the recognition stream with the negotiated settings.
func (s *Session) openSTT() {
	if s.o.deps.STT == nil {
		return
	}
	if s.stt != nil {
		_ = s.stt.Close()
		s.stt, s.sttEvents = nil, nil
	}
	engine := s.settings.STTEngine
	if engine == "" {
		engine = s.cfg.STTEngine
	}
	stream, err := s.o.deps.STT.Open(s.ctx, pipeline.STTConfig{
		Engine:          engine,
		Language:        s.language(),
		VAD:             s.snap.VADConfig(),
		InterimInterval: s.cfg.InterimInterval,
		RetryBackoff:    s.cfg.RetryBackoff,
		Now:             s.now,
	})
	if err != nil {
		s.log.Warn("stt open failed", "engine", engine, "error", err)
		s.sendError(protocol.CodeSTTFailed, fmt.Sprintf("speech recognition unavailable: %v", err), true)
		return
	}
	s.stt, s.sttEvents = stream, stream.Events()
}
