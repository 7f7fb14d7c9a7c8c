package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/flags"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

// fakeReplier records requests and produces nothing; tests inject reply
// events with handleReply.
type fakeReplier struct {
	reqs chan pipeline.ResponseRequest
}

func (f *fakeReplier) Respond(ctx context.Context, req pipeline.ResponseRequest, _ func(pipeline.ResponseEvent)) {
	f.reqs <- req
	<-ctx.Done()
}

type harness struct {
	t       *testing.T
	s       *Session
	clk     *fakeClock
	replies *fakeReplier
}

const frameStep = 20 * time.Millisecond

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	replies := &fakeReplier{reqs: make(chan pipeline.ResponseRequest, 8)}
	deps.Replies = replies

	cfg := DefaultConfig()
	cfg.Now = clk.now
	cfg.OutboundBuffer = 1024
	s := NewOrchestrator(cfg, deps).newSession(context.Background(), Info{UserID: "u-1"})
	t.Cleanup(s.cancel)
	s.to(turn.Listening, clk.t)
	return &harness{t: t, s: s, clk: clk, replies: replies}
}

func (h *harness) drain() []protocol.Envelope {
	h.t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-h.s.box.frames:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				h.t.Fatalf("bad outbound frame %q: %v", data, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []protocol.Envelope, typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) request() pipeline.ResponseRequest {
	h.t.Helper()
	select {
	case req := <-h.replies.reqs:
		return req
	case <-time.After(2 * time.Second):
		h.t.Fatal("no reply requested")
		return pipeline.ResponseRequest{}
	}
}

// vad feeds one client VAD reading at the current time.
func (h *harness) vad(conf float64, speaking bool) {
	h.s.handleAudio(audioFrame{vad: &protocol.VADHint{Confidence: conf, IsSpeaking: speaking}, at: h.clk.t})
}

// speak advances the clock one frame at a time, feeding n speaking frames.
func (h *harness) speak(conf float64, n int) {
	for range n {
		h.clk.advance(frameStep)
		h.vad(conf, true)
	}
}

func (h *harness) stt(ev pipeline.STTEvent) {
	h.s.handleSTT(ev)
}

func (h *harness) replyEvent(ev pipeline.ResponseEvent) {
	h.t.Helper()
	if h.s.reply == nil {
		h.t.Fatal("no reply in flight")
	}
	h.s.handleReply(replyEvent{id: h.s.reply.id, ev: ev})
}

func pcm(d time.Duration) []byte {
	return make([]byte, audio.PCM16Bytes(d, audio.OutputSampleRate))
}

// startSpeaking asks a question and plays the first part of a 400ms answer.
func (h *harness) startSpeaking() pipeline.ResponseRequest {
	h.t.Helper()
	h.s.handleText(h.clk.t, "tell me a story")
	req := h.request()
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseDelta, Delta: "Once upon a time."})
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseAudio, Sentence: "Once upon a time.", SentenceIndex: 0, PCM: pcm(400 * time.Millisecond)})
	if got := h.s.turn.State(); got != turn.AISpeaking {
		h.t.Fatalf("state = %s, want ai_speaking", got)
	}
	h.drain()
	return req
}

// triggerBoth fires a barge-in on agreeing local and remote speech.
func (h *harness) triggerBoth() {
	h.t.Helper()
	h.clk.advance(frameStep)
	h.vad(0.6, true)
	h.stt(pipeline.STTEvent{Type: pipeline.STTSpeechStart, Confidence: 0.9})
	if h.s.barge == nil || h.s.turn.State() != turn.BargeInDetected {
		h.t.Fatalf("no barge-in: state %s", h.s.turn.State())
	}
	if !h.s.sched.Muted() {
		h.t.Fatal("output not muted on trigger")
	}
}

func bargeEvents(envs []protocol.Envelope) []protocol.Envelope {
	return ofType(envs, protocol.TypeBargeInEvent)
}

func TestSession_HardBargeStopsReply(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()

	h.triggerBoth()
	h.speak(0.6, 25) // 500ms of speech past the trigger

	envs := h.drain()
	events := bargeEvents(envs)
	if len(events) != 1 {
		t.Fatalf("barge_in.event count = %d, want 1", len(events))
	}
	if e := events[0]; e.Classification != "hard_barge" || e.Action != "stop" || e.Source != "both" {
		t.Fatalf("event = %+v", e)
	}
	if h.s.reply != nil {
		t.Fatal("reply still in flight after hard barge")
	}
	if !h.s.turn.In(turn.Listening, turn.SpeechDetected, turn.UserSpeaking) {
		t.Fatalf("state = %s, want the user's turn", h.s.turn.State())
	}
	var cancelled bool
	for _, e := range ofType(envs, protocol.TypeVoiceState) {
		cancelled = cancelled || e.State == "cancelled"
	}
	if !cancelled {
		t.Fatal("voice.state cancelled not sent")
	}
	if h.s.sched.Len() != 0 {
		t.Fatalf("%d chunks left queued", h.s.sched.Len())
	}
}

func TestSession_BackchannelResumes(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()

	h.triggerBoth()
	h.speak(0.6, 14) // 280ms
	h.clk.advance(frameStep)
	h.vad(0.1, false)
	if h.s.barge == nil {
		t.Fatal("short speech without transcript classified early")
	}

	h.clk.advance(150 * time.Millisecond)
	h.stt(pipeline.STTEvent{Type: pipeline.STTSpeechEnd})
	h.stt(pipeline.STTEvent{Type: pipeline.STTFinal, Text: "uh-huh"})

	envs := h.drain()
	events := bargeEvents(envs)
	if len(events) != 1 || events[0].Classification != "backchannel" || events[0].Action != "continue" {
		t.Fatalf("events = %+v", events)
	}
	// only the trigger muted; the verdict undoes it once
	var mutes, restores int
	for _, e := range ofType(envs, protocol.TypeAudioControl) {
		if e.Action != protocol.AudioRamp || e.Gain == nil {
			continue
		}
		switch *e.Gain {
		case 0:
			mutes++
		case 1:
			restores++
		}
	}
	if mutes != 1 || restores != 1 {
		t.Fatalf("ramps to 0: %d, back to 1: %d; want 1 each", mutes, restores)
	}
	if h.s.turn.State() != turn.AISpeaking {
		t.Fatalf("state = %s, want ai_speaking", h.s.turn.State())
	}
	if h.s.sched.Muted() || h.s.sched.Gain() != 1 {
		t.Fatalf("muted=%v gain=%v after backchannel", h.s.sched.Muted(), h.s.sched.Gain())
	}
	if h.s.sched.Len() == 0 {
		t.Fatal("discarded audio not restored")
	}
	if h.s.reply == nil {
		t.Fatal("reply dropped on backchannel")
	}
}

func softBarge(h *harness) {
	h.t.Helper()
	h.startSpeaking()
	h.triggerBoth()
	h.speak(0.6, 11) // 220ms
	h.clk.advance(frameStep)
	h.vad(0.1, false)
	h.clk.advance(200 * time.Millisecond)
	h.stt(pipeline.STTEvent{Type: pipeline.STTFinal, Text: "wait"})
}

func TestSession_SoftBargeDucksAndAutoResumes(t *testing.T) {
	h := newHarness(t, Deps{})
	softBarge(h)

	events := bargeEvents(h.drain())
	if len(events) != 1 || events[0].Classification != "soft_barge" || events[0].Action != "pause" {
		t.Fatalf("events = %+v", events)
	}
	if h.s.turn.State() != turn.SoftPaused {
		t.Fatalf("state = %s, want soft_paused", h.s.turn.State())
	}
	if g := h.s.sched.Gain(); g != 0.2 {
		t.Fatalf("gain = %v, want 0.2", g)
	}
	if !h.s.timers.armed(timerGrace) {
		t.Fatal("grace timer not armed")
	}

	h.clk.advance(2 * time.Second)
	h.s.onTimer(timerGrace)
	if h.s.turn.State() != turn.AISpeaking || h.s.sched.Gain() != 1 {
		t.Fatalf("after grace: state %s gain %v", h.s.turn.State(), h.s.sched.Gain())
	}
}

func TestSession_SoftBargePromptPolicyStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte("soft_barge_resume: prompt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := flags.NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, Deps{Flags: store})
	softBarge(h)
	h.drain()

	h.clk.advance(2 * time.Second)
	h.s.onTimer(timerGrace)
	events := bargeEvents(h.drain())
	if len(events) != 1 || events[0].Action != "prompt" {
		t.Fatalf("events = %+v", events)
	}
	if h.s.reply != nil || h.s.turn.State() != turn.Listening {
		t.Fatalf("reply=%v state=%s, want stopped and listening", h.s.reply != nil, h.s.turn.State())
	}
}

func TestSession_LocalOnlyMisfireRollsBackOnce(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()
	queued := h.s.sched.Len()

	h.clk.advance(frameStep)
	h.vad(0.85, true)
	if h.s.barge == nil {
		t.Fatal("local 0.85 did not trigger")
	}
	h.clk.advance(frameStep)
	h.vad(0.1, false)

	h.clk.advance(500 * time.Millisecond)
	h.s.onTimer(timerRollback)
	h.s.onTimer(timerRollback)
	h.s.onTimer(timerClassify)

	envs := h.drain()
	events := bargeEvents(envs)
	if len(events) != 1 {
		t.Fatalf("barge_in.event count = %d, want 1", len(events))
	}
	if e := events[0]; e.Classification != "false_positive" || e.Action != "rollback" || e.Source != "local_only" {
		t.Fatalf("event = %+v", e)
	}
	if h.s.turn.State() != turn.AISpeaking {
		t.Fatalf("state = %s, want ai_speaking", h.s.turn.State())
	}
	if h.s.sched.Muted() || h.s.sched.Len() != queued {
		t.Fatalf("muted=%v queued=%d, want the %d discarded chunks back", h.s.sched.Muted(), h.s.sched.Len(), queued)
	}
	var restores int
	for _, e := range ofType(envs, protocol.TypeAudioControl) {
		if e.Action == protocol.AudioRamp && e.Gain != nil && *e.Gain == 1 {
			restores++
		}
	}
	if restores != 1 {
		t.Fatalf("gain restored %d times, want 1", restores)
	}
}

func TestSession_TranscriptConfirmsStaleSpeech(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()

	h.clk.advance(frameStep)
	h.vad(0.6, true)
	if h.s.barge != nil {
		t.Fatal("local 0.6 triggered on its own")
	}
	h.clk.advance(350 * time.Millisecond)
	h.stt(pipeline.STTEvent{Type: pipeline.STTPartial, Text: "stop please"})

	if h.s.barge == nil || h.s.turn.State() != turn.BargeInDetected {
		t.Fatalf("no barge-in from a transcript after stale speech: state %s", h.s.turn.State())
	}
	if src := h.s.barge.event.Source; src != fusion.OriginAwaiting {
		t.Fatalf("source = %s, want %s", src, fusion.OriginAwaiting)
	}
	if !h.s.sched.Muted() {
		t.Fatal("output not muted")
	}
}

func TestSession_TranscriptLongAfterSpeechIgnored(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()

	h.clk.advance(frameStep)
	h.vad(0.6, true)
	h.clk.advance(900 * time.Millisecond)
	h.stt(pipeline.STTEvent{Type: pipeline.STTPartial, Text: "stop please"})

	if h.s.barge != nil || h.s.turn.State() != turn.AISpeaking {
		t.Fatalf("late transcript interrupted the reply: state %s", h.s.turn.State())
	}
}

func TestSession_ManualBargeInStops(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()

	h.s.handleInbound(inbound{msg: protocol.BargeIn{}, at: h.clk.t})

	events := bargeEvents(h.drain())
	if len(events) != 1 || events[0].Classification != "hard_barge" || events[0].Source != string(originManual) {
		t.Fatalf("events = %+v", events)
	}
	if h.s.reply != nil || h.s.turn.State() != turn.Listening {
		t.Fatalf("reply=%v state=%s", h.s.reply != nil, h.s.turn.State())
	}
}

func TestSession_InterruptedReplyIsNotedOnNextRequest(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()
	h.triggerBoth()
	h.speak(0.6, 25)
	if h.s.reply != nil {
		t.Fatal("reply not stopped")
	}

	h.s.handleText(h.clk.t, "what happened next")
	req := h.request()
	if len(req.Chat.Notes) != 1 || !strings.Contains(req.Chat.Notes[0], "Once upon a time.") {
		t.Fatalf("notes = %q", req.Chat.Notes)
	}
	if len(h.s.interrupted) != 0 {
		t.Fatal("interrupted log not cleared")
	}
}

func TestSession_InterruptedLogIsBounded(t *testing.T) {
	h := newHarness(t, Deps{})
	r := &reply{sentences: map[int]string{0: "First."}}
	h.s.out.played = 0
	for range 3 {
		h.s.noteInterrupted(r)
	}
	if got := len(h.s.interrupted); got != h.s.cfg.InterruptedLog {
		t.Fatalf("interrupted log holds %d, want %d", got, h.s.cfg.InterruptedLog)
	}
}

func TestSession_ReplyFailureIsRecoverable(t *testing.T) {
	h := newHarness(t, Deps{})
	h.s.handleText(h.clk.t, "hello")
	h.request()

	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseFailed, Stage: "llm", Err: errors.New("connection refused")})

	errs := ofType(h.drain(), protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeLLMFailed || errs[0].Recoverable == nil || !*errs[0].Recoverable {
		t.Fatalf("errors = %+v", errs)
	}
	if h.s.reply != nil || h.s.turn.State() != turn.Listening {
		t.Fatalf("reply=%v state=%s", h.s.reply != nil, h.s.turn.State())
	}
	if h.s.ctx.Err() != nil {
		t.Fatal("session closed on a recoverable failure")
	}
}

func TestSession_FinalAudioMarkerAfterPlayback(t *testing.T) {
	h := newHarness(t, Deps{})
	h.s.handleText(h.clk.t, "hello")
	h.request()
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseAudio, Sentence: "Hi.", SentenceIndex: 0, PCM: pcm(200 * time.Millisecond)})
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseAudio, Final: true, SentenceIndex: 0})
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseDone, Text: "Hi."})
	if h.s.reply == nil {
		t.Fatal("reply finished before its audio played out")
	}

	h.clk.advance(200 * time.Millisecond)
	h.s.dispatch(h.clk.t)

	var final []protocol.Envelope
	for _, e := range ofType(h.drain(), protocol.TypeAudioOutput) {
		if e.IsFinal != nil && *e.IsFinal && e.Audio == "" {
			final = append(final, e)
		}
	}
	if len(final) != 1 || final[0].SentenceIndex == nil || *final[0].SentenceIndex != 0 {
		t.Fatalf("final markers = %+v", final)
	}
	if h.s.reply != nil || h.s.turn.State() != turn.Listening {
		t.Fatalf("reply=%v state=%s", h.s.reply != nil, h.s.turn.State())
	}
}

func TestSession_LongSentencePlaysInFull(t *testing.T) {
	h := newHarness(t, Deps{})
	h.s.handleText(h.clk.t, "tell me everything")
	h.request()
	long := pcm(3 * time.Second)
	h.replyEvent(pipeline.ResponseEvent{Type: pipeline.ResponseAudio, Sentence: "A very long sentence.", SentenceIndex: 0, PCM: long})
	if q := h.s.sched.Queued(); q > h.s.schedCfg.MaxQueued {
		t.Fatalf("queued %v over the cap", q)
	}

	for range 300 {
		h.clk.advance(frameStep)
		h.s.dispatch(h.clk.t)
	}

	var sent int
	for _, e := range ofType(h.drain(), protocol.TypeAudioOutput) {
		b, err := base64.StdEncoding.DecodeString(e.Audio)
		if err != nil {
			t.Fatal(err)
		}
		sent += len(b)
	}
	if sent != len(long) {
		t.Fatalf("sent %d bytes of a %d byte sentence", sent, len(long))
	}
	if n := len(h.s.reply.pending); n != 0 {
		t.Fatalf("%d chunks still pending", n)
	}
}

func TestSession_SequenceFollowsSendOrder(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()
	h.triggerBoth()
	h.speak(0.6, 25)

	envs := h.drain()
	for i := 1; i < len(envs); i++ {
		if envs[i].Sequence != envs[i-1].Sequence+1 {
			t.Fatalf("sequence %d follows %d", envs[i].Sequence, envs[i-1].Sequence)
		}
	}
}

func TestSession_UserTurnCommitsToReply(t *testing.T) {
	h := newHarness(t, Deps{})
	h.vad(0.9, true)
	h.speak(0.9, 15)
	if h.s.turn.State() != turn.UserSpeaking {
		t.Fatalf("state = %s, want user_speaking", h.s.turn.State())
	}
	h.stt(pipeline.STTEvent{Type: pipeline.STTSpeechEnd})
	if h.s.turn.State() != turn.ProcessingSTT {
		t.Fatalf("state = %s, want processing_stt", h.s.turn.State())
	}
	h.stt(pipeline.STTEvent{Type: pipeline.STTFinal, Text: "What is the weather in Paris?"})
	if h.s.turn.State() == turn.AwaitingContinuation {
		h.clk.advance(3 * time.Second)
		h.s.onTimer(timerEndOfTurn)
	}

	req := h.request()
	if req.Chat.UserMessage != "What is the weather in Paris?" {
		t.Fatalf("user message = %q", req.Chat.UserMessage)
	}
	complete := ofType(h.drain(), protocol.TypeTranscriptComplete)
	if len(complete) != 1 || complete[0].Text != req.Chat.UserMessage || complete[0].MessageID == "" {
		t.Fatalf("transcript.complete = %+v", complete)
	}
	if h.s.turn.State() != turn.ProcessingLLM {
		t.Fatalf("state = %s, want processing_llm", h.s.turn.State())
	}
}

// finishUtterance ends local speech, waits out silence and delivers the
// recognizer's final for text.
func (h *harness) finishUtterance(silence time.Duration, text string) {
	h.t.Helper()
	h.vad(0.9, true)
	h.speak(0.9, 15)
	h.clk.advance(silence)
	h.stt(pipeline.STTEvent{Type: pipeline.STTSpeechEnd})
	h.stt(pipeline.STTEvent{Type: pipeline.STTFinal, Text: text})
}

func TestSession_CompleteUtteranceCommitsOnShortSilence(t *testing.T) {
	h := newHarness(t, Deps{})
	// predicted timeout is 375ms; the segmenter already waited 300ms of it
	h.finishUtterance(300*time.Millisecond, "What is the weather in Paris?")
	if h.s.turn.State() != turn.AwaitingContinuation {
		t.Fatalf("state = %s, want awaiting_continuation", h.s.turn.State())
	}

	h.clk.advance(40 * time.Millisecond)
	h.s.onTimer(timerEndOfTurn)
	if h.s.turn.State() != turn.AwaitingContinuation {
		t.Fatalf("committed after 340ms of silence: state %s", h.s.turn.State())
	}
	h.clk.advance(60 * time.Millisecond)
	h.s.onTimer(timerEndOfTurn)
	if req := h.request(); req.Chat.UserMessage != "What is the weather in Paris?" {
		t.Fatalf("user message = %q", req.Chat.UserMessage)
	}
}

func TestSession_LateFinalCommitsImmediately(t *testing.T) {
	h := newHarness(t, Deps{})
	h.finishUtterance(450*time.Millisecond, "What is the weather in Paris?")
	if h.s.turn.State() != turn.ProcessingLLM {
		t.Fatalf("state = %s, want processing_llm", h.s.turn.State())
	}
	h.request()
}

func TestSession_ContinuationWaitCountsFromLastSpeech(t *testing.T) {
	h := newHarness(t, Deps{})
	// "to" predicts a continuation with a ~1258ms timeout
	h.finishUtterance(300*time.Millisecond, "I want to go to")
	if h.s.turn.State() != turn.AwaitingContinuation {
		t.Fatalf("state = %s, want awaiting_continuation", h.s.turn.State())
	}

	h.clk.advance(700 * time.Millisecond)
	h.s.onTimer(timerEndOfTurn)
	if h.s.turn.State() != turn.AwaitingContinuation {
		t.Fatalf("committed after 1s of silence: state %s", h.s.turn.State())
	}
	h.clk.advance(300 * time.Millisecond)
	h.s.onTimer(timerEndOfTurn)
	if h.s.turn.State() != turn.ProcessingLLM {
		t.Fatalf("still waiting after 1.3s of silence: state %s", h.s.turn.State())
	}
	if req := h.request(); req.Chat.UserMessage != "I want to go to" {
		t.Fatalf("user message = %q", req.Chat.UserMessage)
	}
}

func TestSession_KillSwitchFallsBackToSimpleVAD(t *testing.T) {
	kill := flags.NewKillSwitch()
	h := newHarness(t, Deps{Kill: kill})
	h.startSpeaking()

	kill.Set(flags.SourceEnv, true)
	h.vad(0.9, true)
	if h.s.mode != protocol.ModeSimpleVAD {
		t.Fatalf("mode = %s", h.s.mode)
	}
	h.stt(pipeline.STTEvent{Type: pipeline.STTSpeechStart})
	if h.s.barge != nil {
		t.Fatal("remote evidence used while the kill switch is engaged")
	}
	h.speak(0.9, 15) // 300ms

	events := bargeEvents(h.drain())
	if len(events) != 1 || events[0].Classification != "hard_barge" || events[0].Source != "local_only" {
		t.Fatalf("events = %+v", events)
	}
	if h.s.reply != nil {
		t.Fatal("reply not stopped")
	}
}

func TestSession_KillSwitchResolvesOpenBarge(t *testing.T) {
	kill := flags.NewKillSwitch()
	h := newHarness(t, Deps{Kill: kill})
	h.startSpeaking()
	h.triggerBoth()

	kill.Set(flags.SourceRedis, true)
	h.clk.advance(frameStep)
	h.vad(0.1, false)

	events := bargeEvents(h.drain())
	if len(events) != 1 || events[0].Classification != "false_positive" {
		t.Fatalf("events = %+v", events)
	}
	if h.s.barge != nil || h.s.sched.Muted() {
		t.Fatal("barge-in left open")
	}
}

func TestSession_MalformedMessagesCloseAtThreshold(t *testing.T) {
	h := newHarness(t, Deps{})
	bad := &protocol.DecodeError{Reason: "not json"}
	for i := 1; i < h.s.cfg.MaxMalformed; i++ {
		h.s.handleInbound(inbound{err: bad, at: h.clk.t})
	}
	errs := ofType(h.drain(), protocol.TypeError)
	if len(errs) != h.s.cfg.MaxMalformed-1 {
		t.Fatalf("%d invalid_message errors, want %d", len(errs), h.s.cfg.MaxMalformed-1)
	}
	for _, e := range errs {
		if e.Code != protocol.CodeInvalidMessage || !*e.Recoverable {
			t.Fatalf("error = %+v", e)
		}
	}
	if h.s.ctx.Err() != nil {
		t.Fatal("closed before the threshold")
	}

	h.s.handleInbound(inbound{err: bad, at: h.clk.t})
	errs = ofType(h.drain(), protocol.TypeError)
	if len(errs) != 1 || errs[0].Code != protocol.CodeProtocolViolation || *errs[0].Recoverable {
		t.Fatalf("closing error = %+v", errs)
	}
	if h.s.ctx.Err() == nil || h.s.closeReason() != ReasonProtocolViolation {
		t.Fatalf("reason = %q", h.s.closeReason())
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	h := newHarness(t, Deps{})
	h.clk.advance(h.s.cfg.IdleTimeout / 2)
	h.s.handleInbound(inbound{msg: protocol.Ping{}, at: h.clk.t})
	if pongs := ofType(h.drain(), protocol.TypePong); len(pongs) != 1 {
		t.Fatalf("pongs = %d", len(pongs))
	}

	h.clk.advance(h.s.cfg.IdleTimeout / 2)
	h.s.onTimer(timerIdle)
	if h.s.ctx.Err() != nil {
		t.Fatal("closed while the client was active")
	}
	if !h.s.timers.armed(timerIdle) {
		t.Fatal("idle timer not re-armed")
	}

	h.clk.advance(h.s.cfg.IdleTimeout)
	h.s.onTimer(timerIdle)
	if h.s.closeReason() != ReasonIdleTimeout {
		t.Fatalf("reason = %q", h.s.closeReason())
	}
}

func TestSession_InitAcksOnce(t *testing.T) {
	h := newHarness(t, Deps{})
	msg := protocol.SessionInit{
		ConversationID: "conv-9",
		Consent:        protocol.ConsentFull,
		VoiceSettings:  protocol.VoiceSettings{Device: "speaker", Language: "es"},
	}
	h.s.handleInbound(inbound{msg: msg, at: h.clk.t})
	h.s.handleInbound(inbound{msg: msg, at: h.clk.t})

	envs := h.drain()
	acks := ofType(envs, protocol.TypeSessionInitAck)
	if len(acks) != 1 || acks[0].ConversationID != "conv-9" || acks[0].SessionID != h.s.ID {
		t.Fatalf("acks = %+v", acks)
	}
	if errs := ofType(envs, protocol.TypeError); len(errs) != 1 || errs[0].Code != protocol.CodeInvalidMessage {
		t.Fatalf("second init errors = %+v", errs)
	}
	if h.s.snap.Device != "speaker" || h.s.language() != "es" {
		t.Fatalf("device %s language %s", h.s.snap.Device, h.s.language())
	}
}

func TestSession_MutedMicrophoneIgnoresSpeech(t *testing.T) {
	h := newHarness(t, Deps{})
	h.startSpeaking()
	h.s.handleControl(h.clk.t, protocol.ActionMute)
	h.speak(0.95, 30)
	if h.s.barge != nil || h.s.turn.State() != turn.AISpeaking {
		t.Fatalf("muted speech interrupted the reply: state %s", h.s.turn.State())
	}
	h.s.handleControl(h.clk.t, protocol.ActionUnmute)
	if h.s.userMuted {
		t.Fatal("unmute ignored")
	}
}

func TestOnInboundMessage_AfterCloseReportsClosed(t *testing.T) {
	h := newHarness(t, Deps{})
	h.s.o.OnDisconnect(h.s, ReasonClientClosed)
	if err := h.s.o.OnInboundMessage(h.s, []byte(`{"type":"ping"}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestOnConnect_RequiresReplies(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), Deps{})
	if _, err := o.OnConnect(context.Background(), &fakeConn{}, Info{}); err == nil {
		t.Fatal("OnConnect without a reply pipeline succeeded")
	}
}

func TestRun_ServesUntilDisconnect(t *testing.T) {
	tracker := NewTracker()
	replies := &fakeReplier{reqs: make(chan pipeline.ResponseRequest, 1)}
	o := NewOrchestrator(DefaultConfig(), Deps{Replies: replies, Tracker: tracker})
	conn := &fakeConn{}

	s, err := o.OnConnect(context.Background(), conn, Info{UserID: "u-2", Device: "phone"})
	if err != nil {
		t.Fatal(err)
	}
	if tracker.Count() != 1 {
		t.Fatalf("tracker count = %d", tracker.Count())
	}
	go o.Run(s)

	if err := o.OnInboundMessage(s, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		envs := conn.envelopes(t)
		if len(ofType(envs, protocol.TypePong)) == 1 {
			if envs[0].Type != protocol.TypeSessionReady || envs[0].PipelineMode != protocol.ModeFused {
				t.Fatalf("first frame = %+v", envs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no pong")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.OnDisconnect(s, ReasonClientClosed)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
	if tracker.Count() != 0 {
		t.Fatal("session still registered")
	}
	if list := tracker.List(); len(list) != 0 {
		t.Fatalf("List = %+v", list)
	}
}
