package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/prompts"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

// utterance accumulates the user's turn across continuation pauses.
type utterance struct {
	id      string
	parts   []string
	started time.Time
	force   bool // commit on the next final, skipping the predictor
}

func (u *utterance) add(text string, now time.Time) {
	if text == "" {
		return
	}
	if u.id == "" {
		u.id = uuid.NewString()
		u.started = now
	}
	u.parts = append(u.parts, text)
}

func (u *utterance) text() string { return strings.Join(u.parts, " ") }

func (u *utterance) messageID() string {
	if u.id == "" {
		u.id = uuid.NewString()
	}
	return u.id
}

func (u *utterance) reset() { *u = utterance{} }

// reply is one in-flight spoken response.
type reply struct {
	id        string
	turnID    string
	userText  string
	started   time.Time
	cancel    context.CancelFunc
	text      strings.Builder
	sentences map[int]string

	pending     []scheduler.Chunk // synthesized, waiting for queue headroom
	offsetMs    int
	audioChunks int
	firstAudio  time.Time
	audioDone   bool
	finalIndex  int
	llmDone     bool
}

// commitTurn ends the user turn and starts the reply to it.
func (s *Session) commitTurn(now time.Time) {
	s.timers.stop(timerEndOfTurn)
	text := s.utter.text()
	if text == "" {
		s.utter.force = false
		if s.reply == nil && !s.playing() {
			s.backToListening(now)
		}
		return
	}
	s.send(protocol.Envelope{Type: protocol.TypeTranscriptComplete, Text: text, MessageID: s.utter.messageID()})
	s.utter.reset()
	s.startReply(now, text)
}

// startReply launches the collaborator pipeline for text. Its events come
// back on replyCh tagged with the reply id; events of a superseded reply are
// dropped.
func (s *Session) startReply(now time.Time, text string) {
	if s.reply != nil {
		s.finishReply(now, trace.TurnCancelled)
	}
	if s.barge != nil {
		s.barge = nil
		s.fusion.Cancel()
		s.timers.stop(timerRollback)
		s.timers.stop(timerClassify)
	}
	s.timers.stop(timerGrace)
	s.sched.Reset(now)
	s.out.played = -1

	if !s.to(turn.ProcessingLLM, now) {
		s.turn.Force(turn.ProcessingLLM, now)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &reply{
		id:        uuid.NewString(),
		userText:  text,
		started:   now,
		cancel:    cancel,
		sentences: make(map[int]string),
	}
	r.turnID = s.tracer.StartTurn(now)
	s.reply = r

	notes := s.interrupted
	s.interrupted = nil

	req := pipeline.ResponseRequest{
		Chat: pipeline.ChatRequest{
			UserMessage:  text,
			SystemPrompt: prompts.ForSession(s.cfg.SystemPrompt),
			Notes:        notes,
			Model:        firstNonEmpty(s.settings.LLMModel, s.cfg.LLMModel),
			Engine:       s.cfg.LLMEngine,
		},
		TTSEngine: firstNonEmpty(s.settings.TTSEngine, s.cfg.TTSEngine),
		TTS: pipeline.TTSOptions{
			Speed:    s.settings.Speed,
			Voice:    firstNonEmpty(s.settings.Voice, s.cfg.Voice),
			Language: s.language(),
		},
	}
	id := r.id
	replies := s.o.deps.Replies
	go replies.Respond(ctx, req, func(ev pipeline.ResponseEvent) {
		select {
		case s.replyCh <- replyEvent{id: id, ev: ev}:
		case <-ctx.Done():
		}
	})
	s.log.Info("reply started", "reply_id", id, "turn_id", r.turnID, "notes", len(notes))
}

func (s *Session) handleReply(re replyEvent) {
	r := s.reply
	if r == nil || re.id != r.id {
		return
	}
	now := s.now()
	ev := re.ev

	switch ev.Type {
	case pipeline.ResponseDelta:
		r.text.WriteString(ev.Delta)
		s.send(protocol.Envelope{Type: protocol.TypeResponseDelta, Delta: ev.Delta, MessageID: r.id})

	case pipeline.ResponseAudio:
		if ev.Final {
			r.audioDone = true
			r.finalIndex = ev.SentenceIndex
			s.maybeFinishPlayback(now)
			return
		}
		s.enqueueAudio(now, r, ev)

	case pipeline.ResponseDone:
		r.llmDone = true
		s.send(protocol.Envelope{Type: protocol.TypeResponseComplete, Text: ev.Text, MessageID: r.id})
		s.maybeFinishPlayback(now)

	case pipeline.ResponseFailed:
		code := protocol.CodeLLMFailed
		if ev.Stage == "tts" {
			code = protocol.CodeTTSFailed
		}
		s.log.Warn("reply failed", "stage", ev.Stage, "error", ev.Err)
		s.sendError(code, collaboratorMessage(ev.Stage, ev.Err), true)
		if s.barge != nil {
			s.barge = nil
			s.fusion.Cancel()
			s.timers.stop(timerRollback)
			s.timers.stop(timerClassify)
		}
		s.timers.stop(timerGrace)
		s.sched.Reset(now)
		s.finishReply(now, trace.TurnFailed)
		s.backToListening(now)
	}
}

func collaboratorMessage(stage string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return stage + " timed out"
	}
	return fmt.Sprintf("%s unavailable: %v", stage, err)
}

// enqueueAudio splits a synthesized sentence into playback chunks. They wait
// on the reply until the scheduler has room for them.
func (s *Session) enqueueAudio(now time.Time, r *reply, ev pipeline.ResponseEvent) {
	if len(ev.PCM) == 0 {
		return
	}
	r.sentences[ev.SentenceIndex] = ev.Sentence
	if r.firstAudio.IsZero() {
		r.firstAudio = now
		metrics.ResponseLatency.Observe(now.Sub(r.started).Seconds())
		if s.turn.State() == turn.ProcessingLLM {
			s.to(turn.AISpeaking, now)
		}
	}
	for _, pcm := range audio.SplitPCM16(ev.PCM, audio.OutputSampleRate, s.cfg.ChunkDuration) {
		c := scheduler.Chunk{
			PCM:           pcm,
			SampleRate:    audio.OutputSampleRate,
			Channels:      1,
			StartOffsetMs: r.offsetMs,
			SentenceIndex: ev.SentenceIndex,
		}
		r.pending = append(r.pending, c)
		r.offsetMs += int(c.Duration() / time.Millisecond)
		r.audioChunks++
	}
	if !s.sched.Muted() {
		s.dispatch(now)
	}
}

// feed moves pending reply audio into the scheduler up to its headroom.
// Nothing moves while muted.
func (s *Session) feed(now time.Time) {
	r := s.reply
	if r == nil || s.sched.Muted() {
		return
	}
	room := s.sched.Headroom()
	var n int
	for n < len(r.pending) {
		d := r.pending[n].Duration()
		if d > room {
			break
		}
		s.sched.Enqueue(now, r.pending[n])
		room -= d
		n++
	}
	clear(r.pending[:n])
	r.pending = r.pending[n:]
}

// finishReply cancels the reply's collaborators and closes its trace turn.
func (s *Session) finishReply(now time.Time, status string) {
	r := s.reply
	if r == nil {
		return
	}
	s.reply = nil
	r.cancel()
	s.tracer.EndTurn(r.turnID, now.Sub(r.started), r.userText, r.text.String(), status)
	s.log.Info("reply finished", "reply_id", r.id, "status", status, "duration", now.Sub(r.started).Round(time.Millisecond))
}

// noteInterrupted remembers what the user heard of an interrupted reply so
// the next LLM turn can take it into account.
func (s *Session) noteInterrupted(r *reply) {
	var heard []string
	for i := 0; i <= s.out.played; i++ {
		if text, ok := r.sentences[i]; ok {
			heard = append(heard, text)
		}
	}
	s.interrupted = append(s.interrupted, prompts.Interrupted(heard))
	if n := len(s.interrupted); n > s.cfg.InterruptedLog {
		s.interrupted = s.interrupted[n-s.cfg.InterruptedLog:]
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
