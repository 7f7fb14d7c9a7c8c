package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SpeechSynthesizer is the slice of TTSRouter a Responder needs.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*TTSResult, error)
}

// ResponseEventType is the kind of a ResponseEvent.
type ResponseEventType int

const (
	ResponseDelta  ResponseEventType = iota // one streamed LLM token
	ResponseAudio                           // synthesized audio for one sentence
	ResponseDone                            // LLM and TTS finished
	ResponseFailed                          // a stage failed after its retry
)

// ResponseEvent reports progress of one spoken reply.
type ResponseEvent struct {
	Type          ResponseEventType
	Delta         string
	Sentence      string
	SentenceIndex int
	PCM           []byte // mono PCM16 at audio.OutputSampleRate
	Final         bool   // last audio event of the reply; carries no PCM
	Text          string // full reply, on ResponseDone
	Stage         string // "llm" or "tts", on ResponseFailed
	Err           error
	LLM           *LLMResult
}

// ResponseRequest is one reply to produce.
type ResponseRequest struct {
	Chat      ChatRequest
	TTSEngine string
	TTS       TTSOptions
}

// Responder streams an LLM reply and synthesizes it sentence by sentence,
// so the first audio is ready before the LLM finishes.
type Responder struct {
	LLM          LLMChatClient
	TTS          SpeechSynthesizer
	RetryBackoff time.Duration
}

// Respond runs until the reply is complete, fails or ctx is cancelled.
// emit may be called from more than one goroutine; audio events arrive in
// sentence order and ResponseDone or ResponseFailed is always last.
func (r *Responder) Respond(ctx context.Context, req ResponseRequest, emit func(ResponseEvent)) {
	sentenceCh := make(chan string, 4)
	ttsFailed := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.consumeSentences(ctx, req, sentenceCh, ttsFailed, emit)
	}()

	var sb sentenceBuffer
	var cf codeFilter
	streamed := false

	var result *LLMResult
	err := Retry(ctx, "llm", r.RetryBackoff, func(ctx context.Context) error {
		var err error
		result, err = r.LLM.Chat(ctx, req.Chat, func(token string) {
			streamed = true
			emit(ResponseEvent{Type: ResponseDelta, Delta: token})
			if s := sb.Add(cf.Filter(token)); s != "" {
				sentenceCh <- s
			}
		})
		if err != nil && streamed {
			return Permanent(err)
		}
		return err
	})

	if err == nil {
		if rest := sb.Flush(); rest != "" {
			sentenceCh <- rest
		}
	}
	close(sentenceCh)
	wg.Wait()

	if err != nil {
		slog.Warn("llm reply failed", "error", err, "streamed", streamed)
		emit(ResponseEvent{Type: ResponseFailed, Stage: "llm", Err: err})
		return
	}
	select {
	case terr := <-ttsFailed:
		emit(ResponseEvent{Type: ResponseFailed, Stage: "tts", Err: terr, Text: result.Text, LLM: result})
		return
	default:
	}
	emit(ResponseEvent{Type: ResponseDone, Text: result.Text, LLM: result})
}

// consumeSentences synthesizes sentences in arrival order. After a failure
// the remaining sentences are drained without synthesis.
func (r *Responder) consumeSentences(ctx context.Context, req ResponseRequest, sentenceCh <-chan string, failed chan<- error, emit func(ResponseEvent)) {
	index := 0
	var ttsErr error
	for sentence := range sentenceCh {
		sentence = stripMarkdown(sentence)
		if sentence == "" || ttsErr != nil || ctx.Err() != nil {
			continue
		}
		var res *TTSResult
		ttsErr = Retry(ctx, "tts", r.RetryBackoff, func(ctx context.Context) error {
			var err error
			res, err = r.TTS.Synthesize(ctx, sentence, req.TTSEngine, req.TTS)
			return err
		})
		if ttsErr != nil {
			slog.Warn("tts sentence failed", "error", ttsErr, "sentence_index", index)
			failed <- ttsErr
			continue
		}
		emit(ResponseEvent{Type: ResponseAudio, Sentence: sentence, SentenceIndex: index, PCM: res.PCM})
		index++
	}
	if ttsErr == nil && ctx.Err() == nil {
		emit(ResponseEvent{Type: ResponseAudio, SentenceIndex: index, Final: true})
	}
}
