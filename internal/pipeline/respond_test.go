package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLLM struct {
	tokens []string
	errs   []error // consumed one per call before streaming
	failAt int     // stream this many tokens then fail, 0 = never
	calls  int
}

func (f *fakeLLM) Chat(_ context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	text := ""
	for i, tok := range f.tokens {
		if f.failAt > 0 && i == f.failAt {
			return nil, &StatusError{Service: "llm", Code: 500}
		}
		onToken(tok)
		text += tok
	}
	return &LLMResult{Text: text}, nil
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeTTS) Synthesize(_ context.Context, text, _ string, _ TTSOptions) (*TTSResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return &TTSResult{PCM: make([]byte, 480)}, nil
}

type recorder struct {
	mu  sync.Mutex
	evs []ResponseEvent
}

func (r *recorder) emit(ev ResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) of(typ ResponseEventType) []ResponseEvent {
	var out []ResponseEvent
	for _, ev := range r.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestResponder_SentencesInOrder(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Hello there. ", "How are", " you?"}}
	tts := &fakeTTS{}
	r := &Responder{LLM: llm, TTS: tts, RetryBackoff: time.Millisecond}
	var rec recorder
	r.Respond(context.Background(), ResponseRequest{Chat: ChatRequest{UserMessage: "hi"}}, rec.emit)

	if n := len(rec.of(ResponseDelta)); n != 3 {
		t.Fatalf("deltas=%d", n)
	}
	audioEvs := rec.of(ResponseAudio)
	if len(audioEvs) != 3 {
		t.Fatalf("audio=%+v", audioEvs)
	}
	if audioEvs[0].Sentence != "Hello there." || audioEvs[1].Sentence != "How are you?" {
		t.Fatalf("sentences=%q %q", audioEvs[0].Sentence, audioEvs[1].Sentence)
	}
	if !audioEvs[2].Final || audioEvs[2].SentenceIndex != 2 || audioEvs[2].PCM != nil {
		t.Fatalf("final marker=%+v", audioEvs[2])
	}
	last := rec.evs[len(rec.evs)-1]
	if last.Type != ResponseDone || last.Text != "Hello there. How are you?" {
		t.Fatalf("last=%+v", last)
	}
}

func TestResponder_RetriesLLMBeforeFirstToken(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Fine."}, errs: []error{&StatusError{Service: "llm", Code: 503}}}
	r := &Responder{LLM: llm, TTS: &fakeTTS{}, RetryBackoff: time.Millisecond}
	var rec recorder
	r.Respond(context.Background(), ResponseRequest{}, rec.emit)
	if llm.calls != 2 || len(rec.of(ResponseDone)) != 1 {
		t.Fatalf("calls=%d events=%+v", llm.calls, rec.evs)
	}
}

func TestResponder_NoRetryAfterStreaming(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"One. ", "Two. "}, failAt: 1}
	r := &Responder{LLM: llm, TTS: &fakeTTS{}, RetryBackoff: time.Millisecond}
	var rec recorder
	r.Respond(context.Background(), ResponseRequest{}, rec.emit)
	failed := rec.of(ResponseFailed)
	if llm.calls != 1 || len(failed) != 1 || failed[0].Stage != "llm" {
		t.Fatalf("calls=%d failed=%+v", llm.calls, failed)
	}
	if rec.evs[len(rec.evs)-1].Type != ResponseFailed {
		t.Fatal("failure is not the last event")
	}
}

func TestResponder_TTSFailure(t *testing.T) {
	tts := &fakeTTS{err: Permanent(errors.New("voice not found"))}
	r := &Responder{LLM: &fakeLLM{tokens: []string{"A. ", "B. ", "C."}}, TTS: tts, RetryBackoff: time.Millisecond}
	var rec recorder
	r.Respond(context.Background(), ResponseRequest{}, rec.emit)

	failed := rec.of(ResponseFailed)
	if len(failed) != 1 || failed[0].Stage != "tts" {
		t.Fatalf("failed=%+v", failed)
	}
	if len(rec.of(ResponseAudio)) != 0 {
		t.Fatal("audio after tts failure")
	}
	if len(tts.texts) != 1 {
		t.Fatalf("synthesized after failure: %v", tts.texts)
	}
}
