package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
)

// STTEventType is the kind of a streaming recognizer event.
type STTEventType string

const (
	STTSpeechStart STTEventType = "speech_start"
	STTSpeechEnd   STTEventType = "speech_end"
	STTPartial     STTEventType = "partial"
	STTFinal       STTEventType = "final"
)

// STTEvent is emitted by an STTStream. A final event with Err set means the
// utterance could not be transcribed.
type STTEvent struct {
	Type       STTEventType
	Text       string
	Language   string
	Confidence float64
	Duration   time.Duration // utterance length, set on speech_end and final
	Samples    []float32     // utterance audio, set on final
	At         time.Time
	Err        error
}

// STTConfig configures one recognition stream.
type STTConfig struct {
	Engine          string
	Language        string
	VAD             audio.VADConfig
	InterimInterval time.Duration // speech between interim transcripts, 0 disables
	RetryBackoff    time.Duration
	Now             func() time.Time
}

// STTProvider opens recognition streams.
type STTProvider interface {
	Open(ctx context.Context, cfg STTConfig) (STTStream, error)
}

// STTStream accepts 16 kHz mono PCM16 and emits recognition events.
type STTStream interface {
	SendAudio(pcm []byte) error
	// Commit ends the current utterance now and transcribes it.
	Commit() error
	Events() <-chan STTEvent
	Close() error
}

var (
	ErrSTTClosed  = errors.New("stt stream closed")
	ErrSTTBacklog = errors.New("stt stream backlog full")
)

// StreamingSTT turns a batch ASRTranscriber into a streaming recognizer:
// an energy VAD segments the audio, speech boundaries are reported as they
// happen and each finished segment is transcribed.
type StreamingSTT struct {
	asr *ASRRouter
}

// NewStreamingSTT wraps router.
func NewStreamingSTT(router *ASRRouter) *StreamingSTT {
	return &StreamingSTT{asr: router}
}

// Open starts a stream bound to ctx.
func (p *StreamingSTT) Open(ctx context.Context, cfg STTConfig) (STTStream, error) {
	if _, err := p.asr.Route(cfg.Engine); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.VAD == (audio.VADConfig{}) {
		cfg.VAD = audio.DefaultVADConfig()
	}
	if cfg.VAD.SampleRate <= 0 {
		cfg.VAD.SampleRate = audio.InputSampleRate
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &vadStream{
		asr:    p.asr,
		cfg:    cfg,
		vad:    audio.NewVAD(cfg.VAD),
		ctx:    ctx,
		cancel: cancel,
		in:     make(chan sttOp, 64),
		events: make(chan STTEvent, 32),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type sttOp struct {
	pcm    []byte
	commit bool
}

type vadStream struct {
	asr *ASRRouter
	cfg STTConfig
	vad *audio.VAD

	ctx    context.Context
	cancel context.CancelFunc
	in     chan sttOp
	events chan STTEvent
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	sinceInterim time.Duration
	interim      sync.WaitGroup
	interimBusy  atomic.Bool
}

func (s *vadStream) Events() <-chan STTEvent { return s.events }

func (s *vadStream) SendAudio(pcm []byte) error {
	return s.push(sttOp{pcm: pcm})
}

func (s *vadStream) Commit() error {
	return s.push(sttOp{commit: true})
}

func (s *vadStream) push(op sttOp) error {
	if s.closed.Load() {
		return ErrSTTClosed
	}
	select {
	case s.in <- op:
		return nil
	case <-s.ctx.Done():
		return ErrSTTClosed
	default:
		return ErrSTTBacklog
	}
}

// Close stops the stream. Pending audio is discarded.
func (s *vadStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	<-s.done
	return nil
}

func (s *vadStream) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.interim.Wait()

	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.in:
			if op.commit {
				s.finish(s.vad.Flush())
				continue
			}
			s.process(op.pcm)
		}
	}
}

func (s *vadStream) process(pcm []byte) {
	samples := audio.DecodePCM16(pcm)
	res := s.vad.Process(samples)

	switch res.Event {
	case audio.VADSpeechStart:
		s.sinceInterim = 0
		s.emit(STTEvent{Type: STTSpeechStart, Confidence: res.Level.Confidence})
	case audio.VADSpeechDiscarded:
		s.emit(STTEvent{Type: STTSpeechEnd})
	case audio.VADSpeechEnd:
		s.finish(res.Audio)
		return
	}

	if !s.vad.InSpeech() || s.cfg.InterimInterval <= 0 {
		return
	}
	s.sinceInterim += time.Duration(len(samples)) * time.Second / time.Duration(s.cfg.VAD.SampleRate)
	if s.sinceInterim >= s.cfg.InterimInterval {
		s.sinceInterim = 0
		s.startInterim(s.vad.Buffered())
	}
}

// startInterim transcribes the open segment in the background. At most one
// interim request is in flight.
func (s *vadStream) startInterim(samples []float32) {
	if !s.interimBusy.CompareAndSwap(false, true) {
		return
	}
	s.interim.Add(1)
	go func() {
		defer s.interim.Done()
		defer s.interimBusy.Store(false)
		res, err := s.asr.Transcribe(s.ctx, samples, s.cfg.Language, s.cfg.Engine)
		if err != nil || res.Text == "" {
			return
		}
		s.emit(STTEvent{Type: STTPartial, Text: res.Text, Language: res.Language})
	}()
}

// finish closes the utterance and emits speech_end and final. Interim work
// for the segment completes first so a partial never follows its final.
func (s *vadStream) finish(samples []float32) {
	s.interim.Wait()
	s.sinceInterim = 0

	d := time.Duration(len(samples)) * time.Second / time.Duration(s.cfg.VAD.SampleRate)
	if len(samples) > 0 {
		s.emit(STTEvent{Type: STTSpeechEnd, Duration: d})
	}
	if len(samples) == 0 {
		s.emit(STTEvent{Type: STTFinal})
		return
	}

	var res *ASRResult
	err := Retry(s.ctx, "stt", s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		res, err = s.asr.Transcribe(ctx, samples, s.cfg.Language, s.cfg.Engine)
		return err
	})
	if err != nil {
		s.emit(STTEvent{Type: STTFinal, Duration: d, Samples: samples, Err: err})
		return
	}
	s.emit(STTEvent{Type: STTFinal, Text: res.Text, Language: res.Language, Duration: d, Samples: samples, Confidence: 1})
}

func (s *vadStream) emit(ev STTEvent) {
	ev.At = s.cfg.Now()
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
