package audio

import (
	"math"
	"time"
)

// VADConfig controls energy-based voice activity detection.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	PreSpeechBuffer   time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for 16 kHz headset audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		SilenceTimeout:    600 * time.Millisecond,
		MinSpeechDuration: 250 * time.Millisecond,
		PreSpeechBuffer:   300 * time.Millisecond,
		SampleRate:        InputSampleRate,
	}
}

// Level is the per-frame energy reading.
type Level struct {
	EnergyDB   float64
	Confidence float64
	Speaking   bool
}

// VADEvent marks a segment boundary.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
	VADSpeechDiscarded
)

// VADResult holds the output of processing one frame.
type VADResult struct {
	Level Level
	Event VADEvent
	// Audio holds the finished segment (including pre-speech padding) on VADSpeechEnd.
	Audio []float32
}

// VAD segments a mono stream into speech utterances. Time is derived from
// the number of samples processed, so results are deterministic for a given input.
type VAD struct {
	cfg          VADConfig
	clock        time.Duration
	isSpeech     bool
	speechStart  time.Duration
	lastSpeech   time.Duration
	buffer       []float32
	preSpeech    []float32
	preSpeechLen int
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = InputSampleRate
	}
	n := int(cfg.PreSpeechBuffer.Seconds() * float64(cfg.SampleRate))
	return &VAD{
		cfg:          cfg,
		preSpeechLen: n,
		preSpeech:    make([]float32, 0, n),
	}
}

// Measure reports the energy level of a frame without touching segment state.
func (v *VAD) Measure(samples []float32) Level {
	return levelFor(EnergyDB(samples), v.cfg.SpeechThresholdDB)
}

// Process feeds one frame and reports level and segment boundaries.
func (v *VAD) Process(samples []float32) VADResult {
	lvl := v.Measure(samples)
	v.clock += time.Duration(len(samples)) * time.Second / time.Duration(v.cfg.SampleRate)

	if lvl.Speaking {
		return v.handleSpeech(samples, lvl)
	}
	return v.handleSilence(samples, lvl)
}

// InSpeech reports whether a segment is open.
func (v *VAD) InSpeech() bool { return v.isSpeech }

// SpeechDuration is the length of the open segment so far.
func (v *VAD) SpeechDuration() time.Duration {
	if !v.isSpeech {
		return 0
	}
	return v.lastSpeech - v.speechStart
}

// Buffered returns a copy of the open segment's audio.
func (v *VAD) Buffered() []float32 {
	out := make([]float32, len(v.buffer))
	copy(out, v.buffer)
	return out
}

func (v *VAD) handleSpeech(samples []float32, lvl Level) VADResult {
	res := VADResult{Level: lvl}
	if !v.isSpeech {
		v.isSpeech = true
		v.speechStart = v.clock
		v.buffer = append(v.buffer, v.preSpeech...)
		res.Event = VADSpeechStart
	}
	v.lastSpeech = v.clock
	v.buffer = append(v.buffer, samples...)
	v.preSpeech = v.preSpeech[:0]
	return res
}

func (v *VAD) handleSilence(samples []float32, lvl Level) VADResult {
	v.updatePreSpeech(samples)
	res := VADResult{Level: lvl}
	if !v.isSpeech {
		return res
	}

	v.buffer = append(v.buffer, samples...)
	if v.clock-v.lastSpeech < v.cfg.SilenceTimeout {
		return res
	}

	v.isSpeech = false
	if v.lastSpeech-v.speechStart < v.cfg.MinSpeechDuration {
		v.buffer = v.buffer[:0]
		res.Event = VADSpeechDiscarded
		return res
	}

	res.Event = VADSpeechEnd
	res.Audio = v.buffer
	v.buffer = nil
	return res
}

func (v *VAD) updatePreSpeech(samples []float32) {
	v.preSpeech = append(v.preSpeech, samples...)
	if excess := len(v.preSpeech) - v.preSpeechLen; excess > 0 {
		v.preSpeech = v.preSpeech[excess:]
	}
}

// Flush returns any buffered speech audio and resets the segment.
func (v *VAD) Flush() []float32 {
	if len(v.buffer) == 0 {
		v.isSpeech = false
		return nil
	}
	out := v.buffer
	v.buffer = nil
	v.isSpeech = false
	return out
}

// EnergyDB returns the RMS level of samples in dBFS, -100 for silence.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}

// levelFor maps energy onto a 0..1 confidence: 0.5 at the threshold,
// saturating 15 dB either side.
func levelFor(db, thresholdDB float64) Level {
	conf := 0.5 + (db-thresholdDB)/30
	conf = max(0, min(1, conf))
	return Level{EnergyDB: db, Confidence: conf, Speaking: db >= thresholdDB}
}
