package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed    float64
	Voice    string
	Language string
}

// TTSSynthesizer produces a WAV payload from text.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}

// TTSResult is synthesized speech as mono PCM16 at audio.OutputSampleRate.
type TTSResult struct {
	PCM       []byte        `json:"-"`
	Duration  time.Duration `json:"duration"`
	LatencyMs float64       `json:"latency_ms"`
}

// TTSRouter dispatches to a TTS backend by engine name and normalizes its
// output to the session's playback format.
type TTSRouter struct {
	*Router[TTSSynthesizer]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTSSynthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the backend for engine, decodes the WAV reply and
// resamples it to audio.OutputSampleRate.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*TTSResult, error) {
	start := time.Now()

	backend, err := r.Route(engine)
	if err != nil {
		return nil, Permanent(err)
	}

	data, err := backend.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("tts", errorKind(err)).Inc()
		return nil, err
	}

	wav, err := audio.ParseWAV(data)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("tts", "decode").Inc()
		return nil, Permanent(fmt.Errorf("tts %s: %w", engine, err))
	}
	pcm := audio.ResamplePCM16(wav.PCM, wav.SampleRate, audio.OutputSampleRate)

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())

	return &TTSResult{
		PCM:       pcm,
		Duration:  audio.PCM16Duration(len(pcm), audio.OutputSampleRate, 1),
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

// --- Piper backend (local neural TTS via piper-tts, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) TTSSynthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client}
}

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := p.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRequest(p.client, "piper", req)
}

// --- OpenAI-compatible backend (Kokoro, Orpheus, any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	url    string
	model  string
	voice  string
	client *http.Client
}

func NewOpenAISynthesizer(url, model, voice string, client *http.Client) TTSSynthesizer {
	return &openaiSynthesizer{url: url, model: model, voice: voice, client: client}
}

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "wav"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRequest(o.client, "openai-tts", req)
}

// --- ElevenLabs backend (cloud API, raw PCM requested and wrapped as WAV) ---

type elevenlabsSynthesizer struct {
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	return &elevenlabsSynthesizer{apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenlabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, _ TTSOptions) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=pcm_%d", e.voiceID, audio.OutputSampleRate)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/pcm")

	pcm, err := doRequest(e.client, "elevenlabs", req)
	if err != nil {
		return nil, err
	}
	return audio.SamplesToWAV(audio.DecodePCM16(pcm), audio.OutputSampleRate), nil
}

// --- MeloTTS backend (self-hosted multilingual TTS, /convert/tts endpoint) ---

type meloSynthesizer struct {
	url    string
	client *http.Client
}

func NewMeloSynthesizer(url string, client *http.Client) TTSSynthesizer {
	return &meloSynthesizer{url: url, client: client}
}

func (m *meloSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}
	body, err := json.Marshal(struct {
		Text      string  `json:"text"`
		Speed     float64 `json:"speed"`
		Language  string  `json:"language"`
		SpeakerID string  `json:"speaker_id"`
	}{Text: text, Speed: speed, Language: meloLanguage(opts.Language), SpeakerID: "EN-Default"})
	if err != nil {
		return nil, fmt.Errorf("marshal melo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.url+"/convert/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create melo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRequest(m.client, "melotts", req)
}

func meloLanguage(lang string) string {
	if lang == "" {
		return "EN"
	}
	return strings.ToUpper(baseLang(lang))
}

// baseLang strips a region subtag: "pt-BR" -> "pt".
func baseLang(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return lang[:i]
	}
	return lang
}
