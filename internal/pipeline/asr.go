package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// ASRTranscriber turns one finished utterance into text.
type ASRTranscriber interface {
	Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error)
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// ASRRouter dispatches to the correct ASR backend based on engine name.
type ASRRouter struct {
	*Router[ASRTranscriber]
}

// NewASRRouter creates a router with registered ASR backends and a fallback default.
func NewASRRouter(backends map[string]ASRTranscriber, fallback string) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback)}
}

// Transcribe routes to the backend for engine and records stage latency.
func (r *ASRRouter) Transcribe(ctx context.Context, samples []float32, language, engine string) (*ASRResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := backend.Transcribe(ctx, samples, language)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("stt", errorKind(err)).Inc()
		return nil, err
	}
	metrics.StageDuration.WithLabelValues("stt").Observe(time.Since(start).Seconds())
	return res, nil
}

// MultipartASRClient posts 16 kHz WAV to a whisper-compatible HTTP endpoint.
// Backends differ only by endpoint path (/inference for whisper.cpp,
// /v1/audio/transcriptions for OpenAI-style servers).
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewASRClient creates a client for whisper.cpp (/inference endpoint).
func NewASRClient(url string, poolSize int) *MultipartASRClient {
	return &MultipartASRClient{
		url:      url,
		endpoint: "/inference",
		label:    "whisper",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// NewOpenAIASRClient creates a client for an OpenAI-compatible
// /v1/audio/transcriptions endpoint.
func NewOpenAIASRClient(url string, poolSize int) *MultipartASRClient {
	return &MultipartASRClient{
		url:      url,
		endpoint: "/v1/audio/transcriptions",
		label:    "openai-stt",
		client:   NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Warmup sends a second of silence to verify the server is responsive.
func (c *MultipartASRClient) Warmup(ctx context.Context) error {
	_, err := c.Transcribe(ctx, make([]float32, audio.InputSampleRate), "")
	if err != nil {
		return fmt.Errorf("%s warmup: %w", c.label, err)
	}
	return nil
}

// Transcribe sends samples as multipart WAV and returns the transcript.
func (c *MultipartASRClient) Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(samples, language)
	if err != nil {
		return nil, Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+c.endpoint, body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("create %s request: %w", c.label, err))
	}
	req.Header.Set("Content-Type", contentType)

	data, err := doRequest(c.client, c.label, req)
	if err != nil {
		return nil, err
	}

	var result whisperResponse
	if err = json.Unmarshal(data, &result); err != nil {
		return nil, Permanent(fmt.Errorf("decode %s response: %w", c.label, err))
	}

	return &ASRResult{
		Text:      result.Text,
		Language:  result.Language,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

type whisperResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func buildMultipartAudio(samples []float32, language string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, audio.InputSampleRate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write form field: %w", err)
	}
	if language != "" {
		if err = writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write form field: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// errorKind labels an error for the collaborator error counter.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case Transient(err):
		return "transient"
	default:
		return "permanent"
	}
}
