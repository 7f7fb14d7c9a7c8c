package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// ChatRequest is one LLM turn.
type ChatRequest struct {
	UserMessage  string
	SystemPrompt string
	// Notes are extra system context for this turn only, such as replies
	// the user cut off.
	Notes  []string
	Model  string
	Engine string
}

// instructions joins the system prompt and notes.
func (r ChatRequest) instructions() string {
	if len(r.Notes) == 0 {
		return r.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(r.SystemPrompt)
	for _, n := range r.Notes {
		b.WriteString("\n\n")
		b.WriteString(n)
	}
	return b.String()
}

// LLMChatClient produces streaming chat completions.
type LLMChatClient interface {
	Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error)
}

// LLMResult holds the complete LLM response with timing.
type LLMResult struct {
	Text               string  `json:"text"`
	Thinking           string  `json:"thinking,omitempty"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// --- Ollama backend ---

// OllamaLLMClient streams chat completions from Ollama's native /api/chat.
type OllamaLLMClient struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaLLMClient creates an Ollama HTTP client.
func NewOllamaLLMClient(url, model string, maxTokens, poolSize int) *OllamaLLMClient {
	return &OllamaLLMClient{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Chat sends the request to Ollama and streams the response.
func (c *OllamaLLMClient) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()

	resp, err := c.postChatRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Service: "ollama", Code: resp.StatusCode, Body: string(body)}
	}

	sr, err := consumeOllamaStream(resp, onToken)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(latency.Seconds())

	return &LLMResult{
		Text:               sr.text.String(),
		Thinking:           sr.thinking.String(),
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: sr.ttftMs(start),
	}, nil
}

func (c *OllamaLLMClient) postChatRequest(ctx context.Context, req ChatRequest) (*http.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	reqBody := ollamaRequest{
		Model:   model,
		Stream:  true,
		Options: ollamaOptions{NumPredict: c.maxTokens},
		Messages: []ollamaMessage{
			{Role: "system", Content: req.instructions()},
			{Role: "user", Content: req.UserMessage},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshal ollama request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, Permanent(fmt.Errorf("create ollama request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

type streamResult struct {
	text     strings.Builder
	thinking strings.Builder
	ttft     time.Time
}

func (sr *streamResult) token(tok string, onToken TokenCallback) {
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(tok)
	}
	sr.text.WriteString(tok)
}

func (sr *streamResult) ttftMs(start time.Time) float64 {
	if sr.ttft.IsZero() {
		return 0
	}
	return float64(sr.ttft.Sub(start).Milliseconds())
}

func consumeOllamaStream(resp *http.Response, onToken TokenCallback) (*streamResult, error) {
	sr := &streamResult{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Done {
			return sr, nil
		}
		if chunk.Message.Thinking != "" {
			sr.thinking.WriteString(chunk.Message.Thinking)
			continue
		}
		if chunk.Message.Content != "" {
			sr.token(chunk.Message.Content, onToken)
		}
	}
	return sr, scanner.Err()
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}
