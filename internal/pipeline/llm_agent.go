package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// AgentLLM routes LLM requests to a provider through the openai-agents-go SDK.
// Engines registered via RegisterRaw bypass the SDK and use a direct HTTP client.
type AgentLLM struct {
	providers  map[string]agents.ModelProvider
	rawClients map[string]LLMChatClient
	models     map[string]string // engine → default model
	fallback   string
	maxTokens  int
}

// NewAgentLLM creates an AgentLLM with the given fallback engine and max tokens.
func NewAgentLLM(fallback string, maxTokens int) *AgentLLM {
	return &AgentLLM{
		providers:  make(map[string]agents.ModelProvider),
		rawClients: make(map[string]LLMChatClient),
		models:     make(map[string]string),
		fallback:   fallback,
		maxTokens:  maxTokens,
	}
}

// NewOpenAICompatibleProvider builds a chat-completions provider for an
// OpenAI-compatible base URL (OpenAI, Ollama's /v1, vLLM).
func NewOpenAICompatibleProvider(baseURL, apiKey string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// Register adds an SDK provider and default model for engine.
func (a *AgentLLM) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// RegisterRaw adds a direct client for engines that bypass the SDK.
func (a *AgentLLM) RegisterRaw(engine string, client LLMChatClient, defaultModel string) {
	a.rawClients[engine] = client
	a.models[engine] = defaultModel
}

// Engines returns the names of all registered backends, sorted.
func (a *AgentLLM) Engines() []string {
	seen := make(map[string]bool, len(a.providers)+len(a.rawClients))
	names := make([]string, 0, len(a.providers)+len(a.rawClients))
	for _, m := range []map[string]bool{keys(a.providers), keys(a.rawClients)} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}

func keys[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// Has reports whether a backend is registered for engine.
func (a *AgentLLM) Has(engine string) bool {
	if _, ok := a.providers[engine]; ok {
		return true
	}
	_, ok := a.rawClients[engine]
	return ok
}

// Chat streams a completion from the resolved provider.
func (a *AgentLLM) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	engine := req.Engine
	if engine == "" {
		engine = a.fallback
	}
	if raw, ok := a.rawClients[engine]; ok {
		if req.Model == "" {
			req.Model = a.models[engine]
		}
		return a.observe(raw.Chat(ctx, req, onToken))
	}

	provider, model, err := a.resolve(engine, req.Model)
	if err != nil {
		return nil, Permanent(err)
	}

	agent := agents.New("assistant").
		WithInstructions(req.instructions()).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, req.UserMessage)
	if err != nil {
		return a.observe(nil, fmt.Errorf("llm stream start: %w", err))
	}

	sr := &streamResult{}
	for ev := range events {
		handleStreamEvent(ev, sr, onToken)
	}

	if streamErr := <-errCh; streamErr != nil {
		return a.observe(nil, fmt.Errorf("llm stream: %w", streamErr))
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(latency.Seconds())

	return &LLMResult{
		Text:               sr.text.String(),
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: sr.ttftMs(start),
	}, nil
}

func (a *AgentLLM) observe(res *LLMResult, err error) (*LLMResult, error) {
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues("llm", errorKind(err)).Inc()
	}
	return res, err
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	sr.token(raw.Data.Delta, onToken)
}

func (a *AgentLLM) resolve(engine, model string) (agents.ModelProvider, string, error) {
	provider, ok := a.providers[engine]
	if !ok {
		provider, ok = a.providers[a.fallback]
		engine = a.fallback
	}
	if !ok {
		return nil, "", fmt.Errorf("llm engine %q: %w", engine, ErrNoBackend)
	}
	if model != "" {
		return provider, model, nil
	}
	return provider, a.models[engine], nil
}
