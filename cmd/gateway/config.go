package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/env"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/prompts"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/session"
)

type config struct {
	port               string
	logLevel           slog.Level
	maxConcurrentCalls int
	readTimeout        time.Duration
	shutdownTimeout    time.Duration
	drainTimeout       time.Duration

	openaiAPIKey     string
	openaiBaseURL    string
	llmEngine        string
	llmModel         string
	llmMaxTokens     int
	llmPoolSize      int
	ollamaURL        string
	ollamaModel      string
	llmSystemPrompt  string
	retryBackoff     time.Duration
	whisperServerURL string
	openaiASRURL     string
	asrPoolSize      int

	piperURL          string
	kokoroURL         string
	melottsURL        string
	ttsEngine         string
	ttsPoolSize       int
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string

	flagsPath        string
	killSwitch       bool
	redisURL         string
	killSwitchKey    string
	killSwitchPoll   time.Duration
	traceDatabaseURL string
	sessionConfig    session.Config
}

func loadConfig() config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "error", err)
	}

	sc := session.DefaultConfig()
	sc.OutboundBuffer = env.Int("OUTBOUND_BUFFER", sc.OutboundBuffer)
	sc.HeartbeatInterval = env.Duration("HEARTBEAT_INTERVAL", sc.HeartbeatInterval)
	sc.PingInterval = env.Duration("PING_INTERVAL", sc.PingInterval)
	sc.IdleTimeout = env.Duration("IDLE_TIMEOUT", sc.IdleTimeout)
	sc.MaxMalformed = env.Int("MAX_MALFORMED_MESSAGES", sc.MaxMalformed)
	sc.InboundFPS = env.Int("INBOUND_AUDIO_FPS", sc.InboundFPS)
	sc.InboundBPS = int64(env.Int("INBOUND_AUDIO_BPS", int(sc.InboundBPS)))
	sc.Language = env.Str("DEFAULT_LANGUAGE", sc.Language)
	sc.Device = env.Str("DEFAULT_DEVICE", sc.Device)
	sc.Voice = env.Str("TTS_VOICE", "")

	c := config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		logLevel:           env.Level("LOG_LEVEL", slog.LevelInfo),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		readTimeout:        env.Duration("WS_READ_TIMEOUT", 75*time.Second),
		shutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		drainTimeout:       env.Duration("SHUTDOWN_DRAIN", 5*time.Second),

		openaiAPIKey:     env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:    env.Str("OPENAI_BASE_URL", ""),
		llmEngine:        env.Str("LLM_ENGINE", ""),
		llmModel:         env.Str("LLM_MODEL", ""),
		llmMaxTokens:     env.Int("LLM_MAX_TOKENS", 150),
		llmPoolSize:      env.Int("LLM_POOL_SIZE", 50),
		ollamaURL:        env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:      env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		llmSystemPrompt:  env.Str("LLM_SYSTEM_PROMPT", prompts.DefaultSystem),
		retryBackoff:     env.Duration("RETRY_BACKOFF", sc.RetryBackoff),
		whisperServerURL: env.Str("WHISPER_SERVER_URL", "http://localhost:8080"),
		openaiASRURL:     env.Str("OPENAI_ASR_URL", ""),
		asrPoolSize:      env.Int("ASR_POOL_SIZE", 50),

		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		melottsURL:        env.Str("MELOTTS_URL", ""),
		ttsEngine:         env.Str("TTS_ENGINE", "fast"),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		flagsPath:        env.Str("FLAGS_FILE", ""),
		killSwitch:       env.Bool("KILL_SWITCH", false),
		redisURL:         env.Str("REDIS_URL", ""),
		killSwitchKey:    env.Str("KILL_SWITCH_KEY", "voice:barge_in:kill_switch"),
		killSwitchPoll:   env.Duration("KILL_SWITCH_POLL", 2*time.Second),
		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
	}

	if c.llmEngine == "" {
		c.llmEngine = "ollama"
		if c.openaiAPIKey != "" {
			c.llmEngine = "openai"
		}
	}
	sc.SystemPrompt = c.llmSystemPrompt
	sc.LLMEngine = c.llmEngine
	sc.LLMModel = c.llmModel
	sc.TTSEngine = c.ttsEngine
	sc.RetryBackoff = c.retryBackoff
	c.sessionConfig = sc
	return c
}
