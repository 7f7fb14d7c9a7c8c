package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/flags"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/session"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// ASR backends
	asrBackends := map[string]pipeline.ASRTranscriber{}
	if cfg.whisperServerURL != "" {
		asrBackends["whisper-server"] = pipeline.NewASRClient(cfg.whisperServerURL, cfg.asrPoolSize)
	}
	if cfg.openaiASRURL != "" {
		asrBackends["openai"] = pipeline.NewOpenAIASRClient(cfg.openaiASRURL, cfg.asrPoolSize)
	}
	asrRouter := pipeline.NewASRRouter(asrBackends, "whisper-server")
	stt := pipeline.NewStreamingSTT(asrRouter)

	llm := pipeline.NewAgentLLM(cfg.llmEngine, cfg.llmMaxTokens)
	llm.Register("ollama", pipeline.NewOpenAICompatibleProvider(cfg.ollamaURL+"/v1", "ollama"), cfg.ollamaModel)
	llm.RegisterRaw("ollama-native", pipeline.NewOllamaLLMClient(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, cfg.llmPoolSize), cfg.ollamaModel)
	if cfg.openaiAPIKey != "" {
		llm.Register("openai", pipeline.NewOpenAICompatibleProvider(cfg.openaiBaseURL, cfg.openaiAPIKey), firstSet(cfg.llmModel, "gpt-4o-mini"))
	}

	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	ttsBackends := map[string]pipeline.TTSSynthesizer{
		"fast":    pipeline.NewPiperSynthesizer(cfg.piperURL, "en_US-lessac-low", ttsHTTP),
		"quality": pipeline.NewPiperSynthesizer(cfg.piperURL, "en_US-lessac-medium", ttsHTTP),
	}
	if cfg.kokoroURL != "" {
		ttsBackends["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "kokoro", "af_heart", ttsHTTP)
	}
	if cfg.melottsURL != "" {
		ttsBackends["melotts"] = pipeline.NewMeloSynthesizer(cfg.melottsURL, ttsHTTP)
	}
	if cfg.elevenlabsAPIKey != "" {
		ttsBackends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, ttsHTTP)
	}
	ttsRouter := pipeline.NewTTSRouter(ttsBackends, "fast")

	responder := &pipeline.Responder{LLM: llm, TTS: ttsRouter, RetryBackoff: cfg.retryBackoff}

	flagStore, err := flags.NewStore(cfg.flagsPath)
	if err != nil {
		slog.Error("load flags", "path", cfg.flagsPath, "error", err)
		os.Exit(1)
	}
	kill := flags.NewKillSwitch()
	kill.Set(flags.SourceEnv, cfg.killSwitch)
	kill.Set(flags.SourceFile, flagStore.FileKillSwitch())
	if cfg.redisURL != "" {
		poller, rdb, err := flags.NewRedisPoller(cfg.redisURL, cfg.killSwitchKey, cfg.killSwitchPoll, kill)
		if err != nil {
			slog.Error("kill switch redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		go poller.Run(ctx)
		slog.Info("kill switch polling redis", "key", cfg.killSwitchKey, "interval", cfg.killSwitchPoll)
	}

	var traces *trace.Store
	if cfg.traceDatabaseURL != "" {
		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		traces, err = trace.Open(initCtx, cfg.traceDatabaseURL)
		initCancel()
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
			traces = nil
		} else {
			defer traces.Close()
		}
	}

	tracker := session.NewTracker()
	orch := session.NewOrchestrator(cfg.sessionConfig, session.Deps{
		STT:     stt,
		Replies: responder,
		Flags:   flagStore,
		Kill:    kill,
		Traces:  traces,
		Tracker: tracker,
	})

	handler := ws.NewHandler(ws.HandlerConfig{
		Orchestrator:  orch,
		MaxConcurrent: cfg.maxConcurrentCalls,
		ReadTimeout:   cfg.readTimeout,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler:  handler,
		tracker:    tracker,
		flags:      flagStore,
		kill:       kill,
		traceStore: traces,
		asrRouter:  asrRouter,
		llm:        llm,
		ttsRouter:  ttsRouter,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig, "sessions", tracker.Count())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		// drain, then force-close what is left
		warned := tracker.WarnAll(protocol.CodeShutdown, "server is restarting, reconnect after this reply")
		drainCtx, drainCancel := context.WithTimeout(shutdownCtx, cfg.drainTimeout)
		tracker.Wait(drainCtx)
		drainCancel()
		canceled := tracker.CancelAll()
		slog.Info("sessions closed", "warned", warned, "canceled", canceled)
		if !tracker.Wait(shutdownCtx) {
			slog.Warn("sessions still open at shutdown deadline", "sessions", tracker.Count())
		}
		stop()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls,
		"llm_engine", cfg.llmEngine, "tts_engine", cfg.ttsEngine, "kill_switch", kill.Engaged())

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
