package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/flags"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/session"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/trace"
)

// defaultTraceSessionLimit is how many trace sessions are returned when the
// caller omits the ?limit= query parameter.
const defaultTraceSessionLimit = 20

type deps struct {
	wsHandler  http.Handler
	tracker    *session.Tracker
	flags      *flags.Store
	kill       *flags.KillSwitch
	traceStore *trace.Store
	asrRouter  *pipeline.ASRRouter
	llm        *pipeline.AgentLLM
	ttsRouter  *pipeline.TTSRouter
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/voice", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/engines", d.handleEngines)
	mux.HandleFunc("GET /api/flags", d.handleFlags)
	mux.HandleFunc("POST /api/flags/reload", d.handleFlagsReload)
	mux.HandleFunc("POST /api/tts/warmup", d.handleTTSWarmup)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d deps) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.tracker.List()
	writeJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (d deps) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"stt": d.asrRouter.Engines(),
		"llm": d.llm.Engines(),
		"tts": d.ttsRouter.Engines(),
	})
}

func (d deps) handleFlags(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		device = "headset"
	}
	writeJSON(w, map[string]any{
		"snapshot":    d.flags.Snapshot(device),
		"kill_switch": d.kill.Engaged(),
	})
}

// handleFlagsReload re-reads the flag file. Running sessions keep their
// snapshot; the file's kill switch applies to every session at once.
func (d deps) handleFlagsReload(w http.ResponseWriter, r *http.Request) {
	if err := d.flags.Reload(); err != nil {
		slog.Error("reload flags", "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	d.kill.Set(flags.SourceFile, d.flags.FileKillSwitch())
	slog.Info("flags reloaded", "version", d.flags.Version(), "kill_switch", d.kill.Engaged())
	writeJSON(w, map[string]any{"status": "ok", "version": d.flags.Version(), "kill_switch": d.kill.Engaged()})
}

func (d deps) handleTTSWarmup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !d.ttsRouter.Has(req.Engine) {
		http.Error(w, "engine not available", http.StatusNotFound)
		return
	}
	slog.Info("warming up tts engine", "engine", req.Engine)
	if _, err := d.ttsRouter.Synthesize(r.Context(), "Hello.", req.Engine, pipeline.TTSOptions{}); err != nil {
		slog.Error("tts warmup", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, turns, bargeIns, err := store.GetSession(r.Context(), r.PathValue("id"))
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"session": sess, "turns": turns, "barge_ins": bargeIns})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
