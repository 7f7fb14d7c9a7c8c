package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the orchestrator shared by all voice sessions.
type HandlerConfig struct {
	Orchestrator  *session.Orchestrator
	MaxConcurrent int
	// ReadTimeout closes connections that send nothing, not even pongs.
	ReadTimeout time.Duration
}

// Handler serves /ws/voice with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 75 * time.Second
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the voice session until it
// closes. Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	q := r.URL.Query()
	info := session.Info{
		UserID:     q.Get("user_id"),
		RemoteAddr: r.RemoteAddr,
		Device:     q.Get("device"),
	}

	orch := h.cfg.Orchestrator
	s, err := orch.OnConnect(context.WithoutCancel(r.Context()), conn, info)
	if err != nil {
		slog.Error("session start failed", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	go func() {
		if err := orch.Run(s); err != nil && !errors.Is(err, session.ErrBackpressure) {
			slog.Warn("session ended with error", "session_id", s.ID, "error", err)
		}
	}()

	h.readPump(conn, s)
	<-s.Done()
}

// readPump feeds client frames to the orchestrator until the socket fails
// or the session closes.
func (h *Handler) readPump(conn *websocket.Conn, s *session.Session) {
	orch := h.cfg.Orchestrator
	conn.SetReadLimit(protocol.MaxMessageBytes)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("connection closed", "session_id", s.ID, "error", err)
			}
			orch.OnDisconnect(s, session.ReasonClientClosed)
			return
		}
		_ = extend()
		if err = orch.OnInboundMessage(s, data); errors.Is(err, session.ErrClosed) {
			return
		}
	}
}
