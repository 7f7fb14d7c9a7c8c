package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/pipeline"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/session"
)

type silentReplier struct{}

func (silentReplier) Respond(ctx context.Context, _ pipeline.ResponseRequest, _ func(pipeline.ResponseEvent)) {
	<-ctx.Done()
}

func newServer(t *testing.T, maxConcurrent int) (*httptest.Server, *session.Tracker) {
	t.Helper()
	tracker := session.NewTracker()
	orch := session.NewOrchestrator(session.DefaultConfig(), session.Deps{Replies: silentReplier{}, Tracker: tracker})
	srv := httptest.NewServer(NewHandler(HandlerConfig{Orchestrator: orch, MaxConcurrent: maxConcurrent}))
	t.Cleanup(srv.Close)
	return srv, tracker
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice?user_id=u-1&device=speaker"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return env
}

func TestHandler_SessionLifecycle(t *testing.T) {
	srv, tracker := newServer(t, 4)
	conn := dial(t, srv)

	ready := readEnvelope(t, conn)
	if ready.Type != protocol.TypeSessionReady || ready.SessionID == "" || ready.Sequence != 1 {
		t.Fatalf("first frame = %+v", ready)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	pong := readEnvelope(t, conn)
	if pong.Type != protocol.TypePong || pong.Sequence != 2 {
		t.Fatalf("reply to ping = %+v", pong)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatal(err)
	}
	if e := readEnvelope(t, conn); e.Type != protocol.TypeError || e.Code != protocol.CodeInvalidMessage {
		t.Fatalf("reply to unknown type = %+v", e)
	}

	list := tracker.List()
	if len(list) != 1 || list[0].UserID != "u-1" || list[0].Device != "speaker" {
		t.Fatalf("tracked sessions = %+v", list)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(5 * time.Second)
	for tracker.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_RejectsAtCapacity(t *testing.T) {
	srv, _ := newServer(t, 1)
	conn := dial(t, srv)
	readEnvelope(t, conn)

	resp, err := http.Get(srv.URL + "/ws/voice")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
