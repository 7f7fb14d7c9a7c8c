package trace

import "time"

// Session is one voice WebSocket connection.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Device         string     `json:"device,omitempty"`
	Language       string     `json:"language,omitempty"`
	Consent        string     `json:"consent"`
	PipelineMode   string     `json:"pipeline_mode"`
	FlagsVersion   int64      `json:"flags_version"`
	Quality        string     `json:"quality,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	TurnCount      int        `json:"turn_count,omitempty"`
	BargeInCount   int        `json:"barge_in_count,omitempty"`
}

// Turn is one user utterance and the reply to it.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	Status     string    `json:"status"`
}

// Turn statuses.
const (
	TurnRunning     = "running"
	TurnOK          = "ok"
	TurnInterrupted = "interrupted"
	TurnFailed      = "error"
	TurnCancelled   = "cancelled"
)

// BargeIn is one fusion trigger and its classification.
type BargeIn struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	TurnID         string    `json:"turn_id,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Source         string    `json:"source"`
	Classification string    `json:"classification"`
	Confidence     float64   `json:"confidence"`
	DurationMs     int       `json:"duration_ms"`
	Transcript     string    `json:"transcript,omitempty"`
	Language       string    `json:"language,omitempty"`
	RolledBack     bool      `json:"rolled_back"`
	MuteLatencyMs  float64   `json:"mute_latency_ms"`
}
