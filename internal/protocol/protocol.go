// Package protocol defines the JSON messages exchanged over /ws/voice.
package protocol

// Client -> server message types.
const (
	TypeSessionInit        = "session.init"
	TypeAudioInput         = "audio.input"
	TypeAudioInputVAD      = "audio.input.vad"
	TypeAudioInputComplete = "audio.input.complete"
	TypeBargeIn            = "barge_in"
	TypeMessage            = "message"
	TypePing               = "ping"
	TypeControl            = "control"
)

// Server -> client message types.
const (
	TypeSessionReady       = "session.ready"
	TypeSessionInitAck     = "session.init.ack"
	TypeTranscriptDelta    = "transcript.delta"
	TypeTranscriptComplete = "transcript.complete"
	TypeResponseDelta      = "response.delta"
	TypeResponseComplete   = "response.complete"
	TypeAudioOutput        = "audio.output"
	TypeAudioControl       = "audio.control"
	TypeToolCall           = "tool.call"
	TypeToolResult         = "tool.result"
	TypeVoiceState         = "voice.state"
	TypeBargeInEvent       = "barge_in.event"
	TypeHeartbeat          = "heartbeat"
	TypePong               = "pong"
	TypeError              = "error"
)

// Control actions.
const (
	ActionMute       = "mute"
	ActionUnmute     = "unmute"
	ActionForceReply = "force_reply"
	ActionStop       = "stop"
)

// Audio control actions.
const (
	AudioRamp    = "ramp"
	AudioSuspend = "suspend"
	AudioResume  = "resume"
)

// Pipeline modes reported in session.ready.
const (
	ModeFused     = "fused"
	ModeSimpleVAD = "simple_vad"
)

// Error codes.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeProtocolViolation = "protocol_violation"
	CodeIdleTimeout       = "idle_timeout"
	CodeBackpressure      = "backpressure"
	CodeSTTFailed         = "stt_failed"
	CodeLLMFailed         = "llm_failed"
	CodeTTSFailed         = "tts_failed"
	CodeInternal          = "internal_error"
	CodeShutdown          = "server_shutdown"
)

// Consent levels.
const (
	ConsentBasic    = "basic"
	ConsentEnhanced = "enhanced"
	ConsentFull     = "full"
)

// VoiceSettings are negotiated in session.init.
type VoiceSettings struct {
	Voice     string  `json:"voice,omitempty"`
	Language  string  `json:"language,omitempty"`
	Device    string  `json:"device,omitempty"` // headset | speaker | phone
	TTSEngine string  `json:"tts_engine,omitempty"`
	STTEngine string  `json:"stt_engine,omitempty"`
	LLMModel  string  `json:"llm_model,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

// VADHint is a client-side VAD reading.
type VADHint struct {
	Confidence  float64 `json:"confidence"`
	IsSpeaking  bool    `json:"is_speaking"`
	TimestampMs int64   `json:"timestamp_ms,omitempty"`
}

// Message is a decoded client message.
type Message interface {
	MessageType() string
}

type SessionInit struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	VoiceSettings  VoiceSettings `json:"voice_settings"`
	Consent        string        `json:"consent,omitempty"`
}

type AudioInput struct {
	Audio string   `json:"audio"`
	VAD   *VADHint `json:"vad,omitempty"`

	// PCM is the decoded payload, filled in by Decode.
	PCM []byte `json:"-"`
}

type AudioInputVAD struct {
	VADHint
}

type AudioInputComplete struct{}

type BargeIn struct{}

type TextMessage struct {
	Content string `json:"content"`
}

type Ping struct{}

type Control struct {
	Action string `json:"action"`
}

func (SessionInit) MessageType() string        { return TypeSessionInit }
func (AudioInput) MessageType() string         { return TypeAudioInput }
func (AudioInputVAD) MessageType() string      { return TypeAudioInputVAD }
func (AudioInputComplete) MessageType() string { return TypeAudioInputComplete }
func (BargeIn) MessageType() string            { return TypeBargeIn }
func (TextMessage) MessageType() string        { return TypeMessage }
func (Ping) MessageType() string               { return TypePing }
func (Control) MessageType() string            { return TypeControl }

// Envelope is every server -> client message. Fields not used by a type are
// omitted.
type Envelope struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`

	SessionID      string `json:"session_id,omitempty"`
	PipelineMode   string `json:"pipeline_mode,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`

	Text    string `json:"text,omitempty"`
	Delta   string `json:"delta,omitempty"`
	IsFinal *bool  `json:"is_final,omitempty"`

	Audio         string   `json:"audio,omitempty"`
	SentenceIndex *int     `json:"sentence_index,omitempty"`
	Action        string   `json:"action,omitempty"`
	Gain          *float64 `json:"gain,omitempty"`
	DurationMs    int      `json:"duration_ms,omitempty"`

	State          string  `json:"state,omitempty"`
	Classification string  `json:"classification,omitempty"`
	Source         string  `json:"source,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`

	Tool   string `json:"tool,omitempty"`
	Args   any    `json:"arguments,omitempty"`
	Result any    `json:"result,omitempty"`

	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Ptr returns a pointer to v, for the optional envelope fields.
func Ptr[T any](v T) *T { return &v }

// ErrorEnvelope builds an error message.
func ErrorEnvelope(code, msg string, recoverable bool) Envelope {
	return Envelope{Type: TypeError, Code: code, Message: msg, Recoverable: Ptr(recoverable)}
}
