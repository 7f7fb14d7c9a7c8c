package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
)

// MaxMessageBytes bounds a single client frame.
const MaxMessageBytes = 1 << 20

// DecodeError describes a malformed client message.
type DecodeError struct {
	Type   string // message type, if it could be read
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "decode message: " + e.Reason
	}
	return fmt.Sprintf("decode %s: %s", e.Type, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrUnknownType is wrapped by DecodeError for unrecognized types.
var ErrUnknownType = errors.New("unknown message type")

type header struct {
	Type string `json:"type"`
}

// Decode parses one client frame into its typed message. audio.input
// payloads are base64-decoded and checked for PCM16 alignment.
func Decode(raw []byte) (Message, error) {
	if len(raw) > MaxMessageBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(raw))}
	}
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if h.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch h.Type {
	case TypeSessionInit:
		var m SessionInit
		if err := unmarshal(raw, h.Type, &m); err != nil {
			return nil, err
		}
		if m.Consent != "" && !validConsent(m.Consent) {
			return nil, &DecodeError{Type: h.Type, Reason: fmt.Sprintf("unknown consent level %q", m.Consent)}
		}
		return m, nil
	case TypeAudioInput:
		var m AudioInput
		if err := unmarshal(raw, h.Type, &m); err != nil {
			return nil, err
		}
		pcm, _, err := audio.DecodeBase64PCM(m.Audio)
		if err != nil {
			return nil, &DecodeError{Type: h.Type, Reason: "bad audio payload", Err: err}
		}
		if len(pcm) == 0 {
			return nil, &DecodeError{Type: h.Type, Reason: "empty audio payload"}
		}
		m.PCM = pcm
		if m.VAD != nil {
			if err := checkConfidence(h.Type, m.VAD.Confidence); err != nil {
				return nil, err
			}
		}
		return m, nil
	case TypeAudioInputVAD:
		var m AudioInputVAD
		if err := unmarshal(raw, h.Type, &m); err != nil {
			return nil, err
		}
		if err := checkConfidence(h.Type, m.Confidence); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAudioInputComplete:
		return AudioInputComplete{}, nil
	case TypeBargeIn:
		return BargeIn{}, nil
	case TypePing:
		return Ping{}, nil
	case TypeMessage:
		var m TextMessage
		if err := unmarshal(raw, h.Type, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, &DecodeError{Type: h.Type, Reason: "empty content"}
		}
		return m, nil
	case TypeControl:
		var m Control
		if err := unmarshal(raw, h.Type, &m); err != nil {
			return nil, err
		}
		switch m.Action {
		case ActionMute, ActionUnmute, ActionForceReply, ActionStop:
			return m, nil
		}
		return nil, &DecodeError{Type: h.Type, Reason: fmt.Sprintf("unknown action %q", m.Action)}
	default:
		return nil, &DecodeError{Type: h.Type, Reason: "unknown type", Err: ErrUnknownType}
	}
}

func unmarshal(raw []byte, typ string, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Type: typ, Reason: "invalid fields", Err: err}
	}
	return nil
}

func checkConfidence(typ string, c float64) error {
	if c < 0 || c > 1 {
		return &DecodeError{Type: typ, Reason: fmt.Sprintf("vad confidence %v out of range", c)}
	}
	return nil
}

func validConsent(c string) bool {
	switch c {
	case ConsentBasic, ConsentEnhanced, ConsentFull:
		return true
	}
	return false
}
