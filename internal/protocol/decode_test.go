package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode_Valid(t *testing.T) {
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 640))
	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"session.init","conversation_id":"c1","voice_settings":{"language":"es","device":"speaker"},"consent":"enhanced"}`, TypeSessionInit},
		{`{"type":"audio.input","audio":"` + pcm + `"}`, TypeAudioInput},
		{`{"type":"audio.input","audio":"` + pcm + `","vad":{"confidence":0.9,"is_speaking":true,"timestamp_ms":12}}`, TypeAudioInput},
		{`{"type":"audio.input.vad","confidence":0.4,"is_speaking":false}`, TypeAudioInputVAD},
		{`{"type":"audio.input.complete"}`, TypeAudioInputComplete},
		{`{"type":"barge_in"}`, TypeBargeIn},
		{`{"type":"message","content":"hello"}`, TypeMessage},
		{`{"type":"ping"}`, TypePing},
		{`{"type":"control","action":"force_reply"}`, TypeControl},
	}
	for _, c := range cases {
		m, err := Decode([]byte(c.raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", c.raw, err)
		}
		if m.MessageType() != c.want {
			t.Fatalf("type=%s, want %s", m.MessageType(), c.want)
		}
	}
}

func TestDecode_AudioInputCarriesPCM(t *testing.T) {
	raw := `{"type":"audio.input","audio":"` + base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}) + `"}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	in := m.(AudioInput)
	if len(in.PCM) != 4 || in.VAD != nil {
		t.Fatalf("pcm=%v vad=%v", in.PCM, in.VAD)
	}
}

func TestDecode_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"content":"x"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"bad base64", `{"type":"audio.input","audio":"***"}`},
		{"odd pcm", `{"type":"audio.input","audio":"` + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) + `"}`},
		{"empty audio", `{"type":"audio.input","audio":""}`},
		{"confidence range", `{"type":"audio.input.vad","confidence":1.5,"is_speaking":true}`},
		{"empty message", `{"type":"message","content":"  "}`},
		{"unknown action", `{"type":"control","action":"explode"}`},
		{"bad consent", `{"type":"session.init","consent":"total"}`},
		{"wrong field type", `{"type":"message","content":42}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v, want *DecodeError", err)
			}
		})
	}
}

func TestDecode_UnknownTypeIsMatchable(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecode_OversizedFrame(t *testing.T) {
	raw := `{"type":"message","content":"` + strings.Repeat("a", MaxMessageBytes) + `"}`
	if _, err := Decode([]byte(raw)); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestEnvelope_OmitsUnusedFields(t *testing.T) {
	b, err := json.Marshal(ErrorEnvelope(CodeBackpressure, "slow client", false))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["recoverable"] != false || m["code"] != CodeBackpressure {
		t.Fatalf("envelope=%s", b)
	}
	if _, ok := m["audio"]; ok {
		t.Fatalf("unused field serialized: %s", b)
	}
}
