package session

import (
	"encoding/base64"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/protocol"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
)

// playbackOutput is the client's audio device as the scheduler sees it:
// chunks become audio.output messages and gain or suspension changes become
// audio.control messages.
type playbackOutput struct {
	box *outbox

	// disabled drops everything once the session is closing.
	disabled bool
	// played is the sentence index of the last dispatched chunk, -1 before any.
	played int
}

func newPlaybackOutput(box *outbox) *playbackOutput {
	return &playbackOutput{box: box, played: -1}
}

func (o *playbackOutput) Play(c scheduler.Chunk, at time.Time) error {
	if o.disabled {
		return nil
	}
	o.played = c.SentenceIndex
	return o.send(protocol.Envelope{
		Type:          protocol.TypeAudioOutput,
		Audio:         base64.StdEncoding.EncodeToString(c.PCM),
		IsFinal:       protocol.Ptr(c.IsFinal),
		SentenceIndex: protocol.Ptr(c.SentenceIndex),
		Timestamp:     at.UnixMilli(),
	})
}

func (o *playbackOutput) Ramp(from, to float64, d time.Duration) error {
	if o.disabled {
		return nil
	}
	return o.send(protocol.Envelope{
		Type:       protocol.TypeAudioControl,
		Action:     protocol.AudioRamp,
		Gain:       protocol.Ptr(to),
		DurationMs: int(d / time.Millisecond),
	})
}

func (o *playbackOutput) Suspend() error {
	if o.disabled {
		return nil
	}
	return o.send(protocol.Envelope{Type: protocol.TypeAudioControl, Action: protocol.AudioSuspend})
}

func (o *playbackOutput) Resume() error {
	if o.disabled {
		return nil
	}
	return o.send(protocol.Envelope{Type: protocol.TypeAudioControl, Action: protocol.AudioResume})
}

func (o *playbackOutput) send(env protocol.Envelope) error {
	if !o.box.send(env) {
		return ErrBackpressure
	}
	return nil
}
