// Package turn sequences a voice session through listening, recognition,
// response and barge-in handling.
package turn

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned by Machine.To for edges not in the table.
var ErrInvalidTransition = errors.New("invalid turn transition")

// State is the turn-taking state of one session.
type State int

const (
	Idle State = iota
	Listening
	SpeechDetected
	UserSpeaking
	ProcessingSTT
	ProcessingLLM
	AISpeaking
	BargeInDetected
	SoftPaused
	AwaitingContinuation
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case SpeechDetected:
		return "speech_detected"
	case UserSpeaking:
		return "user_speaking"
	case ProcessingSTT:
		return "processing_stt"
	case ProcessingLLM:
		return "processing_llm"
	case AISpeaking:
		return "ai_speaking"
	case BargeInDetected:
		return "barge_in_detected"
	case SoftPaused:
		return "soft_paused"
	case AwaitingContinuation:
		return "awaiting_continuation"
	default:
		return "unknown"
	}
}

// VoiceState is the coarse state reported to clients in voice.state.
func (s State) VoiceState() string {
	switch s {
	case Idle:
		return "idle"
	case Listening, SpeechDetected, UserSpeaking, AwaitingContinuation, BargeInDetected:
		return "listening"
	case ProcessingSTT, ProcessingLLM:
		return "processing"
	case AISpeaking, SoftPaused:
		return "speaking"
	default:
		return "idle"
	}
}

var transitions = map[State][]State{
	Idle:                 {Listening},
	Listening:            {SpeechDetected, ProcessingLLM, Idle},
	SpeechDetected:       {UserSpeaking, Listening},
	UserSpeaking:         {ProcessingSTT, Listening},
	ProcessingSTT:        {ProcessingLLM, AwaitingContinuation, UserSpeaking, Listening},
	AwaitingContinuation: {ProcessingSTT, ProcessingLLM, UserSpeaking, Listening},
	ProcessingLLM:        {AISpeaking, Listening},
	AISpeaking:           {BargeInDetected, Listening},
	BargeInDetected:      {Listening, SoftPaused, AISpeaking},
	SoftPaused:           {Listening, AISpeaking, BargeInDetected},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes one state change.
type Transition struct {
	From, To State
	At       time.Time
	Forced   bool
}

// Machine holds the current state. It is owned by the session loop.
type Machine struct {
	state    State
	since    time.Time
	onChange func(Transition)
}

// NewMachine starts in Idle. onChange may be nil.
func NewMachine(now time.Time, onChange func(Transition)) *Machine {
	if onChange == nil {
		onChange = func(Transition) {}
	}
	return &Machine{state: Idle, since: now, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Since is when the current state was entered.
func (m *Machine) Since() time.Time { return m.since }

// In reports whether the current state is any of states.
func (m *Machine) In(states ...State) bool {
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

// To moves to next if the table allows it. A transition to the current
// state is a no-op.
func (m *Machine) To(next State, now time.Time) error {
	if next == m.state {
		return nil
	}
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	m.set(next, now, false)
	return nil
}

// Force moves to next regardless of the table, for manual overrides and
// fatal resets.
func (m *Machine) Force(next State, now time.Time) {
	if next == m.state {
		return
	}
	m.set(next, now, true)
}

func (m *Machine) set(next State, now time.Time, forced bool) {
	tr := Transition{From: m.state, To: next, At: now, Forced: forced}
	m.state = next
	m.since = now
	m.onChange(tr)
}
