package prompts

import (
	"fmt"
	"strings"
)

const DefaultSystem = "You are a helpful voice assistant. Answer in short spoken sentences " +
	"without markdown, lists or code. If the user interrupted you, pick up from what they said."

// ForSession resolves the final system prompt for a voice session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// Interrupted tells the model how much of its previous reply the user heard
// before cutting it off.
func Interrupted(heard []string) string {
	if len(heard) == 0 {
		return "The user interrupted your previous reply before you started speaking."
	}
	return fmt.Sprintf("The user interrupted your previous reply after you said: %q", strings.Join(heard, " "))
}
