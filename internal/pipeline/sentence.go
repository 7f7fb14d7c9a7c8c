package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceBuffer accumulates streamed tokens and splits at sentence boundaries.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentences ready for TTS,
// or "" if no boundary has been seen yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

// Latin enders need trailing whitespace; full-width enders end a sentence on their own.
var (
	sentenceEnders  = map[rune]bool{'.': true, '!': true, '?': true, ';': true}
	fullWidthEnders = map[rune]bool{'。': true, '！': true, '？': true, '；': true}
)

// splitAtSentence finds the last sentence boundary in text and returns
// (completeSentences, remainder). With no boundary it returns ("", text).
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i, r := range text {
		size := utf8.RuneLen(r)
		if fullWidthEnders[r] {
			lastIdx = i + size
			continue
		}
		if !sentenceEnders[r] || i+size >= len(text) {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[i+size:])
		if unicode.IsSpace(next) {
			lastIdx = i + size
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

// codeFilter drops ``` fenced blocks from a token stream so they are shown
// but never spoken.
type codeFilter struct {
	inFence bool
	pending string // backticks that may open or close a fence
}

// Filter returns the speakable part of token.
func (c *codeFilter) Filter(token string) string {
	text := c.pending + token
	c.pending = ""
	var out strings.Builder
	for {
		idx := strings.Index(text, "```")
		if idx < 0 {
			break
		}
		if !c.inFence {
			out.WriteString(text[:idx])
		}
		c.inFence = !c.inFence
		text = text[idx+3:]
	}
	// hold back a trailing partial fence
	keep := len(text) - len(strings.TrimRight(text, "`"))
	c.pending = text[len(text)-keep:]
	text = text[:len(text)-keep]
	if !c.inFence {
		out.WriteString(text)
	}
	return out.String()
}

// markdownReplacer removes inline markdown that TTS engines read aloud.
var markdownReplacer = strings.NewReplacer("**", "", "__", "", "`", "", "#", "", "* ", "", "> ", "")

// stripMarkdown cleans a sentence for synthesis.
func stripMarkdown(s string) string {
	return strings.TrimSpace(markdownReplacer.Replace(s))
}
