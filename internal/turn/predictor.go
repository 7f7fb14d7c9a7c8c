package turn

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
)

// PredictorConfig bounds the dynamic silence timeout.
type PredictorConfig struct {
	Base              time.Duration
	Max               time.Duration
	Min               time.Duration
	ContinueThreshold float64 // probability at which the session waits for more speech
}

// DefaultPredictorConfig returns the production defaults.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		Base:              500 * time.Millisecond,
		Max:               1800 * time.Millisecond,
		Min:               300 * time.Millisecond,
		ContinueThreshold: 0.6,
	}
}

// Prediction estimates whether the user will keep speaking.
type Prediction struct {
	Probability float64
	Timeout     time.Duration
	Continue    bool
}

// neutral is the probability that maps onto the base timeout.
const neutral = 0.4

var continuationWords = map[string][]string{
	"en": {"and", "but", "so", "or", "because", "um", "uh", "like", "then", "if", "the", "a", "an", "to", "with", "of", "for", "my", "is", "was", "that", "which", "when", "also", "well", "hmm"},
	"es": {"y", "pero", "o", "porque", "entonces", "este", "eh", "pues", "que", "el", "la", "de", "con", "para", "cuando"},
	"fr": {"et", "mais", "ou", "donc", "parce", "euh", "alors", "que", "le", "la", "de", "avec", "pour", "quand", "bah"},
	"de": {"und", "aber", "oder", "weil", "also", "äh", "ähm", "dann", "dass", "der", "die", "das", "mit", "für", "wenn"},
	"pt": {"e", "mas", "ou", "porque", "então", "né", "tipo", "que", "o", "a", "de", "com", "para", "quando"},
	"it": {"e", "ma", "o", "perché", "allora", "ehm", "cioè", "che", "il", "la", "di", "con", "per", "quando"},
	"ar": {"و", "لكن", "أو", "لأن", "يعني", "ثم", "اللي", "في", "من", "مع"},
	"zh": {"和", "但是", "所以", "因为", "然后", "那个", "就是", "嗯", "还有", "如果"},
	"ja": {"けど", "から", "そして", "えっと", "あの", "それで", "でも", "って", "ので", "が"},
}

// scripts without word spacing are matched by suffix.
var suffixLanguages = map[string]bool{"zh": true, "ja": true}

// Predictor estimates end-of-turn from the trailing transcript and prosody.
type Predictor struct {
	cfg PredictorConfig
}

// NewPredictor creates a predictor.
func NewPredictor(cfg PredictorConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

// Predict returns the continuation probability and the silence timeout to
// use before committing the utterance.
func (p *Predictor) Predict(transcript, language string, prosody *audio.Prosody) Prediction {
	prob := neutral
	text := strings.TrimSpace(transcript)
	lang := strings.ToLower(language)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if _, ok := continuationWords[lang]; !ok {
		lang = "en"
	}

	if text != "" {
		last, _ := utf8.DecodeLastRuneInString(text)
		switch {
		case strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…"):
			prob += 0.25
		case last == ',' || last == '、' || last == '，':
			prob += 0.2
		case last == '.' || last == '!' || last == '?' || last == '。' || last == '？' || last == '！':
			prob -= 0.25
		}
		if endsWithContinuation(text, lang) {
			prob += 0.35
		}
	}

	if prosody != nil {
		switch {
		case prosody.Rising():
			prob += 0.1
		case prosody.Falling():
			prob -= 0.15
		}
	}

	prob = max(0, min(1, prob))
	return Prediction{
		Probability: prob,
		Timeout:     p.timeout(prob),
		Continue:    prob >= p.cfg.ContinueThreshold,
	}
}

// timeout maps the neutral probability to Base, 1 to Max and 0 to Min.
func (p *Predictor) timeout(prob float64) time.Duration {
	var d time.Duration
	if prob >= neutral {
		d = p.cfg.Base + time.Duration((prob-neutral)/(1-neutral)*float64(p.cfg.Max-p.cfg.Base))
	} else {
		d = p.cfg.Base - time.Duration((neutral-prob)/neutral*float64(p.cfg.Base-p.cfg.Min))
	}
	return d.Round(time.Millisecond)
}

func endsWithContinuation(text, lang string) bool {
	words := continuationWords[lang]
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if suffixLanguages[lang] {
		for _, w := range words {
			if strings.HasSuffix(trimmed, w) {
				return true
			}
		}
		return false
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) == 0 {
		return false
	}
	last := fields[len(fields)-1]
	for _, w := range words {
		if last == w {
			return true
		}
	}
	return false
}
