// Package bargein classifies a triggered interruption of AI speech.
package bargein

import (
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
)

// Classification is the verdict on an interruption.
type Classification string

const (
	Backchannel   Classification = "backchannel"
	SoftBarge     Classification = "soft_barge"
	HardBarge     Classification = "hard_barge"
	FalsePositive Classification = "false_positive"
	Unclassified  Classification = "unclassified"
)

// Action is the follow-up the session takes. Muting itself already happened
// on the fusion trigger; the action only decides what comes next.
type Action string

const (
	ActionContinue Action = "continue" // AI keeps speaking
	ActionPause    Action = "pause"    // duck gain, soft_paused, grace timer
	ActionStop     Action = "stop"     // stay muted, drop the response, listen
	ActionResume   Action = "resume"   // undo the mute
	ActionWait     Action = "wait"     // not enough evidence yet
)

// Event is one barge-in, created when fusion fires.
type Event struct {
	ID             string
	TriggeredAt    time.Time
	Source         fusion.Origin
	Classification Classification
	Confidence     float64
	Language       string
	RolledBack     bool
}

// Resolved reports whether the event has reached a terminal classification.
func (e Event) Resolved() bool {
	return e.RolledBack || (e.Classification != "" && e.Classification != Unclassified)
}

// Input is everything classification depends on.
type Input struct {
	Event      Event
	DurationMs int
	Transcript string
	Language   string
	Prosody    *audio.Prosody // nil unless consent allows prosody
}

// Verdict is the classifier output.
type Verdict struct {
	Classification Classification
	Action         Action
	Confidence     float64
	Mute           bool          // whether the follow-up keeps output muted
	Gain           float64       // target gain for ActionPause
	Grace          time.Duration // grace timer for ActionPause
	Phrase         string        // matched phrase, if any
}

// Config holds classification thresholds.
type Config struct {
	BackchannelCeilingMs int
	SoftCeilingMs        int
	HardMinMs            int
	MaxEditDistance      int
	SoftGain             float64
	Grace                time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BackchannelCeilingMs: 500,
		SoftCeilingMs:        300,
		HardMinMs:            300,
		MaxEditDistance:      2,
		SoftGain:             0.2,
		Grace:                2 * time.Second,
	}
}

// Classifier is immutable after New and safe for concurrent use.
type Classifier struct {
	cfg   Config
	langs map[string]compiledSet
}

// New builds a classifier from the built-in phrase sets plus extra, keyed
// by language.
func New(cfg Config, extra map[string]PhraseSet) *Classifier {
	c := &Classifier{cfg: cfg, langs: make(map[string]compiledSet)}
	for lang, set := range builtinPhrases {
		c.langs[lang] = compile(set, extra[lang])
	}
	for lang, set := range extra {
		lang = baseLanguage(lang)
		if _, ok := builtinPhrases[lang]; !ok {
			c.langs[lang] = compile(set)
		}
	}
	return c
}

func (c *Classifier) phrases(hint string) compiledSet {
	if set, ok := c.langs[baseLanguage(hint)]; ok {
		return set
	}
	return c.langs[defaultLanguage]
}

// Classify is pure: the same input always yields the same verdict.
func (c *Classifier) Classify(in Input) Verdict {
	if in.Event.RolledBack {
		return Verdict{Classification: FalsePositive, Action: ActionResume, Confidence: 1}
	}

	lang := in.Language
	if lang == "" {
		lang = in.Event.Language
	}
	set := c.phrases(lang)
	text := normalize(in.Transcript)

	if text != "" && in.DurationMs < c.cfg.BackchannelCeilingMs {
		if p, d, ok := bestMatch(text, set.backchannel, c.cfg.MaxEditDistance); ok {
			v := Verdict{
				Classification: Backchannel,
				Action:         ActionContinue,
				Confidence:     matchConfidence(p, d),
				Phrase:         p,
			}
			v.Confidence = adjustBackchannel(v.Confidence, in.Prosody)
			return v
		}
	}

	if text != "" && in.DurationMs < c.cfg.SoftCeilingMs {
		if p, d, ok := bestMatch(text, set.soft, c.cfg.MaxEditDistance); ok {
			return Verdict{
				Classification: SoftBarge,
				Action:         ActionPause,
				Confidence:     matchConfidence(p, d),
				Gain:           c.cfg.SoftGain,
				Grace:          c.cfg.Grace,
				Phrase:         p,
			}
		}
	}

	if in.DurationMs >= c.cfg.HardMinMs {
		return Verdict{
			Classification: HardBarge,
			Action:         ActionStop,
			Confidence:     adjustHard(hardConfidence(in.DurationMs, c.cfg.HardMinMs), in.Prosody),
			Mute:           true,
		}
	}

	return Verdict{Classification: Unclassified, Action: ActionWait, Confidence: in.Event.Confidence}
}

func matchConfidence(phrase string, dist int) float64 {
	n := len([]rune(phrase))
	return clamp01(1 - float64(dist)/float64(n+1))
}

// hardConfidence grows from 0.6 at the threshold to 1.0 a second later.
func hardConfidence(durationMs, minMs int) float64 {
	return clamp01(0.6 + float64(durationMs-minMs)/2500)
}

// A rising contour on a short acknowledgment often means a question.
func adjustBackchannel(conf float64, p *audio.Prosody) float64 {
	if p == nil {
		return conf
	}
	if p.Rising() {
		return clamp01(conf - 0.15)
	}
	return conf
}

// Loud speech with a rising or flat contour is a more certain interruption.
func adjustHard(conf float64, p *audio.Prosody) float64 {
	if p == nil {
		return conf
	}
	if p.EnergyDB > -20 {
		conf += 0.1
	}
	if p.Falling() {
		conf -= 0.05
	}
	return clamp01(conf)
}

func clamp01(v float64) float64 { return max(0, min(1, v)) }
