package bargein

import (
	"testing"
	"time"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
)

func triggered() Event {
	return Event{
		TriggeredAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Source:      fusion.OriginLocal,
		Confidence:  0.85,
		Language:    "en",
	}
}

func TestClassify_Scenarios(t *testing.T) {
	c := New(DefaultConfig(), nil)
	rolled := triggered()
	rolled.RolledBack = true

	cases := []struct {
		name   string
		in     Input
		class  Classification
		action Action
		mute   bool
	}{
		{"uh-huh backchannel", Input{Event: triggered(), DurationMs: 280, Transcript: "uh-huh", Language: "en"}, Backchannel, ActionContinue, false},
		{"wait soft barge", Input{Event: triggered(), DurationMs: 220, Transcript: "wait", Language: "en"}, SoftBarge, ActionPause, false},
		{"sustained speech hard barge", Input{Event: triggered(), DurationMs: 800, Transcript: "no I meant the other one", Language: "en"}, HardBarge, ActionStop, true},
		{"sustained speech without transcript", Input{Event: triggered(), DurationMs: 800}, HardBarge, ActionStop, true},
		{"rolled back", Input{Event: rolled, DurationMs: 120}, FalsePositive, ActionResume, false},
		{"short non-matching speech", Input{Event: triggered(), DurationMs: 150, Transcript: "so"}, Unclassified, ActionWait, false},
		{"long wait is hard", Input{Event: triggered(), DurationMs: 450, Transcript: "wait", Language: "en"}, HardBarge, ActionStop, true},
		{"long backchannel is hard", Input{Event: triggered(), DurationMs: 700, Transcript: "yeah", Language: "en"}, HardBarge, ActionStop, true},
		{"fuzzy backchannel", Input{Event: triggered(), DurationMs: 300, Transcript: "mm hm", Language: "en-US"}, Backchannel, ActionContinue, false},
		{"fuzzy soft", Input{Event: triggered(), DurationMs: 250, Transcript: "hold onn", Language: "en"}, SoftBarge, ActionPause, false},
		{"spanish backchannel", Input{Event: triggered(), DurationMs: 260, Transcript: "Claro.", Language: "es"}, Backchannel, ActionContinue, false},
		{"german soft", Input{Event: triggered(), DurationMs: 240, Transcript: "Moment!", Language: "de-DE"}, SoftBarge, ActionPause, false},
		{"chinese backchannel", Input{Event: triggered(), DurationMs: 200, Transcript: "嗯嗯", Language: "zh"}, Backchannel, ActionContinue, false},
		{"japanese soft", Input{Event: triggered(), DurationMs: 280, Transcript: "待って", Language: "ja"}, SoftBarge, ActionPause, false},
		{"unknown language falls back to english", Input{Event: triggered(), DurationMs: 200, Transcript: "okay", Language: "xx"}, Backchannel, ActionContinue, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := c.Classify(tc.in)
			if v.Classification != tc.class || v.Action != tc.action || v.Mute != tc.mute {
				t.Fatalf("verdict=%+v, want %s/%s mute=%v", v, tc.class, tc.action, tc.mute)
			}
		})
	}
}

func TestClassify_SoftBargeDucksWithGrace(t *testing.T) {
	v := New(DefaultConfig(), nil).Classify(Input{Event: triggered(), DurationMs: 220, Transcript: "wait", Language: "en"})
	if v.Gain != 0.2 || v.Grace != 2000*time.Millisecond {
		t.Fatalf("gain=%v grace=%v", v.Gain, v.Grace)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c := New(DefaultConfig(), nil)
	inputs := []Input{
		{Event: triggered(), DurationMs: 280, Transcript: "uh-huh", Language: "en"},
		{Event: triggered(), DurationMs: 220, Transcript: "wait", Language: "en"},
		{Event: triggered(), DurationMs: 800, Transcript: "stop talking", Language: "en"},
		{Event: triggered(), DurationMs: 100, Transcript: "", Language: "fr"},
	}
	for _, in := range inputs {
		first := c.Classify(in)
		for range 10 {
			if got := c.Classify(in); got != first {
				t.Fatalf("classify(%+v) changed: %+v then %+v", in, first, got)
			}
		}
	}
}

func TestClassify_ShortPhrasesMatchExactly(t *testing.T) {
	c := New(DefaultConfig(), nil)
	// "no" is two edits from "ok" and "oh" but must not count as a backchannel
	v := c.Classify(Input{Event: triggered(), DurationMs: 200, Transcript: "no", Language: "en"})
	if v.Classification == Backchannel {
		t.Fatalf("verdict=%+v", v)
	}
}

func TestClassify_ExtraPhrasesFromFlags(t *testing.T) {
	c := New(DefaultConfig(), map[string]PhraseSet{
		"en": {Soft: []string{"gimme a sec"}},
		"nl": {Backchannel: []string{"ja hoor"}},
	})
	if v := c.Classify(Input{Event: triggered(), DurationMs: 250, Transcript: "gimme a sec", Language: "en"}); v.Classification != SoftBarge {
		t.Fatalf("en extra: %+v", v)
	}
	if v := c.Classify(Input{Event: triggered(), DurationMs: 250, Transcript: "ja hoor", Language: "nl"}); v.Classification != Backchannel {
		t.Fatalf("nl extra: %+v", v)
	}
}

func TestClassify_ProsodyAdjustsConfidenceOnly(t *testing.T) {
	c := New(DefaultConfig(), nil)
	in := Input{Event: triggered(), DurationMs: 280, Transcript: "yeah", Language: "en"}
	plain := c.Classify(in)
	in.Prosody = &audio.Prosody{PitchSlope: 40}
	rising := c.Classify(in)
	if rising.Classification != plain.Classification {
		t.Fatalf("prosody changed class: %s -> %s", plain.Classification, rising.Classification)
	}
	if rising.Confidence >= plain.Confidence {
		t.Fatalf("rising contour should lower confidence: %v >= %v", rising.Confidence, plain.Confidence)
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"wait", "wait", 0},
		{"wait", "wiat", 2},
		{"hold on", "hold onn", 1},
		{"嗯嗯", "嗯", 1},
		{"", "abc", 3},
	}
	for _, c := range cases {
		if got := editDistance(c.a, c.b); got != c.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Uh-Huh!":       "uh huh",
		"  hold   on. ": "hold on",
		"D'accord":      "d'accord",
		"Moment!":       "moment",
	}
	for in, want := range cases {
		if got := normalize(in); got != want {
			t.Errorf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
