// Package flags loads turn-taking thresholds from a YAML file and hands each
// session an immutable snapshot.
package flags

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/audio"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/bargein"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/fusion"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/scheduler"
	"github.com/mohammednazmy/VoiceAssist-sub015/internal/turn"
)

// ResumePolicy decides what happens when a soft-barge grace timer expires.
type ResumePolicy string

const (
	ResumeAuto   ResumePolicy = "auto_resume" // restore gain, AI continues
	ResumePrompt ResumePolicy = "prompt"      // stop and ask the user to continue
)

// Thresholds are the tunables. In a preset, zero values mean "inherit".
type Thresholds struct {
	StalenessMs       int             `yaml:"staleness_ms"`
	LocalThreshold    float64         `yaml:"local_threshold"`
	ConfirmWindowMs   int             `yaml:"confirm_window_ms"`
	RollbackWindowMs  int             `yaml:"rollback_window_ms"`
	DualOverlapMs     int             `yaml:"dual_overlap_ms"`
	DedupWindowMs     int             `yaml:"dedup_window_ms"`
	PlaybackWeights   *fusion.Weights `yaml:"playback_weights"`
	IdleWeights       *fusion.Weights `yaml:"idle_weights"`
	BackchannelMaxMs  int             `yaml:"backchannel_max_ms"`
	SoftMaxMs         int             `yaml:"soft_max_ms"`
	HardMinMs         int             `yaml:"hard_min_ms"`
	MaxEditDistance   int             `yaml:"max_edit_distance"`
	SoftGain          float64         `yaml:"soft_gain"`
	GraceMs           int             `yaml:"grace_ms"`
	MaxQueuedMs       int             `yaml:"max_queued_ms"`
	DriftThresholdMs  int             `yaml:"drift_threshold_ms"`
	SilenceBaseMs     int             `yaml:"silence_base_ms"`
	SilenceMaxMs      int             `yaml:"silence_max_ms"`
	SilenceMinMs      int             `yaml:"silence_min_ms"`
	SpeechThresholdDB float64         `yaml:"speech_threshold_db"`
}

// File is the on-disk flag document.
type File struct {
	KillSwitch   bool                         `yaml:"kill_switch"`
	ResumePolicy ResumePolicy                 `yaml:"soft_barge_resume"`
	Defaults     Thresholds                   `yaml:"defaults"`
	Presets      map[string]Thresholds        `yaml:"presets"`
	Phrases      map[string]bargein.PhraseSet `yaml:"phrases"`
}

// DefaultThresholds mirrors the package defaults of the components.
func DefaultThresholds() Thresholds {
	fc := fusion.DefaultConfig()
	bc := bargein.DefaultConfig()
	sc := scheduler.DefaultConfig()
	pc := turn.DefaultPredictorConfig()
	return Thresholds{
		StalenessMs:       ms(fc.Staleness),
		LocalThreshold:    fc.LocalThreshold,
		ConfirmWindowMs:   ms(fc.ConfirmWindow),
		RollbackWindowMs:  ms(fc.RollbackWindow),
		DualOverlapMs:     ms(fc.DualOverlap),
		DedupWindowMs:     ms(fc.DedupWindow),
		PlaybackWeights:   &fc.PlaybackWeights,
		IdleWeights:       &fc.IdleWeights,
		BackchannelMaxMs:  bc.BackchannelCeilingMs,
		SoftMaxMs:         bc.SoftCeilingMs,
		HardMinMs:         bc.HardMinMs,
		MaxEditDistance:   bc.MaxEditDistance,
		SoftGain:          bc.SoftGain,
		GraceMs:           ms(bc.Grace),
		MaxQueuedMs:       ms(sc.MaxQueued),
		DriftThresholdMs:  ms(sc.DriftThreshold),
		SilenceBaseMs:     ms(pc.Base),
		SilenceMaxMs:      ms(pc.Max),
		SilenceMinMs:      ms(pc.Min),
		SpeechThresholdDB: audio.DefaultVADConfig().SpeechThresholdDB,
	}
}

// builtinPresets tune for the acoustic path of each device class.
var builtinPresets = map[string]Thresholds{
	// open speakers leak AI audio into the mic; trust the server more
	"speaker": {LocalThreshold: 0.9, SpeechThresholdDB: -30, DualOverlapMs: 200},
	// narrowband, higher latency
	"phone":   {StalenessMs: 400, RollbackWindowMs: 700, SilenceBaseMs: 600, SpeechThresholdDB: -38},
	"headset": {},
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// overlay copies the non-zero fields of o onto t.
func (t Thresholds) overlay(o Thresholds) Thresholds {
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	setInt(&t.StalenessMs, o.StalenessMs)
	setFloat(&t.LocalThreshold, o.LocalThreshold)
	setInt(&t.ConfirmWindowMs, o.ConfirmWindowMs)
	setInt(&t.RollbackWindowMs, o.RollbackWindowMs)
	setInt(&t.DualOverlapMs, o.DualOverlapMs)
	setInt(&t.DedupWindowMs, o.DedupWindowMs)
	if o.PlaybackWeights != nil {
		w := *o.PlaybackWeights
		t.PlaybackWeights = &w
	}
	if o.IdleWeights != nil {
		w := *o.IdleWeights
		t.IdleWeights = &w
	}
	setInt(&t.BackchannelMaxMs, o.BackchannelMaxMs)
	setInt(&t.SoftMaxMs, o.SoftMaxMs)
	setInt(&t.HardMinMs, o.HardMinMs)
	setInt(&t.MaxEditDistance, o.MaxEditDistance)
	setFloat(&t.SoftGain, o.SoftGain)
	setInt(&t.GraceMs, o.GraceMs)
	setInt(&t.MaxQueuedMs, o.MaxQueuedMs)
	setInt(&t.DriftThresholdMs, o.DriftThresholdMs)
	setInt(&t.SilenceBaseMs, o.SilenceBaseMs)
	setInt(&t.SilenceMaxMs, o.SilenceMaxMs)
	setInt(&t.SilenceMinMs, o.SilenceMinMs)
	setFloat(&t.SpeechThresholdDB, o.SpeechThresholdDB)
	return t
}

// Snapshot is the immutable flag view a session runs with.
type Snapshot struct {
	Version      int64
	Device       string
	Thresholds   Thresholds
	ResumePolicy ResumePolicy
	Phrases      map[string]bargein.PhraseSet
	KillSwitch   bool
	LoadedAt     time.Time
}

// FusionConfig derives the fusion thresholds.
func (s Snapshot) FusionConfig() fusion.Config {
	t := s.Thresholds
	return fusion.Config{
		Staleness:       dur(t.StalenessMs),
		LocalThreshold:  t.LocalThreshold,
		BothConfidence:  fusion.DefaultConfig().BothConfidence,
		ConfirmWindow:   dur(t.ConfirmWindowMs),
		RollbackWindow:  dur(t.RollbackWindowMs),
		DualOverlap:     dur(t.DualOverlapMs),
		DedupWindow:     dur(t.DedupWindowMs),
		PlaybackWeights: *t.PlaybackWeights,
		IdleWeights:     *t.IdleWeights,
	}
}

// BargeInConfig derives the classifier thresholds.
func (s Snapshot) BargeInConfig() bargein.Config {
	t := s.Thresholds
	return bargein.Config{
		BackchannelCeilingMs: t.BackchannelMaxMs,
		SoftCeilingMs:        t.SoftMaxMs,
		HardMinMs:            t.HardMinMs,
		MaxEditDistance:      t.MaxEditDistance,
		SoftGain:             t.SoftGain,
		Grace:                dur(t.GraceMs),
	}
}

// SchedulerConfig derives the playback queue thresholds.
func (s Snapshot) SchedulerConfig() scheduler.Config {
	c := scheduler.DefaultConfig()
	c.MaxQueued = dur(s.Thresholds.MaxQueuedMs)
	c.DriftThreshold = dur(s.Thresholds.DriftThresholdMs)
	return c
}

// PredictorConfig derives the continuation predictor bounds.
func (s Snapshot) PredictorConfig() turn.PredictorConfig {
	c := turn.DefaultPredictorConfig()
	c.Base = dur(s.Thresholds.SilenceBaseMs)
	c.Max = dur(s.Thresholds.SilenceMaxMs)
	c.Min = dur(s.Thresholds.SilenceMinMs)
	return c
}

// VADConfig derives the server energy VAD settings.
func (s Snapshot) VADConfig() audio.VADConfig {
	c := audio.DefaultVADConfig()
	c.SpeechThresholdDB = s.Thresholds.SpeechThresholdDB
	// segments close at the shortest end-of-turn silence; the session waits
	// out the rest of the predicted timeout
	if s.Thresholds.SilenceMinMs > 0 {
		c.SilenceTimeout = dur(s.Thresholds.SilenceMinMs)
	}
	return c
}

// Store holds the current flag file. Reload swaps it atomically; snapshots
// already handed out are unaffected.
type Store struct {
	path    string
	current atomic.Pointer[loaded]
	mu      sync.Mutex // serializes Reload
}

type loaded struct {
	file     File
	version  int64
	loadedAt time.Time
}

// NewStore loads path. An empty path runs on built-in defaults.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the flag file. On error the previous file stays active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := readFile(s.path)
	if err != nil {
		return err
	}
	var version int64 = 1
	if prev := s.current.Load(); prev != nil {
		version = prev.version + 1
	}
	s.current.Store(&loaded{file: f, version: version, loadedAt: time.Now()})
	return nil
}

func readFile(path string) (File, error) {
	f := File{ResumePolicy: ResumeAuto}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read flag file: %w", err)
	}
	if err = yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse flag file %s: %w", path, err)
	}
	switch f.ResumePolicy {
	case "":
		f.ResumePolicy = ResumeAuto
	case ResumeAuto, ResumePrompt:
	default:
		return File{}, fmt.Errorf("flag file %s: unknown soft_barge_resume %q", path, f.ResumePolicy)
	}
	return f, nil
}

// Version is the number of successful loads.
func (s *Store) Version() int64 { return s.current.Load().version }

// FileKillSwitch reports the kill_switch value of the loaded file.
func (s *Store) FileKillSwitch() bool { return s.current.Load().file.KillSwitch }

// Snapshot resolves defaults, then the built-in preset for device, then the
// file defaults and the file preset for device.
func (s *Store) Snapshot(device string) Snapshot {
	l := s.current.Load()
	t := DefaultThresholds().
		overlay(builtinPresets[device]).
		overlay(l.file.Defaults).
		overlay(l.file.Presets[device])
	return Snapshot{
		Version:      l.version,
		Device:       device,
		Thresholds:   t,
		ResumePolicy: l.file.ResumePolicy,
		Phrases:      l.file.Phrases,
		KillSwitch:   l.file.KillSwitch,
		LoadedAt:     l.loadedAt,
	}
}
