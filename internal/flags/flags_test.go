package flags

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func writeFlags(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStore_DefaultsWithoutFile(t *testing.T) {
	s, err := NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot("headset")
	fc := snap.FusionConfig()
	if fc.Staleness != 300*time.Millisecond || fc.LocalThreshold != 0.8 || fc.PlaybackWeights.Remote != 0.7 {
		t.Fatalf("fusion=%+v", fc)
	}
	if snap.SchedulerConfig().MaxQueued != time.Second {
		t.Fatalf("max queued=%v", snap.SchedulerConfig().MaxQueued)
	}
	if snap.ResumePolicy != ResumeAuto {
		t.Fatalf("policy=%s", snap.ResumePolicy)
	}
	if got, want := snap.VADConfig().SilenceTimeout, snap.PredictorConfig().Min; got != want {
		t.Fatalf("segment silence=%v, want the predictor minimum %v", got, want)
	}
}

func TestStore_PresetLayering(t *testing.T) {
	path := writeFlags(t, `
soft_barge_resume: prompt
defaults:
  grace_ms: 2500
presets:
  speaker:
    local_threshold: 0.95
  phone:
    idle_weights: {remote: 0.5, local: 0.5}
phrases:
  en:
    soft: ["gimme a sec"]
`)
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	speaker := s.Snapshot("speaker")
	if speaker.Thresholds.LocalThreshold != 0.95 {
		t.Fatalf("file preset did not win: %v", speaker.Thresholds.LocalThreshold)
	}
	if speaker.Thresholds.SpeechThresholdDB != -30 {
		t.Fatalf("builtin preset lost: %v", speaker.Thresholds.SpeechThresholdDB)
	}
	if speaker.BargeInConfig().Grace != 2500*time.Millisecond {
		t.Fatalf("grace=%v", speaker.BargeInConfig().Grace)
	}
	if speaker.ResumePolicy != ResumePrompt {
		t.Fatalf("policy=%s", speaker.ResumePolicy)
	}
	if got := speaker.Phrases["en"].Soft; len(got) != 1 {
		t.Fatalf("phrases=%v", got)
	}

	phone := s.Snapshot("phone")
	if phone.FusionConfig().IdleWeights.Remote != 0.5 || phone.FusionConfig().Staleness != 400*time.Millisecond {
		t.Fatalf("phone=%+v", phone.FusionConfig())
	}
	if phone.FusionConfig().PlaybackWeights.Remote != 0.7 {
		t.Fatalf("unset weights not inherited")
	}
}

func TestStore_ReloadLeavesSnapshotsUntouched(t *testing.T) {
	path := writeFlags(t, "defaults:\n  max_queued_ms: 800\n")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Snapshot("headset")

	if err := os.WriteFile(path, []byte("kill_switch: true\ndefaults:\n  max_queued_ms: 600\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}
	after := s.Snapshot("headset")

	if before.Thresholds.MaxQueuedMs != 800 || after.Thresholds.MaxQueuedMs != 600 {
		t.Fatalf("before=%d after=%d", before.Thresholds.MaxQueuedMs, after.Thresholds.MaxQueuedMs)
	}
	if after.Version != before.Version+1 || !after.KillSwitch || before.KillSwitch {
		t.Fatalf("before=%+v after=%+v", before, after)
	}
}

func TestStore_BadReloadKeepsPrevious(t *testing.T) {
	path := writeFlags(t, "soft_barge_resume: auto_resume\n")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("soft_barge_resume: sometimes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("invalid policy accepted")
	}
	if s.Version() != 1 || s.Snapshot("").ResumePolicy != ResumeAuto {
		t.Fatalf("previous file not kept")
	}
}

func TestKillSwitch_AnySourceEngages(t *testing.T) {
	k := NewKillSwitch()
	if k.Engaged() {
		t.Fatal("engaged at start")
	}
	k.Set(SourceEnv, false)
	k.Set(SourceFile, true)
	if !k.Engaged() {
		t.Fatal("file source ignored")
	}
	k.Set(SourceFile, false)
	if k.Engaged() {
		t.Fatal("still engaged")
	}
	var nilSwitch *KillSwitch
	if nilSwitch.Engaged() {
		t.Fatal("nil switch engaged")
	}
}

type fakeRedis struct {
	val string
	err error
}

func (f *fakeRedis) Get(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult(f.val, f.err)
}

func TestRedisPoller(t *testing.T) {
	ks := NewKillSwitch()
	fr := &fakeRedis{val: "true"}
	p := newRedisPoller(fr, "voice:kill_switch", time.Second, ks)
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil || !ks.Engaged() {
		t.Fatalf("err=%v engaged=%v", err, ks.Engaged())
	}

	fr.val, fr.err = "", errors.New("connection refused")
	if err := p.Poll(ctx); err == nil || !ks.Engaged() {
		t.Fatalf("redis error should keep last value: err=%v engaged=%v", err, ks.Engaged())
	}

	fr.err = redis.Nil
	if err := p.Poll(ctx); err != nil || ks.Engaged() {
		t.Fatalf("missing key should disengage: err=%v engaged=%v", err, ks.Engaged())
	}

	fr.val, fr.err = "maybe", nil
	if err := p.Poll(ctx); err == nil {
		t.Fatal("unparseable value accepted")
	}
}
