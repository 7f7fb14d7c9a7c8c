package session

import (
	"testing"
	"time"
)

func TestAudioLimiter_NilAllowsEverything(t *testing.T) {
	l := newAudioLimiter(time.Now, 0, 0, 0)
	if l != nil {
		t.Fatal("limiter without rates should be nil")
	}
	if !l.Allow(1 << 20) {
		t.Fatal("nil limiter refused a frame")
	}
}

func TestAudioLimiter_FrameRate(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := newAudioLimiter(clk.now, 2, 0, 1)

	if !l.Allow(640) || !l.Allow(640) {
		t.Fatal("burst refused")
	}
	if l.Allow(640) {
		t.Fatal("third frame within a second allowed")
	}
	clk.advance(500 * time.Millisecond)
	if !l.Allow(640) {
		t.Fatal("refilled token refused")
	}
	if l.Allow(640) {
		t.Fatal("allowed more than the refill")
	}
}

func TestAudioLimiter_ByteRate(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := newAudioLimiter(clk.now, 0, 100, 1)

	if !l.Allow(80) {
		t.Fatal("first frame refused")
	}
	if l.Allow(30) {
		t.Fatal("frame over the byte budget allowed")
	}
	clk.advance(time.Second)
	if !l.Allow(30) {
		t.Fatal("refilled budget refused")
	}
}
