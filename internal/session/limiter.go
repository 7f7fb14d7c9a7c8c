package session

import "time"

// audioLimiter is a token bucket over inbound audio frames and bytes.
// It is used only from the read pump.
type audioLimiter struct {
	now        func() time.Time
	fpsRate    float64
	fpsTokens  float64
	bpsRate    float64
	bpsTokens  float64
	burst      float64
	lastRefill time.Time
}

// newAudioLimiter returns nil, which allows everything, when both rates are
// unset.
func newAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *audioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	l := &audioLimiter{
		now:        now,
		fpsRate:    float64(fps),
		bpsRate:    float64(bps),
		burst:      float64(burstSeconds),
		lastRefill: now(),
	}
	l.fpsTokens = max(0, l.fpsRate) * l.burst
	l.bpsTokens = max(0, l.bpsRate) * l.burst
	return l
}

// Allow takes one frame of n bytes from the bucket.
func (l *audioLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	l.refill()
	n = max(0, n)
	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false
	}
	if l.bpsRate > 0 && l.bpsTokens < float64(n) {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= float64(n)
	}
	return true
}

func (l *audioLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.fpsTokens = refillBucket(l.fpsTokens, l.fpsRate, l.burst, elapsed)
	l.bpsTokens = refillBucket(l.bpsTokens, l.bpsRate, l.burst, elapsed)
	l.lastRefill = now
}

func refillBucket(tokens, rate, burst float64, elapsed time.Duration) float64 {
	if rate <= 0 {
		return tokens
	}
	return min(tokens+elapsed.Seconds()*rate, rate*burst)
}
