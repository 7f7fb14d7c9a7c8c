package flags

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammednazmy/VoiceAssist-sub015/internal/metrics"
)

// Kill switch sources.
const (
	SourceEnv   = "env"
	SourceFile  = "file"
	SourceRedis = "redis"
)

// KillSwitch is the global rollback valve. Sessions read it once per inbound
// event; it is engaged when any source engages it.
type KillSwitch struct {
	mu      sync.RWMutex
	sources map[string]bool
}

// NewKillSwitch creates a disengaged kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{sources: make(map[string]bool)}
}

// Set records the value reported by source.
func (k *KillSwitch) Set(source string, engaged bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sources[source] != engaged {
		slog.Warn("kill switch changed", "source", source, "engaged", engaged)
	}
	k.sources[source] = engaged

	var on bool
	for _, v := range k.sources {
		on = on || v
	}
	if on {
		metrics.KillSwitchEngaged.Set(1)
	} else {
		metrics.KillSwitchEngaged.Set(0)
	}
}

// Engaged reports whether any source engages the switch. Safe on nil.
func (k *KillSwitch) Engaged() bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, on := range k.sources {
		if on {
			return true
		}
	}
	return false
}

// stringGetter is the slice of the Redis client the poller uses.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisPoller mirrors a Redis key into a KillSwitch.
type RedisPoller struct {
	client   stringGetter
	key      string
	interval time.Duration
	ks       *KillSwitch
}

// NewRedisPoller connects to the Redis URL and polls key every interval.
func NewRedisPoller(url, key string, interval time.Duration, ks *KillSwitch) (*RedisPoller, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opt)
	return newRedisPoller(client, key, interval, ks), client, nil
}

func newRedisPoller(client stringGetter, key string, interval time.Duration, ks *KillSwitch) *RedisPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RedisPoller{client: client, key: key, interval: interval, ks: ks}
}

// Poll reads the key once. A missing key disengages the switch; a Redis
// error leaves the last value in place.
func (p *RedisPoller) Poll(ctx context.Context) error {
	val, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		p.ks.Set(SourceRedis, false)
		return nil
	}
	if err != nil {
		return err
	}
	on, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return err
	}
	p.ks.Set(SourceRedis, on)
	return nil
}

// Run polls until ctx is done.
func (p *RedisPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("kill switch poll failed", "key", p.key, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
