package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow counts one hit in the window key and arms its expiry on the
// first hit.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

const (
	defaultPrefix  = "videochat:ratelimit"
	defaultTimeout = 2 * time.Second
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time left in the current window.
	RetryAfter time.Duration
}

type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
	// Timeout bounds each Redis round trip.
	Timeout time.Duration
}

// FixedWindowLimiter counts hits per key in aligned windows stored in Redis,
// so every API replica shares one quota per key.
type FixedWindowLimiter struct {
	client  *redis.Client
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewRedisFixedWindowLimiter(cfg Config) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FixedWindowLimiter{
		client:  redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:  prefix,
		limit:   cfg.Limit,
		window:  cfg.Window,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

func (l *FixedWindowLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.client.Close()
}

// Allow records one hit for key. A Redis failure denies the hit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	windowMs := l.window.Milliseconds()
	nowMs := l.now().UnixMilli()
	slot := nowMs / windowMs
	d := Decision{
		Limit:      l.limit,
		RetryAfter: time.Duration(windowMs-nowMs%windowMs) * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	redisKey := l.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)
	hits, err := incrWindow.Run(ctx, l.client, []string{redisKey}, windowMs).Int()
	if err != nil {
		return d
	}
	d.Remaining = max(l.limit-hits, 0)
	d.Allowed = hits <= l.limit
	return d
}
