// Package ratelimit throttles requests with a Redis fixed-window counter so
// every replica of a service shares one quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the window counter and returns it with the window's
// remaining lifetime in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis builds a limiter allowing limit requests per key per window.
func NewRedis(addr, password, prefix string, limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookshelf:ratelimit"
	}
	return &Limiter{
		limit:  limit,
		window: window,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Allow counts one request for key. Redis errors deny the request and are
// returned alongside the decision.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := incrScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	count, ttl := res[0], res[1]
	d := Decision{Allowed: count <= int64(l.limit), Remaining: max(0, l.limit-int(count))}
	if !d.Allowed {
		d.RetryAfter = l.window
		if ttl > 0 {
			d.RetryAfter = time.Duration(ttl) * time.Millisecond
		}
	}
	return d, nil
}
