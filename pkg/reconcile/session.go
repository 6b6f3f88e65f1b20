package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session tracks whether the automatic sync already ran for one UI session.
type Session interface {
	// MarkAutoSynced sets the flag and reports whether this call set it.
	MarkAutoSynced(ctx context.Context) (bool, error)
}

// MemorySession is an in-process session flag.
type MemorySession struct {
	done atomic.Bool
}

func (s *MemorySession) MarkAutoSynced(context.Context) (bool, error) {
	return s.done.CompareAndSwap(false, true), nil
}

// RedisSessions hands out session flags stored in Redis with a TTL, so the
// guard holds across reader processes that share a session id.
type RedisSessions struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSessions builds a Redis-backed session flag provider.
func NewRedisSessions(addr, password, prefix string, ttl time.Duration) (*RedisSessions, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("session redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookshelf:session"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisSessions{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Session returns the flag for sessionID.
func (p *RedisSessions) Session(sessionID string) Session {
	return &redisSession{p: p, key: p.prefix + ":" + strings.TrimSpace(sessionID) + ":auto-synced"}
}

type redisSession struct {
	p   *RedisSessions
	key string
}

func (s *redisSession) MarkAutoSynced(ctx context.Context) (bool, error) {
	return s.p.client.SetNX(ctx, s.key, "1", s.p.ttl).Result()
}
