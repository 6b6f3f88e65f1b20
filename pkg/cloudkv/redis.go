package cloudkv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisProvider hands out per-user cloud stores backed by one Redis hash each.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider builds a Redis-backed cloud storage provider.
func NewRedisProvider(addr, password, prefix string) (*RedisProvider, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("cloud storage redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookshelf:cloud"
	}
	return &RedisProvider{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// ForUser returns the store scoped to one platform user.
func (p *RedisProvider) ForUser(userID string) *RedisStore {
	return &RedisStore{
		client: p.client,
		key:    fmt.Sprintf("%s:%s", p.prefix, strings.TrimSpace(userID)),
	}
}

// RedisStore implements Store over a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func (s *RedisStore) GetItem(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	val, err := s.client.HGet(ctx, s.key, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) GetItems(ctx context.Context, keys []string) (map[string]string, error) {
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.key, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		str, _ := vals[i].(string)
		out[key] = str
	}
	return out, nil
}

func (s *RedisStore) SetItem(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, key, value).Err()
}

func (s *RedisStore) GetKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
