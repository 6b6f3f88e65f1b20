package cloudkv

import (
	"context"
	"errors"
	"fmt"
)

const (
	// MaxKeyLength is the longest key the host cloud storage accepts.
	MaxKeyLength = 128
	// MaxValueLength is the largest value (in characters) the host accepts per key.
	MaxValueLength = 4096
)

var (
	ErrInvalidKey    = errors.New("cloud storage: invalid key")
	ErrValueTooLarge = errors.New("cloud storage: value too large")
)

// Store is the per-user key-value storage supplied by the host chat platform.
// A missing key reads as an empty string. Every call may fail independently.
type Store interface {
	GetItem(ctx context.Context, key string) (string, error)
	GetItems(ctx context.Context, keys []string) (map[string]string, error)
	SetItem(ctx context.Context, key, value string) error
	GetKeys(ctx context.Context) ([]string, error)
}

// ValidateKey checks the host's key rules: 1-128 chars of A-Z, a-z, 0-9, _ and -.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ValidateValue checks the host's per-value size limit.
func ValidateValue(value string) error {
	if n := len([]rune(value)); n > MaxValueLength {
		return fmt.Errorf("%w: %d characters", ErrValueTooLarge, n)
	}
	return nil
}
