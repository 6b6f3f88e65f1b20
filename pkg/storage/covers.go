package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxCoverBytes = 5 << 20
	DefaultCoverURLTTL   = 15 * time.Minute
)

var (
	ErrCoverTooLarge        = errors.New("cover image too large")
	ErrUnsupportedCoverType = errors.New("unsupported cover image type")
)

var coverExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Covers stores one cover image per upload under covers/<bookID>/.
type Covers struct {
	store    ObjectStore
	maxBytes int64
	urlTTL   time.Duration
}

// NewCovers wraps store. Zero limits fall back to the defaults.
func NewCovers(store ObjectStore, maxBytes int64, urlTTL time.Duration) *Covers {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCoverBytes
	}
	if urlTTL <= 0 {
		urlTTL = DefaultCoverURLTTL
	}
	return &Covers{store: store, maxBytes: maxBytes, urlTTL: urlTTL}
}

// Upload stores a cover for bookID and returns its object key. The previous
// cover, if any, is removed once the new one is stored.
func (c *Covers) Upload(ctx context.Context, bookID, previousKey string, r io.Reader, size int64, contentType string) (string, error) {
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := coverExtensions[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCoverType, contentType)
	}
	if size > c.maxBytes {
		return "", ErrCoverTooLarge
	}
	key := fmt.Sprintf("covers/%s/%s%s", bookID, uuid.NewString(), ext)
	if err := c.store.Put(ctx, key, io.LimitReader(r, c.maxBytes), size, contentType); err != nil {
		return "", err
	}
	if previousKey != "" && previousKey != key && IsCoverKey(previousKey) {
		_ = c.store.Delete(ctx, previousKey)
	}
	return key, nil
}

// URL returns a time-limited download URL for key.
func (c *Covers) URL(ctx context.Context, key string) (string, error) {
	return c.store.PresignGet(ctx, key, c.urlTTL)
}

// Delete removes a stored cover.
func (c *Covers) Delete(ctx context.Context, key string) error {
	if !IsCoverKey(key) {
		return nil
	}
	return c.store.Delete(ctx, key)
}

// IsCoverKey reports whether ref points into cover storage rather than at an
// external URL.
func IsCoverKey(ref string) bool {
	return strings.HasPrefix(ref, "covers/")
}
