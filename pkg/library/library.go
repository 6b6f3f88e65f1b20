// Package library implements the reader's entity operations directly against
// the local key-value store. Every write reads a whole collection, changes it
// and writes it back; there is no locking across those steps.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/localkv"
)

// Library exposes CRUD accessors over the local store.
type Library struct {
	kv  localkv.Store
	now func() time.Time

	idMu     sync.Mutex
	lastID   int64
	sequence int
}

// New constructs a library over kv.
func New(kv localkv.Store) *Library {
	return &Library{kv: kv, now: func() time.Time { return time.Now().UTC() }}
}

// Store returns the underlying local store.
func (l *Library) Store() localkv.Store {
	return l.kv
}

// newID returns a millisecond timestamp id, suffixed with a counter when
// several ids are issued within the same millisecond.
func (l *Library) newID() string {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	ms := l.now().UnixMilli()
	if ms == l.lastID {
		l.sequence++
		return strconv.FormatInt(ms, 10) + "-" + strconv.Itoa(l.sequence)
	}
	l.lastID = ms
	l.sequence = 0
	return strconv.FormatInt(ms, 10)
}

func loadCollection[T any](ctx context.Context, kv localkv.Store, key string) ([]T, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || raw == "" {
		return []T{}, nil
	}
	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptData, key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func saveCollection[T any](ctx context.Context, kv localkv.Store, key string, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Snapshot is every collection held in the local store.
type Snapshot struct {
	Users     []domain.User
	Books     []domain.Book
	Chapters  []domain.Chapter
	Purchases []domain.Purchase
	Favorites []domain.Favorite
	Progress  []domain.ReadingProgress
}

// Snapshot loads all local collections.
func (l *Library) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Users, err = loadCollection[domain.User](ctx, l.kv, domain.KeyUsers); err != nil {
		return Snapshot{}, err
	}
	if snap.Books, err = loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks); err != nil {
		return Snapshot{}, err
	}
	if snap.Chapters, err = loadCollection[domain.Chapter](ctx, l.kv, domain.KeyChapters); err != nil {
		return Snapshot{}, err
	}
	if snap.Purchases, err = loadCollection[domain.Purchase](ctx, l.kv, domain.KeyPurchases); err != nil {
		return Snapshot{}, err
	}
	if snap.Favorites, err = loadCollection[domain.Favorite](ctx, l.kv, domain.KeyFavorites); err != nil {
		return Snapshot{}, err
	}
	if snap.Progress, err = loadCollection[domain.ReadingProgress](ctx, l.kv, domain.KeyReadingProgress); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// MigrationNeeded reports whether the local store holds any user or book.
func (l *Library) MigrationNeeded(ctx context.Context) (bool, error) {
	users, err := loadCollection[domain.User](ctx, l.kv, domain.KeyUsers)
	if err != nil {
		return false, err
	}
	if len(users) > 0 {
		return true, nil
	}
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return false, err
	}
	return len(books) > 0, nil
}
