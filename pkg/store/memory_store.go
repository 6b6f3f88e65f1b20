package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"bookshelf/pkg/domain"
)

// table keeps rows by id and remembers insertion order.
type table[T any] struct {
	rows  map[string]T
	order []string
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T)}
}

func (t *table[T]) put(id string, row T) {
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = row
}

func (t *table[T]) filter(keep func(T) bool) []T {
	out := make([]T, 0)
	for _, id := range t.order {
		if row, ok := t.rows[id]; ok && keep(row) {
			out = append(out, row)
		}
	}
	return out
}

// MemoryStore implements Store in-process with the same foreign keys as the
// Postgres schema.
type MemoryStore struct {
	mu        sync.RWMutex
	users     *table[domain.User]
	books     *table[domain.Book]
	chapters  *table[domain.Chapter]
	purchases *table[domain.Purchase]
	favorites *table[domain.Favorite]
	progress  *table[domain.ReadingProgress]
	snapshots map[string][]byte
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     newTable[domain.User](),
		books:     newTable[domain.Book](),
		chapters:  newTable[domain.Chapter](),
		purchases: newTable[domain.Purchase](),
		favorites: newTable[domain.Favorite](),
		progress:  newTable[domain.ReadingProgress](),
		snapshots: make(map[string][]byte),
	}
}

func newRowID(id string) string {
	if strings.TrimSpace(id) == "" {
		return uuid.NewString()
	}
	return id
}

func (m *MemoryStore) requireUser(id string) error {
	if _, ok := m.users.rows[id]; !ok {
		return fmt.Errorf("%w: user %q", ErrForeignKey, id)
	}
	return nil
}

func (m *MemoryStore) requireBook(id string) error {
	if _, ok := m.books.rows[id]; !ok {
		return fmt.Errorf("%w: book %q", ErrForeignKey, id)
	}
	return nil
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = newRowID(u.ID)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.ExternalID != nil {
		for id, existing := range m.users.rows {
			if id != u.ID && existing.ExternalID != nil && *existing.ExternalID == *u.ExternalID {
				return domain.User{}, fmt.Errorf("duplicate external id %d", *u.ExternalID)
			}
		}
	}
	m.users.put(u.ID, u)
	return u, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users.rows[id]
	return u, ok, nil
}

// GetUserByExternalID looks up a user by platform id.
func (m *MemoryStore) GetUserByExternalID(_ context.Context, externalID int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := m.users.filter(func(u domain.User) bool {
		return u.ExternalID != nil && *u.ExternalID == externalID
	})
	if len(found) == 0 {
		return domain.User{}, false, nil
	}
	return found[0], true, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	found := m.users.filter(func(u domain.User) bool { return u.Email == email })
	if len(found) == 0 {
		return domain.User{}, false, nil
	}
	return found[0], true, nil
}

// SaveBook stores or updates a book.
func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUser(b.AuthorID); err != nil {
		return domain.Book{}, err
	}
	b.ID = newRowID(b.ID)
	m.books.put(b.ID, b)
	return b, nil
}

// ListBooksByAuthor returns books written by authorID.
func (m *MemoryStore) ListBooksByAuthor(_ context.Context, authorID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books.filter(func(b domain.Book) bool { return b.AuthorID == authorID }), nil
}

// ListBooksByIDs returns the books with the given ids.
func (m *MemoryStore) ListBooksByIDs(_ context.Context, ids []string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := toSet(ids)
	return m.books.filter(func(b domain.Book) bool { _, ok := want[b.ID]; return ok }), nil
}

// Books returns every stored book.
func (m *MemoryStore) Books() []domain.Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books.filter(func(domain.Book) bool { return true })
}

// Users returns every stored user.
func (m *MemoryStore) Users() []domain.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users.filter(func(domain.User) bool { return true })
}

// Chapters returns every stored chapter.
func (m *MemoryStore) Chapters() []domain.Chapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chapters.filter(func(domain.Chapter) bool { return true })
}

// SaveChapter stores or updates a chapter.
func (m *MemoryStore) SaveChapter(_ context.Context, c domain.Chapter) (domain.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireBook(c.BookID); err != nil {
		return domain.Chapter{}, err
	}
	c.ID = newRowID(c.ID)
	m.chapters.put(c.ID, c)
	return c, nil
}

// ListChaptersByBooks returns chapters of the given books in reading order.
func (m *MemoryStore) ListChaptersByBooks(_ context.Context, bookIDs []string) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := toSet(bookIDs)
	out := m.chapters.filter(func(c domain.Chapter) bool { _, ok := want[c.BookID]; return ok })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BookID != out[j].BookID {
			return out[i].BookID < out[j].BookID
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out, nil
}

// SavePurchase stores or updates a purchase.
func (m *MemoryStore) SavePurchase(_ context.Context, p domain.Purchase) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUser(p.UserID); err != nil {
		return domain.Purchase{}, err
	}
	if err := m.requireBook(p.BookID); err != nil {
		return domain.Purchase{}, err
	}
	p.ID = newRowID(p.ID)
	m.purchases.put(p.ID, p)
	return p, nil
}

// ListPurchasesByUser returns purchases of a user.
func (m *MemoryStore) ListPurchasesByUser(_ context.Context, userID string) ([]domain.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.purchases.filter(func(p domain.Purchase) bool { return p.UserID == userID }), nil
}

// SaveFavorite stores or updates a favorite.
func (m *MemoryStore) SaveFavorite(_ context.Context, f domain.Favorite) (domain.Favorite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUser(f.UserID); err != nil {
		return domain.Favorite{}, err
	}
	if err := m.requireBook(f.BookID); err != nil {
		return domain.Favorite{}, err
	}
	f.ID = newRowID(f.ID)
	m.favorites.put(f.ID, f)
	return f, nil
}

// ListFavoritesByUser returns favorites of a user.
func (m *MemoryStore) ListFavoritesByUser(_ context.Context, userID string) ([]domain.Favorite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.favorites.filter(func(f domain.Favorite) bool { return f.UserID == userID }), nil
}

// SaveReadingProgress stores or updates a progress row.
func (m *MemoryStore) SaveReadingProgress(_ context.Context, p domain.ReadingProgress) (domain.ReadingProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireUser(p.UserID); err != nil {
		return domain.ReadingProgress{}, err
	}
	if err := m.requireBook(p.BookID); err != nil {
		return domain.ReadingProgress{}, err
	}
	p.ID = newRowID(p.ID)
	m.progress.put(p.ID, p)
	return p, nil
}

// ListReadingProgressByUser returns progress rows of a user, most recent first.
func (m *MemoryStore) ListReadingProgressByUser(_ context.Context, userID string) ([]domain.ReadingProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.progress.filter(func(p domain.ReadingProgress) bool { return p.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// SaveSnapshot stores the raw JSON for (externalID, key).
func (m *MemoryStore) SaveSnapshot(_ context.Context, externalID int64, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshotKey(externalID, key)] = append([]byte(nil), data...)
	return nil
}

// GetSnapshot returns the raw JSON for (externalID, key).
func (m *MemoryStore) GetSnapshot(_ context.Context, externalID int64, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snapshots[snapshotKey(externalID, key)]
	return data, ok, nil
}

func snapshotKey(externalID int64, key string) string {
	return fmt.Sprintf("%d/%s", externalID, key)
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
