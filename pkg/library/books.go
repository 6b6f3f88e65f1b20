package library

import (
	"context"
	"sort"
	"strings"

	"bookshelf/pkg/domain"
)

// BookInput carries the editable fields of a new book.
type BookInput struct {
	Title       string
	Description string
	Genre       string
	Status      domain.BookStatus
	IsPublic    bool
	Source      domain.BookSource
	Format      string
	Price       *float64
}

// BookFilter narrows ListBooks. Zero values match everything.
type BookFilter struct {
	AuthorID      string
	Genre         string
	PublishedOnly bool
	PublicOnly    bool
}

func (f BookFilter) match(b domain.Book) bool {
	if f.AuthorID != "" && b.AuthorID != f.AuthorID {
		return false
	}
	if f.Genre != "" && !strings.EqualFold(b.Genre, f.Genre) {
		return false
	}
	if f.PublishedOnly && b.Status != domain.StatusPublished {
		return false
	}
	if f.PublicOnly && !b.IsPublic {
		return false
	}
	return true
}

// CreateBook adds a book owned by authorID.
func (l *Library) CreateBook(ctx context.Context, authorID string, in BookInput) (domain.Book, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Book{}, ErrTitleRequired
	}
	if _, ok, err := l.GetUser(ctx, authorID); err != nil {
		return domain.Book{}, err
	} else if !ok {
		return domain.Book{}, ErrUserNotFound
	}
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return domain.Book{}, err
	}
	status := in.Status
	if status != domain.StatusPublished {
		status = domain.StatusDraft
	}
	source := in.Source
	if source != domain.SourceExternal {
		source = domain.SourceInternal
	}
	now := l.now()
	book := domain.Book{
		ID:          l.newID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Genre:       strings.TrimSpace(in.Genre),
		Status:      status,
		AuthorID:    authorID,
		IsPublic:    in.IsPublic,
		Source:      source,
		Format:      strings.TrimSpace(in.Format),
		Price:       in.Price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	books = append(books, book)
	if err := saveCollection(ctx, l.kv, domain.KeyBooks, books); err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

// GetBook returns a book by id.
func (l *Library) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return domain.Book{}, false, err
	}
	for _, b := range books {
		if b.ID == id {
			return b, true, nil
		}
	}
	return domain.Book{}, false, nil
}

// ListBooks returns books matching filter, newest first.
func (l *Library) ListBooks(ctx context.Context, filter BookFilter) ([]domain.Book, error) {
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if filter.match(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateBook applies edit to a stored book and bumps its updatedAt.
// The id, author and view counter are not editable.
func (l *Library) UpdateBook(ctx context.Context, id string, edit func(*domain.Book)) (domain.Book, error) {
	return l.mutateBook(ctx, id, func(b *domain.Book) error {
		before := *b
		edit(b)
		b.ID, b.AuthorID, b.Views, b.CreatedAt = before.ID, before.AuthorID, before.Views, before.CreatedAt
		if strings.TrimSpace(b.Title) == "" {
			return ErrTitleRequired
		}
		b.UpdatedAt = l.now()
		return nil
	})
}

// RecordView increments the view counter.
func (l *Library) RecordView(ctx context.Context, id string) (domain.Book, error) {
	return l.mutateBook(ctx, id, func(b *domain.Book) error {
		b.Views++
		return nil
	})
}

// SetCover stores the cover reference of a book.
func (l *Library) SetCover(ctx context.Context, id, coverURL string) (domain.Book, error) {
	return l.mutateBook(ctx, id, func(b *domain.Book) error {
		b.CoverURL = coverURL
		b.UpdatedAt = l.now()
		return nil
	})
}

func (l *Library) mutateBook(ctx context.Context, id string, fn func(*domain.Book) error) (domain.Book, error) {
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return domain.Book{}, err
	}
	for i := range books {
		if books[i].ID != id {
			continue
		}
		if err := fn(&books[i]); err != nil {
			return domain.Book{}, err
		}
		if err := saveCollection(ctx, l.kv, domain.KeyBooks, books); err != nil {
			return domain.Book{}, err
		}
		return books[i], nil
	}
	return domain.Book{}, ErrBookNotFound
}

// DeleteBook removes a book together with its chapters, favorites and
// reading progress. Purchases are kept as a record of payment.
func (l *Library) DeleteBook(ctx context.Context, id string) error {
	books, err := loadCollection[domain.Book](ctx, l.kv, domain.KeyBooks)
	if err != nil {
		return err
	}
	kept := books[:0]
	found := false
	for _, b := range books {
		if b.ID == id {
			found = true
			continue
		}
		kept = append(kept, b)
	}
	if !found {
		return ErrBookNotFound
	}
	if err := saveCollection(ctx, l.kv, domain.KeyBooks, kept); err != nil {
		return err
	}
	if err := removeWhere(ctx, l, domain.KeyChapters, func(c domain.Chapter) bool { return c.BookID == id }); err != nil {
		return err
	}
	if err := removeWhere(ctx, l, domain.KeyFavorites, func(f domain.Favorite) bool { return f.BookID == id }); err != nil {
		return err
	}
	return removeWhere(ctx, l, domain.KeyReadingProgress, func(p domain.ReadingProgress) bool { return p.BookID == id })
}

func removeWhere[T any](ctx context.Context, l *Library, key string, drop func(T) bool) error {
	items, err := loadCollection[T](ctx, l.kv, key)
	if err != nil {
		return err
	}
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if drop(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return nil
	}
	return saveCollection(ctx, l.kv, key, kept)
}
