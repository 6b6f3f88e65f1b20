package library

import (
	"context"
	"math"
	"sort"

	"bookshelf/pkg/domain"
)

// Purchase records that userID bought bookID. A second purchase of the same
// book fails and leaves the first record untouched.
func (l *Library) Purchase(ctx context.Context, userID, bookID string) (domain.Purchase, error) {
	user, book, err := l.requireUserBook(ctx, userID, bookID)
	if err != nil {
		return domain.Purchase{}, err
	}
	purchases, err := loadCollection[domain.Purchase](ctx, l.kv, domain.KeyPurchases)
	if err != nil {
		return domain.Purchase{}, err
	}
	for _, p := range purchases {
		if p.UserID == userID && p.BookID == bookID {
			return domain.Purchase{}, ErrAlreadyPurchased
		}
	}
	p := domain.Purchase{
		ID:         l.newID(),
		UserID:     user.ID,
		BookID:     book.ID,
		ExternalID: user.ExternalID,
		Paid:       true,
		CreatedAt:  l.now(),
	}
	purchases = append(purchases, p)
	if err := saveCollection(ctx, l.kv, domain.KeyPurchases, purchases); err != nil {
		return domain.Purchase{}, err
	}
	return p, nil
}

// HasPurchased reports whether userID owns bookID.
func (l *Library) HasPurchased(ctx context.Context, userID, bookID string) (bool, error) {
	purchases, err := loadCollection[domain.Purchase](ctx, l.kv, domain.KeyPurchases)
	if err != nil {
		return false, err
	}
	for _, p := range purchases {
		if p.UserID == userID && p.BookID == bookID {
			return true, nil
		}
	}
	return false, nil
}

// ListPurchases returns a user's purchases, newest first.
func (l *Library) ListPurchases(ctx context.Context, userID string) ([]domain.Purchase, error) {
	return listByUser(ctx, l, domain.KeyPurchases, userID,
		func(p domain.Purchase) string { return p.UserID },
		func(a, b domain.Purchase) bool { return a.CreatedAt.After(b.CreatedAt) })
}

// AddFavorite marks bookID as a favorite of userID.
func (l *Library) AddFavorite(ctx context.Context, userID, bookID string) (domain.Favorite, error) {
	user, book, err := l.requireUserBook(ctx, userID, bookID)
	if err != nil {
		return domain.Favorite{}, err
	}
	favorites, err := loadCollection[domain.Favorite](ctx, l.kv, domain.KeyFavorites)
	if err != nil {
		return domain.Favorite{}, err
	}
	for _, f := range favorites {
		if f.UserID == userID && f.BookID == bookID {
			return domain.Favorite{}, ErrAlreadyFavorited
		}
	}
	f := domain.Favorite{
		ID:         l.newID(),
		UserID:     user.ID,
		BookID:     book.ID,
		ExternalID: user.ExternalID,
		CreatedAt:  l.now(),
	}
	favorites = append(favorites, f)
	if err := saveCollection(ctx, l.kv, domain.KeyFavorites, favorites); err != nil {
		return domain.Favorite{}, err
	}
	return f, nil
}

// RemoveFavorite drops bookID from userID's favorites.
func (l *Library) RemoveFavorite(ctx context.Context, userID, bookID string) error {
	favorites, err := loadCollection[domain.Favorite](ctx, l.kv, domain.KeyFavorites)
	if err != nil {
		return err
	}
	for _, f := range favorites {
		if f.UserID == userID && f.BookID == bookID {
			return removeWhere(ctx, l, domain.KeyFavorites, func(x domain.Favorite) bool {
				return x.UserID == userID && x.BookID == bookID
			})
		}
	}
	return ErrFavoriteNotFound
}

// ListFavorites returns a user's favorites, most recently added first.
func (l *Library) ListFavorites(ctx context.Context, userID string) ([]domain.Favorite, error) {
	return listByUser(ctx, l, domain.KeyFavorites, userID,
		func(f domain.Favorite) string { return f.UserID },
		func(a, b domain.Favorite) bool { return a.CreatedAt.After(b.CreatedAt) })
}

// ProgressPercent converts a zero-based chapter index into a completion
// percentage clamped to [0, 100].
func ProgressPercent(chapterIndex, totalChapters int) int {
	if totalChapters <= 0 {
		return 0
	}
	pct := int(math.Round(float64(chapterIndex+1) * 100 / float64(totalChapters)))
	return max(0, min(100, pct))
}

// SaveProgress records the chapter userID is reading in bookID. There is at
// most one progress row per user and book.
func (l *Library) SaveProgress(ctx context.Context, userID, bookID string, chapterIndex, totalChapters int) (domain.ReadingProgress, error) {
	if chapterIndex < 0 || totalChapters < 0 || (totalChapters > 0 && chapterIndex >= totalChapters) {
		return domain.ReadingProgress{}, ErrInvalidChapterIdx
	}
	user, book, err := l.requireUserBook(ctx, userID, bookID)
	if err != nil {
		return domain.ReadingProgress{}, err
	}
	rows, err := loadCollection[domain.ReadingProgress](ctx, l.kv, domain.KeyReadingProgress)
	if err != nil {
		return domain.ReadingProgress{}, err
	}
	now := l.now()
	pct := ProgressPercent(chapterIndex, totalChapters)
	for i, p := range rows {
		if p.UserID != userID || p.BookID != bookID {
			continue
		}
		p.CurrentChapter = chapterIndex
		p.TotalChapters = totalChapters
		p.Progress = pct
		p.UpdatedAt = now
		rows[i] = p
		if err := saveCollection(ctx, l.kv, domain.KeyReadingProgress, rows); err != nil {
			return domain.ReadingProgress{}, err
		}
		return p, nil
	}
	p := domain.ReadingProgress{
		ID:             l.newID(),
		UserID:         user.ID,
		BookID:         book.ID,
		ExternalID:     user.ExternalID,
		CurrentChapter: chapterIndex,
		TotalChapters:  totalChapters,
		Progress:       pct,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rows = append(rows, p)
	if err := saveCollection(ctx, l.kv, domain.KeyReadingProgress, rows); err != nil {
		return domain.ReadingProgress{}, err
	}
	return p, nil
}

// GetProgress returns userID's progress in bookID.
func (l *Library) GetProgress(ctx context.Context, userID, bookID string) (domain.ReadingProgress, bool, error) {
	rows, err := loadCollection[domain.ReadingProgress](ctx, l.kv, domain.KeyReadingProgress)
	if err != nil {
		return domain.ReadingProgress{}, false, err
	}
	for _, p := range rows {
		if p.UserID == userID && p.BookID == bookID {
			return p, true, nil
		}
	}
	return domain.ReadingProgress{}, false, nil
}

// ListProgress returns a user's progress rows, most recently read first.
func (l *Library) ListProgress(ctx context.Context, userID string) ([]domain.ReadingProgress, error) {
	return listByUser(ctx, l, domain.KeyReadingProgress, userID,
		func(p domain.ReadingProgress) string { return p.UserID },
		func(a, b domain.ReadingProgress) bool { return a.UpdatedAt.After(b.UpdatedAt) })
}

func (l *Library) requireUserBook(ctx context.Context, userID, bookID string) (domain.User, domain.Book, error) {
	user, ok, err := l.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, domain.Book{}, err
	}
	if !ok {
		return domain.User{}, domain.Book{}, ErrUserNotFound
	}
	book, ok, err := l.GetBook(ctx, bookID)
	if err != nil {
		return domain.User{}, domain.Book{}, err
	}
	if !ok {
		return domain.User{}, domain.Book{}, ErrBookNotFound
	}
	return user, book, nil
}

func listByUser[T any](ctx context.Context, l *Library, key, userID string, owner func(T) string, less func(a, b T) bool) ([]T, error) {
	items, err := loadCollection[T](ctx, l.kv, key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0)
	for _, item := range items {
		if owner(item) == userID {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}
