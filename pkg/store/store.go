package store

import (
	"context"
	"errors"

	"bookshelf/pkg/domain"
)

// ErrForeignKey is returned when a row references a parent that does not exist.
var ErrForeignKey = errors.New("foreign key violation")

// Store is the remote relational store: one table per entity, upsert-by-id
// writes and predicate selects. Saving a row with an empty ID inserts it
// under a newly assigned ID, which is returned on the row.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)

	// books
	SaveBook(ctx context.Context, b domain.Book) (domain.Book, error)
	ListBooksByAuthor(ctx context.Context, authorID string) ([]domain.Book, error)
	ListBooksByIDs(ctx context.Context, ids []string) ([]domain.Book, error)

	// chapters
	SaveChapter(ctx context.Context, c domain.Chapter) (domain.Chapter, error)
	ListChaptersByBooks(ctx context.Context, bookIDs []string) ([]domain.Chapter, error)

	// per-user records
	SavePurchase(ctx context.Context, p domain.Purchase) (domain.Purchase, error)
	ListPurchasesByUser(ctx context.Context, userID string) ([]domain.Purchase, error)
	SaveFavorite(ctx context.Context, f domain.Favorite) (domain.Favorite, error)
	ListFavoritesByUser(ctx context.Context, userID string) ([]domain.Favorite, error)
	SaveReadingProgress(ctx context.Context, p domain.ReadingProgress) (domain.ReadingProgress, error)
	ListReadingProgressByUser(ctx context.Context, userID string) ([]domain.ReadingProgress, error)

	// raw per-user snapshots for keys with no table of their own
	SaveSnapshot(ctx context.Context, externalID int64, key string, data []byte) error
	GetSnapshot(ctx context.Context, externalID int64, key string) ([]byte, bool, error)
}
