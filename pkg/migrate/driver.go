// Package migrate copies every local record into the remote relational store,
// remapping identifiers as it goes.
//
// Only users are matched against existing rows. Running the driver again after
// a successful run inserts every other record a second time.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/library"
	"bookshelf/pkg/store"
)

// Count tallies one record kind.
type Count struct {
	Total    int `json:"total"`
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Report is the result of one migration run. UserIDs and BookIDs map local
// ids to remote ids.
type Report struct {
	domain.Result
	UserIDs map[string]string `json:"userIds"`
	BookIDs map[string]string `json:"bookIds"`
	Counts  map[string]Count  `json:"counts,omitempty"`
}

// Driver moves the local library into the remote store.
type Driver struct {
	lib    *library.Library
	remote store.Store
	logger *slog.Logger
}

// New constructs a driver.
func New(lib *library.Library, remote store.Store, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{lib: lib, remote: remote, logger: logger}
}

// Needed reports whether the local store holds anything worth migrating.
// It does not check whether a previous run already copied it.
func (d *Driver) Needed(ctx context.Context) (bool, error) {
	return d.lib.MigrationNeeded(ctx)
}

type run struct {
	ctx     context.Context
	remote  store.Store
	logger  *slog.Logger
	userIDs map[string]string
	bookIDs map[string]string
	counts  map[string]Count
}

func (r *run) tally(kind string, fn func(*Count)) {
	c := r.counts[kind]
	fn(&c)
	r.counts[kind] = c
}

// Run migrates every local record. Writes already made stay in place when a
// later step fails.
func (d *Driver) Run(ctx context.Context) Report {
	r := &run{
		ctx:     ctx,
		remote:  d.remote,
		logger:  d.logger,
		userIDs: make(map[string]string),
		bookIDs: make(map[string]string),
		counts:  make(map[string]Count),
	}
	rep := Report{UserIDs: r.userIDs, BookIDs: r.bookIDs, Counts: r.counts}
	if d.remote == nil {
		rep.Result = domain.Fail("migration failed: remote store is not configured")
		return rep
	}

	snap, err := d.lib.Snapshot(ctx)
	if err != nil {
		d.logger.Error("migration: load local data failed", "err", err)
		rep.Result = domain.Fail(fmt.Sprintf("migration failed: %v", err))
		return rep
	}
	if err := r.users(snap.Users); err != nil {
		d.logger.Error("migration: users failed", "err", err)
		rep.Result = domain.Fail(fmt.Sprintf("migration failed: %v", err))
		return rep
	}
	r.books(snap.Books)
	r.chapters(snap.Chapters)
	r.purchases(snap.Purchases)
	r.progress(snap.Progress)
	r.favorites(snap.Favorites)

	rep.Result = r.result()
	d.logger.Info("migration finished", "success", rep.Success, "users", len(r.userIDs), "books", len(r.bookIDs))
	return rep
}

func (r *run) users(users []domain.User) error {
	for _, u := range users {
		r.tally(domain.KeyUsers, func(c *Count) { c.Total++ })
		existing, found, err := r.findUser(u)
		if err != nil {
			return err
		}
		if found {
			r.userIDs[u.ID] = existing.ID
			r.tally(domain.KeyUsers, func(c *Count) { c.Migrated++ })
			continue
		}
		row := u
		row.ID = ""
		saved, err := r.remote.SaveUser(r.ctx, row)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", u.ID, err)
		}
		r.userIDs[u.ID] = saved.ID
		r.tally(domain.KeyUsers, func(c *Count) { c.Migrated++ })
	}
	return nil
}

func (r *run) findUser(u domain.User) (domain.User, bool, error) {
	if u.ExternalID != nil {
		existing, ok, err := r.remote.GetUserByExternalID(r.ctx, *u.ExternalID)
		if err != nil {
			return domain.User{}, false, fmt.Errorf("lookup user by external id: %w", err)
		}
		if ok {
			return existing, true, nil
		}
	}
	if email := strings.TrimSpace(u.Email); email != "" {
		existing, ok, err := r.remote.GetUserByEmail(r.ctx, email)
		if err != nil {
			return domain.User{}, false, fmt.Errorf("lookup user by email: %w", err)
		}
		if ok {
			return existing, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (r *run) books(books []domain.Book) {
	for _, b := range books {
		r.tally(domain.KeyBooks, func(c *Count) { c.Total++ })
		authorID, ok := r.userIDs[b.AuthorID]
		if !ok {
			r.logger.Warn("migration: book skipped, author not migrated", "book_id", b.ID, "author_id", b.AuthorID)
			r.tally(domain.KeyBooks, func(c *Count) { c.Skipped++ })
			continue
		}
		row := b
		row.ID = ""
		row.AuthorID = authorID
		saved, err := r.remote.SaveBook(r.ctx, row)
		if err != nil {
			r.logger.Error("migration: insert book failed", "book_id", b.ID, "err", err)
			r.tally(domain.KeyBooks, func(c *Count) { c.Failed++ })
			continue
		}
		r.bookIDs[b.ID] = saved.ID
		r.tally(domain.KeyBooks, func(c *Count) { c.Migrated++ })
	}
}

func (r *run) chapters(chapters []domain.Chapter) {
	for _, ch := range chapters {
		r.tally(domain.KeyChapters, func(c *Count) { c.Total++ })
		bookID, ok := r.bookIDs[ch.BookID]
		if !ok {
			r.logger.Info("migration: chapter skipped, book not migrated", "chapter_id", ch.ID, "book_id", ch.BookID)
			r.tally(domain.KeyChapters, func(c *Count) { c.Skipped++ })
			continue
		}
		row := ch
		row.ID = ""
		row.BookID = bookID
		if _, err := r.remote.SaveChapter(r.ctx, row); err != nil {
			r.logger.Error("migration: insert chapter failed", "chapter_id", ch.ID, "err", err)
			r.tally(domain.KeyChapters, func(c *Count) { c.Failed++ })
			continue
		}
		r.tally(domain.KeyChapters, func(c *Count) { c.Migrated++ })
	}
}

// resolve maps a (user, book) pair, logging and counting a skip when either
// side is missing.
func (r *run) resolve(kind, recordID, userID, bookID string) (string, string, bool) {
	newUser, userOK := r.userIDs[userID]
	newBook, bookOK := r.bookIDs[bookID]
	if !userOK || !bookOK {
		r.logger.Info("migration: record skipped, dependency not migrated",
			"kind", kind, "record_id", recordID, "user_id", userID, "book_id", bookID)
		r.tally(kind, func(c *Count) { c.Skipped++ })
		return "", "", false
	}
	return newUser, newBook, true
}

func (r *run) purchases(purchases []domain.Purchase) {
	for _, p := range purchases {
		r.tally(domain.KeyPurchases, func(c *Count) { c.Total++ })
		userID, bookID, ok := r.resolve(domain.KeyPurchases, p.ID, p.UserID, p.BookID)
		if !ok {
			continue
		}
		row := p
		row.ID, row.UserID, row.BookID = "", userID, bookID
		r.insert(domain.KeyPurchases, p.ID, func() error {
			_, err := r.remote.SavePurchase(r.ctx, row)
			return err
		})
	}
}

func (r *run) progress(rows []domain.ReadingProgress) {
	for _, p := range rows {
		r.tally(domain.KeyReadingProgress, func(c *Count) { c.Total++ })
		userID, bookID, ok := r.resolve(domain.KeyReadingProgress, p.ID, p.UserID, p.BookID)
		if !ok {
			continue
		}
		row := p
		row.ID, row.UserID, row.BookID = "", userID, bookID
		r.insert(domain.KeyReadingProgress, p.ID, func() error {
			_, err := r.remote.SaveReadingProgress(r.ctx, row)
			return err
		})
	}
}

func (r *run) favorites(favorites []domain.Favorite) {
	for _, f := range favorites {
		r.tally(domain.KeyFavorites, func(c *Count) { c.Total++ })
		userID, bookID, ok := r.resolve(domain.KeyFavorites, f.ID, f.UserID, f.BookID)
		if !ok {
			continue
		}
		row := f
		row.ID, row.UserID, row.BookID = "", userID, bookID
		r.insert(domain.KeyFavorites, f.ID, func() error {
			_, err := r.remote.SaveFavorite(r.ctx, row)
			return err
		})
	}
}

func (r *run) insert(kind, recordID string, save func() error) {
	if err := save(); err != nil {
		r.logger.Error("migration: insert failed", "kind", kind, "record_id", recordID, "err", err)
		r.tally(kind, func(c *Count) { c.Failed++ })
		return
	}
	r.tally(kind, func(c *Count) { c.Migrated++ })
}

var errNothingMigrated = errors.New("no record could be inserted")

// result fails the run when some kind hit store errors and migrated nothing.
// Dependency skips alone are never fatal.
func (r *run) result() domain.Result {
	var failedKinds []string
	migrated, skipped := 0, 0
	for _, kind := range domain.SyncKeys {
		c, ok := r.counts[kind]
		if !ok {
			continue
		}
		migrated += c.Migrated
		skipped += c.Skipped
		if c.Failed > 0 && c.Migrated == 0 {
			failedKinds = append(failedKinds, kind)
		}
	}
	if len(failedKinds) > 0 {
		return domain.Fail(fmt.Sprintf("migration failed: %s: %v", strings.Join(failedKinds, ", "), errNothingMigrated))
	}
	msg := fmt.Sprintf("migrated %d records", migrated)
	if skipped > 0 {
		msg += fmt.Sprintf(" (%d skipped)", skipped)
	}
	return domain.OK(msg)
}
