// Package app stores device collections in the relational store and reads
// them back in the shape the local store uses.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/store"
)

var (
	ErrInvalidExternalID = errors.New("externalId is required")
	ErrOwnerUnknown      = errors.New("user not found")
	ErrNoData            = errors.New("data is required")

	errForeignBook = errors.New("book id belongs to another user")
)

// Config wires the app's dependencies. Store wins over DatabaseURL.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Logger      *slog.Logger
}

// App implements the save and load operations behind /sync-save and
// /sync-load.
type App struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New constructs the app.
func New(cfg Config) (*App, error) {
	s := cfg.Store
	if s == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("database url is required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		s = gs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{store: s, logger: logger, now: time.Now}, nil
}

// SaveResult describes one save.
type SaveResult struct {
	Saved  []string          `json:"saved"`
	Failed map[string]string `json:"failed,omitempty"`
	// Skipped counts records dropped because they belong to someone else or
	// failed to write.
	Skipped int `json:"skipped"`
}

// Message is the human readable summary returned to the caller.
func (r SaveResult) Message() string {
	msg := fmt.Sprintf("saved %d keys", len(r.Saved))
	if len(r.Failed) > 0 {
		msg += fmt.Sprintf(" (%d keys failed)", len(r.Failed))
	}
	return msg
}

// save holds the state of one Save call.
type save struct {
	ctx        context.Context
	app        *App
	externalID int64
	owner      domain.User
	localOwner string
	books      map[string]struct{}
	result     SaveResult
}

// Save writes data for the user identified by externalID. Keys are applied
// owner first, then books, chapters and the per-user records. A key whose
// JSON cannot be decoded is reported as failed; individual rows that cannot
// be written are logged and skipped.
func (a *App) Save(ctx context.Context, externalID int64, data map[string]string) (SaveResult, error) {
	if externalID <= 0 {
		return SaveResult{}, ErrInvalidExternalID
	}
	if len(data) == 0 {
		return SaveResult{}, ErrNoData
	}
	s := &save{
		ctx:        ctx,
		app:        a,
		externalID: externalID,
		books:      make(map[string]struct{}),
		result:     SaveResult{Failed: make(map[string]string)},
	}
	if err := s.resolveOwner(data); err != nil {
		return SaveResult{}, err
	}

	s.apply(data, domain.KeyUsers, s.users)
	s.apply(data, domain.KeyBooks, s.bookRows)
	s.apply(data, domain.KeyChapters, s.chapters)
	s.apply(data, domain.KeyPurchases, s.purchases)
	s.apply(data, domain.KeyFavorites, s.favorites)
	s.apply(data, domain.KeyReadingProgress, s.progress)
	s.apply(data, domain.KeyCurrentUser, func(raw string) error {
		return a.store.SaveSnapshot(ctx, externalID, domain.KeyCurrentUser, []byte(raw))
	})

	if len(s.result.Failed) == 0 {
		s.result.Failed = nil
	}
	a.logger.Info("sync save finished", "external_id", externalID, "saved", len(s.result.Saved), "failed", len(s.result.Failed), "skipped", s.result.Skipped)
	return s.result, nil
}

func (s *save) apply(data map[string]string, key string, fn func(string) error) {
	raw, ok := data[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	if err := fn(raw); err != nil {
		s.app.logger.Warn("sync save: key failed", "key", key, "external_id", s.externalID, "err", err)
		s.result.Failed[key] = err.Error()
		return
	}
	s.result.Saved = append(s.result.Saved, key)
}

func (s *save) skip(kind, id string, err error) {
	s.app.logger.Warn("sync save: record skipped", "kind", kind, "record_id", id, "external_id", s.externalID, "err", err)
	s.result.Skipped++
}

// resolveOwner finds the stored user for externalID, creating it from the
// device's current-user record on the first save. It also works out which
// local id the device uses for that user.
func (s *save) resolveOwner(data map[string]string) error {
	var current *domain.User
	if raw := strings.TrimSpace(data[domain.KeyCurrentUser]); raw != "" && raw != "null" {
		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err == nil && u.ID != "" {
			current = &u
		}
	}
	if current == nil {
		if users, err := decode[domain.User](data[domain.KeyUsers]); err == nil {
			for i := range users {
				if users[i].ExternalID != nil && *users[i].ExternalID == s.externalID {
					current = &users[i]
					break
				}
			}
		}
	}
	if current != nil {
		s.localOwner = current.ID
	}

	owner, found, err := s.app.store.GetUserByExternalID(s.ctx, s.externalID)
	if err != nil {
		return fmt.Errorf("lookup owner: %w", err)
	}
	if !found {
		if current == nil {
			return ErrOwnerUnknown
		}
		row := *current
		row.PasswordHash = ""
		row.ExternalID = &s.externalID
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.app.now().UTC()
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = row.CreatedAt
		}
		owner, err = s.app.store.SaveUser(s.ctx, row)
		if err != nil {
			return fmt.Errorf("create owner: %w", err)
		}
		s.app.logger.Info("sync save: owner created", "external_id", s.externalID, "user_id", owner.ID)
	}
	s.owner = owner
	if s.localOwner == "" {
		s.localOwner = owner.ID
	}

	existing, err := s.app.store.ListBooksByAuthor(s.ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("list owner books: %w", err)
	}
	for _, b := range existing {
		s.books[b.ID] = struct{}{}
	}
	return nil
}

func (s *save) ownedBy(userID string) bool {
	return userID == s.localOwner || userID == s.owner.ID
}

// users updates the owner's profile. Other local accounts stay on the device.
func (s *save) users(raw string) error {
	users, err := decode[domain.User](raw)
	if err != nil {
		return err
	}
	for _, u := range users {
		if !s.ownedBy(u.ID) && (u.ExternalID == nil || *u.ExternalID != s.externalID) {
			continue
		}
		row := s.owner
		if u.DisplayName != "" {
			row.DisplayName = u.DisplayName
		}
		if !u.UpdatedAt.IsZero() && u.UpdatedAt.After(row.UpdatedAt) {
			row.UpdatedAt = u.UpdatedAt
		}
		saved, err := s.app.store.SaveUser(s.ctx, row)
		if err != nil {
			return fmt.Errorf("save owner: %w", err)
		}
		s.owner = saved
		break
	}
	return nil
}

func (s *save) bookRows(raw string) error {
	books, err := decode[domain.Book](raw)
	if err != nil {
		return err
	}
	var ids []string
	for _, b := range books {
		if s.ownedBy(b.AuthorID) {
			ids = append(ids, b.ID)
		}
	}
	stored, err := s.app.store.ListBooksByIDs(s.ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup books: %w", err)
	}
	foreign := make(map[string]struct{})
	for _, b := range stored {
		if b.AuthorID != s.owner.ID {
			foreign[b.ID] = struct{}{}
		}
	}
	for _, b := range books {
		if !s.ownedBy(b.AuthorID) {
			continue
		}
		if _, ok := foreign[b.ID]; ok {
			s.skip(domain.KeyBooks, b.ID, errForeignBook)
			continue
		}
		b.AuthorID = s.owner.ID
		saved, err := s.app.store.SaveBook(s.ctx, b)
		if err != nil {
			s.skip(domain.KeyBooks, b.ID, err)
			continue
		}
		s.books[saved.ID] = struct{}{}
	}
	return nil
}

func (s *save) chapters(raw string) error {
	chapters, err := decode[domain.Chapter](raw)
	if err != nil {
		return err
	}
	for _, c := range chapters {
		if _, ok := s.books[c.BookID]; !ok {
			continue
		}
		if _, err := s.app.store.SaveChapter(s.ctx, c); err != nil {
			s.skip(domain.KeyChapters, c.ID, err)
		}
	}
	return nil
}

func (s *save) purchases(raw string) error {
	rows, err := decode[domain.Purchase](raw)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if !s.ownedBy(p.UserID) {
			continue
		}
		p.UserID, p.ExternalID = s.owner.ID, &s.externalID
		if _, err := s.app.store.SavePurchase(s.ctx, p); err != nil {
			s.skip(domain.KeyPurchases, p.ID, err)
		}
	}
	return nil
}

func (s *save) favorites(raw string) error {
	rows, err := decode[domain.Favorite](raw)
	if err != nil {
		return err
	}
	for _, f := range rows {
		if !s.ownedBy(f.UserID) {
			continue
		}
		f.UserID, f.ExternalID = s.owner.ID, &s.externalID
		if _, err := s.app.store.SaveFavorite(s.ctx, f); err != nil {
			s.skip(domain.KeyFavorites, f.ID, err)
		}
	}
	return nil
}

func (s *save) progress(raw string) error {
	rows, err := decode[domain.ReadingProgress](raw)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if !s.ownedBy(p.UserID) {
			continue
		}
		p.UserID, p.ExternalID = s.owner.ID, &s.externalID
		if _, err := s.app.store.SaveReadingProgress(s.ctx, p); err != nil {
			s.skip(domain.KeyReadingProgress, p.ID, err)
		}
	}
	return nil
}

// Load returns every key stored for externalID. An unknown user has no data.
func (a *App) Load(ctx context.Context, externalID int64) (map[string]string, error) {
	if externalID <= 0 {
		return nil, ErrInvalidExternalID
	}
	out := make(map[string]string)
	owner, found, err := a.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("lookup owner: %w", err)
	}
	if !found {
		return out, nil
	}
	owner.PasswordHash = ""

	authored, err := a.store.ListBooksByAuthor(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	purchases, err := a.store.ListPurchasesByUser(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	favorites, err := a.store.ListFavoritesByUser(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	progress, err := a.store.ListReadingProgressByUser(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}

	books, err := a.withReferencedBooks(ctx, authored, purchases, favorites, progress)
	if err != nil {
		return nil, err
	}
	bookIDs := make([]string, 0, len(books))
	for _, b := range books {
		bookIDs = append(bookIDs, b.ID)
	}
	chapters, err := a.store.ListChaptersByBooks(ctx, bookIDs)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}

	encoded := map[string]any{
		domain.KeyUsers:           []domain.User{owner},
		domain.KeyBooks:           books,
		domain.KeyChapters:        chapters,
		domain.KeyPurchases:       purchases,
		domain.KeyFavorites:       favorites,
		domain.KeyReadingProgress: progress,
	}
	for key, v := range encoded {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = string(raw)
	}

	snapshot, ok, err := a.store.GetSnapshot(ctx, externalID, domain.KeyCurrentUser)
	if err != nil {
		return nil, fmt.Errorf("load current user: %w", err)
	}
	if ok {
		out[domain.KeyCurrentUser] = string(snapshot)
	}
	return out, nil
}

// withReferencedBooks adds books the user purchased, favorited or read but
// did not write.
func (a *App) withReferencedBooks(ctx context.Context, authored []domain.Book, purchases []domain.Purchase, favorites []domain.Favorite, progress []domain.ReadingProgress) ([]domain.Book, error) {
	seen := make(map[string]struct{}, len(authored))
	for _, b := range authored {
		seen[b.ID] = struct{}{}
	}
	var missing []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	for _, p := range purchases {
		add(p.BookID)
	}
	for _, f := range favorites {
		add(f.BookID)
	}
	for _, p := range progress {
		add(p.BookID)
	}
	books := append([]domain.Book{}, authored...)
	if len(missing) == 0 {
		return books, nil
	}
	referenced, err := a.store.ListBooksByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("list referenced books: %w", err)
	}
	return append(books, referenced...), nil
}

func decode[T any](raw string) ([]T, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return rows, nil
}
