// Package app wires the device-local library to the reconciler, the
// migration driver and cover storage.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"bookshelf/pkg/cloudkv"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/library"
	"bookshelf/pkg/localkv"
	"bookshelf/pkg/migrate"
	"bookshelf/pkg/reconcile"
	"bookshelf/pkg/storage"
	"bookshelf/pkg/store"
)

var (
	ErrSessionRequired = errors.New("session id required")
	ErrCoversDisabled  = errors.New("cover storage not configured")
	ErrNoCover         = errors.New("book has no cover")
)

// SessionProvider hands out the auto-sync guard of one UI session.
type SessionProvider interface {
	Session(id string) reconcile.Session
}

// Config wires the app's dependencies. Cloud, Sessions, Store and Objects are
// optional: without Cloud every sync takes the HTTP path, without Sessions
// the auto-sync guard lives in memory, without Store migration reports
// failure and without Objects cover uploads are rejected.
type Config struct {
	Local    localkv.Store
	Remote   reconcile.Remote
	Cloud    func(platformUserID string) cloudkv.Store
	Sessions SessionProvider
	Store    store.Store
	Objects  storage.ObjectStore

	MinPlatformVersion string
	ReloadDelay        time.Duration
	SessionTTL         time.Duration
	MaxCoverBytes      int64
	CoverURLTTL        time.Duration
	Logger             *slog.Logger
}

// App is the reader's application core.
type App struct {
	lib        *library.Library
	reconciler *reconcile.Reconciler
	migrator   *migrate.Driver
	reload     *ReloadSignal
	cloud      func(string) cloudkv.Store
	sessions   SessionProvider
	covers     *storage.Covers
	migrates   bool
	logger     *slog.Logger
}

// New constructs the app.
func New(cfg Config) (*App, error) {
	if cfg.Local == nil {
		return nil, errors.New("local store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lib := library.New(cfg.Local)
	reload := &ReloadSignal{}
	rec, err := reconcile.New(reconcile.Config{
		Local:       cfg.Local,
		Remote:      cfg.Remote,
		Reloader:    reload,
		MinVersion:  cfg.MinPlatformVersion,
		ReloadDelay: cfg.ReloadDelay,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init reconciler: %w", err)
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = newMemorySessions(cfg.SessionTTL)
	}
	a := &App{
		lib:        lib,
		reconciler: rec,
		migrator:   migrate.New(lib, cfg.Store, logger),
		reload:     reload,
		cloud:      cfg.Cloud,
		sessions:   sessions,
		migrates:   cfg.Store != nil,
		logger:     logger,
	}
	if cfg.Objects != nil {
		a.covers = storage.NewCovers(cfg.Objects, cfg.MaxCoverBytes, cfg.CoverURLTTL)
	}
	return a, nil
}

// Library returns the local library accessors.
func (a *App) Library() *library.Library {
	return a.lib
}

// Host describes the runtime the UI is embedded in, as reported on each
// request.
type Host struct {
	Version string
	UserID  string
}

func (a *App) runtime(h Host) reconcile.Runtime {
	rt := reconcile.Runtime{Version: strings.TrimSpace(h.Version)}
	if a.cloud != nil && strings.TrimSpace(h.UserID) != "" {
		rt.Cloud = a.cloud(strings.TrimSpace(h.UserID))
	}
	return rt
}

// SyncNow runs a manual sync.
func (a *App) SyncNow(ctx context.Context, h Host) reconcile.Report {
	return a.reconciler.SyncNow(ctx, a.runtime(h))
}

// AutoSync runs the once-per-session sync.
func (a *App) AutoSync(ctx context.Context, h Host, sessionID string) reconcile.Report {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return reconcile.Report{Result: domain.Fail(ErrSessionRequired.Error()), Skipped: true}
	}
	return a.reconciler.AutoSync(ctx, a.runtime(h), a.sessions.Session(sessionID))
}

// Reload reports the reload generation.
func (a *App) Reload() ReloadState {
	return a.reload.State()
}

// MigrationStatus describes whether a migration could and should run.
type MigrationStatus struct {
	Needed  bool `json:"needed"`
	Enabled bool `json:"enabled"`
}

// MigrationStatus checks the local trigger rule.
func (a *App) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	needed, err := a.migrator.Needed(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Needed: needed, Enabled: a.migrates}, nil
}

// Migrate copies the local library into the relational store.
func (a *App) Migrate(ctx context.Context) migrate.Report {
	return a.migrator.Run(ctx)
}

// UploadCover stores a new cover for bookID, replacing the previous one.
func (a *App) UploadCover(ctx context.Context, bookID string, r io.Reader, size int64, contentType string) (domain.Book, error) {
	if a.covers == nil {
		return domain.Book{}, ErrCoversDisabled
	}
	book, ok, err := a.lib.GetBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, library.ErrBookNotFound
	}
	key, err := a.covers.Upload(ctx, book.ID, book.CoverURL, r, size, contentType)
	if err != nil {
		return domain.Book{}, err
	}
	return a.lib.SetCover(ctx, book.ID, key)
}

// CoverURL returns a link to the book's cover. Stored covers get a
// time-limited URL; external URLs are returned as they are.
func (a *App) CoverURL(ctx context.Context, bookID string) (string, error) {
	book, ok, err := a.lib.GetBook(ctx, bookID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", library.ErrBookNotFound
	}
	if book.CoverURL == "" {
		return "", ErrNoCover
	}
	if !storage.IsCoverKey(book.CoverURL) {
		return book.CoverURL, nil
	}
	if a.covers == nil {
		return "", ErrCoversDisabled
	}
	return a.covers.URL(ctx, book.CoverURL)
}

// DeleteBook removes a book and its stored cover.
func (a *App) DeleteBook(ctx context.Context, bookID string) error {
	book, ok, err := a.lib.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if !ok {
		return library.ErrBookNotFound
	}
	if err := a.lib.DeleteBook(ctx, bookID); err != nil {
		return err
	}
	if a.covers != nil && storage.IsCoverKey(book.CoverURL) {
		if err := a.covers.Delete(ctx, book.CoverURL); err != nil {
			a.logger.Warn("delete cover failed", "book_id", bookID, "key", book.CoverURL, "err", err)
		}
	}
	return nil
}

// defaultSessionTTL matches the Redis session flags.
const defaultSessionTTL = 12 * time.Hour

type memorySession struct {
	flag    *reconcile.MemorySession
	created time.Time
}

// memorySessions keeps auto-sync flags in process. Entries expire after ttl
// like their Redis counterparts and are swept on access.
type memorySessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memorySession
}

func newMemorySessions(ttl time.Duration) *memorySessions {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &memorySessions{ttl: ttl, now: time.Now, sessions: make(map[string]memorySession)}
}

func (m *memorySessions) Session(id string) reconcile.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, s := range m.sessions {
		if now.Sub(s.created) >= m.ttl {
			delete(m.sessions, key)
		}
	}
	s, ok := m.sessions[id]
	if !ok {
		s = memorySession{flag: &reconcile.MemorySession{}, created: now}
		m.sessions[id] = s
	}
	return s.flag
}

func (m *memorySessions) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
