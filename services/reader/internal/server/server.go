package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"bookshelf/internal/util"
	"bookshelf/pkg/auth"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/library"
	"bookshelf/pkg/storage"
	"bookshelf/services/reader/internal/app"
)

const (
	headerPlatformVersion = "X-Platform-Version"
	headerPlatformUserID  = "X-Platform-User-Id"
	headerSessionID       = "X-Session-Id"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App          *app.App
	MaxBodyBytes int64
}

// Server exposes the reader endpoints the UI calls.
type Server struct {
	app          *app.App
	lib          *library.Library
	mux          *http.ServeMux
	maxBodyBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("reader app is required")
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 8 * 1024 * 1024
	}
	s := &Server{
		app:          cfg.App,
		lib:          cfg.App.Library(),
		mux:          http.NewServeMux(),
		maxBodyBytes: maxBodyBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("reader", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// sync
	s.mux.HandleFunc("POST /sync", s.handleSync)
	s.mux.HandleFunc("POST /sync/auto", s.handleAutoSync)
	s.mux.HandleFunc("GET /reload", s.handleReload)
	s.mux.HandleFunc("GET /migration", s.handleMigrationStatus)
	s.mux.HandleFunc("POST /migration", s.handleMigrate)

	// users
	s.mux.HandleFunc("POST /users", s.handleRegister)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /login/platform", s.handleLoginPlatform)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.Handle("GET /me", s.withUser(s.handleMe))

	// books
	s.mux.HandleFunc("GET /books", s.handleListBooks)
	s.mux.Handle("POST /books", s.withUser(s.handleCreateBook))
	s.mux.HandleFunc("GET /books/{id}", s.handleGetBook)
	s.mux.Handle("PATCH /books/{id}", s.withUser(s.handleUpdateBook))
	s.mux.Handle("DELETE /books/{id}", s.withUser(s.handleDeleteBook))
	s.mux.HandleFunc("POST /books/{id}/view", s.handleView)
	s.mux.Handle("PUT /books/{id}/cover", s.withUser(s.handleUploadCover))
	s.mux.HandleFunc("GET /books/{id}/cover", s.handleCoverURL)

	// chapters
	s.mux.HandleFunc("GET /books/{id}/chapters", s.handleListChapters)
	s.mux.Handle("POST /books/{id}/chapters", s.withUser(s.handleAddChapter))
	s.mux.Handle("PATCH /chapters/{id}", s.withUser(s.handleUpdateChapter))
	s.mux.Handle("DELETE /chapters/{id}", s.withUser(s.handleDeleteChapter))

	// reading
	s.mux.Handle("POST /books/{id}/purchase", s.withUser(s.handlePurchase))
	s.mux.Handle("POST /books/{id}/favorite", s.withUser(s.handleAddFavorite))
	s.mux.Handle("DELETE /books/{id}/favorite", s.withUser(s.handleRemoveFavorite))
	s.mux.Handle("PUT /books/{id}/progress", s.withUser(s.handleSaveProgress))
	s.mux.Handle("GET /purchases", s.withUser(s.handleListPurchases))
	s.mux.Handle("GET /favorites", s.withUser(s.handleListFavorites))
	s.mux.Handle("GET /progress", s.withUser(s.handleListProgress))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// withUser resolves the device's current user.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok, err := s.lib.CurrentUser(r.Context())
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, library.ErrNotLoggedIn.Error())
			return
		}
		next(w, r, user)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func host(r *http.Request) app.Host {
	return app.Host{
		Version: strings.TrimSpace(r.Header.Get(headerPlatformVersion)),
		UserID:  strings.TrimSpace(r.Header.Get(headerPlatformUserID)),
	}
}

// writeDomainError maps library, storage and app errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, library.ErrNotLoggedIn), errors.Is(err, library.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, library.ErrEmailRequired),
		errors.Is(err, library.ErrTitleRequired),
		errors.Is(err, library.ErrInvalidChapterIdx),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooWeak),
		errors.Is(err, storage.ErrUnsupportedCoverType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, library.ErrEmailTaken),
		errors.Is(err, library.ErrAlreadyPurchased),
		errors.Is(err, library.ErrAlreadyFavorited),
		errors.Is(err, library.ErrChapterOrderTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, library.ErrBookNotFound),
		errors.Is(err, library.ErrChapterNotFound),
		errors.Is(err, library.ErrUserNotFound),
		errors.Is(err, library.ErrFavoriteNotFound),
		errors.Is(err, app.ErrNoCover):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCoverTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, app.ErrCoversDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForReader(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForReader(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch message {
	case "not logged in":
		return "AUTH_NOT_LOGGED_IN"
	case "incorrect email or password":
		return "AUTH_INVALID_CREDENTIALS"
	case "email already registered":
		return "AUTH_EMAIL_TAKEN"
	case "forbidden":
		return "BOOK_FORBIDDEN"
	case "book not found":
		return "BOOK_NOT_FOUND"
	case "chapter not found":
		return "CHAPTER_NOT_FOUND"
	case "book already purchased":
		return "PURCHASE_DUPLICATE"
	case "book already in favorites":
		return "FAVORITE_DUPLICATE"
	case "book is not in favorites":
		return "FAVORITE_NOT_FOUND"
	case "chapter position already used in this book":
		return "CHAPTER_ORDER_TAKEN"
	case "cover storage not configured":
		return "COVER_STORAGE_DISABLED"
	case "cover image too large":
		return "COVER_TOO_LARGE"
	case "book has no cover":
		return "COVER_NOT_FOUND"
	case "invalid json body":
		return "READER_INVALID_REQUEST"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}
	if strings.HasPrefix(message, "password") {
		return "AUTH_WEAK_PASSWORD"
	}
	if strings.Contains(message, "unsupported cover image type") {
		return "COVER_UNSUPPORTED_TYPE"
	}

	switch status {
	case http.StatusBadRequest:
		return "READER_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_NOT_LOGGED_IN"
	case http.StatusForbidden:
		return "BOOK_FORBIDDEN"
	case http.StatusNotFound:
		return "READER_NOT_FOUND"
	case http.StatusConflict:
		return "READER_CONFLICT"
	case http.StatusRequestEntityTooLarge:
		return "READER_PAYLOAD_TOO_LARGE"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
