package server

import (
	"net/http"
	"strings"

	"bookshelf/pkg/domain"
	"bookshelf/pkg/library"
)

type registerRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.lib.Register(r.Context(), req.Email, req.DisplayName, req.Password)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicUser(user))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.lib.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUser(user))
}

type platformLoginRequest struct {
	ExternalID  int64  `json:"externalId"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleLoginPlatform(w http.ResponseWriter, r *http.Request) {
	var req platformLoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ExternalID <= 0 {
		writeError(w, http.StatusBadRequest, "externalId is required")
		return
	}
	user, err := s.lib.LoginPlatform(r.Context(), req.ExternalID, req.DisplayName)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicUser(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.Logout(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, publicUser(user))
}

func publicUser(u domain.User) domain.User {
	u.PasswordHash = ""
	return u
}

type bookRequest struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Genre       *string  `json:"genre"`
	Status      *string  `json:"status"`
	IsPublic    *bool    `json:"isPublic"`
	Source      *string  `json:"source"`
	Format      *string  `json:"format"`
	Price       *float64 `json:"price"`
}

func (req bookRequest) input() library.BookInput {
	in := library.BookInput{IsPublic: deref(req.IsPublic), Price: req.Price}
	in.Title = deref(req.Title)
	in.Description = deref(req.Description)
	in.Genre = deref(req.Genre)
	in.Status = domain.BookStatus(deref(req.Status))
	in.Source = domain.BookSource(deref(req.Source))
	in.Format = deref(req.Format)
	return in
}

func (req bookRequest) apply(b *domain.Book) {
	if req.Title != nil {
		b.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		b.Description = strings.TrimSpace(*req.Description)
	}
	if req.Genre != nil {
		b.Genre = strings.TrimSpace(*req.Genre)
	}
	if req.Status != nil {
		if status, ok := parseBookStatus(*req.Status); ok {
			b.Status = status
		}
	}
	if req.IsPublic != nil {
		b.IsPublic = *req.IsPublic
	}
	if req.Format != nil {
		b.Format = strings.TrimSpace(*req.Format)
	}
	if req.Price != nil {
		b.Price = req.Price
	}
}

func parseBookStatus(status string) (domain.BookStatus, bool) {
	switch domain.BookStatus(strings.ToLower(strings.TrimSpace(status))) {
	case domain.StatusDraft:
		return domain.StatusDraft, true
	case domain.StatusPublished:
		return domain.StatusPublished, true
	default:
		return "", false
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	books, err := s.lib.ListBooks(r.Context(), library.BookFilter{
		AuthorID:      strings.TrimSpace(q.Get("author")),
		Genre:         strings.TrimSpace(q.Get("genre")),
		PublishedOnly: q.Get("published") == "true",
		PublicOnly:    q.Get("public") == "true",
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(books), "items": books})
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req bookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status != nil {
		if _, ok := parseBookStatus(*req.Status); !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	book, err := s.lib.CreateBook(r.Context(), user.ID, req.input())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, ok, err := s.lib.GetBook(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, library.ErrBookNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// ownBook loads a book and checks that user wrote it.
func (s *Server) ownBook(w http.ResponseWriter, r *http.Request, user domain.User, id string) (domain.Book, bool) {
	book, ok, err := s.lib.GetBook(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return domain.Book{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, library.ErrBookNotFound.Error())
		return domain.Book{}, false
	}
	if book.AuthorID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return domain.Book{}, false
	}
	return book, true
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	book, ok := s.ownBook(w, r, user, r.PathValue("id"))
	if !ok {
		return
	}
	var req bookRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		writeError(w, http.StatusBadRequest, library.ErrTitleRequired.Error())
		return
	}
	if req.Status != nil {
		if _, ok := parseBookStatus(*req.Status); !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	updated, err := s.lib.UpdateBook(r.Context(), book.ID, req.apply)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	book, ok := s.ownBook(w, r, user, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.app.DeleteBook(r.Context(), book.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	book, err := s.lib.RecordView(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": book.ID, "views": book.Views})
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, user domain.User) {
	book, ok := s.ownBook(w, r, user, r.PathValue("id"))
	if !ok {
		return
	}
	updated, err := s.app.UploadCover(r.Context(), book.ID, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCoverURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.app.CoverURL(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	chapters, err := s.lib.ListChapters(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(chapters), "items": chapters})
}

type chapterRequest struct {
	Title      *string `json:"title"`
	Content    *string `json:"content"`
	OrderIndex *int    `json:"orderIndex"`
}

func (s *Server) handleAddChapter(w http.ResponseWriter, r *http.Request, user domain.User) {
	book, ok := s.ownBook(w, r, user, r.PathValue("id"))
	if !ok {
		return
	}
	var req chapterRequest
	if !s.decode(w, r, &req) {
		return
	}
	chapter, err := s.lib.AddChapter(r.Context(), book.ID, deref(req.Title), deref(req.Content), deref(req.OrderIndex))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chapter)
}

// ownChapter loads a chapter and checks that user wrote its book.
func (s *Server) ownChapter(w http.ResponseWriter, r *http.Request, user domain.User) (domain.Chapter, bool) {
	chapter, ok, err := s.lib.GetChapter(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return domain.Chapter{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, library.ErrChapterNotFound.Error())
		return domain.Chapter{}, false
	}
	if _, ok := s.ownBook(w, r, user, chapter.BookID); !ok {
		return domain.Chapter{}, false
	}
	return chapter, true
}

func (s *Server) handleUpdateChapter(w http.ResponseWriter, r *http.Request, user domain.User) {
	chapter, ok := s.ownChapter(w, r, user)
	if !ok {
		return
	}
	var req chapterRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.lib.UpdateChapter(r.Context(), chapter.ID, library.ChapterUpdate{
		Title:      req.Title,
		Content:    req.Content,
		OrderIndex: req.OrderIndex,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteChapter(w http.ResponseWriter, r *http.Request, user domain.User) {
	chapter, ok := s.ownChapter(w, r, user)
	if !ok {
		return
	}
	if err := s.lib.DeleteChapter(r.Context(), chapter.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, user domain.User) {
	purchase, err := s.lib.Purchase(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchase)
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request, user domain.User) {
	fav, err := s.lib.AddFavorite(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fav)
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.lib.RemoveFavorite(r.Context(), user.ID, r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type progressRequest struct {
	ChapterIndex  int `json:"chapterIndex"`
	TotalChapters int `json:"totalChapters"`
}

func (s *Server) handleSaveProgress(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req progressRequest
	if !s.decode(w, r, &req) {
		return
	}
	progress, err := s.lib.SaveProgress(r.Context(), user.ID, r.PathValue("id"), req.ChapterIndex, req.TotalChapters)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.lib.ListPurchases(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.lib.ListFavorites(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.lib.ListProgress(r.Context(), user.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}
