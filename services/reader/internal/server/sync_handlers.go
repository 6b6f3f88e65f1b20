package server

import (
	"context"
	"net/http"
)

// Syncs and migrations run to completion once started, so they must outlive
// a client that disconnects mid-request.

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, http.StatusOK, s.app.SyncNow(ctx, host(r)))
}

func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, http.StatusOK, s.app.AutoSync(ctx, host(r), r.Header.Get(headerSessionID)))
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Reload())
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.MigrationStatus(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	writeJSON(w, http.StatusOK, s.app.Migrate(ctx))
}
