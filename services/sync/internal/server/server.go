package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookshelf/internal/ratelimit"
	"bookshelf/internal/servicetoken"
	"bookshelf/internal/util"
	"bookshelf/pkg/syncclient"
	"bookshelf/services/sync/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	AllowedIssuers              []string
	RedisAddr                   string
	RedisPassword               string
	RateLimitPerMinute          int
	MaxBodyBytes                int64
}

// Server exposes the sync endpoints.
type Server struct {
	app          *app.App
	verifier     *servicetoken.Verifier
	limiter      *ratelimit.Limiter
	mux          *http.ServeMux
	maxBodyBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("sync app is required")
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 8 * 1024 * 1024
	}
	issuers := cfg.AllowedIssuers
	if len(issuers) == 0 {
		issuers = []string{"reader-service"}
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
		PublicKeys:     cfg.InternalJWTVerifyPublicKeys,
		DefaultKeyID:   cfg.InternalJWTKeyID,
		Audience:       syncclient.Audience,
		AllowedIssuers: issuers,
		Leeway:         servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, err
	}
	limit := cfg.RateLimitPerMinute
	if limit <= 0 {
		limit = 60
	}
	limiter, err := ratelimit.NewRedis(cfg.RedisAddr, cfg.RedisPassword, "bookshelf:sync:ratelimit", limit, time.Minute)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:          cfg.App,
		verifier:     verifier,
		limiter:      limiter,
		mux:          http.NewServeMux(),
		maxBodyBytes: maxBodyBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("sync", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/sync-save", s.withInternal(s.handleSave))
	s.mux.Handle("/sync-load", s.withInternal(s.handleLoad))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return s.verifier.Require(next, func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// allowRate counts the request against the caller's quota. Limiter errors
// reject the request.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, externalID int64) bool {
	d, err := s.limiter.Allow(r.Context(), strconv.FormatInt(externalID, 10))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate limiter unavailable", "external_id", externalID, "err", err)
	}
	if d.Allowed {
		return true
	}
	retry := int(d.RetryAfter.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(1, retry)))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

type loadRequest struct {
	ExternalID int64 `json:"externalId"`
}

type saveRequest struct {
	ExternalID int64             `json:"externalId"`
	Data       map[string]string `json:"data"`
}

type syncResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req saveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, req.ExternalID) {
		return
	}
	res, err := s.app.Save(r.Context(), req.ExternalID, req.Data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Success: true, Message: res.Message()})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.allowRate(w, r, req.ExternalID) {
		return
	}
	data, err := s.app.Load(r.Context(), req.ExternalID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	msg := "no data"
	if len(data) > 0 {
		msg = "loaded " + strconv.Itoa(len(data)) + " keys"
	}
	writeJSON(w, http.StatusOK, syncResponse{Success: true, Message: msg, Data: data})
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

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidExternalID), errors.Is(err, app.ErrNoData):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrOwnerUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("sync request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

// errorResponse keeps the {success, message} contract alongside the error
// code used by the rest of the stack.
type errorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Message:   msg,
		Error:     msg,
		Code:      errorCodeForSync(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForSync(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_SERVICE_TOKEN"
	case message == "too many requests":
		return "SYNC_RATE_LIMITED"
	case message == "invalid json body":
		return "SYNC_INVALID_REQUEST"
	case message == "request body too large":
		return "SYNC_PAYLOAD_TOO_LARGE"
	case strings.Contains(message, "externalid"):
		return "SYNC_EXTERNAL_ID_REQUIRED"
	case message == "data is required":
		return "SYNC_DATA_REQUIRED"
	case message == "user not found":
		return "SYNC_USER_NOT_FOUND"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "SYNC_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_SERVICE_TOKEN"
	case http.StatusNotFound:
		return "SYNC_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "SYNC_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
