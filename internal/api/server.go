// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/auth"
	"github.com/justfiles/justfiles/internal/blob"
	"github.com/justfiles/justfiles/internal/config"
	"github.com/justfiles/justfiles/internal/events"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/metrics"
	"github.com/justfiles/justfiles/internal/quota"
	"github.com/justfiles/justfiles/internal/transfer"
	"github.com/justfiles/justfiles/internal/tree"
)

// Server is the HTTP server.
type Server struct {
	store       item.Store
	blobs       blob.Store
	ledger      quota.Ledger
	auth        *auth.Auth
	pipeline    *transfer.Pipeline
	tree        *tree.Operator
	rateLimiter *quota.RateLimiter
	config      *config.Config
	started     time.Time

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// NewServer creates a new server.
func NewServer(
	store item.Store,
	blobs blob.Store,
	ledger quota.Ledger,
	authHandler *auth.Auth,
	cfg *config.Config,
) *Server {
	s := &Server{
		store:       store,
		blobs:       blobs,
		ledger:      ledger,
		auth:        authHandler,
		pipeline:    transfer.NewPipeline(store, blobs, ledger, cfg.MinFreeDisk),
		tree:        tree.NewOperator(store, blobs, ledger),
		rateLimiter: quota.NewRateLimiter(),
		config:      cfg,
		started:     time.Now(),

		cleanupTicker: time.NewTicker(10 * time.Minute),
		cleanupDone:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.cleanupDone:
				return
			case <-s.cleanupTicker.C:
				s.rateLimiter.Cleanup(time.Hour)
			}
		}
	}()
	return s
}

// Close stops the background rate-limiter cleanup. Safe to call more
// than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.cleanupDone)
	})
}

// Handler returns the HTTP handler with auth, rate limit, logging and
// metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/register", s.auth.HandleRegister)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)

	// Content endpoints. Auth is optional here: anonymous requests
	// reach public items, everything else fails the access checks.
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/upload", s.handleUpload)
	api.HandleFunc("GET /api/v1/download/{itemID}", s.handleDownload)
	api.HandleFunc("GET /api/v1/preview/{itemID}", s.handlePreview)
	api.HandleFunc("GET /api/v1/export/{folderID}", s.handleExport)

	// Item endpoints
	api.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	api.HandleFunc("GET /api/v1/items", s.handleListItems)
	api.HandleFunc("GET /api/v1/items/{id}", s.handleGetItem)
	api.HandleFunc("PUT /api/v1/items/{id}", s.handleUpdateItem)
	api.HandleFunc("PUT /api/v1/items/{id}/visibility", s.handleSetVisibility)
	api.HandleFunc("DELETE /api/v1/items/{id}", s.handleDeleteItem)

	// Cascade endpoints
	api.HandleFunc("POST /api/v1/share/{folderID}", s.handleShare)
	api.HandleFunc("DELETE /api/v1/share/{folderID}", s.handleUnshare)

	// Account endpoints
	api.HandleFunc("GET /api/v1/usage", auth.RequireAuth(s.handleUsage))
	api.HandleFunc("GET /api/v1/events", auth.RequireAuth(s.handleEvents))

	// Admin endpoints
	api.HandleFunc("GET /api/v1/admin/users", auth.RequireAdmin(s.handleListUsers))
	api.HandleFunc("POST /api/v1/admin/users", auth.RequireAdmin(s.handleCreateUser))
	api.HandleFunc("DELETE /api/v1/admin/accounts/{id}", auth.RequireAdmin(s.handlePurgeAccount))
	api.HandleFunc("GET /api/v1/admin/quotas/{id}", auth.RequireAdmin(s.handleGetQuota))
	api.HandleFunc("PUT /api/v1/admin/quotas/{id}", auth.RequireAdmin(s.handleSetQuota))

	identity := func(ctx context.Context) (string, bool) {
		if id := auth.Identity(ctx); id != "" {
			return id, true
		}
		return "", false
	}
	limited := quota.RateLimitMiddleware(s.rateLimiter, s.config.DefaultRequestsPerMin, identity)(api)
	mux.Handle("/api/v1/", s.auth.Middleware(limited))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"version": "1.0",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	accountID := auth.Identity(r.Context())
	ch, cancel := s.store.Subscribe(accountID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// sendError writes a JSON error response.
func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// sendJSON writes a JSON success response.
func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendFault maps a domain error to its HTTP status and a message that
// leaks nothing about paths or other accounts' items.
func (s *Server) sendFault(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrNotFound), errors.Is(err, fault.ErrEmptyArchive):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, fault.ErrForbidden), errors.Is(err, fault.ErrSandboxViolation):
		s.sendError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, fault.ErrQuotaExceeded):
		s.sendError(w, http.StatusRequestEntityTooLarge, "storage limit exceeded")
	case errors.Is(err, fault.ErrBatchTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("operation exceeds the %d item limit", tree.MaxCascadeItems))
	case errors.Is(err, item.ErrNotFolder), errors.Is(err, item.ErrCrossAccount), errors.Is(err, item.ErrBadItem):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transfer.ErrInsufficientStorage):
		s.sendError(w, http.StatusInsufficientStorage, "server storage full")
	case errors.Is(err, fault.ErrTreeCorruption):
		logging.Error("tree corruption surfaced", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	default:
		logging.Error("request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
