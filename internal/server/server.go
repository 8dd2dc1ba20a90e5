// Package server is the reference wishlist service: a REST API over a
// WishlistRepository plus a websocket channel that tells a user's other
// devices when their wishlist changed.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	apperrors "github.com/alexjbarnes/wishlist-sync/internal/errors"
	"github.com/alexjbarnes/wishlist-sync/internal/repository"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
)

// Config holds the server's dependencies.
type Config struct {
	Repo     repository.WishlistRepository
	Auth     *auth.Authenticator
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server serves the wishlist API.
type Server struct {
	repo     repository.WishlistRepository
	auth     *auth.Authenticator
	hub      *Hub
	metrics  *metrics
	registry *prometheus.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Server. A nil Registry gets a fresh one.
func New(cfg Config) (*Server, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("server: repository is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := newMetrics(reg)
	return &Server{
		repo:     cfg.Repo,
		auth:     cfg.Auth,
		hub:      newHub(m, logger),
		metrics:  m,
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Hub returns the live connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(recovery(s.logger))
	r.Use(requestLogging(s.logger))
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.auth, s.logger))

		// The event stream is long-lived, so it stays outside the
		// timeout and compression middleware.
		r.Get("/wishlist/events", s.hub.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))
			r.Use(chimw.Compress(5))

			r.Get("/wishlist", s.handleList)
			r.Post("/wishlist/add/{productId}", s.handleAdd)
			r.Delete("/wishlist/remove/{productId}", s.handleRemove)
			r.Post("/wishlist/batch", s.handleBatch)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.Get(r.Context(), auth.RequestUserID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wishlist.ListResponse{Wishlist: items})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	productID, ok := s.productID(w, r)
	if !ok {
		return
	}

	var item wishlist.Item
	if err := decodeOptional(r, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	item.ProductID = productID
	if err := wishlist.ValidateItem(item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_item", err.Error())
		return
	}

	op := wishlist.BatchOperation{Type: wishlist.ChangeAdd, ProductID: productID, Data: &item}
	present, err := s.mutate(r, op)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	msg := "Added to wishlist"
	if present {
		msg = "Already in wishlist"
	}
	writeJSON(w, http.StatusOK, wishlist.MutationResponse{Message: msg, ProductID: productID, InWishlist: true})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	productID, ok := s.productID(w, r)
	if !ok {
		return
	}

	op := wishlist.BatchOperation{Type: wishlist.ChangeRemove, ProductID: productID}
	present, err := s.mutate(r, op)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	msg := "Removed from wishlist"
	if !present {
		msg = "Not in wishlist"
	}
	writeJSON(w, http.StatusOK, wishlist.MutationResponse{Message: msg, ProductID: productID, InWishlist: false})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req wishlist.BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := wishlist.ValidateBatch(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		return
	}

	userID := auth.RequestUserID(r.Context())
	items, err := s.repo.Apply(r.Context(), userID, req.Operations, s.now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, op := range req.Operations {
		s.metrics.operations.WithLabelValues(string(op.Type)).Inc()
	}
	s.notify(r)

	s.logger.Info("batch applied",
		slog.String("user", userID),
		slog.Int("operations", len(req.Operations)),
		slog.Int("items", len(items)),
	)
	writeJSON(w, http.StatusOK, wishlist.BatchResponse{Wishlist: items})
}

// mutate applies one operation and reports whether the product was in
// the wishlist beforehand.
func (s *Server) mutate(r *http.Request, op wishlist.BatchOperation) (bool, error) {
	ctx := r.Context()
	userID := auth.RequestUserID(ctx)

	present, err := s.repo.ApplyOne(ctx, userID, op, s.now().UTC())
	if err != nil {
		return false, err
	}
	s.metrics.operations.WithLabelValues(string(op.Type)).Inc()
	s.notify(r)
	return present, nil
}

// notify tells the user's connected devices that the wishlist changed.
func (s *Server) notify(r *http.Request) {
	s.hub.Broadcast(auth.RequestUserID(r.Context()), wishlist.LiveMessage{
		Type:   wishlist.LiveUpdated,
		Origin: auth.RequestDeviceID(r.Context()),
		At:     s.now().UTC(),
	})
}

func (s *Server) productID(w http.ResponseWriter, r *http.Request) (string, bool) {
	// chi matches on RawPath when the request carries one, so the
	// parameter is still escaped only in that case.
	raw := chi.URLParam(r, "productId")
	if r.URL.RawPath != "" {
		var err error
		if raw, err = url.PathUnescape(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_item", "malformed product ID")
			return "", false
		}
	}
	id := wishlist.NormalizeProductID(raw)
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_item", "product ID is required")
		return "", false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperrors.ErrConflict):
		// A 5xx makes clients keep the change queued rather than roll it back.
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "conflict", "wishlist modified concurrently, retry")
	case errors.Is(err, apperrors.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "wishlist request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "wishlist storage unavailable")
	}
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func errorBody(code, message string) wishlist.ErrorResponse {
	return wishlist.ErrorResponse{Error: code, Message: message}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody(code, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
