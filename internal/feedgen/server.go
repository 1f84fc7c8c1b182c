// Package feedgen serves the feed generator HTTP surface: the XRPC
// feed skeleton endpoints, service identity documents, push
// registration routes, and operational endpoints.
package feedgen

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skywave-social/skywave/internal/config"
	"github.com/skywave-social/skywave/internal/index"
)

const defaultFeedLimit = 50

// MemberService handles member lifecycle around the index writes.
type MemberService interface {
	Register(ctx context.Context, did string) error
	Unregister(ctx context.Context, did string) error
}

// Server serves the public HTTP surface.
type Server struct {
	cfg        *config.Config
	store      *index.Store
	members    MemberService
	httpServer *http.Server
}

// NewServer builds the HTTP server. pushRoutes is mounted under /push.
func NewServer(cfg *config.Config, store *index.Store, members MemberService, pushRoutes chi.Router) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		members: members,
	}

	r := chi.NewRouter()
	r.Use(loggingMiddleware(log.Logger))

	r.Get("/.well-known/did.json", s.handleDIDDoc)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/members", func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Put("/{did}", s.handleRegisterMember)
		r.Delete("/{did}", s.handleUnregisterMember)
	})

	r.Mount("/push", pushRoutes)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	feeds := make([]map[string]string, 0, len(publishedFeeds))
	for _, f := range publishedFeeds {
		feeds = append(feeds, map[string]string{"uri": feedURI(s.cfg.PublisherDID, f.RKey)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"did":   s.cfg.ServiceDID(),
		"feeds": feeds,
	})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}

	class, ok := classForFeedURI(s.cfg.PublisherDID, feedID)
	if !ok {
		writeError(w, http.StatusBadRequest, "UnknownFeed", "unknown feed: "+feedID)
		return
	}

	limit := defaultFeedLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	cursor := r.URL.Query().Get("cursor")

	uris, nextCursor, err := s.store.PageByFeedClass(class, limit, cursor)
	if err != nil {
		if errors.Is(err, index.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
			return
		}
		log.Error().Err(err).Str("feed", feedID).Msg("failed to page feed")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	feed := make([]map[string]string, len(uris))
	for i, uri := range uris {
		feed[i] = map[string]string{"post": uri}
	}
	resp := map[string]any{"feed": feed}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if did == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "did is required")
		return
	}

	if err := s.members.Register(r.Context(), did); err != nil {
		log.Error().Err(err).Str("did", did).Msg("failed to register member")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to register member")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"did": did, "status": "registered"})
}

func (s *Server) handleUnregisterMember(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	if did == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "did is required")
		return
	}

	if err := s.members.Unregister(r.Context(), did); err != nil {
		log.Error().Err(err).Str("did", did).Msg("failed to unregister member")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to unregister member")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"did": did, "status": "unregistered"})
}

// requireAdminKey guards member administration. With no admin key
// configured the endpoints are disabled entirely.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			writeError(w, http.StatusForbidden, "Forbidden", "member administration is disabled")
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "AuthRequired", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
