// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ssd-technologies/agora/internal/engine"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/metrics"
	"github.com/ssd-technologies/agora/internal/ratelimit"
)

// maxBody caps JSON request bodies.
const maxBody = 1 << 20

// Options configure a Server. Zero values select defaults.
type Options struct {
	// Secret guards /api/admin. Empty disables the admin endpoints.
	Secret      string
	CORSOrigins []string

	Metrics *metrics.Metrics
	// Feed serves GET /api/feed when set.
	Feed    http.Handler
	Limiter *ratelimit.Keyed

	// SuggestMinCount and SuggestMinAgents are the suggestion thresholds
	// used when the request does not give its own.
	SuggestMinCount  int64
	SuggestMinAgents int

	Workers Workers
	Logger  *zap.Logger
}

// Server is the HTTP front end of the engine.
type Server struct {
	engine  *engine.Engine
	secret  string
	metrics *metrics.Metrics
	feed    http.Handler
	limiter *ratelimit.Keyed
	workers Workers
	log     *zap.Logger

	suggestMinCount  int64
	suggestMinAgents int

	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server over e and registers all routes.
func New(e *engine.Engine, opts Options) *Server {
	if opts.SuggestMinCount <= 0 {
		opts.SuggestMinCount = 3
	}
	if opts.SuggestMinAgents <= 0 {
		opts.SuggestMinAgents = 2
	}
	s := &Server{
		engine:           e,
		secret:           opts.Secret,
		metrics:          opts.Metrics,
		feed:             opts.Feed,
		limiter:          opts.Limiter,
		workers:          opts.Workers.withDefaults(),
		log:              logging.OrNop(opts.Logger).Named("http"),
		suggestMinCount:  opts.SuggestMinCount,
		suggestMinAgents: opts.SuggestMinAgents,
		mux:              http.NewServeMux(),
	}
	s.routes()

	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Agent-Name", "X-Admin-Secret"},
	})
	s.handler = c.Handler(s.instrument(s.rateLimit(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// routes registers all HTTP routes.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Ledger
	s.mux.HandleFunc("POST /api/messages", s.handleRecordMessage)
	s.mux.HandleFunc("GET /api/messages", s.handleTimeline)
	s.mux.HandleFunc("GET /api/messages/{hash}", s.handleGetMessage)
	s.mux.HandleFunc("GET /api/messages/{hash}/verify", s.handleVerifyMessage)

	// Derived knowledge
	s.mux.HandleFunc("GET /api/query", s.handleQuery)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.HandleFunc("GET /api/agents/{name}", s.handleAgent)
	s.mux.HandleFunc("GET /api/glyphs", s.handleGlyphs)
	s.mux.HandleFunc("GET /api/glyphs/{id}", s.handleGlyph)
	s.mux.HandleFunc("GET /api/sequences", s.handleSequences)
	s.mux.HandleFunc("GET /api/sequences/suggestions", s.handleSuggestions)
	s.mux.HandleFunc("GET /api/vocabulary", s.handleVocabulary)

	// Governance
	s.mux.HandleFunc("POST /api/proposals", s.handlePropose)
	s.mux.HandleFunc("GET /api/proposals", s.handleListProposals)
	s.mux.HandleFunc("GET /api/proposals/{id}", s.handleGetProposal)
	s.mux.HandleFunc("POST /api/proposals/{id}/endorse", s.handleEndorse)
	s.mux.HandleFunc("POST /api/proposals/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /api/proposals/{id}/amend", s.handleAmend)
	s.mux.HandleFunc("GET /api/proposals/{id}/audit", s.handleAudit)

	// Admin (X-Admin-Secret)
	s.mux.HandleFunc("POST /api/admin/identities", s.handleRegisterIdentity)
	s.mux.HandleFunc("GET /api/admin/identities", s.handleListIdentities)

	if s.feed != nil {
		s.mux.Handle("GET /api/feed", s.feed)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"service": "agora",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agora",
	})
}

// agentName returns the calling agent from the X-Agent-Name header.
func agentName(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Agent-Name"))
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON encodes data as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
