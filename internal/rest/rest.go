package rest

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/courierq/courierq/internal/engine"
	"github.com/courierq/courierq/internal/ratelimit"
)

// headerSubmitterKey identifies the caller for admission rate limiting.
const headerSubmitterKey = "X-Submitter-Key"

// Server provides the REST API
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.Limiter // nil disables admission limiting
	router  *chi.Mux
}

// NewServer creates a new REST server
func NewServer(eng *engine.Engine, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		engine:  eng,
		limiter: limiter,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(corsMiddleware)

	// API routes
	s.router.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/{requestID}", s.status)
	})

	s.router.Get("/v1/queue/stats", s.queueStats)

	s.router.Route("/v1/breakers", func(r chi.Router) {
		r.Get("/", s.listBreakers)
		r.Post("/reset", s.resetAllBreakers)
		r.Post("/{transport}/reset", s.resetBreaker)
		r.Post("/{transport}/open", s.openBreaker)
	})

	s.router.Delete("/v1/idempotency", s.clearIdempotency)

	// Health check and metrics
	s.router.Get("/healthz", s.health)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Request/Response types
type SubmitRequest struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	RequestID string `json:"requestId"`
	Priority  int    `json:"priority,omitempty"`
	DelayMs   int64  `json:"delayMs,omitempty"`
}

type ErrorResponse struct {
	Error        string   `json:"error"`
	Fields       []string `json:"fields,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

// Handlers
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		key := r.Header.Get(headerSubmitterKey)
		if d := s.limiter.Allow(key); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
			respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:        "rate limit exceeded",
				RetryAfterMs: d.RetryAfter.Milliseconds(),
			})
			return
		}
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.Submit(r.Context(), engine.Request{
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		RequestID: req.RequestID,
		Priority:  req.Priority,
		Delay:     time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: verr.Fields})
			return
		}
		log.Error().Err(err).Str("request_id", req.RequestID).Msg("failed to submit message")
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := http.StatusOK
	if result.Status == engine.SubmitQueued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	view, ok := s.engine.Status(requestID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown request id")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.engine.QueueStats()
	if !ok {
		respondError(w, http.StatusNotFound, "queue disabled")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.engine.TransportStatuses(),
	})
}

func (s *Server) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetBreaker("")
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "transport")

	if !s.engine.ResetBreaker(name) {
		respondError(w, http.StatusNotFound, "unknown transport")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) openBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "transport")

	if !s.engine.ForceOpenBreaker(name) {
		respondError(w, http.StatusNotFound, "unknown transport")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) clearIdempotency(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearIdempotency()
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// retryAfterSeconds rounds up so a client honoring the header never retries
// inside the closed window.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Submitter-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
