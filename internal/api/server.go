// Package api provides the HTTP server for the token ledger.
// The account id is supplied by the authentication layer in front of this
// service through the X-Account-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careerkit/tokens/internal/app/gate"
	"github.com/careerkit/tokens/internal/app/ledger"
	"github.com/careerkit/tokens/internal/app/rewards"
	"github.com/careerkit/tokens/internal/domain"
	"github.com/careerkit/tokens/internal/infra/observability"
)

// AccountHeader carries the authenticated account id.
const AccountHeader = "X-Account-ID"

// Server is the token HTTP API server.
type Server struct {
	ledger         *ledger.Ledger
	gate           *gate.Gate
	rewards        *rewards.Service
	hub            *NoticeHub
	tracer         *observability.Tracer
	limiter        *LimiterManager
	metricsEnabled bool
	now            func() time.Time
}

// NewServer creates a new API server.
func NewServer(l *ledger.Ledger, g *gate.Gate, rw *rewards.Service) *Server {
	return &Server{ledger: l, gate: g, rewards: rw, now: time.Now}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetNoticeHub sets the hub that fans ledger notices out to live clients.
func (s *Server) SetNoticeHub(h *NoticeHub) { s.hub = h }

// NoticeHub returns the notice hub (nil if not set).
func (s *Server) NoticeHub() *NoticeHub { return s.hub }

// SetTracer exposes recent ledger spans at /debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetRateLimiter enables per-account rate limiting on /api/tokens.
func (s *Server) SetRateLimiter(m *LimiterManager) { s.limiter = m }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Route("/api/tokens", func(r chi.Router) {
		r.Get("/features", s.handleFeatures)
		r.Get("/packages", s.handlePackages)

		r.Group(func(r chi.Router) {
			r.Use(requireAccount)
			r.Use(s.rateLimitMiddleware)

			// Streaming stays outside the request timeout.
			r.Get("/live", s.handleLive)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Get("/balance", s.handleBalance)
				r.Post("/use", s.handleUse)
				r.Post("/purchase", s.handlePurchase)
				r.Post("/rewards/ad", s.handleAdReward)
				r.Post("/rewards/referral", s.handleReferral)
				r.Post("/subscription", s.handleSubscription)
				r.Get("/transactions", s.handleTransactions)
				r.Get("/verify", s.handleVerify)
			})
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.tracer != nil {
		r.Get("/debug/spans", s.handleSpans)
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorType(w, status, msg, "error")
}

func writeErrorType(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    typ,
		},
	})
}

// writeLedgerError maps ledger and reward errors to status codes.
// Storage failures never read as a zero balance.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnknownFeature),
		errors.Is(err, domain.ErrInvalidAccount),
		errors.Is(err, rewards.ErrUnknownPackage),
		errors.Is(err, rewards.ErrUnknownPlan),
		errors.Is(err, rewards.ErrMissingReference),
		errors.Is(err, rewards.ErrInvalidEmail):
		writeErrorType(w, http.StatusBadRequest, err.Error(), "invalid_request")
	case errors.Is(err, domain.ErrAccountNotFound):
		writeErrorType(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		log.Printf("[api] storage: %v", err)
		writeErrorType(w, http.StatusServiceUnavailable, "unable to verify balance, try again", "storage_unavailable")
	default:
		log.Printf("[api] internal: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware ties ledger spans to the chi request id.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Account Context ────────────────────────────────────────────────────────

type ctxKey struct{}

func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(AccountHeader)
		if id == "" {
			writeErrorType(w, http.StatusUnauthorized, "missing "+AccountHeader+" header", "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func accountFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}
