package leased

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"rentflow/lease"
	"rentflow/observability"
)

// ChainRecorder mirrors a fully signed lease on-chain.
type ChainRecorder interface {
	Record(ctx context.Context, leaseID string) (string, error)
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Service *lease.Service
	DB      *gorm.DB
	Auth    *Authenticator
	Limiter *RateLimiter
	Chain   ChainRecorder
	Metrics *observability.LeasedMetrics
	Logger  *slog.Logger
}

// Server exposes the lease lifecycle over HTTP.
type Server struct {
	svc     *lease.Service
	db      *gorm.DB
	auth    *Authenticator
	limiter *RateLimiter
	chain   ChainRecorder
	metrics *observability.LeasedMetrics
	logger  *slog.Logger
	router  http.Handler
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		svc:     cfg.Service,
		db:      cfg.DB,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		chain:   cfg.Chain,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "leased-http"),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "leased")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Use(WithIdempotency(s.db))

		api.With(RequireRole(lease.RoleLandlord, lease.RoleManager)).Post("/leases", s.createLease)
		api.Get("/leases/{id}", s.getLease)
		api.Get("/leases/{id}/messages/{role}", s.getMessage)
		api.Post("/leases/{id}/signatures", s.signLease)
		api.Post("/leases/{id}/signatures/custodial", s.signLeaseCustodial)
		api.Post("/leases/{id}/terminate", s.terminateLease)
		api.Post("/leases/{id}/complete", s.completeLease)
		api.Post("/obligations/{id}/payments", s.submitPayment)
		api.Post("/obligations/{id}/retry", s.retryObligation)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method+" "+route, strconv.Itoa(status), time.Since(started))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}
