package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"duck-audit/internal/middleware"
)

// Token scopes accepted on /v1.
const (
	ScopeRecordsRead  = "records:read"
	ScopePolicyReload = "policy:reload"
	ScopeArchiveRun   = "archive:run"
)

// RouterConfig wires the admin router.
type RouterConfig struct {
	Handler        *Handler
	Metrics        http.Handler // nil disables /metrics
	Validator      middleware.JWTValidator
	AllowedOrigins []string
	RateLimit      middleware.RateLimitConfig // zero RequestsPerSecond disables it
	Logger         *slog.Logger
}

// NewRouter builds the admin router. ctx bounds background work such as the
// rate limiter's idle-client sweep.
func NewRouter(ctx context.Context, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		r.Use(middleware.RateLimiter(ctx, cfg.RateLimit))
	}

	h := cfg.Handler
	r.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.BearerAuth(cfg.Validator, ScopeRecordsRead)).Get("/records", h.listRecords)
		r.With(middleware.BearerAuth(cfg.Validator, ScopeRecordsRead)).Get("/policy", h.getPolicy)
		r.With(middleware.BearerAuth(cfg.Validator, ScopePolicyReload)).Post("/policy/reload", h.reloadPolicy)
		r.With(middleware.BearerAuth(cfg.Validator, ScopeArchiveRun)).Post("/archive/run", h.runArchive)
	})

	return r
}
