package routes

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nhblend/gateway/middleware"
	"nhblend/services/lending/engine"
)

// Scopes checked on the bearer token.
const (
	ScopeRead  = "lending:read"
	ScopeWrite = "lending:write"
	ScopeAdmin = "lending:admin"
)

// Rate limit keys used by the lending routes.
const (
	RateLimitRead  = "lending.read"
	RateLimitWrite = "lending.write"
)

type Config struct {
	Engine        engine.Engine
	Timeout       time.Duration
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *log.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("lending engine required")
	}
	lending := newLendingRoutes(cfg.Engine, cfg.Timeout, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if _, err := cfg.Engine.GetPool(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, errors.New("lending engine unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	group := func(sr chi.Router, name, limitKey string, scopes ...string) chi.Router {
		return sr.Group(func(g chi.Router) {
			if cfg.Authenticator != nil {
				g.Use(cfg.Authenticator.Middleware(scopes...))
			}
			if cfg.RateLimiter != nil {
				g.Use(cfg.RateLimiter.Middleware(limitKey))
			}
			if obs != nil {
				g.Use(obs.Middleware(name))
			}
		})
	}

	r.Route("/v1/lending", func(sr chi.Router) {
		lending.mountReads(group(sr, "lending.read", RateLimitRead, ScopeRead))
		lending.mountWrites(group(sr, "lending.write", RateLimitWrite, ScopeWrite))
		lending.mountAdmin(group(sr, "lending.admin", RateLimitWrite, ScopeAdmin))
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
