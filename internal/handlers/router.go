package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koppeltag/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	tractors     RouteRegistrar
	implements   RouteRegistrar
	combinations RouteRegistrar
	sessions     RouteRegistrar
	scanners     RouteRegistrar
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware and the API route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()

	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		mount := func(path string, registrar RouteRegistrar, name string) {
			api.Route(path, func(group chi.Router) {
				if registrar != nil {
					registrar(group)
					return
				}
				registerNotImplemented(group, name)
			})
		}

		mount("/tractors", cfg.tractors, "tractors")
		mount("/implements", cfg.implements, "implements")
		mount("/combinations", cfg.combinations, "combinations")
		mount("/mapping-sessions", cfg.sessions, "mappingSessions")
		mount("/scanners", cfg.scanners, "scanners")
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithTractorRoutes configures the registrar responsible for tractor endpoints.
func WithTractorRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.tractors = reg
	}
}

// WithImplementRoutes configures the registrar responsible for implement endpoints.
func WithImplementRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.implements = reg
	}
}

// WithCombinationRoutes configures the registrar responsible for combination endpoints.
func WithCombinationRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.combinations = reg
	}
}

// WithMappingSessionRoutes configures the registrar responsible for mapping session endpoints.
func WithMappingSessionRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.sessions = reg
	}
}

// WithScannerRoutes configures the registrar responsible for device scan callbacks.
func WithScannerRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.scanners = reg
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
