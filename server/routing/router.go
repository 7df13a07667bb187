// Package routing builds the HTTP router from the configured route table.
// Every route gets the global middleware stack, its method guard and the
// route middleware named in the configuration.
package routing

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server/metrics"
	"github.com/teilomillet/lindagate/server/middleware"
	"github.com/teilomillet/lindagate/server/ratelimit"
	"github.com/teilomillet/lindagate/server/validation"
	"go.uber.org/zap"
)

// MetricsHandler is the handler name that serves the Prometheus registry.
const MetricsHandler = "metrics"

// Handlers resolves the handler names used in the route table.
type Handlers interface {
	Lookup(name string) (http.Handler, bool)
}

// Deps are the shared pieces the route middleware is built from. Limiter
// and Queue may be nil, in which case routes asking for them run without.
type Deps struct {
	Handlers Handlers
	Metrics  *metrics.Metrics
	Limiter  ratelimit.Admitter
	Queue    *middleware.Queue
	Origins  *middleware.Origins
	Logger   *zap.Logger
}

// Router serves the configured routes.
type Router struct {
	router chi.Router
	deps   Deps
	cfg    *config.Config
}

// NewRouter creates a router for cfg.Routes. Routes naming an unknown
// handler are logged and skipped.
func NewRouter(cfg *config.Config, deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Origins == nil {
		deps.Origins = middleware.NewOrigins(cfg.Guard.AllowedOrigins)
	}

	r := &Router{
		router: chi.NewRouter(),
		deps:   deps,
		cfg:    cfg,
	}

	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.RequestTimer)
	r.router.Use(errors.ErrorHandler(deps.Logger))
	r.router.Use(middleware.Logging(deps.Logger))
	r.router.Use(middleware.PrometheusMetrics(deps.Metrics))
	r.router.Use(middleware.OriginGuard(deps.Origins, cfg.Guard.AllowedHeaders))

	r.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrorWithType(w, "Not found", errors.NotFoundError, http.StatusNotFound)
	})

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	for _, route := range r.cfg.Routes {
		handler, ok := r.handler(route.Handler)
		if !ok {
			r.deps.Logger.Error("handler not found",
				zap.String("handler", route.Handler),
				zap.String("path", route.Path),
			)
			continue
		}

		chain := []func(http.Handler) http.Handler{middleware.Methods(route.Methods...)}
		for _, name := range route.Middleware {
			mw, ok := r.middleware(name, route)
			if !ok {
				r.deps.Logger.Warn("unknown middleware requested",
					zap.String("middleware", name),
					zap.String("path", route.Path),
				)
				continue
			}
			if mw != nil {
				chain = append(chain, mw)
			}
		}

		r.router.With(chain...).Handle(route.Path, handler)
		r.deps.Logger.Debug("route registered",
			zap.String("path", route.Path),
			zap.String("handler", route.Handler),
			zap.Strings("methods", route.Methods),
			zap.Strings("middleware", route.Middleware),
		)
	}
}

func (r *Router) handler(name string) (http.Handler, bool) {
	if name == MetricsHandler {
		return r.deps.Metrics.Handler(), true
	}
	if r.deps.Handlers == nil {
		return nil, false
	}
	return r.deps.Handlers.Lookup(name)
}

// middleware returns the named route middleware. A nil middleware with ok
// set means the name is known but its dependency is not configured.
func (r *Router) middleware(name string, route config.RouteConfig) (func(http.Handler) http.Handler, bool) {
	switch name {
	case "ratelimit":
		if r.deps.Limiter == nil {
			return nil, true
		}
		return middleware.RateLimit(route.Handler, r.deps.Limiter, r.deps.Metrics, r.deps.Logger), true
	case "queue":
		if r.deps.Queue == nil {
			return nil, true
		}
		return r.deps.Queue.Handler, true
	case "same_origin":
		return middleware.SameOrigin(r.deps.Origins), true
	case "client_secret":
		return middleware.ClientSecret(r.cfg.Guard.ClientSecret), true
	case "json_only":
		return validation.RequireJSON, true
	}
	return nil, false
}

// Validate reports route table entries that the router would skip or
// serve without a requested middleware.
func Validate(routes []config.RouteConfig, handlers Handlers) error {
	known := map[string]bool{"ratelimit": true, "queue": true, "same_origin": true, "client_secret": true, "json_only": true}
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		if seen[route.Path] {
			return fmt.Errorf("duplicate route %s", route.Path)
		}
		seen[route.Path] = true
		if route.Handler != MetricsHandler {
			if _, ok := handlers.Lookup(route.Handler); !ok {
				return fmt.Errorf("route %s: unknown handler %q", route.Path, route.Handler)
			}
		}
		for _, mw := range route.Middleware {
			if !known[mw] {
				return fmt.Errorf("route %s: unknown middleware %q", route.Path, mw)
			}
		}
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
