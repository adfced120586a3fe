// Package httptransport assembles the gateway's HTTP surface: the shared
// middleware chain, the locally served endpoints and the catch-all proxy.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"bffgate/internal/platform/metrics"
	sessionmw "bffgate/internal/session/middleware"
	dErrors "bffgate/pkg/domain-errors"
	"bffgate/pkg/platform/httputil"
	"bffgate/pkg/platform/middleware/metadata"
	"bffgate/pkg/platform/middleware/request"
	"bffgate/pkg/platform/middleware/requesttime"
)

// Registrar mounts a feature's routes.
type Registrar interface {
	Register(r chi.Router)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps carries everything the router mounts. Nil registrars and checkers
// are skipped.
type Deps struct {
	Logger         *slog.Logger
	Sessions       sessionmw.SessionFinder
	Metrics        *metrics.Metrics
	Redis          HealthChecker
	AllowedOrigins []string
	Handlers       []Registrar
	Gateway        http.Handler
}

var errorCodePattern = regexp.MustCompile(`^[a-z_]{1,64}$`)

// NewRouter builds the chi router and wraps it with CORS.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recover(logger))
	r.Use(request.Logger(logger))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	if deps.Sessions != nil {
		r.Use(sessionmw.Resolve(deps.Sessions, logger))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, httputil.ErrorResponse{Error: "method_not_allowed"})
	})

	r.Get("/health", health(deps.Redis))
	r.Get("/error", errorPage)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	for _, h := range deps.Handlers {
		if h != nil {
			h.Register(r)
		}
	}

	if deps.Gateway != nil {
		r.Handle("/*", deps.Gateway)
	}

	return cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-XSRF-TOKEN"},
		AllowCredentials: true,
		MaxAge:           3600,
	}).Handler(r)
}

type healthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

func health(redis HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redis == nil {
			httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
			return
		}
		if err := redis.Health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Redis: "down"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Redis: "up"})
	}
}

func errorPage(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if !errorCodePattern.MatchString(code) {
		code = "error"
	}
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: code})
}
