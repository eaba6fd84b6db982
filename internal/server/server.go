// Package server implements the ReelStore HTTP server and route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelstore/reelstore/internal/blob"
	"github.com/reelstore/reelstore/internal/config"
	"github.com/reelstore/reelstore/internal/handlers"
)

// Server is the ReelStore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      *blob.Store
	object     *handlers.ObjectHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health and readiness endpoints.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server serving store and wires up all routes on a Chi
// router with a Huma API for the documented system endpoints.
func New(cfg *config.Config, store *blob.Store) (*Server, error) {
	router := chi.NewMux()
	router.Use(middleware.RequestID, commonHeaders, middleware.Recoverer)
	if cfg.Observability.Metrics {
		router.Use(metricsMiddleware)
	}

	humaConfig := huma.DefaultConfig("ReelStore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		store:  store,
		object: handlers.NewObjectHandler(store),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the router on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports that the ReelStore process is up.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma registers one method per operation.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-readyz",
			Method:      http.MethodGet,
			Path:        "/readyz",
			Summary:     "Readiness check",
			Description: "Pings the metadata registry and the chunk store.",
			Tags:        []string{"System"},
			Errors:      []int{http.StatusServiceUnavailable},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			if err := s.store.Ping(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("backend unavailable", err)
			}
			return &HealthOutput{Body: HealthBody{Status: "ready"}}, nil
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Route("/objects", func(r chi.Router) {
		r.Post("/", s.object.PostObject)
		r.Put("/{id}", s.object.PutObject)
		r.Get("/{id}", s.object.GetObject)
		r.Head("/{id}", s.object.HeadObject)
		r.Delete("/{id}", s.object.DeleteObject)
	})
}
