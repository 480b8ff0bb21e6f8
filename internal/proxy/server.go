package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/tracing"
)

// ServerOptions holds listener settings for the proxy server.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AdminToken guards /admin. An empty token disables the admin routes.
	AdminToken string
	Tracing    bool
}

// Server is the HTTP server for the relay. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	httpSrv *http.Server
}

// NewServer wires the client routes, the admin routes and the metrics
// endpoint. admin and collector may be nil. Zero-value timeouts leave the
// corresponding http.Server field at its default (no timeout).
func NewServer(h *Handler, admin *Admin, collector *metrics.Collector, opts ServerOptions) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", h.HandleHealth)
	r.Get("/v1/models", h.HandleModels)
	r.Post("/v1/*", h.HandleRequest)
	r.Post("/v1beta/*", h.HandleRequest)

	if collector != nil {
		r.Handle("/metrics", collector.Handler())
	}
	if admin != nil && opts.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AuthMiddleware(opts.AdminToken))
			admin.Routes(r)
		})
	}

	return &Server{
		router: r,
		httpSrv: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
	}
}

// Router returns the underlying chi.Router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start listens for HTTP connections until the server is shut down.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// StartTLS listens for HTTPS connections using the given certificate and
// key files.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
