// Package httpapi is the local console HTTP API: a loopback JSON surface
// over ports.Console for browser front ends and scripts.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/ports"
)

// Options configures a Server.
type Options struct {
	Addr   string
	Logger *zap.Logger
	// Registry receives the API's metrics. Nil creates a private registry.
	Registry *prometheus.Registry
}

// Server serves the console API.
type Server struct {
	server   *http.Server
	router   chi.Router
	console  ports.Console
	log      *zap.Logger
	metrics  *metrics
	listener net.Listener
}

// NewServer builds a Server. Call Start to listen.
func NewServer(console ports.Console, opts Options) (*Server, error) {
	if console == nil {
		return nil, fmt.Errorf("console is required")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("address is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		console: console,
		log:     log,
		metrics: newMetrics(reg),
	}
	s.router = s.routes(reg)
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleSession)
		r.Post("/sign-in", s.handleSignIn)
		r.Post("/reset", s.handleReset)
		r.Post("/sign-out", s.handleSignOut)
	})
	r.Post("/authorize", s.handleAuthorize)
	r.Get("/devices/{id}", s.handleDescribe)
	r.Post("/transitions/{kind}", s.handleTransition)
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("console API server error", zap.Error(err))
		}
	}()
	s.log.Info("console API listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
