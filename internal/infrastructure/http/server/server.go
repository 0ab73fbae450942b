package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"fazendabrasil/gonfpe/internal/infrastructure/config"
	"fazendabrasil/gonfpe/internal/infrastructure/http/middleware"
)

// APIRoutes mounts the versioned API. importRoute wraps routes that need
// the longer import deadline.
type APIRoutes interface {
	Routes(r chi.Router, importRoute func(http.Handler) http.Handler)
}

// Server wraps the HTTP listener and its router.
type Server struct {
	log        *slog.Logger
	httpServer *http.Server
	cfg        config.HTTPSettings
	auth       *middleware.JWTAuthenticator
}

// Options groups the collaborators of New. API, Auth and MetricsHandler
// are optional.
type Options struct {
	Config         config.AppConfig
	Logger         *slog.Logger
	HealthHandler  http.Handler
	API            APIRoutes
	Auth           *middleware.JWTAuthenticator
	MetricsHandler http.Handler
}

func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.HealthHandler == nil {
		return nil, errors.New("health handler is required")
	}
	cfg := opts.Config

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware)
	}

	r.Method(http.MethodGet, "/health", opts.HealthHandler)
	if opts.MetricsHandler != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.MetricsHandler)
	}

	if opts.API != nil {
		r.Route("/api/v1", func(r chi.Router) {
			opts.API.Routes(r, middleware.Timeout(cfg.HTTP.ImportTimeout))
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return &Server{log: opts.Logger, httpServer: srv, cfg: cfg.HTTP, auth: opts.Auth}, nil
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests for
// at most ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server started", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("http server shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Close releases the JWKS refresher.
func (s *Server) Close() {
	if s.auth != nil {
		s.auth.Close()
	}
}
