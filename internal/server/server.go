// internal/server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
)

// Options assemble the HTTP server around an engine.
type Options struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string
	// Auth validates bearer tokens on /api/v1; nil means NoopValidator.
	Auth TokenValidator
	// RequestTimeout bounds one request end to end; 0 disables it.
	RequestTimeout time.Duration
	// RateLimit is sync requests per second per device; 0 disables.
	RateLimit float64
	// RateBurst is the bucket depth when limiting is on.
	RateBurst int
	// Registry receives the Prometheus instruments and backs /metrics;
	// nil skips both.
	Registry *prometheus.Registry
	Logger   zerolog.Logger
	// ShutdownGrace bounds in-flight drain on shutdown; 0 means 10s.
	ShutdownGrace time.Duration
}

// Server is the assembled HTTP front of a sync engine.
type Server struct {
	httpSrv *http.Server
	router  *gin.Engine
	grace   time.Duration
	log     zerolog.Logger
}

// New wires the routes, middleware, and engine into a runnable server.
func New(engine *Engine, store *storage.ServerStore, opts Options) *Server {
	auth := opts.Auth
	if auth == nil {
		auth = NoopValidator{}
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))

	var metricsHandler http.Handler
	if opts.Registry != nil {
		metricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	}

	h := &handlers{
		engine:  engine,
		store:   store,
		limiter: newDeviceLimiter(opts.RateLimit, opts.RateBurst),
		timeout: opts.RequestTimeout,
		log:     opts.Logger,
	}
	h.register(router, requireAuth(auth), metricsHandler)

	return &Server{
		httpSrv: &http.Server{
			Addr:              opts.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
		grace:  grace,
		log:    opts.Logger,
	}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until the context is canceled, then drains in-flight
// requests within the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.httpSrv.Addr).Msg("sync server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
