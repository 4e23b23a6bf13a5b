// Package server hosts the slidescan HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/slidescan/internal/errors"
	"github.com/3leaps/slidescan/internal/server/handlers"
	"github.com/3leaps/slidescan/internal/server/middleware"
)

// Server is the HTTP server.
type Server struct {
	host string
	port int

	api          *handlers.API
	logger       *zap.Logger
	pprof        bool
	corsOrigins  []string
	rateRPS      float64
	rateBurst    int
	static       map[string]string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router     chi.Router
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithAPI mounts the analysis API under /api.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPprof mounts net/http/pprof under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

// WithCORS allows browser clients from origins.
func WithCORS(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit limits the mutating API endpoints.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// WithStatic serves dir under the URL prefix (e.g. "/predictRes").
func WithStatic(prefix, dir string) Option {
	return func(s *Server) {
		if s.static == nil {
			s.static = make(map[string]string)
		}
		s.static[prefix] = dir
	}
}

// WithTimeouts sets the http.Server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// New builds the server and its routes.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	// Streaming requests never go idle; end them when shutdown begins.
	s.httpServer.RegisterOnShutdown(s.cancelBase)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.ErrorHandler)
	if len(s.corsOrigins) > 0 {
		r.Use(middleware.CORS(s.corsOrigins))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("route "+r.URL.Path+" not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowed(r.Method, r.URL.Path))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		r.Route("/api", func(r chi.Router) {
			limited := r
			if s.rateRPS > 0 && s.rateBurst > 0 {
				limited = r.With(middleware.RateLimit(s.rateRPS, s.rateBurst))
			}
			limited.Post("/analyze", s.api.Analyze)
			limited.Post("/preview", s.api.Preview)
			r.Get("/status", s.api.Status)
			r.Get("/stats", s.api.Stats)
			r.Post("/files", s.api.Files)
			r.Get("/events", s.api.Events)

			// Route names used by existing browser clients.
			r.Get("/getAnalysisStatus", s.api.Status)
			r.Post("/getFileList", s.api.Files)
			limited.Post("/originImage", s.api.Preview)
		})
	}

	for prefix, dir := range s.static {
		fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
		r.Handle(prefix+"/*", fs)
	}

	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Serve serves on an existing listener. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Request contexts are canceled, which ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
