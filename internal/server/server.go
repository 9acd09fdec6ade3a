package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"acsm-bridge/internal/adept"
	"acsm-bridge/internal/config"
)

// Config carries everything New needs. Audit and Archive are optional.
type Config struct {
	App       config.Config
	Tools     *adept.Toolchain
	Activator *adept.Activator
	Logger    *slog.Logger
	Audit     AuditRecorder
	Archive   VoucherArchive
}

type Server struct {
	cfg        config.Config
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics
	tools      *adept.Toolchain
	activator  *adept.Activator
	audit      AuditRecorder
	archive    VoucherArchive
	jobs       *semaphore.Weighted
	limiter    *rateLimiter
	startedAt  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := newMetrics(cfg.App.Version)

	// Private copy so the metrics wrapper does not leak into the caller's
	// toolchain.
	tools := *cfg.Tools
	tools.Runner = instrumentedRunner{next: cfg.Tools.Runner, duration: m.toolDuration}

	jobs := cfg.App.MaxConcurrentJobs
	if jobs <= 0 {
		jobs = 1
	}

	s := &Server{
		cfg:       cfg.App,
		logger:    logger,
		metrics:   m,
		tools:     &tools,
		activator: cfg.Activator,
		audit:     cfg.Audit,
		archive:   cfg.Archive,
		jobs:      semaphore.NewWeighted(jobs),
		startedAt: time.Now(),
	}
	if cfg.App.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.App.RateLimit, cfg.App.RateWindow)
		s.limiter.trustProxy = cfg.App.TrustProxy
	}

	s.httpServer = &http.Server{
		Addr:              cfg.App.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s
}

// clientIP is the address requests are logged and audited under.
func (s *Server) clientIP(r *http.Request) string {
	return getClientIP(r, s.cfg.TrustProxy)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// requestID -> logging -> recoverer -> security headers -> routes
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeadersMiddleware)

	r.Get("/", s.handleIndex)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/dl", s.handleDownload)
	})

	r.Get("/health", s.HandleHealth)
	r.Get("/ready", s.HandleReady)
	r.Get("/live", s.HandleLive)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	return r
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight fulfilments.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.httpServer.Shutdown(ctx)
}
