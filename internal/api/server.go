// Package api exposes the rule synchronizer over HTTP for the options and
// popup pages.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/paramstrip/internal/brand"
	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/health"
	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/metrics"
	"grimm.is/paramstrip/internal/ratelimit"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulesync"
	"grimm.is/paramstrip/internal/scheduler"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      64 << 10,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Synchronizer is what the API needs from rulesync.
type Synchronizer interface {
	Create(ctx context.Context, spec rules.Spec) (rules.Record, error)
	CreateWhitelist(ctx context.Context, domain string) (rules.Record, error)
	Delete(ctx context.Context, id int) (rules.Record, error)
	Edit(ctx context.Context, id int, spec rules.Builder, group *string) (rules.Record, error)
	Toggle(ctx context.Context, id int, enable bool) (rules.Record, error)
	Regroup(ctx context.Context, id int, group string) (rules.Record, error)
	Seed(ctx context.Context, specs []rules.Builder) (rulesync.SeedReport, error)
	Reconcile(ctx context.Context, dryRun bool) (rulesync.Drift, error)
	List(ctx context.Context) ([]rules.Record, error)
	Get(ctx context.Context, id int) (rules.Record, error)
	Groups(ctx context.Context) ([]rules.Group, error)
	Whitelist(ctx context.Context) ([]rules.Record, error)
	Active(ctx context.Context) ([]rules.Rule, error)
	MaxRules() int
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Sync   Synchronizer
	Events *events.Hub
	// Seed provides the default rules for POST /api/seed.
	Seed func() ([]rules.Builder, error)
	// Tasks reports the maintenance scheduler, if one runs.
	Tasks func() []scheduler.TaskStatus
	// Health receives the rule store and engine checks. Callers may
	// register more.
	Health *health.Checker

	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Gatherer prometheus.Gatherer

	// RateLimit and RateBurst throttle mutating requests per client IP.
	RateLimit float64
	RateBurst int

	Config *ServerConfig
}

// Server handles API requests.
type Server struct {
	sync     Synchronizer
	hub      *events.Hub
	seed     func() ([]rules.Builder, error)
	tasks    func() []scheduler.TaskStatus
	health   *health.Checker
	logger   *logging.Logger
	metrics  *metrics.Registry
	gatherer prometheus.Gatherer
	limiter  *ratelimit.Limiter
	ws       *WSManager
	cfg      *ServerConfig

	mux *http.ServeMux
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Sync == nil {
		return nil, errors.New("api: synchronizer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	seed := opts.Seed
	if seed == nil {
		seed = rules.DefaultSeed
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker(2 * time.Second)
	}

	s := &Server{
		sync:     opts.Sync,
		hub:      opts.Events,
		seed:     seed,
		tasks:    opts.Tasks,
		health:   checker,
		logger:   logger,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		limiter:  ratelimit.NewLimiter(opts.RateLimit, opts.RateBurst),
		cfg:      cfg,
		mux:      http.NewServeMux(),
	}
	if opts.Events != nil {
		s.ws = NewWSManager(opts.Events, logger)
	}
	s.registerChecks()
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	mux := s.mux

	mux.HandleFunc("GET /healthz", s.health.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/brand", s.handleBrand)

	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.Handle("POST /api/rules", s.limit(s.handleCreateRule))
	mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	mux.Handle("PUT /api/rules/{id}", s.limit(s.handleEditRule))
	mux.Handle("DELETE /api/rules/{id}", s.limit(s.handleDeleteRule))
	mux.Handle("POST /api/rules/{id}/enable", s.limit(s.handleToggle(true)))
	mux.Handle("POST /api/rules/{id}/disable", s.limit(s.handleToggle(false)))
	mux.Handle("PUT /api/rules/{id}/group", s.limit(s.handleRegroup))

	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/whitelist", s.handleListWhitelist)
	mux.Handle("POST /api/whitelist", s.limit(s.handleCreateWhitelist))

	mux.HandleFunc("POST /api/urls/params", s.handleURLParams)
	mux.HandleFunc("POST /api/urls/clean", s.handleURLClean)
	mux.HandleFunc("GET /api/engine", s.handleEngine)

	mux.Handle("POST /api/reconcile", s.limit(s.handleReconcile))
	mux.Handle("POST /api/seed", s.limit(s.handleSeed))
	mux.HandleFunc("GET /api/tasks", s.handleTasks)

	if s.ws != nil {
		mux.HandleFunc("GET /api/ws/events", s.ws.ServeHTTP)
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return i18n.Middleware(s.accessLog(s.mux))
}

// limit applies the per-client token bucket.
func (s *Server) limit(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(getClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	})
}

// Serve runs the server on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	s.limiter.StartCleanup(10*time.Minute, time.Hour, stopCleanup)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if s.ws != nil {
		s.ws.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// registerChecks adds the rule store and engine capacity checks.
func (s *Server) registerChecks() {
	s.health.Register("rules", health.Probe(func(ctx context.Context) error {
		_, err := s.sync.List(ctx)
		return err
	}))
	s.health.Register("engine", health.Capacity(func(ctx context.Context) (int, int, error) {
		active, err := s.sync.Active(ctx)
		return len(active), s.sync.MaxRules(), err
	}, 0.9))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	statuses := []scheduler.TaskStatus{}
	if s.tasks != nil {
		statuses = s.tasks()
	}
	WriteJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"name":    brand.Name,
		"version": brand.Version,
		"commit":  brand.GitCommit,
	})
}
