// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/events"
	"github.com/mbd888/escrowsync/internal/health"
	"github.com/mbd888/escrowsync/internal/ledger"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/ratelimit"
	"github.com/mbd888/escrowsync/internal/realtime"
	"github.com/mbd888/escrowsync/internal/reconciliation"
	"github.com/mbd888/escrowsync/internal/security"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/txstore"
	"github.com/mbd888/escrowsync/internal/validation"
	"github.com/mbd888/escrowsync/internal/webhooks"
)

// ActorHeader identifies the caller on every /v1 request.
const ActorHeader = "X-Actor-ID"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         txstore.Store
	closers       []io.Closer
	db            *sql.DB // nil unless the postgres driver is selected
	ledger        *ledger.Ledger
	bus           *events.Bus
	escrowService *escrow.Service
	monitor       *escrow.Monitor
	reconciler    *reconciliation.Timer
	realtimeHub   *realtime.Hub
	hookStore     *webhooks.RecordStore
	hooks         *webhooks.Dispatcher
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var ledgerStore ledger.Store
	var err error
	s.store, ledgerStore, err = s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	s.bus = events.NewBus(s.logger)
	s.ledger = ledger.New(ledgerStore).WithNotifier(s.bus)
	if err := s.seedWallets(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	s.escrowService = escrow.NewService(s.store, s.ledger).
		WithTerms(escrow.Terms{MinAmount: cfg.MinAmount, Fee: cfg.Fee, HoldAmount: cfg.HoldAmount}).
		WithEvents(s.bus).
		WithLogger(s.logger)
	s.monitor = escrow.NewMonitor(s.escrowService, cfg.ExpirySweepInterval, s.logger)
	s.logger.Info("escrow enabled",
		"minAmount", cfg.MinAmount,
		"fee", cfg.Fee,
		"holdAmount", cfg.HoldAmount,
		"sweepInterval", cfg.ExpirySweepInterval,
	)

	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(s.ledger, s.escrowService.Repository()),
		cfg.ReconcileInterval, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus.SubscribeAll(s.realtimeHub.Handle)

	s.hookStore = webhooks.NewRecordStore(s.store)
	s.hooks = webhooks.NewDispatcher(s.hookStore, webhooks.DefaultConfig, s.logger)
	s.bus.SubscribeAll(s.hooks.Handle)

	s.health = health.NewRegistry()
	s.health.Register("store", health.PingChecker("store", s.store))
	s.health.Register("expiry_monitor", health.RunningChecker("expiry_monitor", s.monitor.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStores picks the record and ledger backends named by STORE_DRIVER.
func (s *Server) openStores(ctx context.Context) (txstore.Store, ledger.Store, error) {
	switch s.cfg.StoreDriver {
	case config.DriverBolt:
		bs, err := txstore.OpenBoltStore(s.cfg.BoltPath, nil)
		if err != nil {
			return nil, nil, err
		}
		ls, err := ledger.NewBoltStore(bs.DB())
		if err != nil {
			_ = bs.Close()
			return nil, nil, err
		}
		s.closers = append(s.closers, bs)
		s.logger.Info("using bolt storage", "path", s.cfg.BoltPath)
		return bs, ls, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.closers = append(s.closers, db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return txstore.NewPostgresStore(db), ledger.NewPostgresStore(db), nil

	default:
		s.logger.Info("using in-memory storage (data will not persist)")
		return txstore.NewMemoryStore(), ledger.NewMemoryStore(), nil
	}
}

// seedWallets funds configured wallets that are still empty, so restarting
// against a durable store does not deposit twice.
func (s *Server) seedWallets(ctx context.Context) error {
	for actor, amount := range s.cfg.SeedBalances {
		bal, err := s.ledger.Balance(ctx, actor)
		if err != nil {
			return fmt.Errorf("seed %s: %w", actor, err)
		}
		if bal.TotalIn > 0 {
			continue
		}
		if _, err := s.ledger.Deposit(ctx, actor, amount, "seed"); err != nil {
			return fmt.Errorf("seed %s: %w", actor, err)
		}
		s.logger.Info("seeded wallet", "actor", bal.ActorID, "amount", amount)
	}
	return nil
}

func (s *Server) closeStores() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}
	s.closers = nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler(5*time.Second))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/health/reconciliation", s.reconciliationHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         2 * s.cfg.RateLimitRPS,
	})

	// Actor is resolved before rate limiting so limits are per caller.
	v1 := s.router.Group("/v1")
	v1.Use(validation.ActorHeaderMiddleware(ActorHeader))
	v1.Use(s.rateLimiter.Middleware())

	escrow.NewHandler(s.escrowService, s.ledger).RegisterRoutes(v1)
	webhooks.NewHandler(s.hookStore, s.hooks).RegisterRoutes(v1)
	v1.GET("/ws", s.realtimeHub.GinHandler())
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconciliationHandler runs the conservation check on demand.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report, err := s.reconciler.RunNow(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "reconciliation failed",
		})
		return
	}
	status := http.StatusOK
	if !report.Match {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"report": report})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: realtime hub, webhook workers,
// expiry monitor, reconciliation, DB stats and tracing. Run calls it; tests that drive the router directly can
// call it on their own.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, "escrowsync", s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	go s.realtimeHub.Run(runCtx)
	s.hooks.Start(runCtx)
	go s.monitor.Start(runCtx)
	if s.cfg.ReconcileInterval > 0 {
		go s.reconciler.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "store", s.cfg.StoreDriver)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, monitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.monitor.Stop()
	s.reconciler.Stop()
	s.hooks.Stop()
	s.logger.Info("expiry monitor stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Escrow returns the engine, for tests and in-process observers.
func (s *Server) Escrow() *escrow.Service {
	return s.escrowService
}

// Ledger returns the wallet ledger.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// Monitor returns the expiry monitor.
func (s *Server) Monitor() *escrow.Monitor {
	return s.monitor
}
