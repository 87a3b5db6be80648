// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/catalog"
	"github.com/mbd888/settle/internal/circuitbreaker"
	"github.com/mbd888/settle/internal/config"
	"github.com/mbd888/settle/internal/fees"
	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/health"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/notify"
	"github.com/mbd888/settle/internal/orders"
	"github.com/mbd888/settle/internal/ratelimit"
	"github.com/mbd888/settle/internal/realtime"
	"github.com/mbd888/settle/internal/scheduler"
	"github.com/mbd888/settle/internal/security"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/validation"
	"github.com/mbd888/settle/internal/withdrawals"
	"github.com/mbd888/settle/migrations"
)

// sandboxWebhookSecret signs sandbox webhooks when WEBHOOK_SECRET is unset.
const sandboxWebhookSecret = "whsec_sandbox"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	version        string
	authMgr        *auth.Manager
	ledger         *ledger.Ledger
	payments       *gateway.Service
	orders         *orders.Service
	withdrawals    *withdrawals.Service
	catalog        catalog.Catalog
	offers         *catalog.MemoryCatalog // nil when CATALOG_URL is set
	paymentAPI     gateway.Provider
	payoutAPI      withdrawals.PayoutProvider
	realtimeHub    *realtime.Hub
	notifyHook     *notify.Webhook
	scheduler      *scheduler.Scheduler
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithVersion sets the build version reported by traces and /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithPaymentProvider replaces the processor picked from GATEWAY_PROVIDER (for testing)
func WithPaymentProvider(p gateway.Provider) Option {
	return func(s *Server) {
		s.paymentAPI = p
	}
}

// WithPayoutProvider replaces the payout rail picked from GATEWAY_PROVIDER (for testing)
func WithPayoutProvider(p withdrawals.PayoutProvider) Option {
	return func(s *Server) {
		s.payoutAPI = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set providers/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	schedule, err := fees.Parse(cfg.PlatformFeePct, cfg.WithdrawalFeePct, cfg.WithdrawalFeeFlat)
	if err != nil {
		return nil, fmt.Errorf("invalid fee configuration: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore     ledger.Store
		orderStore      orders.Store
		withdrawalStore withdrawals.Store
		paymentStore    gateway.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.db = db
		pgLedger := ledger.NewPostgresStore(db)
		ledgerStore = pgLedger
		orderStore = orders.NewPostgresStore(db, pgLedger)
		withdrawalStore = withdrawals.NewPostgresStore(db, pgLedger)
		paymentStore = gateway.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		memLedger := ledger.NewMemoryStore()
		ledgerStore = memLedger
		orderStore = orders.NewMemoryStore(memLedger)
		withdrawalStore = withdrawals.NewMemoryStore(memLedger)
		paymentStore = gateway.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.ledger = ledger.New(ledgerStore, s.logger)

	// External processors
	if s.paymentAPI == nil {
		s.paymentAPI = s.newPaymentProvider()
	}
	if s.payoutAPI == nil {
		if cfg.GatewayProvider == "stripe" {
			s.payoutAPI = withdrawals.NewStripePayouts(cfg.GatewayAPIKey, nil)
		} else {
			s.payoutAPI = withdrawals.NewSandboxPayouts()
		}
	}
	s.logger.Info("payment processor configured",
		"payments", s.paymentAPI.Name(),
		"payouts", s.payoutAPI.Name(),
	)

	// Catalog
	if cfg.CatalogURL != "" {
		s.catalog = catalog.NewHTTPCatalog(cfg.CatalogURL, cfg.CatalogTimeout)
		s.logger.Info("using remote catalog", "url", cfg.CatalogURL)
	} else {
		s.offers = catalog.NewMemoryCatalog()
		s.catalog = s.offers
		s.logger.Info("using in-memory catalog")
	}

	// Notifications fan out to the log, the operator stream and the
	// optional delivery webhook.
	s.realtimeHub = realtime.NewHub(s.logger)
	notifiers := notify.Multi{notify.NewLog(s.logger), s.realtimeHub}
	if cfg.NotifyWebhookURL != "" {
		hook, err := notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, cfg.IsDevelopment(), s.logger)
		if err != nil {
			return nil, err
		}
		s.notifyHook = hook
		notifiers = append(notifiers, hook)
		s.logger.Info("notification webhook enabled")
	}

	// Services
	breaker := circuitbreaker.New(5, 30*time.Second)
	caller := gateway.NewCaller(breaker, cfg.GatewayTimeout, cfg.GatewayRetryAttempts)

	s.payments = gateway.NewService(s.paymentAPI, paymentStore, s.logger).
		WithCaller(caller).
		WithPersistPolicy(cfg.WebhookPersistTries, cfg.WebhookPersistDelay).
		WithLimits(cfg.OrderMinAmount, cfg.OrderMaxAmount)

	s.orders = orders.NewService(orderStore, s.payments, s.catalog, s.logger).
		WithNotifier(notifiers).
		WithFees(schedule, cfg.PlatformAccountID).
		WithLimits(cfg.OrderMinAmount, cfg.OrderMaxAmount).
		WithCurrency(cfg.Currency)
	s.payments.WithOrders(s.orders)

	s.withdrawals = withdrawals.NewService(withdrawalStore, s.payoutAPI, s.logger).
		WithCaller(caller).
		WithNotifier(notifiers).
		WithFees(schedule, cfg.PlatformAccountID).
		WithLimits(cfg.WithdrawalMinAmount, cfg.WithdrawalMaxAmount, cfg.WithdrawalDailyCap).
		WithCurrency(cfg.Currency)

	// Sweeps
	s.scheduler = scheduler.New(s.logger,
		scheduler.ExpireUnpaidOrders(s.orders, cfg.UnpaidOrderTTL, cfg.SweepInterval),
		scheduler.AutoCompleteOrders(s.orders, cfg.ReviewGracePeriod, cfg.SweepInterval),
		scheduler.OverdueOrders(s.orders, cfg.SweepInterval),
		scheduler.ReconcilePayments(s.payments, cfg.PaymentReconcileAfter, cfg.SweepInterval),
		scheduler.AutoApproveWithdrawals(s.withdrawals, cfg.WithdrawalApprovalSLA, cfg.SweepInterval),
		scheduler.RetryPayouts(s.withdrawals, cfg.PayoutRetryAfter, cfg.SweepInterval),
		scheduler.LedgerAudit(s.ledger, cfg.LedgerAuditInterval),
	)

	// Readiness checks
	s.health = health.NewRegistry()
	s.health.Register("server", health.Flag("server", s.ready.Load, "starting or draining"))
	s.health.Register("scheduler", health.Flag("scheduler", s.scheduler.Running, "sweeps not running"))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) newPaymentProvider() gateway.Provider {
	if s.cfg.GatewayProvider == "stripe" {
		return gateway.NewStripeProvider(s.cfg.GatewayAPIKey, s.cfg.WebhookSecret, nil)
	}
	secret := s.cfg.WebhookSecret
	if secret == "" {
		secret = sandboxWebhookSecret
		s.logger.Warn("WEBHOOK_SECRET not set, sandbox webhooks use a fixed secret")
	}
	return gateway.NewSandboxProvider(secret, "")
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware(nil))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.health.ReadyHandler())
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	authn := auth.Middleware(s.authMgr, s.cfg.AdminSecret)

	paymentsHandler := gateway.NewHandler(s.payments)
	ordersHandler := orders.NewHandler(s.orders)
	withdrawalsHandler := withdrawals.NewHandler(s.withdrawals, s.cfg.PayoutWebhookSecret)
	ledgerHandler := ledger.NewHandler(s.ledger)
	authHandler := auth.NewHandler(s.authMgr)

	// Processor callbacks authenticate by signature, not API key
	paymentsHandler.RegisterWebhookRoutes(v1)
	withdrawalsHandler.RegisterWebhookRoutes(v1)
	if !s.cfg.IsProduction() {
		paymentsHandler.RegisterSandboxRoutes(v1)
	}

	protected := v1.Group("", authn, auth.RequireAuth())
	ordersHandler.RegisterProtectedRoutes(protected)
	withdrawalsHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)

	operators := v1.Group("", authn, auth.RequireAdmin())
	s.realtimeHub.RegisterAdminRoutes(operators)

	admin := v1.Group("/admin", authn, auth.RequireAdmin())
	authHandler.RegisterAdminRoutes(admin)
	paymentsHandler.RegisterAdminRoutes(admin)
	withdrawalsHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	scheduler.NewHandler(s.scheduler).RegisterAdminRoutes(admin)
	if s.offers != nil {
		catalog.NewHandler(s.offers).RegisterAdminRoutes(admin)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		// Still serving; readiness is what takes the instance out of rotation.
		if !s.healthy.Load() {
			httpStatus = http.StatusServiceUnavailable
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	if s.notifyHook != nil {
		s.notifyHook.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.scheduler.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Let in-flight sweeps finish before the stores go away
	s.scheduler.Stop()
	s.scheduler.Wait()
	s.logger.Info("scheduler stopped")

	// Cancel the context for the remaining background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.notifyHook != nil {
		s.notifyHook.Stop()
		s.logger.Info("notification webhook drained")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
