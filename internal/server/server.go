// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/solvpn/solvpn/internal/config"
	"github.com/solvpn/solvpn/internal/health"
	"github.com/solvpn/solvpn/internal/invoice"
	"github.com/solvpn/solvpn/internal/ledger"
	"github.com/solvpn/solvpn/internal/logging"
	"github.com/solvpn/solvpn/internal/metrics"
	"github.com/solvpn/solvpn/internal/money"
	"github.com/solvpn/solvpn/internal/notify"
	"github.com/solvpn/solvpn/internal/processor"
	"github.com/solvpn/solvpn/internal/provision"
	"github.com/solvpn/solvpn/internal/purchase"
	"github.com/solvpn/solvpn/internal/ratelimit"
	"github.com/solvpn/solvpn/internal/reconcile"
	"github.com/solvpn/solvpn/internal/referral"
	"github.com/solvpn/solvpn/internal/security"
	"github.com/solvpn/solvpn/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	invoices     invoice.Store
	sublinks     provision.Store
	referrals    *referral.Service
	flow         *purchase.Flow
	reconciler   *reconcile.Reconciler
	notifier     notify.Notifier
	panel        provision.Client
	processor    processor.Client
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithProcessor sets a custom payment processor client (for testing)
func WithProcessor(p processor.Client) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// WithPanel sets a custom VPN panel client (for testing)
func WithPanel(p provision.Client) Option {
	return func(s *Server) {
		s.panel = p
	}
}

// WithNotifier sets a custom notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory).
	// The settler is storage-specific: with Postgres the status flip and the
	// balance credit share one transaction.
	var settler reconcile.SettlementStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore)

		invoiceStore := invoice.NewPostgresStore(db)
		if err := invoiceStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate invoice store", "error", err)
		}
		s.invoices = invoiceStore

		sublinkStore := provision.NewPostgresStore(db)
		if err := sublinkStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate sublink store", "error", err)
		}
		s.sublinks = sublinkStore

		referralStore := referral.NewPostgresStore(db)
		if err := referralStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate referral store", "error", err)
		}
		s.referrals = referral.NewService(referralStore, cfg.ReferralPercent)

		settler = reconcile.NewPostgresSettlement(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		accountStore := ledger.NewMemoryStore()
		s.ledger = ledger.New(accountStore)

		invoiceStore := invoice.NewMemoryStore()
		s.invoices = invoiceStore

		s.sublinks = provision.NewMemoryStore()
		s.referrals = referral.NewService(referral.NewMemoryStore(), cfg.ReferralPercent)

		settler = reconcile.NewMemorySettlement(invoiceStore, accountStore)
	}

	// Sales catalog from configured plans
	catalog, err := purchase.NewCatalog(cfg.Plans, cfg.PlanMonths)
	if err != nil {
		return nil, fmt.Errorf("invalid plan configuration: %w", err)
	}
	topUps := make([]money.Amount, 0, len(cfg.TopUpAmounts))
	for _, raw := range cfg.TopUpAmounts {
		a, err := money.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid top-up amount %q: %w", raw, err)
		}
		topUps = append(topUps, a)
	}

	// Create upstream clients if not injected
	if s.notifier == nil {
		if cfg.TelegramToken != "" {
			s.notifier = notify.NewTelegram(cfg.TelegramAPIBase, cfg.TelegramToken)
			s.logger.Info("telegram notifications enabled")
		} else {
			s.notifier = notify.Noop{}
			s.logger.Info("notifications disabled (no BOT_TOKEN)")
		}
	}
	if s.panel == nil {
		if cfg.PanelBaseURL != "" {
			if err := security.ValidateEndpointURL(cfg.PanelBaseURL); err != nil {
				s.logger.Warn("panel URL failed safety check", "url", cfg.PanelBaseURL, "error", err)
			}
		}
		s.panel = provision.NewPanelClient(cfg.PanelBaseURL, cfg.PanelToken)
	}
	if s.processor == nil {
		if err := security.ValidateEndpointURL(cfg.ProcessorBaseURL); err != nil {
			s.logger.Warn("processor URL failed safety check", "url", cfg.ProcessorBaseURL, "error", err)
		}
		s.processor = processor.NewCryptoPayClient(cfg.ProcessorBaseURL, cfg.ProcessorToken)
	}

	s.flow = purchase.New(purchase.Config{
		Catalog:       catalog,
		Ledger:        s.ledger,
		Invoices:      s.invoices,
		Processor:     s.processor,
		Panel:         s.panel,
		Sublinks:      s.sublinks,
		Notifier:      s.notifier,
		Logger:        s.logger,
		Currency:      cfg.ProcessorCurrency,
		InvoiceExpiry: int(cfg.InvoiceExpirySecs),
		TopUpAmounts:  topUps,
	})

	s.reconciler = reconcile.New(settler, s.ledger, s.referrals, s.notifier, s.flow, s.logger)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Unhealthy("database", err)
			}
			return health.OK("database")
		})
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting; processor callbacks and probes are exempt
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware("/v1/payments/webhook", "/health"))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
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
	// Health checks
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus metrics
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Payment processor callbacks
	webhookHandler := reconcile.NewHandler(s.reconciler, s.cfg.WebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	// Chat gateway (one endpoint; the bot transport relays updates here)
	v1.POST("/chat/updates", s.chatUpdateHandler)

	// Account queries
	users := v1.Group("/users/:telegramId", validation.TelegramIDParamMiddleware())
	users.GET("/balance", s.balanceHandler)
	users.GET("/subscriptions", s.subscriptionsHandler)
	users.GET("/history", s.historyHandler)
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
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// userFromParam loads the account for the :telegramId path parameter. The
// middleware already rejected non-numeric values.
func (s *Server) userFromParam(c *gin.Context) (*ledger.User, bool) {
	telegramID, _ := strconv.ParseInt(c.Param("telegramId"), 10, 64)
	user, err := s.ledger.ByTelegramID(c.Request.Context(), telegramID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "user_not_found",
			"message": "No account for this Telegram ID",
		})
		return nil, false
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("load user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return nil, false
	}
	return user, true
}

func (s *Server) balanceHandler(c *gin.Context) {
	user, ok := s.userFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   user.ID,
		"balance":  user.Balance.String(),
		"currency": s.cfg.ProcessorCurrency,
	})
}

func (s *Server) subscriptionsHandler(c *gin.Context) {
	user, ok := s.userFromParam(c)
	if !ok {
		return
	}
	subs, err := s.sublinks.ListByUser(c.Request.Context(), user.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("list sublinks", "user", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*provision.Sublink{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) historyHandler(c *gin.Context) {
	user, ok := s.userFromParam(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	entries, err := s.ledger.History(c.Request.Context(), user.ID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("load history", "user", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load history",
		})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
