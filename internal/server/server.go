// Package server wires the authorization engine together and serves it over
// HTTP: storage selection, the external ledger binding, notification sinks,
// middleware, routes, health and graceful shutdown.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/trustbank/internal/access"
	"github.com/mbd888/trustbank/internal/auth"
	"github.com/mbd888/trustbank/internal/chain"
	"github.com/mbd888/trustbank/internal/circuitbreaker"
	"github.com/mbd888/trustbank/internal/config"
	"github.com/mbd888/trustbank/internal/geo"
	"github.com/mbd888/trustbank/internal/health"
	"github.com/mbd888/trustbank/internal/ledger"
	"github.com/mbd888/trustbank/internal/logging"
	"github.com/mbd888/trustbank/internal/metrics"
	"github.com/mbd888/trustbank/internal/money"
	"github.com/mbd888/trustbank/internal/notify"
	"github.com/mbd888/trustbank/internal/ratelimit"
	"github.com/mbd888/trustbank/internal/realtime"
	"github.com/mbd888/trustbank/internal/risk"
	"github.com/mbd888/trustbank/internal/security"
	"github.com/mbd888/trustbank/internal/stepup"
	"github.com/mbd888/trustbank/internal/telemetry"
	"github.com/mbd888/trustbank/internal/trust"
	"github.com/mbd888/trustbank/internal/users"
	"github.com/mbd888/trustbank/internal/validation"
)

// Version is reported by /health and /v1/info. cmd/server overrides it
// from ldflags.
var Version = "dev"

const (
	purgeInterval = time.Minute
	dbStatsPeriod = 15 * time.Second
)

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	db     *sql.DB
	router *gin.Engine
	logger *slog.Logger

	httpSrv       *http.Server
	rateLimiter   *ratelimit.Limiter
	verifyLimiter *ratelimit.Limiter

	access      *access.Service
	handler     *access.Handler
	telemetry   *telemetry.Handler
	authManager *auth.Manager
	users       *users.Service
	evaluator   *risk.Evaluator
	controller  *stepup.Controller
	purgeTimer  *stepup.Timer
	coordinator *ledger.Coordinator
	binding     ledger.Binding
	hub         *realtime.Hub
	checks      *health.Registry

	geoBreaker    *circuitbreaker.Breaker
	ledgerBreaker *circuitbreaker.Breaker

	// Overrides, set by options before wiring.
	notifier     notify.Notifier
	bindingSet   bool
	drainTimeout time.Duration

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBinding replaces the ledger binding built from config.
func WithBinding(b ledger.Binding) Option {
	return func(s *Server) {
		s.binding = b
		s.bindingSet = true
	}
}

// WithNotifier replaces the mail and webhook sinks built from config.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithDrainTimeout sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.drainTimeout = d
	}
}

// stores is the persistence selected at startup.
type stores struct {
	users   users.Store
	keys    auth.Store
	trust   trust.Store
	pending stepup.Store
	ledger  ledger.Store
	cursor  telemetry.Store
}

// New creates a new server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        slog.Default(),
		drainTimeout:  5 * time.Second,
		geoBreaker:    circuitbreaker.New("geocoder", 3, time.Minute),
		ledgerBreaker: circuitbreaker.New("ledger_rpc", 5, 30*time.Second),
	}

	for _, opt := range opts {
		opt(s)
	}

	st, err := s.openStores()
	if err != nil {
		return nil, err
	}

	weights := risk.DefaultWeights()
	if cfg.WeightsFile != "" {
		weights, err = risk.LoadWeights(cfg.WeightsFile)
		if err != nil {
			return nil, fmt.Errorf("load risk weights: %w", err)
		}
		s.logger.Info("risk weights loaded", "file", cfg.WeightsFile, "max_score", weights.Max())
	}
	s.evaluator, err = risk.NewEvaluator(weights)
	if err != nil {
		return nil, fmt.Errorf("risk weights: %w", err)
	}

	policy := cfg.Policy()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("risk policy: %w", err)
	}

	updater := trust.NewUpdater(st.trust, policy.StepUp, s.logger)
	if g := s.geocoder(); g != nil {
		updater.WithGeocoder(g)
	}

	reporter := notify.NewReporter(s.buildNotifier(), s.logger)
	s.controller = stepup.NewController(st.pending, reporter, cfg.StepUpTTL, s.logger).
		WithRetention(cfg.StepUpRetention)
	s.purgeTimer = stepup.NewTimer(s.controller, purgeInterval, s.logger)

	if !s.bindingSet {
		s.binding = chain.Bind(chain.Config{
			RPCURL:         cfg.LedgerRPCURL,
			PrivateKey:     cfg.LedgerPrivateKey,
			ChainID:        cfg.LedgerChainID,
			Contract:       cfg.LedgerContract,
			ConfirmTimeout: cfg.LedgerConfirmTimeout,
		}, s.logger, chain.WithBreaker(s.ledgerBreaker))
	}
	s.coordinator = ledger.NewCoordinator(st.ledger, s.binding, s.logger)

	s.hub = realtime.NewHub(cfg.OpsToken, s.logger)
	s.users = users.NewService(st.users, s.logger)
	s.authManager = auth.NewManager(st.keys, s.logger)
	recorder := telemetry.NewRecorder(st.cursor, telemetry.DefaultMaxSessions, s.logger)

	s.access = access.NewService(st.trust, s.evaluator, policy, updater, s.controller, s.coordinator, s.logger).
		WithDirectory(s.users).
		WithAlerts(reporter).
		WithEvents(s.hub).
		WithAccounts(s.users, s.authManager).
		WithPointerSource(recorder).
		WithLoginStepUp(cfg.LoginStepUp)

	s.verifyLimiter = ratelimit.New(ratelimit.StepUpConfig())
	s.handler = access.NewHandler(s.access, s.users, s.authManager).
		WithVerifyGuard(s.verifyLimiter.Middleware(ratelimit.ByContextKey(auth.ContextKeyUserID)))
	s.telemetry = telemetry.NewHandler(recorder)

	s.checks = s.healthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStores picks PostgreSQL when DATABASE_URL is set, memory otherwise.
func (s *Server) openStores() (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return &stores{
			users:   users.NewMemoryStore(),
			keys:    auth.NewMemoryStore(),
			trust:   trust.NewMemoryStore(),
			pending: stepup.NewMemoryStore(),
			ledger:  ledger.NewMemoryStore(),
			cursor:  telemetry.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))

	userStore := users.NewPostgresStore(db)
	keyStore := auth.NewPostgresStore(db)
	trustStore := trust.NewPostgresStore(db)
	pendingStore := stepup.NewPostgresStore(db)
	ledgerStore := ledger.NewPostgresStore(db)
	cursorStore := telemetry.NewPostgresStore(db)

	// Order matters: later tables reference users.
	migrations := []struct {
		name string
		run  func(context.Context) error
	}{
		{"users", userStore.Migrate},
		{"api_keys", keyStore.Migrate},
		{"trust", trustStore.Migrate},
		{"pending_actions", pendingStore.Migrate},
		{"ledger", ledgerStore.Migrate},
		{"cursor_strokes", cursorStore.Migrate},
	}
	for _, m := range migrations {
		if err := m.run(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate %s: %w", m.name, err)
		}
	}

	return &stores{
		users:   userStore,
		keys:    keyStore,
		trust:   trustStore,
		pending: pendingStore,
		ledger:  ledgerStore,
		cursor:  cursorStore,
	}, nil
}

// geocoder returns nil when none is configured or the URL is rejected.
func (s *Server) geocoder() trust.Geocoder {
	if s.cfg.GeocoderURL == "" {
		return nil
	}
	g, err := geo.New(s.cfg.GeocoderURL, geo.WithBreaker(s.geoBreaker), geo.WithLogger(s.logger))
	if err != nil {
		s.logger.Warn("geocoder disabled", "error", err)
		return nil
	}
	return g
}

// buildNotifier sends mail when SMTP is configured and logs otherwise. A
// configured webhook receives the same events.
func (s *Server) buildNotifier() notify.Notifier {
	if s.notifier != nil {
		return s.notifier
	}

	var base notify.Notifier = notify.NewLogNotifier(s.logger)
	if s.cfg.SMTPHost != "" {
		m, err := notify.NewMailer(notify.MailerConfig{
			Host:      s.cfg.SMTPHost,
			Port:      s.cfg.SMTPPort,
			Username:  s.cfg.SMTPUsername,
			Password:  s.cfg.SMTPPassword,
			From:      s.cfg.MailFrom,
			ClientURL: s.cfg.ClientURL,
		})
		if err != nil {
			s.logger.Warn("mailer disabled, codes will be logged", "error", err)
		} else {
			base = m
		}
	} else if s.cfg.IsProduction() {
		s.logger.Warn("SMTP_HOST not set: verification codes are only logged")
	}

	if s.cfg.AlertWebhookURL == "" {
		return base
	}
	wh, err := notify.NewWebhook(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret)
	if err != nil {
		s.logger.Warn("alert webhook disabled", "error", err)
		return base
	}
	return notify.Multi{base, wh}
}

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry()
	if s.db != nil {
		reg.Register("database", health.Database(s.db))
	}
	if s.binding.Configured() {
		reg.RegisterInformational("ledger", health.Static("configured"))
	} else {
		reg.RegisterInformational("ledger", health.Static("not configured: "+s.binding.Reason()))
	}
	reg.RegisterInformational("ledger_rpc", health.Breaker(s.ledgerBreaker))
	reg.RegisterInformational("geocoder", health.Breaker(s.geoBreaker))
	reg.RegisterInformational("pending_purge", func(context.Context) health.Status {
		return health.Status{Healthy: s.purgeTimer.Running()}
	})
	return reg
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "postgres://***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.Redacted()
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	var origins []string
	if s.cfg.ClientURL != "" {
		origins = []string{s.cfg.ClientURL}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClient))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Operator event stream; the hub checks X-Ops-Token itself.
	s.router.GET("/ws/security", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authManager))
	v1.GET("/info", s.infoHandler)

	s.handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	s.handler.RegisterProtectedRoutes(protected)
	s.telemetry.RegisterProtectedRoutes(protected)
	auth.NewHandler(s.authManager).RegisterRoutes(protected)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Stream    map[string]any  `json:"stream,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Stream:    s.hub.Stats(),
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

// readinessHandler requires startup to have finished and every critical
// dependency to answer.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// infoHandler describes the active risk policy and ledger binding.
func (s *Server) infoHandler(c *gin.Context) {
	p := s.access.Policy()
	ledgerInfo := gin.H{"configured": s.binding.Configured()}
	if !s.binding.Configured() {
		ledgerInfo["reason"] = s.binding.Reason()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    "TrustBank",
		"version": Version,
		"policy": gin.H{
			"blockThreshold":      p.Block,
			"stepUpThreshold":     p.StepUp,
			"stepUpValue":         money.Format(p.Value),
			"stepUpCodeTTL":       s.controller.TTL().String(),
			"loginStepUp":         s.cfg.LoginStepUp,
			"maxScore":            s.evaluator.MaxScore(),
			"weights":             s.evaluator.Weights(),
			"verifyAttemptsLimit": ratelimit.StepUpConfig().RequestsPerMinute,
		},
		"ledger": ledgerInfo,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown to stop background goroutines.
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
			"ledger_configured", s.binding.Configured(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.purgeTimer.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, dbStatsPeriod)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.purgeTimer.Stop()
	s.rateLimiter.Stop()
	s.verifyLimiter.Stop()

	if closer, ok := s.binding.Chain().(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("ledger client close error", "error", err)
		}
	}

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

// Access returns the authorization engine, for in-process tooling.
func (s *Server) Access() *access.Service {
	return s.access
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
