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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/quizlive/integrity/internal/activitylog"
	"github.com/quizlive/integrity/internal/auth"
	"github.com/quizlive/integrity/internal/collusion"
	"github.com/quizlive/integrity/internal/config"
	"github.com/quizlive/integrity/internal/health"
	"github.com/quizlive/integrity/internal/logging"
	"github.com/quizlive/integrity/internal/metrics"
	"github.com/quizlive/integrity/internal/ratelimit"
	"github.com/quizlive/integrity/internal/realtime"
	"github.com/quizlive/integrity/internal/report"
	"github.com/quizlive/integrity/internal/risk"
	"github.com/quizlive/integrity/internal/security"
	"github.com/quizlive/integrity/internal/sentinel"
	"github.com/quizlive/integrity/internal/session"
	"github.com/quizlive/integrity/internal/telemetry"
	"github.com/quizlive/integrity/internal/validation"
	"github.com/quizlive/integrity/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	sessions     session.Store
	activityLog  *activitylog.Log
	scorer       *risk.Scorer
	generator    *report.Generator
	sentinel     *sentinel.Sentinel
	authMgr      *auth.Manager
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var eventStore activitylog.Store
	var authStore auth.Store
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
		s.sessions = session.NewPostgresStore(db)
		eventStore = activitylog.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.sessions = session.NewMemoryStore()
		eventStore = activitylog.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Realtime hub for WebSocket streaming to reviewer dashboards
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Webhook dispatcher + emitter for external reviewer tooling
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)
	s.logger.Info("webhooks enabled")

	// Activity log: the single source of truth. Every appended event fans
	// out to the realtime hub; critical events also reach webhook targets.
	policy := telemetry.DefaultPolicy()
	s.activityLog = activitylog.New(eventStore,
		activitylog.WithLogger(s.logger),
		activitylog.WithPolicy(policy),
		activitylog.WithMaxFullscreenExits(cfg.MaxFullscreenExits),
		activitylog.WithNotifier(s.realtimeHub),
		activitylog.WithNotifier(s.emitter),
	)

	// Scoring and analysis
	s.scorer = risk.NewScorer(policy)
	s.generator = report.NewGenerator(s.sessions, s.activityLog, collusion.NewDetector(), s.scorer)

	// Sentinel: connection-level anomaly rules on the submission path
	s.sentinel = sentinel.New(s.activityLog, sentinel.WithLogger(s.logger))
	s.logger.Info("sentinel rules enabled",
		"maxFullscreenExits", cfg.MaxFullscreenExits,
	)

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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming to reviewer dashboards
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate identifier URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware("sessionId", "userId", "eventId"))

	// Session lifecycle + answer submission (quiz-delivery boundary).
	// End-of-session fans out to the sentinel, the realtime hub, and
	// webhook targets through one observer.
	observer := &sessionObserver{
		sentinel: s.sentinel,
		hub:      s.realtimeHub,
		emitter:  s.emitter,
	}
	sessionHandler := session.NewHandler(s.sessions, s.activityLog, observer)
	sessionHandler.RegisterRoutes(v1)

	// Telemetry ingestion + reviewer reads
	activityHandler := activitylog.NewHandler(s.activityLog, s.scorer)
	activityHandler.RegisterRoutes(v1)

	// Integrity reports, with post-generation fan-out
	reportHandler := report.NewHandler(s.generator).
		WithEvents(&reportEventEmitter{hub: s.realtimeHub, emitter: s.emitter})
	reportHandler.RegisterRoutes(v1)

	// REVIEWER REGISTRATION (returns API key)
	v1.POST("/reviewers", auth.RequireAdmin(s.cfg.AdminSecret), s.registerReviewerWithAPIKey)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require reviewer API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// Acknowledgement mutates reviewer annotations
		activityHandler.RegisterProtectedRoutes(protected)

		// Webhook subscription management
		webhookHandler := webhooks.NewHandler(s.webhookStore, s.dispatcher)
		webhookHandler.RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentReviewer)
	}
}

// registerReviewerWithAPIKey handles POST /v1/reviewers
// This creates a reviewer identity and returns its first API key. The route
// is mounted behind auth.RequireAdmin, which enforces X-Admin-Secret when
// configured and leaves the endpoint open for bootstrap in development.
func (s *Server) registerReviewerWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	// Parse request
	var req struct {
		ReviewerID string `json:"reviewerId" binding:"required"`
		Name       string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Validate identifier format
	if !validation.IsValidID(req.ReviewerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identifier",
			"message": "reviewerId must be an identifier (alphanumeric, dash, underscore, dot; max 64 chars)",
		})
		return
	}

	// Sanitize string fields
	req.Name = validation.SanitizeString(req.Name, 200)
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.ReviewerID, req.Name)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register reviewer",
		})
		return
	}

	s.logger.Info("reviewer registered with API key",
		"reviewerId", keyInfo.ReviewerID,
		"keyId", keyInfo.ID,
	)

	// Return reviewer and API key
	c.JSON(http.StatusCreated, gin.H{
		"reviewerId": keyInfo.ReviewerID,
		"apiKey":     rawKey,
		"keyId":      keyInfo.ID,
		"warning":    "Store this API key securely. It will not be shown again.",
		"usage":      "Include 'Authorization: Bearer <apiKey>' header in requests.",
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "QuizLive Integrity",
		"description": "Live-session integrity and anti-cheat engine",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"ingest":  "POST /v1/sessions/{sessionId}/events",
			"events":  "GET /v1/sessions/{sessionId}/events",
			"risk":    "GET /v1/sessions/{sessionId}/users/{userId}/risk",
			"report":  "GET /v1/sessions/{sessionId}/report",
			"stream":  "GET /ws",
			"metrics": "GET /metrics",
		},
	})
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, collectors)
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// sessionObserver fans out session lifecycle signals: the sentinel tracks
// connections for anomaly rules, the hub and emitter notify subscribers when
// the session reaches its terminal state.
type sessionObserver struct {
	sentinel *sentinel.Sentinel
	hub      *realtime.Hub
	emitter  *webhooks.Emitter
}

func (o *sessionObserver) Observe(ctx context.Context, sessionID, userID, remoteIP string) {
	o.sentinel.Observe(ctx, sessionID, userID, remoteIP)
}

func (o *sessionObserver) EndSession(sessionID string) {
	o.sentinel.EndSession(sessionID)
	if o.hub != nil {
		o.hub.BroadcastSessionEnded(sessionID)
	}
	if o.emitter != nil {
		o.emitter.EmitSessionEnded(sessionID)
	}
}

// reportEventEmitter adapts the hub and webhook emitter to report.EventEmitter
type reportEventEmitter struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
}

func (e *reportEventEmitter) ReportGenerated(sessionID string, participants, findings int) {
	if e.hub != nil {
		e.hub.BroadcastReportGenerated(sessionID)
	}
	if e.emitter != nil {
		e.emitter.EmitReportGenerated(sessionID, participants, findings)
	}
}
