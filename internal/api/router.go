// Package api wires together all HTTP routes for the accessgate service.
//
// Route grouping:
//   - /verify/* is public. Politicians prove control of an email address there
//     and receive a session token.
//   - /auth/check/* is public and exists only to count attempts against the
//     signup and login rate limits for the frontend.
//   - /api/v1/* resolves the caller's principal first; individual routes then
//     require a politician or an admin.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/civic-directory/accessgate/internal/api/account"
	"github.com/civic-directory/accessgate/internal/api/admin"
	"github.com/civic-directory/accessgate/internal/api/verify"
	"github.com/civic-directory/accessgate/internal/audit"
	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/auth/idp"
	"github.com/civic-directory/accessgate/internal/config"
	"github.com/civic-directory/accessgate/internal/db/repositories"
	"github.com/civic-directory/accessgate/internal/jobs"
	"github.com/civic-directory/accessgate/internal/mailer"
	"github.com/civic-directory/accessgate/internal/middleware"
	"github.com/civic-directory/accessgate/internal/ratelimit"
	"github.com/civic-directory/accessgate/internal/sessions"
	"github.com/civic-directory/accessgate/internal/verification"
)

// Version is the service version reported by /version. Overridden at build
// time with -ldflags "-X .../internal/api.Version=...".
var Version = "0.1.0"

// Action classes limited by the /auth/check endpoints.
const (
	ActionSignup = "signup"
	ActionLogin  = "login"
)

// redisKeyPrefix namespaces every rate-limit counter this service writes.
const redisKeyPrefix = "accessgate:ratelimit:"

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ActionRules holds the rules enforced directly by route middleware.
type ActionRules struct {
	Signup ratelimit.Rule
	Login  ratelimit.Rule
}

// Services are the collaborators the routes are built on.
type Services struct {
	Verification *verification.Service
	Sessions     *sessions.Service
	Politicians  verify.PoliticianLookup
	Gate         *auth.Gate
	// Limiter may be nil, which disables action rate limiting.
	Limiter *ratelimit.Limiter
	Rules   ActionRules
	// Throttle may be nil, which disables the per-client HTTP throttle.
	Throttle middleware.Throttle
	// Audit may be nil, which discards audit events.
	Audit     *audit.Recorder
	AuditLogs admin.AuditLogLister
	// Liveness gates /health; Readiness additionally gates /ready.
	Liveness  HealthCheck
	Readiness []HealthCheck
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	pruner      *jobs.ExpiredSessionPruner
	memoryStore *ratelimit.MemoryStore
	throttle    *middleware.TokenBucketLimiter
	shipper     *audit.MultiShipper
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	if bg == nil {
		return
	}
	slog.Info("stopping background services")
	if bg.pruner != nil {
		bg.pruner.Stop()
	}
	if bg.memoryStore != nil {
		bg.memoryStore.Stop()
	}
	if bg.throttle != nil {
		bg.throttle.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter builds every service from cfg and returns the configured router.
// rdb is required only when rate_limiting.store is "redis". Background jobs
// run until ctx is cancelled or Shutdown is called.
func NewRouter(ctx context.Context, cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}
	svc, err := buildServices(ctx, cfg, db, rdb, bg)
	if err != nil {
		bg.Shutdown()
		return nil, nil, err
	}

	bg.pruner = jobs.NewExpiredSessionPruner(svc.Sessions, cfg.Sessions.PruneInterval, cfg.Sessions.PruneAfter)
	go bg.pruner.Start(ctx)
	slog.Info("expired session pruner started", "interval", cfg.Sessions.PruneInterval)

	return newEngine(cfg, svc), bg, nil
}

func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, rdb redis.UniversalClient, bg *BackgroundServices) (*Services, error) {
	// Initialize repositories
	politicianRepo := repositories.NewPoliticianRepository(db)
	profileRepo := repositories.NewProfileRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Wrap *sql.DB with sqlx for the verification and session repositories
	sqlxDB := sqlx.NewDb(db, "postgres")
	verificationRepo := repositories.NewEmailVerificationRepository(sqlxDB)
	sessionRepo := repositories.NewPoliticianSessionRepository(sqlxDB)

	svc := &Services{
		Politicians: politicianRepo,
		AuditLogs:   auditRepo,
		Rules: ActionRules{
			Signup: ruleFor(ActionSignup, cfg.RateLimiting.Rules.Signup),
			Login:  ruleFor(ActionLogin, cfg.RateLimiting.Rules.Login),
		},
		Liveness: HealthCheck{Name: "database", Check: db.PingContext},
	}
	svc.Readiness = []HealthCheck{svc.Liveness}

	useRedis := strings.EqualFold(cfg.RateLimiting.Store, "redis")
	if cfg.RateLimiting.Enabled {
		if useRedis {
			if rdb == nil {
				return nil, errors.New("rate_limiting.store is redis but no redis client was configured")
			}
			store := ratelimit.NewRedisStore(rdb, redisKeyPrefix)
			svc.Limiter = ratelimit.New(store)
			svc.Readiness = append(svc.Readiness, HealthCheck{Name: "redis", Check: store.Ping})
		} else {
			store := ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(cfg.RateLimiting.CleanupInterval))
			bg.memoryStore = store
			svc.Limiter = ratelimit.New(store)
		}
		slog.Info("rate limiting enabled", "store", cfg.RateLimiting.Store)

		if cfg.RateLimiting.HTTP.RequestsPerMinute > 0 {
			throttleCfg := middleware.RateLimitConfig{
				RequestsPerMinute: cfg.RateLimiting.HTTP.RequestsPerMinute,
				BurstSize:         cfg.RateLimiting.HTTP.Burst,
				CleanupInterval:   cfg.RateLimiting.CleanupInterval,
			}
			if useRedis {
				svc.Throttle = middleware.NewRedisThrottle(rdb, throttleCfg)
			} else {
				bg.throttle = middleware.NewTokenBucketLimiter(throttleCfg)
				svc.Throttle = bg.throttle
			}
		}
	} else {
		slog.Warn("rate limiting is disabled")
	}

	sender, err := mailer.New(cfg.Mail)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailer: %w", err)
	}

	identity, err := idp.New(ctx, cfg.Identity, profileRepo)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}
	slog.Info("identity provider configured", "provider", cfg.Identity.Provider)

	svc.Verification, err = verification.NewService(verification.Deps{
		Store:       verificationRepo,
		Politicians: politicianRepo,
		Limiter:     svc.Limiter,
		Mailer:      sender,
	}, verification.Config{
		CodeTTL:         cfg.Verification.CodeTTL,
		CodeLength:      cfg.Verification.CodeLength,
		EmailTimeout:    cfg.Verification.EmailTimeout,
		EmailSubject:    cfg.Verification.EmailSubject,
		BcryptCost:      cfg.Verification.BcryptCost,
		StorageTimeout:  cfg.StorageTimeout,
		RequestCodeRule: ruleFor(verification.ActionRequestCode, cfg.RateLimiting.Rules.RequestCode),
		VerifyCodeRule:  ruleFor(verification.ActionVerifyCode, cfg.RateLimiting.Rules.VerifyCode),
	})
	if err != nil {
		return nil, err
	}

	svc.Sessions, err = sessions.NewService(sessionRepo, politicianRepo, sessions.Config{
		Lifetime:       cfg.Sessions.Lifetime,
		TouchTimeout:   cfg.Sessions.TouchTimeout,
		StorageTimeout: cfg.StorageTimeout,
	})
	if err != nil {
		return nil, err
	}

	svc.Gate = auth.NewGate(auth.GateDeps{
		Identity:    identity,
		Sessions:    svc.Sessions,
		Limiter:     svc.Limiter,
		SessionRule: ruleFor(auth.ActionSessionAuth, cfg.RateLimiting.Rules.SessionAuth),

		IdentityTimeout: cfg.Identity.Timeout,
	})

	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
		}
		bg.shipper = shipper
		if shipper.Len() > 0 {
			svc.Audit = audit.NewRecorder(auditRepo, shipper)
		} else {
			svc.Audit = audit.NewRecorder(auditRepo, nil)
		}
		slog.Info("audit logging enabled", "shippers", shipper.Len())
	}

	return svc, nil
}

// ruleFor converts a configured rule. A zero rule is returned unchanged so the
// consuming service falls back to its own default.
func ruleFor(action string, rc config.RuleConfig) ratelimit.Rule {
	if rc.Limit <= 0 || rc.Window <= 0 {
		return ratelimit.Rule{}
	}
	return ratelimit.Rule{Action: action, Limit: rc.Limit, Window: rc.Window}
}

func newEngine(cfg *config.Config, svc *Services) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	if svc.Throttle != nil {
		router.Use(middleware.ThrottleMiddleware(svc.Throttle))
	}

	router.GET("/health", healthCheckHandler(svc.Liveness))
	router.GET("/ready", readinessHandler(svc.Readiness))
	router.GET("/version", versionHandler())

	// Email verification flow
	verifyHandlers := verify.NewHandlers(svc.Verification, svc.Sessions, svc.Politicians, svc.Audit, cfg.StorageTimeout)
	verifyGroup := router.Group("/verify")
	{
		verifyGroup.POST("/request-code", verifyHandlers.RequestCodeHandler())
		verifyGroup.POST("/code", verifyHandlers.VerifyCodeHandler())
	}

	// Rate-limit probes; unknown actions fall through to 404
	checkGroup := router.Group("/auth/check")
	{
		checkGroup.POST("/"+ActionSignup, middleware.ActionRateLimit(svc.Limiter, ruleOrDefault(svc.Rules.Signup, ActionSignup, 5, time.Hour)), account.CheckActionHandler())
		checkGroup.POST("/"+ActionLogin, middleware.ActionRateLimit(svc.Limiter, ruleOrDefault(svc.Rules.Login, ActionLogin, 10, 15*time.Minute)), account.CheckActionHandler())
	}

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.ResolvePrincipal(svc.Gate, cfg.Identity.CookieName))
	{
		apiV1.GET("/auth/me", account.MeHandler())
		apiV1.POST("/sessions/logout", middleware.RequirePolitician(), account.LogoutHandler(svc.Sessions, svc.Audit))

		sessionHandlers := admin.NewSessionHandlers(svc.Sessions, svc.Politicians, svc.Audit, cfg.StorageTimeout)
		adminGroup := apiV1.Group("/admin")
		adminGroup.Use(middleware.RequireAdmin(svc.Audit))
		{
			adminGroup.POST("/politicians/:id/sessions/revoke", sessionHandlers.RevokeAllHandler())
			adminGroup.GET("/audit-logs", admin.ListAuditLogsHandler(svc.AuditLogs, cfg.StorageTimeout))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		middleware.AbortWithError(c, auth.ErrNotFound)
	})

	return router
}

func ruleOrDefault(r ratelimit.Rule, action string, limit int, window time.Duration) ratelimit.Rule {
	if r.Action == "" {
		return ratelimit.Rule{Action: action, Limit: limit, Window: window}
	}
	return r
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(check HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := check.Check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  check.Name + " connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, the shared rate-limit store.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the Redis rate-limit
// store so that a replica which cannot enforce limits is taken out of rotation.
func readinessHandler(checks []HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		results := gin.H{}
		for _, hc := range checks {
			if err := hc.Check(c.Request.Context()); err != nil {
				results[hc.Name] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": results,
					"error":  hc.Name + " not ready",
				})
				return
			}
			results[hc.Name] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": results,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current service and API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one slog record per request. Text or JSON output is decided
// by the handler installed in telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(
		c.Request.Context(),
		level,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, OPTIONS"
	}
	allowHeaders := strings.Join([]string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With",
		middleware.PoliticianIDHeader, middleware.PoliticianSessionHeader,
	}, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Only explicitly listed origins may send cookies; "*" stays anonymous.
		listed, wildcard := false, false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			switch {
			case origin != "" && allowedOrigin == origin:
				listed = true
			case allowedOrigin == "*":
				wildcard = true
			}
		}

		if listed || wildcard {
			if listed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			} else {
				c.Header("Access-Control-Allow-Origin", "*")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
