package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/admission-engine/internal/config"
	"github.com/aman-churiwal/admission-engine/internal/handler"
	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/metrics"
	"github.com/aman-churiwal/admission-engine/internal/middleware"
	"github.com/aman-churiwal/admission-engine/internal/repository"
	"github.com/aman-churiwal/admission-engine/internal/service"
	"github.com/aman-churiwal/admission-engine/internal/storage"
	"github.com/aman-churiwal/admission-engine/internal/tier"
	"github.com/aman-churiwal/admission-engine/internal/tierchange"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	redis      *storage.RedisClient
	postgres   *storage.Postgres
	catalog    *tier.Catalog
	resolver   *tier.Resolver
	evaluator  *limiter.Evaluator
	recorder   *metrics.Recorder
	httpServer *http.Server

	adminHandler      *handler.AdminHandler
	tierChangeHandler *handler.TierChangeHandler
	reportsHandler    *handler.ReportsHandler
	authHandler       *handler.AuthHandler
	authService       *service.AuthService
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	catalog := tier.NewCatalog(tierOverrides(cfg), endpointOverrides(cfg))

	defaultTier, ok := tier.Parse(cfg.Admission.DefaultTier)
	if !ok {
		log.Printf("Unknown default tier %q, using free", cfg.Admission.DefaultTier)
		defaultTier = tier.Free
	}

	subscriptionRepo := repository.NewSubscriptionRepository(postgres)
	tierChangeRepo := repository.NewTierChangeRepository(postgres)
	admissionLogRepo := repository.NewAdmissionLogRepository(postgres)
	authRepo := repository.NewUserRepository(postgres)

	resolver := tier.NewResolver(redis, subscriptionRepo, cfg.Admission.CacheTTL(), defaultTier)

	store := limiter.NewRedisCounterStore(redis)
	evaluator := limiter.NewEvaluator(store, catalog, limiter.EvalOptions{
		ViolationThreshold: cfg.Admission.ViolationThreshold,
		PenaltyDuration:    cfg.Admission.PenaltyDuration(),
		ConcurrencyMaxAge:  cfg.Admission.ConcurrencyMaxAge(),
	}, cfg.Admission.FailOpen)

	recorder := metrics.NewRecorder(admissionLogRepo, cfg.Reports.BatchSize,
		time.Duration(cfg.Reports.FlushSeconds)*time.Second)
	reporter := metrics.NewReporter(admissionLogRepo, tierChangeRepo,
		cfg.Reports.DenialRateThreshold,
		time.Duration(cfg.Reports.WindowMinutes)*time.Minute)

	changeHandler := tierchange.NewHandler(resolver, tierChangeRepo)
	authService := service.NewAuthService(authRepo, cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)

	s := &Server{
		router:            router,
		config:            cfg,
		redis:             redis,
		postgres:          postgres,
		catalog:           catalog,
		resolver:          resolver,
		evaluator:         evaluator,
		recorder:          recorder,
		adminHandler:      handler.NewAdminHandler(catalog, evaluator, resolver),
		tierChangeHandler: handler.NewTierChangeHandler(changeHandler),
		reportsHandler:    handler.NewReportsHandler(reporter),
		authHandler:       handler.NewAuthHandler(authService),
		authService:       authService,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
	}

	// The evaluated surface: everything under /check runs through the
	// admission middleware, with the wildcard as the logical endpoint.
	check := s.router.Group("/check")
	check.Use(middleware.Admission(s.resolver, s.evaluator, s.recorder, s.config.Admission))
	{
		check.Any("/*endpoint", handler.Check)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth(s.authService))
	{
		admin.GET("/tiers", s.adminHandler.ListTiers)
		admin.GET("/tiers/compare", s.adminHandler.CompareTiers)
		admin.GET("/tiers/resolve", s.adminHandler.ResolveKeys)
		admin.GET("/status", s.adminHandler.KeyStatus)
		admin.POST("/reset", s.adminHandler.ResetKey)
		admin.POST("/block", s.adminHandler.BlockKey)
		admin.POST("/unblock", s.adminHandler.UnblockKey)
		admin.POST("/tier-changes", s.tierChangeHandler.Ingest)
		admin.GET("/tier-changes/:userId", s.tierChangeHandler.History)
		admin.GET("/reports/hourly", s.reportsHandler.Hourly)
		admin.GET("/reports/daily", s.reportsHandler.Daily)
		admin.GET("/reports/health", s.reportsHandler.Health)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	redisHealthy := true
	if err := s.redis.Ping(c.Request.Context()); err != nil {
		redisHealthy = false
		log.Printf("Redis health check failed: %v", err)
	}

	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		log.Printf("Database health check failed: %v", err)
	}

	status := "healthy"
	statusCode := http.StatusOK

	if !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}
	if !redisHealthy {
		// Counters live in redis; without it the engine is running on
		// the configured fail policy only
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "admission-engine",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
		},
	})
}

func (s *Server) Run(addr string) error {
	s.recorder.Start()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	log.Printf("Starting admission engine on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	// Flush pending admission logs after the listener stops
	s.recorder.Stop()

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func tierOverrides(cfg *config.Config) map[string]tier.Definition {
	overrides := make(map[string]tier.Definition, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		overrides[name] = tier.Definition{
			MaxRequests:     t.MaxRequests,
			Window:          time.Duration(t.WindowSeconds) * time.Second,
			BurstLimit:      t.BurstLimit,
			BurstWindow:     time.Duration(t.BurstSeconds) * time.Second,
			DailyLimit:      t.DailyLimit,
			ConcurrentLimit: t.ConcurrentLimit,
			Description:     t.Description,
		}
	}
	return overrides
}

func endpointOverrides(cfg *config.Config) []tier.EndpointOverride {
	overrides := make([]tier.EndpointOverride, 0, len(cfg.Endpoints))
	for prefix, multiplier := range cfg.Endpoints {
		overrides = append(overrides, tier.EndpointOverride{
			Prefix:     prefix,
			Multiplier: multiplier,
		})
	}
	return overrides
}
