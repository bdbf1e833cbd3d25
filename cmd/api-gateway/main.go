package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/snapnfix-api/api/swagger"
	"github.com/noah-isme/snapnfix-api/internal/handler"
	internalmiddleware "github.com/noah-isme/snapnfix-api/internal/middleware"
	"github.com/noah-isme/snapnfix-api/internal/migrations"
	"github.com/noah-isme/snapnfix-api/internal/models"
	"github.com/noah-isme/snapnfix-api/internal/repository"
	"github.com/noah-isme/snapnfix-api/internal/service"
	"github.com/noah-isme/snapnfix-api/pkg/cache"
	"github.com/noah-isme/snapnfix-api/pkg/config"
	"github.com/noah-isme/snapnfix-api/pkg/database"
	"github.com/noah-isme/snapnfix-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/snapnfix-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/snapnfix-api/pkg/middleware/requestid"
)

// @title SnapNFix API
// @version 1.0.0
// @description Device-scoped token lifecycle
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, db, migrations.FS); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, device revocation falls back to refresh expiry", zap.Error(err))
		redisClient = nil
	}
	revocations := repository.NewRevocationCache(redisClient)
	defer revocations.Close() //nolint:errcheck

	signer, err := service.NewCredentialSigner(cfg.JWT)
	if err != nil {
		logr.Fatal("failed to init credential signer", zap.Error(err))
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewDeviceSessionRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	audit := service.NewAuditService(auditRepo, cfg.Audit, logr)
	audit.Start(context.Background())
	defer audit.Stop()

	sessions := service.NewDeviceSessionManager(sessionRepo, signer, service.DeviceSessionConfig{
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
	}, logr)

	tokens := service.NewTokenService(sessions, signer, service.TokenServiceOptions{
		Revocations: revocations,
		Audit:       audit,
		Metrics:     metrics,
		Validator:   validate,
		Logger:      logr,
		AccessTTL:   cfg.JWT.AccessTokenExpiry,
	})

	auth := service.NewAuthService(userRepo, tokens, signer, service.AuthServiceOptions{
		Revocations: revocations,
		Audit:       audit,
		Metrics:     metrics,
		Validator:   validate,
		Logger:      logr,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	metricsHandler := handler.NewMetricsHandler(metrics, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(auth, tokens)
	api := r.Group(cfg.APIPrefix)
	authGroup := api.Group("/auth")
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/refresh", authHandler.Refresh)

	protected := authGroup.Group("")
	protected.Use(internalmiddleware.JWT(auth))
	protected.POST("/devices/revoke", authHandler.RevokeDevice)
	protected.GET("/me", authHandler.Me)
	protected.POST("/users/:id/devices/revoke", internalmiddleware.RequireRoles(models.RoleAdmin, "SELF"), authHandler.RevokeUserDevice)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
