package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/edutrack/edutrack-api/internal/client"
	"github.com/edutrack/edutrack-api/internal/handler"
	"github.com/edutrack/edutrack-api/internal/middleware"
	"github.com/edutrack/edutrack-api/internal/repository"
	"github.com/edutrack/edutrack-api/internal/service"
	"github.com/edutrack/edutrack-api/pkg/cache"
	"github.com/edutrack/edutrack-api/pkg/config"
	"github.com/edutrack/edutrack-api/pkg/database"
	"github.com/edutrack/edutrack-api/pkg/logger"
	corsmiddleware "github.com/edutrack/edutrack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edutrack/edutrack-api/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "course-service")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	metricsSvc := service.NewMetricsService()

	courseRepo := repository.NewCourseRepository(db)
	adminRepo := repository.NewAdminRepository(db)
	tokenRepo := repository.NewTokenRepository(redisClient)

	enrollmentClient := client.NewEnrollmentClient(cfg.Services.EnrollmentBaseURL, cfg.Services.RequestTimeout)

	courseSvc := service.NewCourseService(courseRepo, enrollmentClient, nil, logr)
	authSvc := service.NewAuthService(adminRepo, tokenRepo, nil, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	})

	courseHandler := handler.NewCourseHandler(courseSvc)
	authHandler := handler.NewAuthHandler(authSvc)
	healthHandler := handler.NewHealthHandler(db, "course-service")

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		auth.POST("/login", authHandler.Login)
		auth.POST("/logout", authHandler.Logout)

		courses := api.Group("/courses")
		courses.GET("", courseHandler.List)
		courses.GET("/:id", courseHandler.Get)

		admin := courses.Group("")
		admin.Use(middleware.AdminAuth(authSvc))
		admin.POST("", courseHandler.Create)
		admin.PUT("/:id", courseHandler.Update)
		admin.DELETE("/:id", courseHandler.Delete)

		// Seat accounting consumed by the enrollment service only; the
		// gateway does not forward these paths.
		courses.POST("/:id/reserve", courseHandler.ReserveSeat)
		courses.POST("/:id/release", courseHandler.ReleaseSeat)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
