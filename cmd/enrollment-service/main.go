package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edutrack/edutrack-api/internal/client"
	"github.com/edutrack/edutrack-api/internal/handler"
	"github.com/edutrack/edutrack-api/internal/middleware"
	"github.com/edutrack/edutrack-api/internal/repository"
	"github.com/edutrack/edutrack-api/internal/service"
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

	logr, err := logger.New(cfg, "enrollment-service")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	studentClient := client.NewStudentClient(cfg.Services.StudentBaseURL, cfg.Services.RequestTimeout)
	courseClient := client.NewCourseClient(cfg.Services.CourseBaseURL, cfg.Services.RequestTimeout)

	admissionSvc := service.NewAdmissionService(enrollmentRepo, studentClient, courseClient,
		nil, logr, metricsSvc, service.AdmissionOptions{
			CompensationRetries: cfg.Admission.CompensationRetries,
			CompensationDelay:   cfg.Admission.CompensationDelay,
		})
	rosterSvc := service.NewRosterService(enrollmentRepo, courseClient)

	enrollmentHandler := handler.NewEnrollmentHandler(admissionSvc, rosterSvc)
	healthHandler := handler.NewHealthHandler(db, "enrollment-service")

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
		enrollments := api.Group("/enrollments")
		enrollments.GET("", enrollmentHandler.List)
		enrollments.POST("", enrollmentHandler.Create)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.PUT("/:id", enrollmentHandler.Update)
		enrollments.DELETE("/:id", enrollmentHandler.Delete)
		enrollments.GET("/student/:id", enrollmentHandler.ListByStudent)
		enrollments.GET("/course/:id", enrollmentHandler.ListByCourse)
		enrollments.GET("/course/:id/export", enrollmentHandler.ExportRoster)

		// Cascade drops invoked by the student and course services; the
		// gateway does not forward these paths.
		internal := api.Group("/internal/enrollments")
		internal.DELETE("/student/:id", enrollmentHandler.DropByStudent)
		internal.DELETE("/course/:id", enrollmentHandler.DropByCourse)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := admissionSvc.StartReconciler(ctx, cfg.Admission.ReconcileWorkers)
	defer reconciler.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown incomplete", "error", err)
	}
}
