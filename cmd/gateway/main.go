package main

import (
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/edutrack/edutrack-api/api/swagger"
	"github.com/edutrack/edutrack-api/pkg/config"
	"github.com/edutrack/edutrack-api/pkg/logger"
	corsmiddleware "github.com/edutrack/edutrack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edutrack/edutrack-api/pkg/middleware/requestid"
)

// @title EduTrack API
// @version 1.0.0
// @description Student records, course catalog and enrollment admission services.
// @BasePath /api
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "gateway")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	studentProxy, err := newProxy(cfg.Services.StudentBaseURL)
	if err != nil {
		logr.Sugar().Fatalw("invalid student service url", "error", err)
	}
	courseProxy, err := newProxy(cfg.Services.CourseBaseURL)
	if err != nil {
		logr.Sugar().Fatalw("invalid course service url", "error", err)
	}
	enrollmentProxy, err := newProxy(cfg.Services.EnrollmentBaseURL)
	if err != nil {
		logr.Sugar().Fatalw("invalid enrollment service url", "error", err)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", aggregateHealth(cfg))
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.Any("/students", forward(studentProxy))
		api.Any("/students/*rest", forward(studentProxy))
		api.Any("/courses", forward(courseProxy))
		api.Any("/courses/*rest", blockSeatRoutes(forward(courseProxy)))
		api.Any("/enrollments", forward(enrollmentProxy))
		api.Any("/enrollments/*rest", forward(enrollmentProxy))
		api.Any("/auth/*rest", forward(courseProxy))
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

// newProxy builds a reverse proxy to the host of a service base URL. The
// incoming request path already carries the shared API prefix, so only
// scheme and host are taken from the target.
func newProxy(baseURL string) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: target.Scheme, Host: target.Host})
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":{"code":"DEPENDENCY_UNAVAILABLE","message":"upstream unavailable","status":%d}}`, http.StatusBadGateway)
	}
	return proxy, nil
}

func forward(proxy *httputil.ReverseProxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

// blockSeatRoutes hides the catalog's internal seat accounting endpoints
// from the public surface.
func blockSeatRoutes(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasSuffix(path, "/reserve") || strings.HasSuffix(path, "/release") {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "resource not found",
				"status":  http.StatusNotFound,
			}})
			return
		}
		next(c)
	}
}

// aggregateHealth probes each downstream service and reports the overall
// gateway view.
func aggregateHealth(cfg *config.Config) gin.HandlerFunc {
	targets := map[string]string{
		"student-service":    cfg.Services.StudentBaseURL,
		"course-service":     cfg.Services.CourseBaseURL,
		"enrollment-service": cfg.Services.EnrollmentBaseURL,
	}
	client := &http.Client{Timeout: 2 * time.Second}

	return func(c *gin.Context) {
		status := http.StatusOK
		services := gin.H{}
		for name, base := range targets {
			target, err := url.Parse(base)
			if err != nil {
				services[name] = "misconfigured"
				status = http.StatusServiceUnavailable
				continue
			}
			probe := fmt.Sprintf("%s://%s/health", target.Scheme, target.Host)
			req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, probe, nil)
			if err != nil {
				services[name] = "unreachable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp, err := client.Do(req)
			if err != nil || resp.StatusCode != http.StatusOK {
				services[name] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				services[name] = "ok"
			}
			if resp != nil {
				resp.Body.Close()
			}
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "services": services})
	}
}
