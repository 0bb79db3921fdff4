package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/corp-training-api/api/swagger"
	"github.com/noah-isme/corp-training-api/internal/handler"
	"github.com/noah-isme/corp-training-api/internal/middleware"
	"github.com/noah-isme/corp-training-api/internal/models"
	"github.com/noah-isme/corp-training-api/internal/repository"
	"github.com/noah-isme/corp-training-api/internal/service"
	"github.com/noah-isme/corp-training-api/pkg/cache"
	"github.com/noah-isme/corp-training-api/pkg/config"
	"github.com/noah-isme/corp-training-api/pkg/database"
	"github.com/noah-isme/corp-training-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/corp-training-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/corp-training-api/pkg/middleware/requestid"
)

// @title Corporate Training Enrollment API
// @version 1.0.0
// @description Enrollment eligibility and approval lifecycle service
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
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

	validate := validator.New()

	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	eligibilitySvc := service.NewEligibilityService(courseRepo, enrollmentRepo, logr,
		service.WithVerdictCache(cacheRepo, cfg.Enrollment.EligibilityCacheTTL))
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, studentRepo, eligibilitySvc, validate, logr,
		service.WithAuditLogger(auditRepo),
		service.WithBulkLimit(cfg.Enrollment.BulkApprovalMaxItems))
	completionSvc := service.NewCompletionService(enrollmentRepo, eligibilitySvc, cfg.Enrollment.CompletionThreshold, validate, logr)
	metricsSvc := service.NewMetricsService()

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc, eligibilitySvc, completionSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT))
	{
		api.GET("/enrollments", enrollmentHandler.List)
		api.GET("/enrollments/eligibility", enrollmentHandler.CheckEligibility)
		api.GET("/enrollments/:id", enrollmentHandler.Get)
		api.POST("/enrollments", enrollmentHandler.Create)
		api.PUT("/enrollments/:id/attendance", enrollmentHandler.UpdateAttendance)

		admin := api.Group("")
		admin.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
		{
			admin.PUT("/enrollments/:id/approval", enrollmentHandler.Approve)
			admin.POST("/enrollments/bulk-approval", enrollmentHandler.BulkApprove)
			admin.POST("/enrollments/:id/withdrawal", enrollmentHandler.Withdraw)
			admin.POST("/enrollments/:id/reapproval", enrollmentHandler.Reapprove)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
