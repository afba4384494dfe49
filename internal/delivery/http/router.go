package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/delivery/http/middleware"
	"github.com/Harsh-BH/runq/internal/usecase"
)

// RouterDeps holds everything the HTTP surface needs.
type RouterDeps struct {
	SubmitUC        *usecase.SubmitJobUsecase
	GetJobUC        *usecase.GetJobUsecase
	RemoveUC        *usecase.RemoveJobUsecase
	Checks          []HealthCheck
	Logger          *zap.Logger
	MaxBodyBytes    int64
	SyncWaitTimeout time.Duration
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(deps *RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.Logger))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := NewHealthHandler(deps.Checks, deps.Logger)
	subHandler := NewSubmissionHandler(deps.SubmitUC, deps.GetJobUC, deps.RemoveUC, deps.SyncWaitTimeout, deps.Logger)

	router.GET("/health", healthHandler.Health)
	router.POST("/run", middleware.BodySizeLimit(deps.MaxBodyBytes), subHandler.Run)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthHandler.Health)

		langHandler := NewLanguageHandler()
		v1.GET("/languages", langHandler.List)

		v1.POST("/submissions", middleware.BodySizeLimit(deps.MaxBodyBytes), subHandler.Submit)
		v1.GET("/submissions/:language/:id", subHandler.Get)
		v1.DELETE("/submissions/:language/:id", subHandler.Remove)

		wsHandler := NewWebSocketHandler(deps.GetJobUC, deps.Logger)
		v1.GET("/submissions/:language/:id/stream", wsHandler.Stream)
	}

	return router
}
