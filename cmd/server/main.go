package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/bootstrap"
	"github.com/Harsh-BH/runq/internal/config"
	handler "github.com/Harsh-BH/runq/internal/delivery/http"
	"github.com/Harsh-BH/runq/internal/logger"
	"github.com/Harsh-BH/runq/internal/pool"
	"github.com/Harsh-BH/runq/internal/usecase"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting runq API server",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Bool("embed_workers", cfg.Server.EmbedWorkers),
	)

	gin.SetMode(cfg.Server.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect backends", zap.Error(err))
	}
	defer infra.Close()

	// Initialize use cases
	limiter := bootstrap.NewLimiter(ctx, cfg, infra.Redis)
	submitUC := usecase.NewSubmitJobUsecase(infra.Coord, limiter, log)
	getJobUC := usecase.NewGetJobUsecase(infra.Coord, log)
	removeUC := usecase.NewRemoveJobUsecase(infra.Coord, log)

	// Workers in the same process, unless they are deployed separately
	var workers *pool.Manager
	if cfg.Server.EmbedWorkers {
		infra.RecoverQueues(ctx)
		executeUC, err := bootstrap.NewExecuteUsecase(ctx, cfg, infra.Coord, log)
		if err != nil {
			log.Fatal("Failed to initialize execution backend", zap.Error(err))
		}
		workers = pool.NewManager(infra.Queues, executeUC, cfg.Worker.PoolSize, instanceName(), cfg.Worker.DrainTimeout, log)
		workers.Start(ctx)
	}

	go bootstrap.NewReaper(cfg, infra.Coord, log).Run(ctx)

	var checks []handler.HealthCheck
	for _, c := range infra.Checks() {
		checks = append(checks, handler.HealthCheck{Name: c.Name, Ping: c.Ping})
	}

	router := handler.NewRouter(&handler.RouterDeps{
		SubmitUC:        submitUC,
		GetJobUC:        getJobUC,
		RemoveUC:        removeUC,
		Checks:          checks,
		Logger:          log,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		SyncWaitTimeout: cfg.Server.SyncWaitTimeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down API server...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if workers != nil {
		if err := workers.Shutdown(); err != nil {
			log.Error("Workers did not drain", zap.Error(err))
		}
	}
	cancel()

	log.Info("API server stopped")
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "runq"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
