package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/bootstrap"
	"github.com/Harsh-BH/runq/internal/config"
	"github.com/Harsh-BH/runq/internal/logger"
	"github.com/Harsh-BH/runq/internal/pool"
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

	log.Info("Starting runq execution worker",
		zap.String("sandbox", cfg.Sandbox.Backend),
		zap.Int("pool_size", cfg.Worker.PoolSize),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infra, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect backends", zap.Error(err))
	}
	defer infra.Close()

	infra.RecoverQueues(ctx)

	executeUC, err := bootstrap.NewExecuteUsecase(ctx, cfg, infra.Coord, log)
	if err != nil {
		log.Fatal("Failed to initialize execution backend", zap.Error(err))
	}

	// One pool per language partition
	workers := pool.NewManager(infra.Queues, executeUC, cfg.Worker.PoolSize, instanceName(), cfg.Worker.DrainTimeout, log)
	workers.Start(ctx)

	go bootstrap.NewReaper(cfg, infra.Coord, log).Run(ctx)

	// Prometheus metrics and liveness
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range infra.Checks() {
			if err := c.Ping(r.Context()); err != nil {
				http.Error(w, c.Name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...")

	// Wait for workers to finish in-flight jobs
	if err := workers.Shutdown(); err != nil {
		log.Error("Workers did not drain", zap.Error(err))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	log.Info("Worker stopped")
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "runq"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
