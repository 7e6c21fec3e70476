// cmd/master/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	http_api "job-dispatch/internal/api/http"
	"job-dispatch/internal/config"
	"job-dispatch/internal/dispatcher"
	"job-dispatch/internal/domain"
	"job-dispatch/internal/infra/etcd"
	"job-dispatch/internal/infra/local"
	"job-dispatch/internal/jobs"
	"job-dispatch/internal/logger"
	"job-dispatch/internal/master"
	"job-dispatch/internal/tracing"
	"job-dispatch/internal/usecase"
	"job-dispatch/internal/wire"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // For local dev, allow all origins
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	appLogger, err := logger.New(cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(appLogger)

	tracerShutdown, err := tracing.InitTracer("job-dispatch-master", log.Writer())
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			appLogger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	appLogger.Info("starting job dispatch master", "facility", cfg.Facility, "addr", cfg.HttpListenAddr)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel, appLogger)

	// 5. Build the job catalog and the execution facility
	registry := jobs.NewBuiltin(jobs.Limits{
		MaxFibonacciN: cfg.MaxFibonacciN,
		MaxFactorialN: cfg.MaxFactorialN,
		MaxDelay:      cfg.MaxDelay,
	})

	facility, closeFacility, err := newFacility(rootCtx, cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to create execution facility: %v", err)
	}
	defer closeFacility()

	if err := facility.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start execution facility: %v", err)
	}

	// 6. Instantiate components
	disp := dispatcher.New(registry, facility, dispatcher.Config{
		HandleTTL:  cfg.HandleTTL,
		PendingTTL: cfg.PendingTTL,
	}, appLogger)

	janitor, err := dispatcher.NewJanitor(disp, cfg.SweepSchedule, appLogger)
	if err != nil {
		log.Fatalf("Failed to create handle janitor: %v", err)
	}
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		_ = janitor.Start(rootCtx)
	}()

	jobService := usecase.NewJobService(disp, registry, usecase.Options{
		AwaitTimeout: cfg.AwaitTimeout,
		DemoDelay:    cfg.DemoDelay,
	}, appLogger)
	jobHandler := http_api.NewJobHandler(jobService, cfg.MaxWait, appLogger)

	// 7. Start HTTP API server with CORS middleware
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(http_api.NewRouter(jobHandler)),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	appLogger.Info("shutting down application gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := facility.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("execution facility shutdown failed", "error", err)
	}
	<-janitorDone

	appLogger.Info("application shut down")
}

// newFacility builds the configured execution facility. The returned func releases
// resources the facility depends on, such as the etcd client.
func newFacility(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.ExecutionFacility, func(), error) {
	if cfg.Facility == config.FacilityLocal {
		pool := local.NewPool(local.Config{WorkerCount: cfg.WorkerCount, QueueSize: cfg.QueueSize}, logger)
		return pool, func() {}, nil
	}

	codec, err := wire.NewCodec()
	if err != nil {
		return nil, nil, err
	}

	etcdClient, err := etcd.NewClient(ctx, cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

	discovery := master.NewWorkerDiscovery(etcdClient, codec, logger)
	go discovery.WatchWorkers(ctx)

	return master.NewFacility(discovery, codec, logger), func() { closeEtcd(etcdClient, logger) }, nil
}

func closeEtcd(c *clientv3.Client, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close etcd client", "error", err)
	}
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
