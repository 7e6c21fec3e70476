// cmd/worker/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-dispatch/internal/config"
	"job-dispatch/internal/infra/etcd"
	"job-dispatch/internal/infra/local"
	"job-dispatch/internal/jobs"
	"job-dispatch/internal/logger"
	"job-dispatch/internal/tracing"
	"job-dispatch/internal/wire"
	"job-dispatch/internal/worker"

	"github.com/google/uuid"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

func main() {
	// 1. Init config, logger and tracer
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(appLogger)

	tracerShutdown, err := tracing.InitTracer("job-dispatch-worker", log.Writer())
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			appLogger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	workerID := uuid.New().String()
	appLogger.Info("starting worker node", "worker_id", workerID, "addr", cfg.WorkerListenAddr)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Setup graceful shutdown
	setupGracefulShutdown(cancel, appLogger)

	// 4. Build the catalog and the local pool that runs jobs for the master
	registry := jobs.NewBuiltin(jobs.Limits{
		MaxFibonacciN: cfg.MaxFibonacciN,
		MaxFactorialN: cfg.MaxFactorialN,
		MaxDelay:      cfg.MaxDelay,
	})
	pool := local.NewPool(local.Config{WorkerCount: cfg.WorkerCount, QueueSize: cfg.QueueSize}, appLogger)
	if err := pool.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	codec, err := wire.NewCodec()
	if err != nil {
		log.Fatalf("Failed to create codec: %v", err)
	}

	// 5. Instantiate and start the gRPC server
	lis, err := net.Listen("tcp", cfg.WorkerListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	wire.RegisterWorkerServer(grpcServer, worker.NewServer(registry, pool, codec, workerID, appLogger))

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			appLogger.Error("gRPC server failed", "error", err)
			cancel()
		}
	}()

	// 6. Init etcd client and advertise this worker
	etcdClient, err := etcd.NewClient(rootCtx, cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	defer etcdClient.Close()

	reg := worker.NewRegistry(etcdClient, codec, appLogger)
	regCtx, regCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
	err = reg.Register(regCtx, wire.WorkerInfo{
		ID:        workerID,
		Addr:      cfg.AdvertiseAddr(),
		Jobs:      registry.Names(),
		StartedAt: time.Now().UTC(),
	}, int64(cfg.WorkerLeaseTTL.Seconds()))
	regCancel()
	if err != nil {
		log.Fatalf("Failed to register worker: %v", err)
	}

	// 7. Block until shutdown signal
	<-rootCtx.Done()
	appLogger.Info("shutting down worker node gracefully...")

	// Deregister first so the master stops picking this worker.
	deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := reg.Deregister(deregCtx); err != nil {
		appLogger.Error("failed to deregister worker", "error", err)
	}
	deregCancel()

	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("worker pool shutdown failed", "error", err)
	}

	appLogger.Info("worker node shut down")
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
