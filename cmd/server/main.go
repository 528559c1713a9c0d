// Server hosts the authentication orchestrator: it restores sessions, keeps the gRPC health service
// in step with component health and serves Prometheus metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit/export"
	"enterprise-auth/backend/internal/config"
	"enterprise-auth/backend/internal/db"
	healthhandler "enterprise-auth/backend/internal/health/handler"
	"enterprise-auth/backend/internal/logging"
	"enterprise-auth/backend/internal/server"
	telemetry "enterprise-auth/backend/internal/telemetry/otel"
)

const serviceName = "auth-orchestrator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	providers, err := telemetry.NewProviders(ctx, telemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTLPInsecure,
		Registerer:  registry,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), export.ShutdownDrainDuration)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	var database *sql.DB
	if cfg.DatabaseURL != "" {
		database, err = db.OpenContext(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()
	}
	repos, err := openRepositories(ctx, cfg, database, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range repos.closers {
			c()
		}
	}()

	auditOpts, drainAudit := auditExporters(cfg, providers, logger)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), export.ShutdownDrainDuration)
		defer cancel()
		drainAudit(drainCtx)
	}()

	svc, err := buildServices(ctx, cfg, repos, providers, auditOpts, logger)
	if err != nil {
		return err
	}
	defer svc.orchestrator.Close()

	reporter := healthhandler.NewReporter(svc.orchestrator, 0, logger)
	go reporter.Run(ctx)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(server.Deps{Health: reporter.Server(), Logger: logger})
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = server.NewMetricsServer(cfg.MetricsAddr, registry)
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("listener failed", zap.Error(err))
	}

	logger.Info("shutting down")
	grpcServer.GracefulStop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), export.ShutdownDrainDuration)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("server stopped")
	return err
}
