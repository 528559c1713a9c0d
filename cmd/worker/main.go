// Worker forwards audit events from Kafka to Loki and prunes stored events past retention.
// Set AUDIT_KAFKA_BROKERS, AUDIT_KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL; pruning needs DATABASE_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit"
	"enterprise-auth/backend/internal/audit/export"
	auditrepo "enterprise-auth/backend/internal/audit/repository"
	"enterprise-auth/backend/internal/config"
	"enterprise-auth/backend/internal/db"
	"enterprise-auth/backend/internal/logging"
)

const pruneInterval = time.Hour

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
	logger = logger.Named("worker")

	brokers := cfg.AuditKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: AUDIT_KAFKA_BROKERS is required")
	}
	loki, err := export.NewLokiClient(cfg.Audit.LokiURL, nil)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.DatabaseURL != "" {
		database, err := db.OpenContext(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("worker: %v", err)
		}
		defer database.Close()
		auditLog := audit.NewLogger(audit.Config{
			Retention:      cfg.Audit.Retention,
			AlertThreshold: cfg.Audit.AlertThreshold,
			AlertWindow:    cfg.Audit.AlertWindow,
		}, auditrepo.NewPostgresRepository(database), logger)
		go prune(ctx, auditLog, logger)
	} else {
		logger.Warn("DATABASE_URL not set; audit retention is not enforced")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Audit.KafkaTopic,
		GroupID:        cfg.Audit.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	logger.Info("consuming audit events",
		zap.String("topic", cfg.Audit.KafkaTopic),
		zap.String("group", cfg.Audit.KafkaGroupID),
		zap.String("loki", cfg.Audit.LokiURL),
	)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("stopped")
				return
			}
			logger.Warn("kafka read failed", zap.Error(err))
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := loki.PushEventJSON(pushCtx, msg.Value); err != nil {
			logger.Warn("loki push failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		pushCancel()
	}
}

func prune(ctx context.Context, auditLog *audit.Logger, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := auditLog.Prune(ctx); err != nil && ctx.Err() == nil {
			logger.Error("audit prune failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
