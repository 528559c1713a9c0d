// Package export forwards audit events to external systems: Kafka for downstream consumers
// and Grafana Loki for the forwarding worker.
package export

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"enterprise-auth/backend/internal/audit/domain"
	"enterprise-auth/backend/internal/logging"
)

const writeTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer used by KafkaExporter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter writes audit events to a Kafka topic as JSON, keyed by user id so one user's
// events stay ordered within a partition.
type KafkaExporter struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaExporter returns an exporter for topic, or nil when brokers or topic are unset.
// Call Close when shutting down.
func NewKafkaExporter(brokers []string, topic string, logger *zap.Logger) *KafkaExporter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaExporter(writer, logger)
}

func newKafkaExporter(w messageWriter, logger *zap.Logger) *KafkaExporter {
	return &KafkaExporter{writer: w, logger: logging.OrNop(logger).Named("audit.kafka")}
}

// Export serializes the event and writes it with a bounded timeout.
func (p *KafkaExporter) Export(ctx context.Context, e *domain.Event) error {
	if p == nil || p.writer == nil || e == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{Value: payload, Time: e.Timestamp}
	if e.UserID != "" {
		msg.Key = []byte(e.UserID)
	}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Warn("write failed", zap.String("type", string(e.Type)), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call on nil.
func (p *KafkaExporter) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
