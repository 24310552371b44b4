package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

type (
	// EmitterConfig holds connection settings for the audit topic.
	EmitterConfig struct {
		// Brokers is the Kafka bootstrap address list.
		Brokers []string

		// Topic receives the JSON-encoded audit entries.
		Topic string

		// WriteTimeout caps a single publish. Defaults to 5s.
		WriteTimeout time.Duration
	}

	// KafkaEmitter mirrors audit entries to a Kafka topic for downstream
	// consumers. Publishing is best-effort and asynchronous from the
	// caller's perspective: failures are logged and dropped.
	KafkaEmitter struct {
		writer *kafka.Writer
		cfg    EmitterConfig
		logger *slog.Logger
	}

	// EmitterOption configures optional KafkaEmitter behavior.
	EmitterOption func(*KafkaEmitter)
)

// LoadEmitterConfig reads emitter settings from the environment.
//
// Environment variables:
//   - ETL_AUDIT_BROKERS: comma-separated bootstrap addresses (default "localhost:9092")
//   - ETL_AUDIT_TOPIC: destination topic (default "factline.audit")
//   - ETL_AUDIT_WRITE_TIMEOUT: publish timeout (default "5s")
func LoadEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Brokers:      config.GetEnvStrSlice("ETL_AUDIT_BROKERS", []string{"localhost:9092"}),
		Topic:        config.GetEnvStr("ETL_AUDIT_TOPIC", "factline.audit"),
		WriteTimeout: config.GetEnvDuration("ETL_AUDIT_WRITE_TIMEOUT", 5*time.Second),
	}
}

// WithEmitterLogger sets the structured logger used for publish failures.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *KafkaEmitter) {
		e.logger = logger
	}
}

// NewKafkaEmitter creates an emitter for the configured topic. The writer
// batches internally; Close must be called on shutdown to flush.
func NewKafkaEmitter(cfg EmitterConfig, opts ...EmitterOption) *KafkaEmitter {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	e := &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.writer.Completion = func(messages []kafka.Message, err error) {
		if err != nil {
			e.logger.Error("audit emit failed",
				slog.String("topic", e.cfg.Topic),
				slog.Int("messages", len(messages)),
				slog.String("error", err.Error()))
		}
	}

	return e
}

// Emit publishes one entry, keyed by organization id so a consumer sees a
// single organization's trail in order.
func (e *KafkaEmitter) Emit(ctx context.Context, entry *etl.AuditEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		e.logger.Error("audit emit marshal failed",
			slog.String("action", entry.Action),
			slog.String("error", err.Error()))

		return
	}

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.OrganizationID),
		Value: payload,
		Time:  entry.Timestamp,
	})
	if err != nil {
		e.logger.Error("audit emit failed",
			slog.String("topic", e.cfg.Topic),
			slog.String("action", entry.Action),
			slog.String("error", err.Error()))
	}
}

// Close flushes buffered messages and releases the writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}
