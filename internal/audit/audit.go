// Package audit records pipeline actions to a durable sink. Writes are
// best-effort: a failing sink never fails the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/factline-io/factline/internal/config"
	"github.com/factline-io/factline/internal/etl"
)

type (
	// Logger writes audit entries through an etl.AuditSink, shielding
	// callers from sink failures. A nil sink disables persistence and
	// leaves only the structured log side channel.
	Logger struct {
		sink    etl.AuditSink
		emitter *KafkaEmitter
		logger  *slog.Logger
		now     func() time.Time
	}

	// LoggerOption configures optional Logger behavior.
	LoggerOption func(*Logger)
)

// WithEmitter attaches a Kafka emitter that mirrors every entry to a topic.
func WithEmitter(emitter *KafkaEmitter) LoggerOption {
	return func(l *Logger) {
		l.emitter = emitter
	}
}

// WithLogger sets the structured logger used for the side channel.
func WithLogger(logger *slog.Logger) LoggerOption {
	return func(l *Logger) {
		l.logger = logger
	}
}

// WithClock sets the time source, used by tests.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates an audit logger over the given sink. The sink may be nil.
func NewLogger(sink etl.AuditSink, opts ...LoggerOption) *Logger {
	l := &Logger{
		sink: sink,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Record persists an audit entry. It never returns an error: persistence
// failures are logged and swallowed so auditing cannot break the pipeline.
func (l *Logger) Record(ctx context.Context, entry *etl.AuditEntry) {
	if entry == nil {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	if entry.Level == "" {
		entry.Level = "info"
	}

	if l.sink != nil {
		if err := l.sink.Write(ctx, entry); err != nil {
			l.logger.Error("audit sink write failed",
				slog.String("action", entry.Action),
				slog.String("organization_id", entry.OrganizationID),
				slog.String("error", err.Error()))
		}
	}

	if l.emitter != nil {
		l.emitter.Emit(ctx, entry)
	}

	l.logger.Log(ctx, levelFor(entry.Level), "audit",
		slog.String("action", entry.Action),
		slog.String("message", entry.Message),
		slog.String("organization_id", entry.OrganizationID),
		slog.String("file_id", entry.FileID),
		slog.String("run_id", entry.RunID))
}

func levelFor(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
