package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustai/fairsight/types"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	// Skip if no context
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	// Extract span from context
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	// Add trace context to log
	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for the governance write path

func (l *Logger) LogDecisionRecorded(ctx context.Context, d types.Decision) {
	l.WithContext(ctx).Info().
		Str("decision_id", d.ID).
		Str("decision_type", string(d.Type)).
		Str("outcome", string(d.Output.Outcome)).
		Float64("confidence", d.Output.Confidence).
		Msg("decision recorded")
}

func (l *Logger) LogAlertTransition(ctx context.Context, key types.AlertKey, from, to types.AlertState, value float64) {
	l.WithContext(ctx).Info().
		Str("metric", string(key.Metric)).
		Str("decision_type", string(key.Type)).
		Str("attribute", key.Attribute).
		Str("group", key.Group).
		Str("from", string(from)).
		Str("to", string(to)).
		Float64("value", value).
		Msg("alert state transition")
}

func (l *Logger) LogWarningSignal(ctx context.Context, key types.AlertKey, value float64) {
	// Early signal inside the hysteresis band. No alert is emitted yet.
	l.WithContext(ctx).Warn().
		Str("metric", string(key.Metric)).
		Str("decision_type", string(key.Type)).
		Str("attribute", key.Attribute).
		Str("group", key.Group).
		Float64("value", value).
		Msg("metric crossed threshold within hysteresis margin")
}

func (l *Logger) LogChainVerified(ctx context.Context, from, to int64, err error) {
	if err != nil {
		l.WithContext(ctx).Error().
			Err(err).
			Int64("from_seq", from).
			Int64("to_seq", to).
			Msg("audit chain verification failed")
		return
	}
	l.WithContext(ctx).Debug().
		Int64("from_seq", from).
		Int64("to_seq", to).
		Msg("audit chain verified")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}

func (l *Logger) LogAuditAppend(ctx context.Context, seq int64, eventType string) {
	l.WithContext(ctx).Debug().
		Int64("sequence", seq).
		Str("event_type", eventType).
		Msg("audit entry appended")
}
