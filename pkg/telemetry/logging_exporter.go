package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// loggingExporter writes completed spans to zerolog. It backs the
// log_spans tracing option for deployments without an OTLP collector.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter() sdktrace.SpanExporter {
	return &loggingExporter{logger: log.With().Str("component", "otel").Logger()}
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		event := l.logger.Info().
			Str("span_name", span.Name()).
			Str("span_kind", span.SpanKind().String()).
			Time("start_time", span.StartTime()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if sc.SpanID().IsValid() {
			event = event.Str("span_id", sc.SpanID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		for _, attr := range span.Attributes() {
			event = event.Str(string(attr.Key), attr.Value.Emit())
		}
		event.Msg("span completed")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error { return nil }

func (l *loggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
