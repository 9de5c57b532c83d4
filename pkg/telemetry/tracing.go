// Package telemetry wires the OpenTelemetry tracer provider used by
// the HTTP layer, with an optional OTLP exporter and a zerolog span
// exporter for environments without a collector.
package telemetry

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options configure SetupTracing.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
	LogSpans       bool
}

// SetupTracing installs a global tracer provider and propagators and
// returns the provider so the caller can shut it down.
func SetupTracing(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}

	if opts.Endpoint != "" {
		// The OTLP HTTP exporter wants a host:port endpoint; an http://
		// scheme implies insecure transport.
		ep := opts.Endpoint
		insecure := opts.Insecure
		if strings.HasPrefix(ep, "https://") {
			ep = strings.TrimPrefix(ep, "https://")
		} else if strings.HasPrefix(ep, "http://") {
			ep = strings.TrimPrefix(ep, "http://")
			insecure = true
		}
		if ep == "" {
			return nil, errors.New("telemetry: invalid OTLP endpoint")
		}
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}

	if opts.LogSpans {
		providerOpts = append(providerOpts,
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(newLoggingExporter())))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, nil
}
