// Package telemetry configures OpenTelemetry tracing for the server. When
// disabled, the global provider stays no-op and spans cost nothing.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/masclabs/masc"

// Options selects the exporter.
type Options struct {
	Enabled  bool
	Endpoint string
	Protocol string // "http" (default) or "grpc"
	Version  string
}

// Init installs the global tracer provider. The returned shutdown flushes
// pending spans; it is safe to call when telemetry is disabled.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled {
		return noop, nil
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName("masc"),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry resource: %w", err)
	}

	var exp *otlptrace.Exporter
	switch opts.Protocol {
	case "", "http":
		var o []otlptracehttp.Option
		if opts.Endpoint != "" {
			o = append(o, otlptracehttp.WithEndpoint(opts.Endpoint))
		}
		exp, err = otlptracehttp.New(ctx, o...)
	case "grpc":
		var o []otlptracegrpc.Option
		if opts.Endpoint != "" {
			o = append(o, otlptracegrpc.WithEndpoint(opts.Endpoint))
		}
		exp, err = otlptracegrpc.New(ctx, o...)
	default:
		return noop, fmt.Errorf("unknown telemetry protocol %q", opts.Protocol)
	}
	if err != nil {
		return noop, fmt.Errorf("telemetry exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry.enabled", "protocol", opts.Protocol, "endpoint", opts.Endpoint)
	return tp.Shutdown, nil
}

// Tracer returns the server tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}
