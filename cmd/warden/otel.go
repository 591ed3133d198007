package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/warden/pkg/env"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Enable OTLP HTTP exporter
// For relevant environment variables:
// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
// At a minimum, you need to set
// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
//
// Returns a function which flushes and stops the exporter; it is a no-op when tracing is not configured.
func configOTEL(ctx context.Context, serviceName string) func() {
	ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if ep == "" {
		return func() {}
	}
	slog.Info("setting up trace exporter", "endpoint", ep)

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		slog.Error("failed to create trace exporter, tracing disabled", "err", err)
		return func() {}
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("env", env.Environment()),         // DataDog
			attribute.String("environment", env.Environment()), // Others
			attribute.String("version", env.Version),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace exporter", "err", err)
		}
	}
}
