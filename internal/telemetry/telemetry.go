// Package telemetry sets up the OpenTelemetry tracer the build command uses
// to wrap each build phase (parse, slice, bind, lower, execute) in a span;
// individual work items get no span of their own. It is inert by default:
// spans are created against a real tracer
// provider but only exported when OTEL_EXPORTER_OTLP_ENDPOINT names a
// collector, matching how this instrumentation is typically left wired in
// production services without requiring one to be running in dev.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs a global tracer provider for the run and returns a tracer
// plus a shutdown function the caller must defer.
func Setup(ctx context.Context, serviceVersion string) (trace.Tracer, func(context.Context) error, error) {
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "buildalot"),
		attribute.String("service.version", serviceVersion),
	)

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp.Tracer("buildalot"), tp.Shutdown, nil
}
