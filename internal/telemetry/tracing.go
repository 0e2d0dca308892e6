// Package telemetry configures OpenTelemetry tracing for the relay service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/JakeFAU/remote-progress-relay/internal/config"
)

// OutputStdout writes finished spans to standard output.
const OutputStdout = "stdout"

// Tracing owns the tracer provider and whatever its exporter writes to.
type Tracing struct {
	Provider *sdktrace.TracerProvider
	closer   io.Closer
}

// NewTracerProvider builds a provider from cfg without touching globals.
// An empty cfg.Output records and samples spans but exports nothing, which
// still gives Pub/Sub events a trace context to carry.
func NewTracerProvider(ctx context.Context, cfg config.TracingConfig) (*Tracing, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	t := &Tracing{}
	if cfg.Output != "" {
		var w io.Writer = os.Stdout
		if cfg.Output != OutputStdout {
			f, err := os.Create(cfg.Output)
			if err != nil {
				return nil, fmt.Errorf("open trace output: %w", err)
			}
			w = f
			t.closer = f
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			t.closeOutput()
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	t.Provider = sdktrace.NewTracerProvider(opts...)
	return t, nil
}

// InitTracerProvider builds a provider and installs it, with W3C trace
// context and baggage propagation, as the global default.
func InitTracerProvider(ctx context.Context, cfg config.TracingConfig) (*Tracing, error) {
	t, err := NewTracerProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(t.Provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Shutdown flushes pending spans and closes the output file, if any.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.Provider == nil {
		return nil
	}
	err := t.Provider.Shutdown(ctx)
	t.closeOutput()
	if err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

func (t *Tracing) closeOutput() {
	if t.closer != nil {
		_ = t.closer.Close()
		t.closer = nil
	}
}
