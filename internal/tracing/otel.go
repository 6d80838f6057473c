// Package tracing provides shared OTel tracer initialization for the
// daemon's HTTP surface and provider transport.
//
// Tracing is off unless `tracing.enabled` is set (or the conventional
// OTEL_EXPORTER_OTLP_ENDPOINT variable is present); when off a no-op
// tracer is used.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/paseo/paseo/internal/common/config"
)

const defaultServiceName = "paseo"

var (
	mu             sync.Mutex
	initialized    bool
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init wires the OTLP HTTP exporter from config. Safe to call once at
// daemon startup; Tracer falls back to the environment when Init was
// never called (the standalone binaries).
func Init(cfg config.TracingConfig) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	initialized = true

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if !cfg.Enabled && endpoint == "" {
		return
	}
	if endpoint == "" {
		return
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(name)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	need := !initialized
	mu.Unlock()
	if need {
		Init(config.TracingConfig{})
	}

	mu.Lock()
	tp := tracerProvider
	mu.Unlock()
	return tp.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	mu.Unlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}
