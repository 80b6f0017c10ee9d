package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the share of root spans kept; values outside (0,1]
	// keep everything.
	SampleRatio float64
	// Exporter receives finished spans. Nil records spans without
	// exporting them, which still yields trace ids for logs.
	Exporter sdktrace.SpanExporter
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Setup installs the process tracer provider and returns its shutdown
// function. Calling it again replaces the previous provider.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "relay"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.Exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.Exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	providerMu.Lock()
	previous := provider
	provider = tp
	providerMu.Unlock()
	otel.SetTracerProvider(tp)

	if previous != nil {
		_ = previous.Shutdown(ctx)
	}
	return func(ctx context.Context) error {
		providerMu.Lock()
		if provider == tp {
			provider = nil
		}
		providerMu.Unlock()
		return tp.Shutdown(ctx)
	}, nil
}

// StartSpan starts a span. The span's trace id becomes the context trace id
// unless one is already set, so log lines and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := GetConnectionID(ctx); id != "" {
		attrs = append(attrs, attribute.String("relay.connection_id", id))
	}
	if conv := GetConversation(ctx); conv != "" {
		attrs = append(attrs, attribute.String("relay.conversation", conv))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
