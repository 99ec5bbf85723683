package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/hookdispatch/internal/config"
)

// TracerName is the instrumentation scope of every span the dispatcher starts.
const TracerName = "github.com/austindbirch/hookdispatch"

// Init installs a global tracer provider exporting over OTLP/HTTP and the
// W3C trace-context propagator used to carry traces through broker headers.
// The returned func flushes pending spans.
func Init(ctx context.Context, serviceName string, cfg config.Tracing) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := newProvider(trace.WithBatcher(exporter), res, cfg.SampleRatio)
	install(tp)

	return func() {
		_ = tp.Shutdown(ctx)
	}, nil
}

func newProvider(exporter trace.TracerProviderOption, res *resource.Resource, ratio float64) *trace.TracerProvider {
	return trace.NewTracerProvider(
		exporter,
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
}

func install(tp oteltrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// StartSpan starts a span on the dispatcher's tracer.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records err on the current span and marks it failed. A nil
// err is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of the current span, or "" without one.
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHTTP writes the trace context of ctx into outbound request headers.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// InjectTable returns the trace context of ctx as broker message headers.
func InjectTable(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTable restores a trace context carried in broker message headers.
func ExtractTable(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
