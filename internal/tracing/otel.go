package tracing

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyInstalled is returned by Setup when a provider is already active.
var ErrAlreadyInstalled = errors.New("tracer provider already installed")

var (
	installMu sync.Mutex
	installed *sdktrace.TracerProvider
)

// ShutdownFunc flushes pending spans and uninstalls the provider.
type ShutdownFunc func(ctx context.Context) error

// Setup installs the global tracer provider for serviceName. Spans are
// sampled when their parent is sampled, and always for new turns.
func Setup(serviceName string) (ShutdownFunc, error) {
	installMu.Lock()
	defer installMu.Unlock()

	if installed != nil {
		return nil, ErrAlreadyInstalled
	}
	if serviceName == "" {
		serviceName = "cropadvisor"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(resource.NewSchemaless(semconv.ServiceName(serviceName))),
	)
	otel.SetTracerProvider(tp)
	installed = tp

	return func(ctx context.Context) error {
		installMu.Lock()
		defer installMu.Unlock()
		if installed != tp {
			return nil
		}
		installed = nil
		return tp.Shutdown(ctx)
	}, nil
}

// StartSpan starts a span tagged with the turn and user from ctx. The span's
// trace ID becomes the log trace ID when the context has none yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc := FromContext(ctx)
	if tc.TurnID != "" {
		attrs = append(attrs, attribute.String("turn_id", tc.TurnID))
	}
	if tc.UserID != "" {
		attrs = append(attrs, attribute.String("user_id", tc.UserID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// FailSpan marks span as failed with err. A nil err is ignored.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
