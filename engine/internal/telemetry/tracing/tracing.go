// Package tracing wraps the OpenTelemetry SDK with the narrow Span/Tracer
// surface the rest of the engine needs: start a span, tag it, end it, and
// recover its trace/span ids for log correlation.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is a started trace span.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext is a snapshot of a span's correlation ids and timing.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                    time.Time
}

// Tracer starts spans, rooted or as children of whatever span ctx carries.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopTracer) Noop() bool                   { return true }
func (noopSpan) End()                           {}
func (noopSpan) SetAttribute(string, any)       {}
func (noopSpan) Context() SpanContext           { return SpanContext{} }
func (noopSpan) IsEnded() bool                  { return true }

// sdkTracer wraps an OpenTelemetry SDK tracer at whatever sampling rate its
// provider was configured with.
type sdkTracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer sampling every span, or a no-op tracer when
// enabled is false.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	return &sdkTracer{tracer: provider.Tracer("raceboard-eta")}
}

// NewAdaptiveTracer returns a Tracer whose sampling rate is re-read from
// percentFn on every span start, letting callers tie trace volume to a live
// configuration value (e.g. a rollout percentage) without restarting the
// tracer.
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(adaptiveSampler{percentFn: percentFn}))
	return &sdkTracer{tracer: provider.Tracer("raceboard-eta")}
}

type adaptiveSampler struct {
	percentFn func() float64
}

func (s adaptiveSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	pct := s.percentFn()
	if pct <= 0 {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return sdktrace.TraceIDRatioBased(pct / 100).ShouldSample(p)
}
func (s adaptiveSampler) Description() string { return "adaptive" }

func (t *sdkTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := trace.SpanContextFromContext(ctx)
	newCtx, otelSpan := t.tracer.Start(ctx, name)
	w := &wrappedSpan{span: otelSpan, start: time.Now()}
	if parent.IsValid() {
		w.parentSpanID = parent.SpanID().String()
	}
	return newCtx, w
}
func (t *sdkTracer) Noop() bool { return false }

type wrappedSpan struct {
	span         trace.Span
	parentSpanID string
	start, end   time.Time
	mu           sync.Mutex
	ended        bool
}

func (s *wrappedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.span.End()
	s.end = time.Now()
	s.ended = true
}

func (s *wrappedSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *wrappedSpan) Context() SpanContext {
	sc := s.span.SpanContext()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpanContext{
		TraceID:      sc.TraceID().String(),
		SpanID:       sc.SpanID().String(),
		ParentSpanID: s.parentSpanID,
		Start:        s.start,
		End:          s.end,
	}
}

func (s *wrappedSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// SpanFromContext recovers the span carried by ctx, if any; it returns a
// no-op span when ctx carries none, matching StartSpan's contract for a
// caller that ends whatever it gets back.
func SpanFromContext(ctx context.Context) Span {
	otelSpan := trace.SpanFromContext(ctx)
	if !otelSpan.SpanContext().IsValid() {
		return noopSpan{}
	}
	return &wrappedSpan{span: otelSpan, start: time.Now()}
}

// ExtractIDs recovers the trace and span id carried by ctx, for log
// correlation. Both are empty when ctx carries no span.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
