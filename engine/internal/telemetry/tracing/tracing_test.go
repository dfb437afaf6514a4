package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopTracer(t *testing.T) {
	tr := NewTracer(false)
	assert.True(t, tr.Noop())
	ctx, sp := tr.StartSpan(context.Background(), "noop")
	require.NotNil(t, ctx)
	require.NotNil(t, sp)
	sp.End()
}

func TestSimpleTracerHierarchy(t *testing.T) {
	tr := NewTracer(true)
	assert.False(t, tr.Noop())

	ctx, root := tr.StartSpan(context.Background(), "root")
	require.NotEmpty(t, root.Context().TraceID)
	require.NotEmpty(t, root.Context().SpanID)

	_, child := tr.StartSpan(ctx, "child")
	assert.Equal(t, root.Context().TraceID, child.Context().TraceID)
	assert.Equal(t, root.Context().SpanID, child.Context().ParentSpanID)

	child.End()
	root.End()
	assert.True(t, root.IsEnded())
	assert.True(t, child.IsEnded())
	assert.False(t, root.Context().End.IsZero())
	assert.False(t, child.Context().End.IsZero())
}

func TestSpanAttributes(t *testing.T) {
	tr := NewTracer(true)
	_, sp := tr.StartSpan(context.Background(), "work")
	sp.SetAttribute("stage", "pipeline")
	sp.SetAttribute("ok", true)
	sp.End()
	assert.True(t, sp.IsEnded())
}

func TestSpanTimingOrder(t *testing.T) {
	tr := NewTracer(true)
	_, sp := tr.StartSpan(context.Background(), "timing")
	time.Sleep(5 * time.Millisecond)
	sp.End()
	assert.False(t, sp.Context().End.Before(sp.Context().Start))
}

func TestAdaptiveTracerDropsBelowZeroPercent(t *testing.T) {
	tr := NewAdaptiveTracer(func() float64 { return 0 })
	assert.False(t, tr.Noop())
	_, sp := tr.StartSpan(context.Background(), "adaptive")
	sp.End()
	assert.True(t, sp.IsEnded())
}

func TestExtractIDsEmptyForBareContext(t *testing.T) {
	traceID, spanID := ExtractIDs(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)
}

func TestExtractIDsMatchesStartedSpan(t *testing.T) {
	tr := NewTracer(true)
	ctx, sp := tr.StartSpan(context.Background(), "extract")
	defer sp.End()

	traceID, spanID := ExtractIDs(ctx)
	assert.Equal(t, sp.Context().TraceID, traceID)
	assert.Equal(t, sp.Context().SpanID, spanID)
}
