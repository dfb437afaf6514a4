package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderDiscardsObservations(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts{Name: "x"}})
	c.Inc(1)
	require.NoError(t, p.Health(context.Background()))
}

func TestPrometheusProviderRejectsInvalidName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts{Name: ""}})
	assert.IsType(t, noopCounter{}, c, "empty metric name should fall back to a noop instrument")
}

func TestPrometheusProviderCounterIncrementsAcrossLabelSets(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts{Namespace: "test", Name: "hits_total", Labels: []string{"source"}}})
	c.Inc(1, "ci")
	c.Inc(2, "cargo")
	c2 := p.NewCounter(CounterOpts{CommonOpts{Namespace: "test", Name: "hits_total", Labels: []string{"source"}}})
	assert.Same(t, c.(*promCounter).cv, c2.(*promCounter).cv, "requesting the same fully-qualified name reuses the registered vec")
}

func TestPrometheusProviderCardinalityWarning(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{CardinalityLimit: 1})
	g := p.NewGauge(GaugeOpts{CommonOpts{Namespace: "test", Name: "card", Labels: []string{"id"}}})
	g.Set(1, "a")
	g.Set(1, "b")
	require.NoError(t, p.Health(context.Background()))
}

func TestOTelProviderConstructsInstrumentsWithoutError(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts{Namespace: "test", Name: "otel_hits_total", Labels: []string{"source"}}})
	c.Inc(1, "ci")
	g := p.NewGauge(GaugeOpts{CommonOpts{Namespace: "test", Name: "otel_gauge"}})
	g.Set(5)
	g.Add(-2)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "test", Name: "otel_hist"}})
	h.Observe(0.5)
	require.NoError(t, p.Health(context.Background()))
}

func TestDomainWiresEveryInstrument(t *testing.T) {
	d := NewDomain(NewNoopProvider())
	d.RacesProcessed.Inc(1, "ci")
	d.AnomaliesRejected.Inc(1, "ci")
	d.RebuildsStarted.Inc(1, "ci")
	d.RebuildsSucceeded.Inc(1, "ci")
	d.RebuildsFailed.Inc(1, "ci")
	d.RebuildDuration.Observe(1.5, "ci")
	d.RolloutPhase.Set(2, "ci")
	d.QueueDepth.Set(10)
	d.QueueDrops.Inc(1)

	stop := d.TimeRebuild()
	stop("ci")
}
