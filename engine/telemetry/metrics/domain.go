package metrics

import "time"

// Domain bundles every counter, gauge, and histogram the engine emits,
// constructed once against a Provider and handed to each subsystem.
type Domain struct {
	RacesProcessed    Counter // labels: source
	AnomaliesRejected Counter // labels: source
	RebuildsStarted   Counter // labels: source
	RebuildsSucceeded Counter // labels: source
	RebuildsFailed    Counter // labels: source
	RebuildDuration   Histogram // labels: source
	RolloutPhase      Gauge     // labels: source (value = Mode ordinal)
	QueueDepth        Gauge
	QueueDrops        Counter
}

// NewDomain constructs the engine's metric set on p.
func NewDomain(p Provider) *Domain {
	d := &Domain{
		RacesProcessed:    p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Name: "races_processed_total", Help: "Completed races ingested into the clustering engine.", Labels: []string{"source"}}}),
		AnomaliesRejected: p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Name: "anomalies_rejected_total", Help: "Race durations rejected by the anomaly filter before touching a cluster's stats.", Labels: []string{"source"}}}),
		RebuildsStarted:   p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "rebuild", Name: "started_total", Help: "Offline rebuild passes started.", Labels: []string{"source"}}}),
		RebuildsSucceeded: p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "rebuild", Name: "succeeded_total", Help: "Offline rebuild passes that passed validation and were published.", Labels: []string{"source"}}}),
		RebuildsFailed:    p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "rebuild", Name: "failed_total", Help: "Offline rebuild passes rejected by validation.", Labels: []string{"source"}}}),
		RebuildDuration:   p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "raceboard_eta", Subsystem: "rebuild", Name: "duration_seconds", Help: "Wall-clock duration of a rebuild pass.", Labels: []string{"source"}}}),
		RolloutPhase:      p.NewGauge(GaugeOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "rollout", Name: "source_mode", Help: "Current rollout mode per source (0=Disabled,1=Shadow,2=Canary,3=Production).", Labels: []string{"source"}}}),
		QueueDepth:        p.NewGauge(GaugeOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "processing", Name: "queue_depth", Help: "Pending items in the online processing queue."}}),
		QueueDrops:        p.NewCounter(CounterOpts{CommonOpts{Namespace: "raceboard_eta", Subsystem: "processing", Name: "queue_drops_total", Help: "Items dropped because the processing queue was full."}}),
	}
	return d
}

// TimeRebuild starts a timer that records into RebuildDuration when the
// returned func is called with the rebuild's source label.
func (d *Domain) TimeRebuild() func(source string) {
	start := time.Now()
	return func(source string) { d.RebuildDuration.Observe(time.Since(start).Seconds(), source) }
}
