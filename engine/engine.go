// Package engine composes the ETA-prediction and cluster-rebuild
// subsystems — clustering, prediction, online processing, offline
// rebuild, phased rollout, persistence, and telemetry — behind a single
// facade type.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/clustering"
	"github.com/raceboard/eta-server/engine/internal/persistence"
	"github.com/raceboard/eta-server/engine/internal/prediction"
	"github.com/raceboard/eta-server/engine/internal/processing"
	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/internal/rollout"
	internaltracing "github.com/raceboard/eta-server/engine/internal/telemetry/tracing"
	"github.com/raceboard/eta-server/engine/models"
	"github.com/raceboard/eta-server/engine/telemetry/health"
	"github.com/raceboard/eta-server/engine/telemetry/logging"
	"github.com/raceboard/eta-server/engine/telemetry/metrics"
)

// Snapshot is a unified view of engine state, suitable for the admin
// surface's debug endpoints or a CLI's status command.
type Snapshot struct {
	StartedAt     time.Time              `json:"started_at"`
	Uptime        time.Duration          `json:"uptime"`
	RolloutPhase  string                 `json:"rollout_phase"`
	SourceStatus  []rollout.SourceStatus `json:"source_status"`
	ClusterCounts map[string]int         `json:"cluster_counts"`
	LastHealth    health.Status          `json:"last_health"`
}

// Engine composes every subsystem behind a single facade.
type Engine struct {
	cfg  Config
	log  *logrus.Logger
	clog logging.Logger

	store      *persistence.Adapter
	clustering *clustering.Engine
	predictor  *prediction.Engine
	processor  *processing.Engine
	buffer     *rebuild.DoubleBuffer
	pipeline   *rebuild.Pipeline
	trigger    *rollout.Trigger

	metricsProvider metrics.Provider
	domain          *metrics.Domain
	tracer          internaltracing.Tracer
	healthEval      *health.Evaluator

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc

	lastHealth atomic.Value // stores health.Status
}

// New constructs an Engine: opens persistence at cfg.Unified.Storage.DBPath
// (or, with no path configured, a throwaway temp-file store),
// restores clusters and rollout state, and wires the prediction ladder,
// online processing queue, and rebuild/rollout background tasks.
func New(cfg Config) (*Engine, error) {
	log := logrus.StandardLogger()
	unified := cfg.unified()
	if err := unified.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	store, err := openStore(unified.Storage.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	clusterEngine := clustering.New(unified.Clustering.MaxClusters, log)
	if initial, err := store.LoadClusters(); err == nil {
		for source, c := range groupBySource(initial) {
			clusterEngine.ReplaceSourceClusters(source, c)
		}
	}

	predictor := prediction.New(clusterEngine, store, log)

	e := &Engine{cfg: cfg, log: log, clog: logging.New(log), store: store, clustering: clusterEngine, predictor: predictor, startedAt: time.Now()}

	e.metricsProvider = selectMetricsProvider(cfg.MetricsBackend)
	e.domain = metrics.NewDomain(e.metricsProvider)

	if cfg.EnableTracing {
		e.tracer = internaltracing.NewTracer(true)
	} else {
		e.tracer = internaltracing.NewTracer(false)
	}

	e.healthEval = health.NewEvaluator(10*time.Second, e.healthProbes()...)

	initialClusters, err := store.LoadClusters()
	if err != nil {
		initialClusters = map[string]*models.RaceCluster{}
	}
	e.buffer = rebuild.NewDoubleBuffer(initialClusters)
	e.pipeline = rebuild.NewPipeline(e.buffer, cfg.sourceConfigs(), nil, unified.Rebuild.UseANNOptimization, log)
	e.trigger = rollout.NewTrigger(store, clusterEngine, e.pipeline, rollout.DefaultTriggerConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.processor = processing.New(ctx, predictor, log)

	e.lastHealth.Store(health.StatusUnknown)
	e.started.Store(true)
	return e, nil
}

func openStore(path string, log *logrus.Logger) (*persistence.Adapter, error) {
	if path == "" {
		return persistence.OpenInMemory(log)
	}
	return persistence.Open(path, log)
}

func groupBySource(clusters map[string]*models.RaceCluster) map[string]map[string]*models.RaceCluster {
	out := make(map[string]map[string]*models.RaceCluster)
	for id, c := range clusters {
		if out[c.Source] == nil {
			out[c.Source] = make(map[string]*models.RaceCluster)
		}
		out[c.Source][id] = c
	}
	return out
}

func selectMetricsProvider(backend string) metrics.Provider {
	switch strings.ToLower(backend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// healthProbes builds the liveness probes the admin surface's /healthz
// reports: whether the persistence database file can be stat'ed, and
// whether the rollout trigger is initialized.
func (e *Engine) healthProbes() []health.Probe {
	storeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if e.store == nil {
			return health.Unhealthy("persistence", "store not initialized")
		}
		if _, err := e.store.DBSizeOnDisk(); err != nil {
			return health.Degraded("persistence", err.Error())
		}
		return health.Healthy("persistence")
	})
	rolloutProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if e.trigger == nil {
			return health.Unknown("rollout", "trigger not initialized")
		}
		return health.Healthy("rollout")
	})
	return []health.Probe{storeProbe, rolloutProbe}
}

// Start launches the background rebuild-trigger and rollout-promotion
// tasks. Call it once; the tasks run until ctx is canceled (Stop does not
// cancel them).
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.Load() {
		return fmt.Errorf("engine: not constructed via New")
	}
	e.trigger.StartMonitoring(ctx)
	return nil
}

// Stop drains the online processing queue and closes the persistence
// store. Idempotent.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.processor != nil {
		e.processor.Stop()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// PredictEta runs the three-level prediction ladder for a race that has
// just started (or is otherwise in progress).
func (e *Engine) PredictEta(ctx context.Context, raceID, title, source string, metadata map[string]string) models.EtaPrediction {
	return e.predictor.PredictEta(ctx, raceID, title, source, metadata)
}

// SubmitRaceCompletion enqueues a completed race's duration for
// asynchronous stats/cluster updates without blocking the caller.
func (e *Engine) SubmitRaceCompletion(req processing.Request) error {
	err := e.processor.SubmitRace(req)
	if err != nil {
		e.domain.QueueDrops.Inc(1)
	}
	return err
}

// ClusterSnapshot returns the active cluster table for source, for the
// admin surface's /debug/clusters endpoint.
func (e *Engine) ClusterSnapshot(source string) []*models.RaceCluster {
	return e.clustering.Snapshot(source)
}

// RolloutSnapshot returns the current per-source rollout state, for the
// admin surface's /debug/rollout endpoint.
func (e *Engine) RolloutSnapshot() []rollout.SourceStatus {
	return e.trigger.Controller().Snapshot()
}

// TriggerRebuild runs one out-of-band rebuild pass across every source the
// current rollout phase permits. The admin surface's source query
// parameter is accepted but not honored as a filter: a rebuild pass always
// evaluates every rollout-permitted source in one sweep, matching
// rollout.Trigger.TriggerRebuild's batch semantics.
func (e *Engine) TriggerRebuild() error {
	ctx, span := e.tracer.StartSpan(context.Background(), "rebuild.trigger")
	defer span.End()
	e.clog.InfoCtx(ctx, "rebuild triggered", nil)
	stop := e.domain.TimeRebuild()
	err := e.trigger.TriggerRebuild()
	stop("all")
	if err != nil {
		span.SetAttribute("error", err.Error())
		e.clog.ErrorCtx(ctx, "rebuild failed", logrus.Fields{"error": err.Error()})
	}
	return err
}

// ResetRollout resets the phased rollout back to Phase 1 for every
// discovered source, for the admin surface's /admin/rollout/reset
// endpoint.
func (e *Engine) ResetRollout() {
	e.trigger.ResetToPhase1()
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	snap := e.healthEval.Evaluate(ctx)
	e.lastHealth.Store(snap.Overall)
	return snap
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only; nil otherwise).
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	status := e.RolloutSnapshot()
	counts := make(map[string]int, len(status))
	for _, s := range status {
		counts[s.Source] = len(e.ClusterSnapshot(s.Source))
	}
	phase := ""
	if len(status) > 0 {
		phase = e.trigger.Controller().CurrentPhase.String()
	}
	lastHealth, _ := e.lastHealth.Load().(health.Status)
	return Snapshot{
		StartedAt:     e.startedAt,
		Uptime:        time.Since(e.startedAt),
		RolloutPhase:  phase,
		SourceStatus:  status,
		ClusterCounts: counts,
		LastHealth:    lastHealth,
	}
}
