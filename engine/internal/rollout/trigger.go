package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/clustering"
	"github.com/raceboard/eta-server/engine/internal/persistence"
	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/models"
)

// Store is the persistence surface the rebuild trigger needs: scanning
// every race to discover sources and rebuild candidates, plus a small
// meta key/value slot to persist the rollout controller's own state.
type Store interface {
	ScanRaces(filter persistence.ScanFilter, batchSize int, cursor []byte) ([]*models.Race, []byte, error)
	PutMeta(key string, data []byte) error
	GetMeta(key string) ([]byte, bool, error)
}

// TriggerConfig governs how often the trigger's background tasks fire and
// what they consider a metrics-degradation trigger.
type TriggerConfig struct {
	RebuildInterval time.Duration
	MaxNoiseRatio   float64
	MinCohesion     float64
}

// DefaultTriggerConfig matches the original implementation's interval
// constants (hourly periodic check, 5-minute metric check, 30-minute
// promotion check are fixed in StartMonitoring, not configurable here).
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{RebuildInterval: time.Hour, MaxNoiseRatio: 0.5, MinCohesion: 0.3}
}

// persistedRollout is the JSON shape a Controller is marshaled to/from when
// stored under Store's rollout-config meta key.
type persistedRollout struct {
	CurrentPhase  Phase
	PhaseHistory  []PhaseTransition
	SourceStatus  map[string]*SourceStatus
	GlobalMetrics GlobalMetrics
	Config        Config
}

// Trigger owns the rollout controller and drives the three periodic
// background tasks that keep it moving: a scheduled rebuild, a
// metric-drift rebuild, and rollout phase/promotion checks.
type Trigger struct {
	store      Store
	clustering *clustering.Engine
	pipeline   *rebuild.Pipeline
	config     TriggerConfig
	log        *logrus.Logger

	controller *Controller

	mu          sync.RWMutex
	lastRebuild time.Time
}

// NewTrigger restores a persisted rollout controller (if any) or creates a
// fresh one, without discovering sources yet — source discovery happens
// lazily on the first call to InitializeSources or TriggerRebuild, since
// it requires scanning the store.
func NewTrigger(store Store, clusteringEngine *clustering.Engine, pipeline *rebuild.Pipeline, cfg TriggerConfig, log *logrus.Logger) *Trigger {
	if log == nil {
		log = logrus.New()
	}
	controller := restoreController(store, log)
	return &Trigger{
		store:       store,
		clustering:  clusteringEngine,
		pipeline:    pipeline,
		config:      cfg,
		log:         log,
		controller:  controller,
		lastRebuild: time.Now().UTC(),
	}
}

func restoreController(store Store, log *logrus.Logger) *Controller {
	raw, ok, err := store.GetMeta(persistence.RolloutConfigMetaKey())
	if err != nil {
		log.WithError(err).Error("failed to load rollout configuration, creating new one")
		return NewController(DefaultConfig())
	}
	if !ok {
		log.Info("no saved rollout configuration found, creating new one")
		return NewController(DefaultConfig())
	}
	var p persistedRollout
	if err := json.Unmarshal(raw, &p); err != nil {
		log.WithError(err).Error("failed to parse saved rollout configuration, creating new one")
		return NewController(DefaultConfig())
	}
	log.WithFields(logrus.Fields{"phase": p.CurrentPhase, "sources": len(p.SourceStatus)}).Info("restored rollout configuration from persistence")
	return &Controller{
		CurrentPhase:  p.CurrentPhase,
		PhaseHistory:  p.PhaseHistory,
		SourceStatus:  p.SourceStatus,
		GlobalMetrics: p.GlobalMetrics,
		Config:        p.Config,
	}
}

func (t *Trigger) persistController() {
	t.controller.mu.RLock()
	snapshot := persistedRollout{
		CurrentPhase:  t.controller.CurrentPhase,
		PhaseHistory:  t.controller.PhaseHistory,
		SourceStatus:  t.controller.SourceStatus,
		GlobalMetrics: t.controller.GlobalMetrics,
		Config:        t.controller.Config,
	}
	t.controller.mu.RUnlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		t.log.WithError(err).Error("failed to marshal rollout configuration")
		return
	}
	if err := t.store.PutMeta(persistence.RolloutConfigMetaKey(), raw); err != nil {
		t.log.WithError(err).Error("failed to persist rollout configuration")
	}
}

// Controller exposes the underlying rollout state machine, e.g. for an
// admin HTTP surface.
func (t *Trigger) Controller() *Controller { return t.controller }

func (t *Trigger) discoverSources() []string {
	seen := make(map[string]bool)
	var cursor []byte
	for {
		races, next, err := t.store.ScanRaces(persistence.ScanFilter{}, 1000, cursor)
		if err != nil {
			t.log.WithError(err).Error("failed to scan races for source discovery")
			break
		}
		if len(races) == 0 {
			break
		}
		for _, r := range races {
			seen[r.Source] = true
		}
		if next == nil {
			break
		}
		cursor = next
	}
	sources := make([]string, 0, len(seen))
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// InitializeSources discovers every source present in the store and
// registers it with the rollout controller, preserving whatever enabled/
// disabled state was already restored from persistence; only if nothing
// is enabled yet does it fall back to re-enabling sources per the current
// phase (pilot-only for SingleSource, everyone in shadow for
// AllSourcesConservative).
func (t *Trigger) InitializeSources() {
	sources := t.discoverSources()
	t.controller.RegisterSources(sources)

	t.controller.mu.Lock()
	hasEnabled := false
	for _, s := range t.controller.SourceStatus {
		if s.Enabled {
			hasEnabled = true
			break
		}
	}
	if !hasEnabled {
		switch t.controller.CurrentPhase {
		case PhaseSingleSource:
			if status, ok := t.controller.SourceStatus[t.controller.Config.PilotSource]; ok {
				status.Enabled = true
				status.Mode = Mode{Kind: ModeProduction}
			}
		case PhaseAllSourcesConservative, PhaseAutomaticTuning:
			for _, s := range t.controller.SourceStatus {
				s.Enabled = true
				s.Mode = Mode{Kind: ModeShadow}
			}
		}
	}
	t.controller.mu.Unlock()
	t.persistController()
}

// ResetToPhase1 discovers sources and resets the rollout to its Phase 1
// entry point via the controller (see Controller.ResetToPhase1's doc
// comment for the preserved start_phase_1/reset_to_phase_1 discrepancy).
func (t *Trigger) ResetToPhase1() {
	sources := t.discoverSources()
	t.controller.ResetToPhase1(sources)
	t.persistController()
}

// StartMonitoring launches the three background tasks that drive
// rebuilds and rollout promotion: a hourly periodic rebuild check, a
// 5-minute metric-drift rebuild check, and a 30-minute rollout promotion
// check. All three run until ctx is canceled.
func (t *Trigger) StartMonitoring(ctx context.Context) {
	t.InitializeSources()
	t.logRolloutStatus()

	go t.runPeriodic(ctx, time.Hour, func() bool { return t.shouldRebuildPeriodic() }, "periodic")
	go t.runPeriodic(ctx, 5*time.Minute, func() bool { return t.shouldRebuildMetrics() }, "metric-triggered")
	go t.runPeriodic(ctx, 30*time.Minute, func() bool { t.checkRolloutPromotion(); return false }, "")
}

func (t *Trigger) runPeriodic(ctx context.Context, interval time.Duration, check func() bool, rebuildLabel string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !check() {
				continue
			}
			if rebuildLabel == "" {
				continue
			}
			t.log.WithField("trigger", rebuildLabel).Info("rebuild triggered")
			t.logRolloutStatus()
			if err := t.TriggerRebuild(); err != nil {
				t.log.WithError(err).WithField("trigger", rebuildLabel).Error("rebuild failed")
			}
		}
	}
}

func (t *Trigger) logRolloutStatus() {
	t.controller.mu.RLock()
	defer t.controller.mu.RUnlock()
	c := t.controller
	successRate := 0.0
	if c.GlobalMetrics.TotalRebuilds > 0 {
		successRate = float64(c.GlobalMetrics.SuccessfulRebuilds) / float64(c.GlobalMetrics.TotalRebuilds) * 100
	}
	t.log.WithFields(logrus.Fields{
		"phase":        c.CurrentPhase,
		"total":        c.GlobalMetrics.TotalRebuilds,
		"success_rate": successRate,
		"average_mae":  c.GlobalMetrics.AverageMAE,
		"average_ari":  c.GlobalMetrics.AverageARI,
	}).Info("rollout status")
}

func (t *Trigger) checkRolloutPromotion() {
	t.controller.mu.Lock()
	type promo struct {
		source string
		kind   ModeKind
		count  uint32
	}
	var candidates []promo
	for source, status := range t.controller.SourceStatus {
		switch status.Mode.Kind {
		case ModeShadow:
			if status.SuccessCount >= 5 {
				candidates = append(candidates, promo{source, ModeShadow, status.SuccessCount})
			}
		case ModeCanary:
			if status.SuccessCount >= 10 {
				candidates = append(candidates, promo{source, ModeCanary, status.SuccessCount})
			}
		}
	}
	t.controller.mu.Unlock()

	for _, c := range candidates {
		var err error
		switch c.kind {
		case ModeShadow:
			err = t.controller.PromoteToCanary(c.source)
		case ModeCanary:
			err = t.controller.PromoteToProduction(c.source)
		}
		if err != nil {
			t.log.WithError(err).WithField("source", c.source).Warn("failed to promote source")
		} else {
			t.log.WithField("source", c.source).Info("promoted source")
		}
	}

	if t.controller.TryAdvancePhase() {
		t.log.WithField("phase", t.controller.CurrentPhase).Info("advanced rollout phase")
		t.logRolloutStatus()
	}
	t.persistController()
}

func (t *Trigger) shouldRebuildPeriodic() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.lastRebuild) >= t.config.RebuildInterval
}

func (t *Trigger) shouldRebuildMetrics() bool {
	snapshot := t.clustering.Snapshot("")
	if len(snapshot) == 0 {
		return false
	}
	var totalMembers, noiseMembers int
	for _, c := range snapshot {
		totalMembers += len(c.MemberRaceIDs)
		if strings.HasSuffix(c.ClusterID, ":source_avg") {
			noiseMembers += len(c.MemberRaceIDs)
		}
	}
	var noiseRatio float64
	if totalMembers > 0 {
		noiseRatio = float64(noiseMembers) / float64(totalMembers)
	}
	return noiseRatio > t.config.MaxNoiseRatio
}

// TriggerRebuild is the trigger's core operation: discover and register
// any newly seen sources, group enabled races by source according to the
// rollout's current exposure decision, rebuild each source independently,
// record every outcome against the rollout controller, and — if every
// rebuild this round validated — try to advance the overall phase.
//
// Historical out-of-band data (the original implementation additionally
// merged in a hardcoded `~/.raceboard/races.json` file at this point) is
// NOT reproduced here: the Store interface's ScanRaces is this port's
// sole source of historical races, since a hardcoded legacy home-directory
// path is an artifact of the original's deployment history rather than a
// behavior this system's storage interface names. See DESIGN.md.
func (t *Trigger) TriggerRebuild() error {
	t.log.Info("triggering cluster rebuild")

	sources := t.discoverSources()
	if len(sources) > 0 {
		t.controller.RegisterSources(sources)
	}

	bySource := make(map[string][]*models.Race)
	var cursor []byte
	for {
		races, next, err := t.store.ScanRaces(persistence.ScanFilter{}, 10000, cursor)
		if err != nil {
			return fmt.Errorf("rollout: scan races: %w", err)
		}
		if len(races) == 0 {
			break
		}
		for _, r := range races {
			h := xxhash.Sum64String(r.ID)
			if t.controller.ShouldUseSource(r.Source, h) {
				bySource[r.Source] = append(bySource[r.Source], r)
			}
		}
		if next == nil {
			break
		}
		cursor = next
	}

	if len(bySource) == 0 {
		t.log.Info("no sources enabled for rebuild in current phase")
		return nil
	}

	allPassed := true
	for source, races := range bySource {
		t.log.WithField("source", source).Info("rebuilding clusters for source")
		result, err := t.pipeline.Run(races, nil)
		if err != nil {
			allPassed = false
			t.log.WithError(err).WithField("source", source).Error("rebuild failed")
			t.controller.RecordRebuildResult(source, result)
			continue
		}
		t.controller.RecordRebuildResult(source, result)
		if !result.Passed {
			allPassed = false
		}
	}

	if allPassed {
		if t.controller.TryAdvancePhase() {
			t.log.WithField("phase", t.controller.CurrentPhase).Info("advanced rollout phase after rebuild")
		}
	}

	t.mu.Lock()
	t.lastRebuild = time.Now().UTC()
	t.mu.Unlock()

	t.syncClustersToMain()
	t.persistController()
	t.log.Info("cluster rebuild phase completed")
	return nil
}

// syncClustersToMain publishes every active rebuilt cluster into the
// online clustering engine, so requests served by the prediction ladder
// see the rebuild's results.
func (t *Trigger) syncClustersToMain() {
	active := t.pipeline.Active()
	bySource := make(map[string]map[string]*models.RaceCluster)
	for id, c := range active {
		if bySource[c.Source] == nil {
			bySource[c.Source] = make(map[string]*models.RaceCluster)
		}
		bySource[c.Source][id] = c
	}
	for source, clusters := range bySource {
		t.clustering.ReplaceSourceClusters(source, clusters)
	}
}
