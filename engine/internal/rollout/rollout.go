// Package rollout implements the phased deployment state machine that
// gates which sources' rebuilt clusters actually serve predictions:
// shadow mode runs a rebuild without using its results, canary exposes it
// to a percentage of traffic, and production serves it fully — with
// automatic rollback if recent rebuilds start failing validation.
package rollout

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/models"
)

// Phase is the overall rollout's progress through its deployment plan.
type Phase int

const (
	PhaseSingleSource Phase = iota
	PhaseAllSourcesConservative
	PhaseAutomaticTuning
	PhaseRollback
)

func (p Phase) String() string {
	switch p {
	case PhaseSingleSource:
		return "single_source"
	case PhaseAllSourcesConservative:
		return "all_sources_conservative"
	case PhaseAutomaticTuning:
		return "automatic_tuning"
	case PhaseRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Mode is a single source's current rollout exposure.
type Mode struct {
	Kind       ModeKind
	Percentage uint8 // only meaningful when Kind == ModeCanary
}

type ModeKind int

const (
	ModeDisabled ModeKind = iota
	ModeShadow
	ModeCanary
	ModeProduction
)

func (m Mode) String() string {
	switch m.Kind {
	case ModeDisabled:
		return "disabled"
	case ModeShadow:
		return "shadow"
	case ModeCanary:
		return fmt.Sprintf("canary(%d%%)", m.Percentage)
	case ModeProduction:
		return "production"
	default:
		return "unknown"
	}
}

// PhaseTransition records one phase change for the rollout's audit trail.
type PhaseTransition struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

// SourceStatus tracks one source's rollout history and current exposure.
type SourceStatus struct {
	Source            string
	Enabled           bool
	Mode              Mode
	LastRebuild       *time.Time
	SuccessCount      uint32
	FailureCount      uint32
	CurrentParameters models.SourceConfig
	ValidationResults []rebuild.ValidationResult // bounded to the last 10
}

// GlobalMetrics is the EMA-smoothed rollup of rebuild outcomes across every
// source, used to decide phase advancement and rollback.
type GlobalMetrics struct {
	TotalRebuilds      uint64
	SuccessfulRebuilds uint64
	FailedRebuilds     uint64
	AverageMAE         float64
	AverageNoiseRatio  float64
	AverageARI         float64
	RollbackCount      uint32
}

// globalMetricsEMAAlpha matches the original implementation's smoothing
// factor for the rolling MAE/noise-ratio/ARI averages.
const globalMetricsEMAAlpha = 0.1

// Config holds the tuning knobs for the rollout plan itself.
type Config struct {
	PilotSource             string
	CanaryPercentage        uint8
	SuccessThreshold        float64
	MinRebuildsForPromotion uint32
	AutoRollback            bool
}

// DefaultConfig matches the original implementation's defaults.
func DefaultConfig() Config {
	return Config{
		PilotSource:             "ci",
		CanaryPercentage:        10,
		SuccessThreshold:        0.95,
		MinRebuildsForPromotion: 10,
		AutoRollback:            true,
	}
}

// Controller is the phased rollout state machine: current phase, per-source
// status, rolling global metrics, and the config governing promotion and
// rollback thresholds.
type Controller struct {
	mu            sync.RWMutex
	CurrentPhase  Phase
	PhaseHistory  []PhaseTransition
	SourceStatus  map[string]*SourceStatus
	GlobalMetrics GlobalMetrics
	Config        Config
}

// NewController creates a rollout controller starting in PhaseSingleSource
// with no registered sources — sources are discovered and registered
// dynamically as the trigger observes them.
func NewController(cfg Config) *Controller {
	return &Controller{
		CurrentPhase: PhaseSingleSource,
		SourceStatus: make(map[string]*SourceStatus),
		Config:       cfg,
	}
}

// RegisterSource adds a source in disabled mode if it isn't already known.
func (c *Controller) RegisterSource(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerSourceLocked(source)
}

func (c *Controller) registerSourceLocked(source string) {
	if _, ok := c.SourceStatus[source]; ok {
		return
	}
	c.SourceStatus[source] = &SourceStatus{
		Source: source,
		Mode:   Mode{Kind: ModeDisabled},
		CurrentParameters: models.SourceConfig{
			EpsMin: 0.3, EpsMax: 0.5, MinSamples: 3, MinClusterSize: 2,
			WTitle: 0.6, WMeta: 0.4,
			TauMatch: 0.5, TauSplit: 0.35, TauMergeLo: 0.35, TauMergeHi: 0.6,
			PreserveBootstraps: true,
		},
	}
}

// RegisterSources registers every source in the slice.
func (c *Controller) RegisterSources(sources []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sources {
		c.registerSourceLocked(s)
	}
}

// EnableAllSources flips every known source to enabled under the given mode.
func (c *Controller) EnableAllSources(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	for _, status := range c.SourceStatus {
		status.Enabled = true
		status.Mode = mode
		if status.LastRebuild == nil {
			status.LastRebuild = &now
		}
	}
}

// StartPhase1 enables the configured pilot source in Shadow mode — the
// rollout's cautious entry point: rebuild and validate, but don't yet use
// the results to serve predictions.
func (c *Controller) StartPhase1() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.SourceStatus[c.Config.PilotSource]
	if !ok {
		return fmt.Errorf("pilot source not found: %s: %w", c.Config.PilotSource, models.ErrNotFound)
	}
	status.Enabled = true
	status.Mode = Mode{Kind: ModeShadow}
	c.addTransitionLocked(PhaseSingleSource, PhaseSingleSource, fmt.Sprintf("started phase 1 with source: %s", c.Config.PilotSource))
	return nil
}

// ResetToPhase1 clears the phase history, the global rebuild counters and
// the MAE average (per-source counters and validation results are kept),
// re-registers every discovered source, but — unlike StartPhase1 — enables the pilot source
// directly in Production mode rather than Shadow. This mismatch exists in
// the original implementation's admin-triggered reset path versus its
// normal startup path and is preserved here rather than reconciled; an
// operator calling ResetToPhase1 gets production-grade trust in the pilot
// source immediately, skipping the shadow/canary steps StartPhase1 takes.
func (c *Controller) ResetToPhase1(sources []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentPhase = PhaseSingleSource
	c.PhaseHistory = nil
	for _, s := range sources {
		c.registerSourceLocked(s)
	}
	for source, status := range c.SourceStatus {
		if source == c.Config.PilotSource {
			status.Enabled = true
			status.Mode = Mode{Kind: ModeProduction}
		} else {
			status.Enabled = false
			status.Mode = Mode{Kind: ModeDisabled}
		}
	}
	c.GlobalMetrics.TotalRebuilds = 0
	c.GlobalMetrics.SuccessfulRebuilds = 0
	c.GlobalMetrics.FailedRebuilds = 0
	c.GlobalMetrics.AverageMAE = 0
}

// PromoteToCanary moves a shadow-mode source into canary mode once its
// historical success rate clears the configured threshold.
func (c *Controller) PromoteToCanary(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.SourceStatus[source]
	if !ok {
		return fmt.Errorf("source not found: %s: %w", source, models.ErrNotFound)
	}
	if status.Mode.Kind != ModeShadow {
		return fmt.Errorf("source must be in shadow mode to promote to canary: %w", models.ErrConflict)
	}
	total := status.SuccessCount + status.FailureCount
	if total == 0 {
		total = 1
	}
	successRate := float64(status.SuccessCount) / float64(total)
	if successRate < c.Config.SuccessThreshold {
		return fmt.Errorf("success rate %.2f%% below threshold %.2f%%: %w", successRate*100, c.Config.SuccessThreshold*100, models.ErrConflict)
	}
	status.Mode = Mode{Kind: ModeCanary, Percentage: c.Config.CanaryPercentage}
	return nil
}

// PromoteToProduction moves a canary-mode source into full production.
func (c *Controller) PromoteToProduction(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.SourceStatus[source]
	if !ok {
		return fmt.Errorf("source not found: %s: %w", source, models.ErrNotFound)
	}
	if status.Mode.Kind != ModeCanary {
		return fmt.Errorf("source must be in canary mode to promote to production: %w", models.ErrConflict)
	}
	status.Mode = Mode{Kind: ModeProduction}
	return nil
}

// TryAdvancePhase checks whether the overall rollout plan (not a single
// source) is ready to move to its next phase, returning whether it did.
func (c *Controller) TryAdvancePhase() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.CurrentPhase {
	case PhaseSingleSource:
		status, ok := c.SourceStatus[c.Config.PilotSource]
		if ok && status.Mode.Kind == ModeProduction && status.SuccessCount >= c.Config.MinRebuildsForPromotion {
			for source, s := range c.SourceStatus {
				if source != c.Config.PilotSource {
					s.Enabled = true
					s.Mode = Mode{Kind: ModeShadow}
				}
			}
			c.addTransitionLocked(PhaseSingleSource, PhaseAllSourcesConservative, "phase 1 successful, enabling all sources")
			c.CurrentPhase = PhaseAllSourcesConservative
			return true
		}

	case PhaseAllSourcesConservative:
		allProduction := true
		var totalSuccess uint32
		for _, s := range c.SourceStatus {
			if s.Mode.Kind != ModeProduction {
				allProduction = false
			}
			totalSuccess += s.SuccessCount
		}
		if allProduction && totalSuccess >= c.Config.MinRebuildsForPromotion*5 {
			c.addTransitionLocked(PhaseAllSourcesConservative, PhaseAutomaticTuning, "phase 2 successful, enabling automatic parameter tuning")
			c.CurrentPhase = PhaseAutomaticTuning
			return true
		}

	case PhaseAutomaticTuning, PhaseRollback:
		return false
	}
	return false
}

// RecordRebuildResult folds a validation outcome into both the source's
// history and the rollout's global EMA metrics, triggering a rollback if
// auto-rollback is enabled and recent failures exceed 50%.
func (c *Controller) RecordRebuildResult(source string, result rebuild.ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.GlobalMetrics.TotalRebuilds++
	status, ok := c.SourceStatus[source]
	if result.Passed {
		c.GlobalMetrics.SuccessfulRebuilds++
		if ok {
			status.SuccessCount++
			now := time.Now().UTC()
			status.LastRebuild = &now
			status.ValidationResults = append(status.ValidationResults, result)
			if len(status.ValidationResults) > 10 {
				status.ValidationResults = status.ValidationResults[1:]
			}
		}
	} else {
		c.GlobalMetrics.FailedRebuilds++
		if ok {
			status.FailureCount++
			status.ValidationResults = append(status.ValidationResults, result)
			if len(status.ValidationResults) > 10 {
				status.ValidationResults = status.ValidationResults[1:]
			}
		}
		if c.Config.AutoRollback {
			c.checkRollbackConditionsLocked()
		}
	}
	c.updateGlobalMetricsLocked(result)
}

func (c *Controller) checkRollbackConditionsLocked() {
	if len(c.SourceStatus) == 0 {
		return
	}
	var totalRatio float64
	for _, status := range c.SourceStatus {
		results := status.ValidationResults
		if len(results) > 5 {
			results = results[len(results)-5:]
		}
		var failures int
		for _, r := range results {
			if !r.Passed {
				failures++
			}
		}
		totalRatio += float64(failures) / 5.0
	}
	if totalRatio/float64(len(c.SourceStatus)) > 0.5 {
		c.triggerRollbackLocked("high failure rate detected")
	}
}

// TriggerRollback disables every source and moves the rollout to
// PhaseRollback; manual intervention is required to resume.
func (c *Controller) TriggerRollback(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerRollbackLocked(reason)
}

func (c *Controller) triggerRollbackLocked(reason string) {
	prev := c.CurrentPhase
	c.CurrentPhase = PhaseRollback
	c.GlobalMetrics.RollbackCount++
	for _, status := range c.SourceStatus {
		status.Enabled = false
		status.Mode = Mode{Kind: ModeDisabled}
	}
	c.addTransitionLocked(prev, PhaseRollback, reason)
}

func (c *Controller) addTransitionLocked(from, to Phase, reason string) {
	c.PhaseHistory = append(c.PhaseHistory, PhaseTransition{From: from, To: to, Timestamp: time.Now().UTC(), Reason: reason})
}

func (c *Controller) updateGlobalMetricsLocked(result rebuild.ValidationResult) {
	a := globalMetricsEMAAlpha
	c.GlobalMetrics.AverageMAE = a*result.Metrics.MAE + (1-a)*c.GlobalMetrics.AverageMAE
	c.GlobalMetrics.AverageNoiseRatio = a*result.Metrics.NoiseRatio + (1-a)*c.GlobalMetrics.AverageNoiseRatio
	c.GlobalMetrics.AverageARI = a*result.Metrics.ARI + (1-a)*c.GlobalMetrics.AverageARI
}

// ShouldUseSource reports whether a race (identified by a stable hash,
// e.g. of the race id) is taken into this source's rebuild under its current
// rollout mode: always in shadow and production, when the hash mod 100 is
// below the canary percentage in canary, and never when disabled.
func (c *Controller) ShouldUseSource(source string, requestHash uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.SourceStatus[source]
	if !ok || !status.Enabled {
		return false
	}
	switch status.Mode.Kind {
	case ModeDisabled:
		return false
	case ModeShadow, ModeProduction:
		return true
	case ModeCanary:
		return requestHash%100 < uint64(status.Mode.Percentage)
	default:
		return false
	}
}

// Snapshot returns a stable, lock-free copy of every source's status,
// sorted by source name, for admin/debug surfaces.
func (c *Controller) Snapshot() []SourceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SourceStatus, 0, len(c.SourceStatus))
	for _, s := range c.SourceStatus {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
