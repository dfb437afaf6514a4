package rollout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/rebuild"
)

func newTestController() *Controller {
	cfg := DefaultConfig()
	cfg.PilotSource = "ci"
	cfg.MinRebuildsForPromotion = 2
	c := NewController(cfg)
	c.RegisterSource("ci")
	c.RegisterSource("cargo")
	return c
}

func TestStartPhase1EnablesPilotInShadow(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.StartPhase1())
	assert.True(t, c.SourceStatus["ci"].Enabled)
	assert.Equal(t, ModeShadow, c.SourceStatus["ci"].Mode.Kind)
}

func TestResetToPhase1EnablesPilotInProduction(t *testing.T) {
	c := newTestController()
	c.ResetToPhase1([]string{"ci", "cargo"})
	assert.Equal(t, ModeProduction, c.SourceStatus["ci"].Mode.Kind, "reset path enables the pilot directly in production, unlike StartPhase1's shadow mode")
	assert.Equal(t, ModeDisabled, c.SourceStatus["cargo"].Mode.Kind)
}

func TestPromoteToCanaryRequiresShadowAndSuccessRate(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.StartPhase1())

	err := c.PromoteToCanary("ci")
	assert.Error(t, err, "success rate 0/0 should not clear the threshold")

	c.SourceStatus["ci"].SuccessCount = 10
	require.NoError(t, c.PromoteToCanary("ci"))
	assert.Equal(t, ModeCanary, c.SourceStatus["ci"].Mode.Kind)

	err = c.PromoteToCanary("ci")
	assert.Error(t, err, "already in canary, not shadow")
}

func TestPromoteToProductionRequiresCanary(t *testing.T) {
	c := newTestController()
	err := c.PromoteToProduction("ci")
	assert.Error(t, err)

	c.SourceStatus["ci"].Mode = Mode{Kind: ModeCanary, Percentage: 10}
	require.NoError(t, c.PromoteToProduction("ci"))
	assert.Equal(t, ModeProduction, c.SourceStatus["ci"].Mode.Kind)
}

func TestTryAdvancePhaseMovesToAllSourcesConservative(t *testing.T) {
	c := newTestController()
	c.SourceStatus["ci"].Enabled = true
	c.SourceStatus["ci"].Mode = Mode{Kind: ModeProduction}
	c.SourceStatus["ci"].SuccessCount = 2

	advanced := c.TryAdvancePhase()
	assert.True(t, advanced)
	assert.Equal(t, PhaseAllSourcesConservative, c.CurrentPhase)
	assert.Equal(t, ModeShadow, c.SourceStatus["cargo"].Mode.Kind)
}

func TestRecordRebuildResultUpdatesGlobalMetrics(t *testing.T) {
	c := newTestController()
	c.RecordRebuildResult("ci", rebuild.ValidationResult{Passed: true, Metrics: rebuild.ValidationMetrics{MAE: 10, ARI: 0.9}})
	assert.EqualValues(t, 1, c.GlobalMetrics.TotalRebuilds)
	assert.EqualValues(t, 1, c.GlobalMetrics.SuccessfulRebuilds)
	assert.Greater(t, c.GlobalMetrics.AverageMAE, 0.0)
}

func TestRecordRebuildResultTriggersRollbackOnRepeatedFailure(t *testing.T) {
	c := newTestController()
	for i := 0; i < 5; i++ {
		c.RecordRebuildResult("ci", rebuild.ValidationResult{Passed: false})
		c.RecordRebuildResult("cargo", rebuild.ValidationResult{Passed: false})
	}
	assert.Equal(t, PhaseRollback, c.CurrentPhase)
	assert.False(t, c.SourceStatus["ci"].Enabled)
}

func TestShouldUseSourceRespectsMode(t *testing.T) {
	c := newTestController()
	assert.False(t, c.ShouldUseSource("ci", 5), "disabled source never used")

	c.SourceStatus["ci"].Enabled = true
	c.SourceStatus["ci"].Mode = Mode{Kind: ModeCanary, Percentage: 50}
	lowHash := uint64(10)
	highHash := uint64(90)
	assert.True(t, c.ShouldUseSource("ci", lowHash))
	assert.False(t, c.ShouldUseSource("ci", highHash))
}
