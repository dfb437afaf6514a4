package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/processing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Defaults()
	cfg.Unified.Storage.DBPath = "" // in-memory
	cfg.MetricsBackend = "noop"
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func TestNewBuildsEveryWiredSubsystem(t *testing.T) {
	e := newTestEngine(t)
	assert.NotNil(t, e.clustering)
	assert.NotNil(t, e.predictor)
	assert.NotNil(t, e.processor)
	assert.NotNil(t, e.pipeline)
	assert.NotNil(t, e.trigger)
	assert.NotNil(t, e.domain)
}

func TestPredictEtaFallsBackToBootstrap(t *testing.T) {
	e := newTestEngine(t)
	pred := e.PredictEta(context.Background(), "r1", "cargo test", "cargo", nil)
	assert.Greater(t, pred.ExpectedSeconds, int64(0))
}

func TestSubmitRaceCompletionUpdatesClusterStats(t *testing.T) {
	e := newTestEngine(t)
	dur := int64(120)
	err := e.SubmitRaceCompletion(processing.Request{RaceID: "r1", RaceTitle: "cargo test", RaceSource: "cargo", Duration: &dur})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
}

func TestTriggerRebuildWithNoRacesIsANoop(t *testing.T) {
	e := newTestEngine(t)
	err := e.TriggerRebuild()
	require.NoError(t, err)
}

func TestHealthSnapshotReportsPersistence(t *testing.T) {
	e := newTestEngine(t)
	snap := e.HealthSnapshot(context.Background())
	assert.NotEmpty(t, snap.Probes)
}

func TestEngineSnapshotReflectsUptime(t *testing.T) {
	e := newTestEngine(t)
	snap := e.Snapshot()
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestStartAndStopIsIdempotentSafe(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()
	require.NoError(t, e.Stop())
}
