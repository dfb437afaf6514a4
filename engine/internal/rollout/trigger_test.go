package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/clustering"
	"github.com/raceboard/eta-server/engine/internal/persistence"
	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/models"
)

type fakeStore struct {
	races []*models.Race
	meta  map[string][]byte
}

func newFakeStore(races []*models.Race) *fakeStore {
	return &fakeStore{races: races, meta: make(map[string][]byte)}
}

func (f *fakeStore) ScanRaces(filter persistence.ScanFilter, batchSize int, cursor []byte) ([]*models.Race, []byte, error) {
	if cursor != nil {
		return nil, nil, nil
	}
	return f.races, nil, nil
}

func (f *fakeStore) PutMeta(key string, data []byte) error {
	f.meta[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) GetMeta(key string) ([]byte, bool, error) {
	v, ok := f.meta[key]
	return v, ok, nil
}

func newRace(id, source, title string, duration int64) *models.Race {
	d := duration
	return &models.Race{ID: id, Source: source, Title: title, State: models.RacePassed, DurationSec: &d, StartedAt: time.Now().UTC()}
}

func TestTriggerRebuildRecordsPilotSuccessAndSyncsClusters(t *testing.T) {
	races := []*models.Race{
		newRace("r1", "ci", "run ci pipeline", 100),
		newRace("r2", "ci", "run ci pipeline", 105),
		newRace("r3", "ci", "run ci pipeline", 98),
	}
	store := newFakeStore(races)
	clusteringEngine := clustering.New(1000, nil)
	buffer := rebuild.NewDoubleBuffer(nil)
	pipeline := rebuild.NewPipeline(buffer, models.DefaultSourceConfigs(), nil, false, nil)

	cfg := DefaultTriggerConfig()
	trigger := NewTrigger(store, clusteringEngine, pipeline, cfg, nil)
	require.NoError(t, trigger.controller.StartPhase1())
	trigger.controller.Config.MinRebuildsForPromotion = 1

	err := trigger.TriggerRebuild()
	require.NoError(t, err)

	status := trigger.controller.SourceStatus["ci"]
	require.NotNil(t, status)
	assert.EqualValues(t, 1, status.SuccessCount)
	assert.NotEmpty(t, clusteringEngine.Snapshot("ci"), "rebuild results must sync into the online clustering engine")
}

func TestTriggerPersistsAndRestoresRolloutState(t *testing.T) {
	store := newFakeStore(nil)
	clusteringEngine := clustering.New(100, nil)
	buffer := rebuild.NewDoubleBuffer(nil)
	pipeline := rebuild.NewPipeline(buffer, nil, nil, false, nil)

	trigger := NewTrigger(store, clusteringEngine, pipeline, DefaultTriggerConfig(), nil)
	trigger.controller.RegisterSource("gitlab")
	trigger.persistController()

	restored := NewTrigger(store, clusteringEngine, pipeline, DefaultTriggerConfig(), nil)
	assert.Contains(t, restored.controller.SourceStatus, "gitlab")
}

func TestStartMonitoringRunsUntilCanceled(t *testing.T) {
	store := newFakeStore(nil)
	clusteringEngine := clustering.New(100, nil)
	buffer := rebuild.NewDoubleBuffer(nil)
	pipeline := rebuild.NewPipeline(buffer, nil, nil, false, nil)
	trigger := NewTrigger(store, clusteringEngine, pipeline, DefaultTriggerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	trigger.StartMonitoring(ctx)
	cancel()
}
