package prediction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/clustering"
	"github.com/raceboard/eta-server/engine/models"
)

type fakeStore struct {
	loaded map[string]*models.SourceStats
}

func (f *fakeStore) LoadSourceStats() (map[string]*models.SourceStats, error) {
	if f.loaded == nil {
		return nil, errors.New("no snapshot")
	}
	return f.loaded, nil
}
func (f *fakeStore) PersistSourceStats(source string, s *models.SourceStats) error { return nil }
func (f *fakeStore) PersistCluster(c *models.RaceCluster) error                    { return nil }

func TestBootstrapDefaults(t *testing.T) {
	e := New(clustering.New(100, nil), &fakeStore{}, nil)

	assert.Equal(t, int64(5), e.GetBootstrapDefault("cargo", "cargo build", nil))
	assert.Equal(t, int64(30), e.GetBootstrapDefault("cargo", "cargo test", nil))
	assert.Equal(t, int64(30), e.GetBootstrapDefault("unknown", "something", nil))
}

func TestPredictEtaFallsThroughToBootstrapWhenNoHistory(t *testing.T) {
	e := New(clustering.New(100, nil), &fakeStore{}, nil)
	pred := e.PredictEta(context.Background(), "r1", "cargo test suite", "cargo", nil)
	assert.Equal(t, models.EtaSourceBootstrap, pred.Source)
	assert.Equal(t, 0.2, pred.Confidence)
}

func TestPredictEtaUsesSourceStatsOnceEnoughHistory(t *testing.T) {
	e := New(clustering.New(100, nil), &fakeStore{}, nil)
	for i := 0; i < 6; i++ {
		e.UpdateSourceStats("gitlab", 42)
	}
	pred := e.PredictEta(context.Background(), "r1", "some pipeline", "gitlab", nil)
	assert.Equal(t, models.EtaSourceAdapter, pred.Source)
}

func TestOnRaceCompletedUpdatesBothClusterAndSourceStats(t *testing.T) {
	clusters := clustering.New(100, nil)
	e := New(clusters, &fakeStore{}, nil)

	e.OnRaceCompleted(context.Background(), "r1", "cargo build release", "cargo", map[string]string{"crate": "core"}, 12)

	s, ok := e.GetSourceStats("cargo")
	require.True(t, ok)
	assert.Equal(t, []int64{12}, s.ExecutionHistory)
}
