package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/models"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestStoreAndScanRaces(t *testing.T) {
	a := newTestAdapter(t)

	r1 := models.NewRace("cargo", "build one")
	r1.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	r2 := models.NewRace("npm", "build two")
	r2.StartedAt = time.Now().UTC().Add(-1 * time.Hour)

	require.NoError(t, a.StoreRace(r1))
	require.NoError(t, a.StoreRace(r2))

	races, next, err := a.ScanRaces(ScanFilter{}, 10, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
	require.Len(t, races, 2)
	assert.True(t, races[0].StartedAt.Before(races[1].StartedAt))
}

func TestScanRacesFiltersBySource(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.StoreRace(models.NewRace("cargo", "a")))
	require.NoError(t, a.StoreRace(models.NewRace("npm", "b")))

	races, _, err := a.ScanRaces(ScanFilter{Source: "npm"}, 10, nil)
	require.NoError(t, err)
	require.Len(t, races, 1)
	assert.Equal(t, "npm", races[0].Source)
}

func TestReindexesOnStartedAtChange(t *testing.T) {
	a := newTestAdapter(t)
	r := models.NewRace("cargo", "build")
	require.NoError(t, a.StoreRace(r))

	r.StartedAt = r.StartedAt.Add(time.Hour)
	require.NoError(t, a.StoreRace(r))

	races, _, err := a.ScanRaces(ScanFilter{}, 10, nil)
	require.NoError(t, err)
	require.Len(t, races, 1)
}

func TestDeleteRaceRemovesFromIndex(t *testing.T) {
	a := newTestAdapter(t)
	r := models.NewRace("cargo", "build")
	require.NoError(t, a.StoreRace(r))
	require.NoError(t, a.DeleteRace(r.ID))

	races, _, err := a.ScanRaces(ScanFilter{}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, races)
}

func TestPersistAndLoadClusters(t *testing.T) {
	a := newTestAdapter(t)
	c := models.NewRaceCluster("cargo:test_suite", "cargo")
	require.NoError(t, a.PersistCluster(c))

	loaded, err := a.LoadClusters()
	require.NoError(t, err)
	require.Contains(t, loaded, "cargo:test_suite")
	assert.Equal(t, "cargo", loaded["cargo:test_suite"].Source)
}

func TestPersistClusterRejectsInvalidData(t *testing.T) {
	a := newTestAdapter(t)
	c := &models.RaceCluster{ClusterID: "", Source: "cargo", Stats: models.NewExecutionStats()}
	err := a.PersistCluster(c)
	assert.Error(t, err)
}

func TestPersistAndLoadSourceStats(t *testing.T) {
	a := newTestAdapter(t)
	s := &models.SourceStats{Source: "cargo", Stats: models.NewExecutionStats(), MaxHistorySize: 100}
	require.NoError(t, a.PersistSourceStats("cargo", s))

	loaded, err := a.LoadSourceStats()
	require.NoError(t, err)
	require.Contains(t, loaded, "cargo")
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.StoreRace(models.NewRace("cargo", "build")))

	snap, err := a.CreateJSONSnapshot()
	require.NoError(t, err)

	b := newTestAdapter(t)
	require.NoError(t, b.RestoreJSONSnapshot(snap))

	races, _, err := b.ScanRaces(ScanFilter{}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, races, 1)
}

func TestSnapshotRestoreDetectsCorruption(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.StoreRace(models.NewRace("cargo", "build")))
	snap, err := a.CreateJSONSnapshot()
	require.NoError(t, err)

	snap.SHA256 = "0000000000000000000000000000000000000000000000000000000000000"

	b := newTestAdapter(t)
	err = b.RestoreJSONSnapshot(snap)
	assert.ErrorIs(t, err, models.ErrIntegrity)
}
