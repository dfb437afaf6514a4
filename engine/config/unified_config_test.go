package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/rollout"
	"github.com/raceboard/eta-server/engine/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100_000, cfg.Storage.MaxRaces)
	assert.Equal(t, 0.7, cfg.Clustering.SimilarityThreshold)
	assert.NotEmpty(t, cfg.Sources)
	assert.Equal(t, rollout.DefaultConfig().PilotSource, cfg.Rollout.PilotSource)
}

func TestApplyDefaultsPreservesExistingValues(t *testing.T) {
	cfg := NewUnifiedConfig()
	cfg.Storage.DBPath = "/custom/path.db"
	cfg.ApplyDefaults()

	assert.Equal(t, "/custom/path.db", cfg.Storage.DBPath)
	assert.Equal(t, 100_000, cfg.Storage.MaxRaces, "ApplyDefaults should fill unset fields")
}

func TestApplySourceDefaultsSkipsWhenSourcesConfigured(t *testing.T) {
	cfg := NewUnifiedConfig()
	cfg.Sources["widget"] = models.SourceConfig{Source: "widget", EpsMin: 0.2, EpsMax: 0.4}
	cfg.ApplySourceDefaults()

	assert.Len(t, cfg.Sources, 1, "explicit source table should not be replaced by the seeded defaults")
}

func TestValidateRejectsBelowFloorStorageLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.MaxRaces = 10
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeSimilarityThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clustering.SimilarityThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyPilotSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rollout.PilotSource = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveRebuildInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rebuild.RebuildInterval = -1 * time.Hour
	assert.Error(t, cfg.Validate())
}

func TestValidateNilConfig(t *testing.T) {
	var cfg *UnifiedConfig
	assert.Error(t, cfg.Validate())
}

func TestManagerLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	m := NewManager("/nonexistent/raceboard-eta.yaml")
	require.NoError(t, m.Load())
	assert.Equal(t, 100_000, m.Current().Storage.MaxRaces)
}

func TestManagerSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	m := NewManager(path)
	cfg := DefaultConfig()
	cfg.Storage.DBPath = "/tmp/custom.db"
	require.NoError(t, m.Save(cfg))

	reloaded := NewManager(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "/tmp/custom.db", reloaded.Current().Storage.DBPath)
}

func TestChecksumIgnoresItsOwnField(t *testing.T) {
	a := DefaultConfig()
	b := *a
	b.Checksum = "garbage"
	assert.Equal(t, checksum(a), checksum(&b))
}
