package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/internal/rollout"
	"github.com/raceboard/eta-server/engine/models"
)

// UnifiedConfig is the single configuration object the server loads at
// startup: server behavior, storage limits, online clustering thresholds,
// the rebuild pipeline's tuning knobs and validation gate, per-source
// overrides, and the rollout controller's promotion policy.
type UnifiedConfig struct {
	Server     ServerConfig
	Storage    StorageConfig
	Clustering ClusteringConfig
	Rebuild    RebuildConfig
	Sources    map[string]models.SourceConfig
	Rollout    rollout.Config

	Version   string
	UpdatedAt time.Time
	Checksum  string
}

// ServerConfig governs top-level behavior that callers flip operationally
// rather than at the per-source tuning level.
type ServerConfig struct {
	ReadOnly           bool
	LegacyJSONFallback bool
}

// StorageConfig holds the storage limits and the database path. Validate
// enforces minimum floors on MaxRaces and MaxEventsPerRace; the persistence
// layer does not read either limit, so nothing is evicted or rejected when
// they are exceeded. An empty DBPath is accepted (the engine then opens a
// temporary store).
type StorageConfig struct {
	MaxRaces         int
	MaxEventsPerRace int
	DBPath           string
}

// ClusteringConfig governs the online (non-rebuild) clustering engine.
type ClusteringConfig struct {
	SimilarityThreshold float64
	MaxClusters         int
}

// RebuildConfig governs the offline rebuild pipeline's scheduling and
// validation gate. Criteria is part of the live-safe subset the hot
// reloader is allowed to swap in without a restart.
type RebuildConfig struct {
	UseANNOptimization bool
	DistanceCacheSize  int
	BatchSize          int
	RebuildInterval    time.Duration
	MaxRebuildDuration time.Duration
	Criteria           rebuild.ValidationCriteria
}

// NewUnifiedConfig creates a configuration with every section zeroed; callers
// should follow up with ApplyDefaults.
func NewUnifiedConfig() *UnifiedConfig {
	return &UnifiedConfig{
		Sources:   make(map[string]models.SourceConfig),
		Version:   "1.0.0",
		UpdatedAt: time.Now(),
	}
}

// DefaultConfig creates a configuration with every section populated from
// its documented default.
func DefaultConfig() *UnifiedConfig {
	c := NewUnifiedConfig()
	c.ApplyDefaults()
	return c
}

// Validate performs comprehensive validation of the unified configuration.
func (c *UnifiedConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("unified configuration cannot be nil")
	}
	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := c.validateClustering(); err != nil {
		return fmt.Errorf("clustering config validation failed: %w", err)
	}
	if err := c.validateRebuild(); err != nil {
		return fmt.Errorf("rebuild config validation failed: %w", err)
	}
	if err := c.validateRollout(); err != nil {
		return fmt.Errorf("rollout config validation failed: %w", err)
	}
	return nil
}

func (c *UnifiedConfig) validateStorage() error {
	if c.Storage.MaxRaces < 100_000 {
		return fmt.Errorf("storage.max_races must be at least 100000: %d", c.Storage.MaxRaces)
	}
	if c.Storage.MaxEventsPerRace < 1_000 {
		return fmt.Errorf("storage.max_events_per_race must be at least 1000: %d", c.Storage.MaxEventsPerRace)
	}
	if c.Storage.DBPath != "" && strings.TrimSpace(c.Storage.DBPath) == "" {
		return fmt.Errorf("storage.db_path cannot be blank")
	}
	return nil
}

func (c *UnifiedConfig) validateClustering() error {
	if c.Clustering.SimilarityThreshold < 0 || c.Clustering.SimilarityThreshold > 1 {
		return fmt.Errorf("clustering.similarity_threshold must be in [0,1]: %f", c.Clustering.SimilarityThreshold)
	}
	if c.Clustering.MaxClusters <= 0 {
		return fmt.Errorf("clustering.max_clusters must be positive: %d", c.Clustering.MaxClusters)
	}
	return nil
}

func (c *UnifiedConfig) validateRebuild() error {
	if c.Rebuild.DistanceCacheSize < 0 {
		return fmt.Errorf("rebuild.distance_cache_size cannot be negative: %d", c.Rebuild.DistanceCacheSize)
	}
	if c.Rebuild.BatchSize <= 0 {
		return fmt.Errorf("rebuild.batch_size must be positive: %d", c.Rebuild.BatchSize)
	}
	if c.Rebuild.RebuildInterval <= 0 {
		return fmt.Errorf("rebuild.rebuild_interval must be positive: %v", c.Rebuild.RebuildInterval)
	}
	if c.Rebuild.MaxRebuildDuration <= 0 {
		return fmt.Errorf("rebuild.max_rebuild_duration must be positive: %v", c.Rebuild.MaxRebuildDuration)
	}
	return nil
}

func (c *UnifiedConfig) validateRollout() error {
	if strings.TrimSpace(c.Rollout.PilotSource) == "" {
		return fmt.Errorf("rollout.pilot_source cannot be empty")
	}
	if c.Rollout.CanaryPercentage > 100 {
		return fmt.Errorf("rollout.canary_percentage must be in [0,100]: %d", c.Rollout.CanaryPercentage)
	}
	if c.Rollout.SuccessThreshold < 0 || c.Rollout.SuccessThreshold > 1 {
		return fmt.Errorf("rollout.success_threshold must be in [0,1]: %f", c.Rollout.SuccessThreshold)
	}
	return nil
}

// ApplyDefaults fills every zero-valued field across all sections.
func (c *UnifiedConfig) ApplyDefaults() {
	if c == nil {
		return
	}
	c.ApplyStorageDefaults()
	c.ApplyClusteringDefaults()
	c.ApplyRebuildDefaults()
	c.ApplySourceDefaults()
	c.ApplyRolloutDefaults()
}

// ApplyStorageDefaults applies storage section defaults.
func (c *UnifiedConfig) ApplyStorageDefaults() {
	if c.Storage.MaxRaces == 0 {
		c.Storage.MaxRaces = 100_000
	}
	if c.Storage.MaxEventsPerRace == 0 {
		c.Storage.MaxEventsPerRace = 1_000
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "~/.raceboard/eta_history.db"
	}
}

// ApplyClusteringDefaults applies clustering section defaults.
func (c *UnifiedConfig) ApplyClusteringDefaults() {
	if c.Clustering.SimilarityThreshold == 0 {
		c.Clustering.SimilarityThreshold = 0.7
	}
	if c.Clustering.MaxClusters == 0 {
		c.Clustering.MaxClusters = 1_000
	}
}

// ApplyRebuildDefaults applies rebuild section defaults.
func (c *UnifiedConfig) ApplyRebuildDefaults() {
	if !c.Rebuild.UseANNOptimization {
		c.Rebuild.UseANNOptimization = true
	}
	if c.Rebuild.DistanceCacheSize == 0 {
		c.Rebuild.DistanceCacheSize = 10_000
	}
	if c.Rebuild.BatchSize == 0 {
		c.Rebuild.BatchSize = 100
	}
	if c.Rebuild.RebuildInterval == 0 {
		c.Rebuild.RebuildInterval = 7 * 24 * time.Hour
	}
	if c.Rebuild.MaxRebuildDuration == 0 {
		c.Rebuild.MaxRebuildDuration = 300 * time.Second
	}
	if (c.Rebuild.Criteria == rebuild.ValidationCriteria{}) {
		c.Rebuild.Criteria = rebuild.DefaultValidationCriteria()
	}
}

// ApplySourceDefaults seeds the per-source table when the configuration
// named none, matching the reference per-source tuning values.
func (c *UnifiedConfig) ApplySourceDefaults() {
	if len(c.Sources) == 0 {
		c.Sources = models.DefaultSourceConfigs()
	}
}

// ApplyRolloutDefaults applies rollout section defaults.
func (c *UnifiedConfig) ApplyRolloutDefaults() {
	if (c.Rollout == rollout.Config{}) {
		c.Rollout = rollout.DefaultConfig()
	}
}
