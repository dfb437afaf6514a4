// Package prediction implements the three-level ETA prediction ladder:
// cluster statistics first, then source-level statistics, then a fixed
// bootstrap table, each level falling through to the next when its
// confidence can't clear the bar.
package prediction

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/clustering"
	"github.com/raceboard/eta-server/engine/internal/stats"
	"github.com/raceboard/eta-server/engine/models"
)

const (
	clusterConfidenceFloor = 0.3
	sourceStatsMinHistory  = 5
	sourceStatsConfCap     = 0.6
	sourceStatsConfScale   = 0.7
	bootstrapConfidence    = 0.2
	sourceHistoryCap       = 100
)

// Store is the persistence dependency the prediction engine needs: loading
// previously-saved source statistics at startup and persisting updates.
// Implemented by engine/internal/persistence.
type Store interface {
	LoadSourceStats() (map[string]*models.SourceStats, error)
	PersistSourceStats(source string, s *models.SourceStats) error
	PersistCluster(c *models.RaceCluster) error
}

// Engine is the ETA prediction ladder, backed by a clustering engine for
// level 1 and its own source-level stats table for level 2.
type Engine struct {
	mu          sync.RWMutex
	clusters    *clustering.Engine
	store       Store
	sourceStats map[string]*models.SourceStats
	log         *logrus.Logger
}

// New constructs a prediction engine, loading any previously persisted
// source statistics from store.
func New(clusters *clustering.Engine, store Store, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		clusters:    clusters,
		store:       store,
		sourceStats: make(map[string]*models.SourceStats),
		log:         log,
	}
	if store != nil {
		if loaded, err := store.LoadSourceStats(); err == nil {
			e.sourceStats = loaded
			log.WithField("count", len(loaded)).Info("loaded source statistics from disk")
		} else {
			log.WithError(err).Warn("could not load source statistics, starting empty")
		}
	}
	return e
}

// PredictEta runs the three-level fallback ladder for a race that hasn't
// completed yet.
func (e *Engine) PredictEta(ctx context.Context, raceID, title, source string, metadata map[string]string) models.EtaPrediction {
	if clusterID := e.clusters.FindBestCluster(title, source, metadata); clusterID != "" {
		if pred, ok := e.clusters.GetClusterEta(clusterID); ok && pred.Confidence > clusterConfidenceFloor {
			pred.Source = models.EtaSourceCluster
			return pred
		}
	}

	e.mu.RLock()
	sourceStat, ok := e.sourceStats[source]
	e.mu.RUnlock()
	if ok && len(sourceStat.ExecutionHistory) >= sourceStatsMinHistory {
		pred := stats.CalculateEta(sourceStat.Stats)
		pred.Confidence = math.Min(pred.Confidence*sourceStatsConfScale, sourceStatsConfCap)
		pred.Source = models.EtaSourceAdapter
		return pred
	}

	defaultEta := e.GetBootstrapDefault(source, title, metadata)
	return models.EtaPrediction{
		ExpectedSeconds: defaultEta,
		Confidence:      bootstrapConfidence,
		LowerBound:      int64(float64(defaultEta) * 0.5),
		UpperBound:      int64(float64(defaultEta) * 2.0),
		Source:          models.EtaSourceBootstrap,
	}
}

// bootstrapTable is the fixed (source, operation_type) -> seconds table used
// once neither cluster nor source-level statistics have enough signal yet.
var bootstrapTable = map[string]map[string]int64{
	"claude-code": {
		"simple_prompt":    15,
		"code_generation":  30,
		"complex_analysis": 45,
		"":                 20,
	},
	"gemini-cli": {
		"simple_prompt":   10,
		"code_generation": 25,
		"":                15,
	},
	"codex": {
		"simple_prompt":   20,
		"code_generation": 35,
		"":                25,
	},
	"cargo": {
		"incremental_build": 5,
		"clean_build":       60,
		"test_suite":        30,
		"":                  15,
	},
	"npm": {
		"install": 30,
		"build":   45,
		"":        20,
	},
	"github-actions": {
		"unit_tests":        120,
		"integration_tests": 300,
		"":                  180,
	},
	"jenkins": {
		"deploy_staging":    180,
		"deploy_production": 600,
		"":                  300,
	},
}

const ultimateFallbackEta int64 = 30

// GetBootstrapDefault looks up the fixed (source, operation_type) seconds
// table, falling back to the source's catch-all entry and then the
// ultimate fallback when neither the source nor the operation is known.
func (e *Engine) GetBootstrapDefault(source, title string, metadata map[string]string) int64 {
	operation := clustering.ExtractOperationType(source, title, metadata)
	bySource, ok := bootstrapTable[source]
	if !ok {
		return ultimateFallbackEta
	}
	if eta, ok := bySource[operation]; ok {
		return eta
	}
	if eta, ok := bySource[""]; ok {
		return eta
	}
	return ultimateFallbackEta
}

// UpdateSourceStats folds a completed race's duration into that source's
// rolling statistics window, creating the entry on first use.
func (e *Engine) UpdateSourceStats(source string, duration int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.sourceStats[source]
	if !ok {
		entry = &models.SourceStats{
			Source:           source,
			ExecutionHistory: make([]int64, 0, sourceHistoryCap),
			Stats:            models.NewExecutionStats(),
			MaxHistorySize:   sourceHistoryCap,
		}
		e.sourceStats[source] = entry
	}

	entry.ExecutionHistory = append(entry.ExecutionHistory, duration)
	if len(entry.ExecutionHistory) > entry.MaxHistorySize {
		entry.ExecutionHistory = entry.ExecutionHistory[len(entry.ExecutionHistory)-entry.MaxHistorySize:]
	}
	stats.UpdateWithDuration(entry.Stats, duration, e.log)
	entry.LastUpdated = time.Now().UTC()
}

// OnRaceCompleted is the terminal-state hook: assigns the race to a
// cluster, updates both cluster- and source-level statistics, and persists
// the results.
func (e *Engine) OnRaceCompleted(ctx context.Context, raceID, title, source string, metadata map[string]string, duration int64) {
	clusterID := e.clusters.AssignRace(ctx, raceID, title, source, metadata)
	e.clusters.UpdateClusterStats(clusterID, duration)
	e.UpdateSourceStats(source, duration)

	if e.store == nil {
		return
	}
	if c, ok := e.clusters.Get(clusterID); ok {
		if err := e.store.PersistCluster(c); err != nil {
			e.log.WithError(err).WithField("cluster_id", clusterID).Warn("failed to persist cluster")
		}
	}

	e.mu.RLock()
	sourceStat, ok := e.sourceStats[source]
	e.mu.RUnlock()
	if ok && len(sourceStat.ExecutionHistory)%10 == 0 {
		if err := e.store.PersistSourceStats(source, sourceStat); err != nil {
			e.log.WithError(err).WithField("source", source).Warn("failed to persist source statistics")
		}
	}
}

// GetSourceStats returns a single source's live statistics (the stored
// pointer, not a copy), if present.
func (e *Engine) GetSourceStats(source string) (*models.SourceStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sourceStats[source]
	return s, ok
}

// GetAllSourceStats returns every tracked source's statistics.
func (e *Engine) GetAllSourceStats() map[string]*models.SourceStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*models.SourceStats, len(e.sourceStats))
	for k, v := range e.sourceStats {
		out[k] = v
	}
	return out
}
