package rebuild

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/distance"
	"github.com/raceboard/eta-server/engine/internal/stats"
	"github.com/raceboard/eta-server/engine/internal/vector"
	"github.com/raceboard/eta-server/engine/models"
)

// defaultSourceConfig is used for any source with no configured tuning knobs,
// matching the original implementation's fallback constants.
var defaultSourceConfig = models.SourceConfig{
	EpsMin: 0.25, EpsMax: 0.45, MinSamples: 2, MinClusterSize: 2,
	WTitle: 0.6, WMeta: 0.4,
	TauMatch: 0.5, TauSplit: 0.35, TauMergeLo: 0.35, TauMergeHi: 0.6,
	PreserveBootstraps: false,
}

// epsEMASmoothing matches the original's config default for how much weight
// a freshly detected eps gets over the source's running estimate.
const epsEMASmoothing = 0.2

// annThreshold is the race count above which the HNSW-accelerated path
// replaces brute-force pairwise DBSCAN.
const annThreshold = 1000

// Pipeline orchestrates one offline rebuild pass: per-source eps detection,
// ANN-accelerated (or brute-force, for small sources) DBSCAN, stable-id
// mapping, bootstrap preservation, dual validation, and publication through
// a DoubleBuffer.
type Pipeline struct {
	buffer        *DoubleBuffer
	sourceConfigs map[string]models.SourceConfig
	bootstraps    []BootstrapPattern
	criteria      ValidationCriteria
	distanceCache *DistanceCache
	useANN        bool
	log           *logrus.Logger
}

// Active returns the pipeline's currently published cluster table.
func (p *Pipeline) Active() map[string]*models.RaceCluster {
	return p.buffer.Active()
}

// NewPipeline constructs a rebuild pipeline publishing through buffer.
// useANN gates whether a per-source batch larger than annThreshold gets the
// HNSW-accelerated path at all; smaller batches, and every batch when
// useANN is false, always take the exact brute-force path.
func NewPipeline(buffer *DoubleBuffer, sourceConfigs map[string]models.SourceConfig, bootstraps []BootstrapPattern, useANN bool, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		buffer:        buffer,
		sourceConfigs: sourceConfigs,
		bootstraps:    bootstraps,
		criteria:      DefaultValidationCriteria(),
		distanceCache: NewDistanceCache(100000),
		useANN:        useANN,
		log:           log,
	}
}

// Run executes one rebuild over races (typically scoped to a single
// source, as the rollout trigger does, but tolerant of a mixed batch) and
// publishes the result, returning the validation outcome so a caller (the
// rollout controller) can record per-source success/failure history.
// Validation is skipped entirely when the snapshot of existing clusters is
// empty — there is nothing yet to regress against, matching the original
// implementation's bootstrap-skip behavior — and otherwise gated by the
// comprehensive validator; a failed validation still returns the result
// (Passed=false) alongside a non-nil error so the clusters are NOT
// published.
func (p *Pipeline) Run(races []*models.Race, holdout []*models.Race) (ValidationResult, error) {
	snapshot := p.buffer.Active()
	p.log.WithFields(logrus.Fields{"existing_clusters": len(snapshot), "races": len(races)}).Info("rebuild: starting")

	newClusters, err := p.runDBSCANRebuild(races, snapshot)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("rebuild: %w", err)
	}
	p.log.WithField("new_clusters", len(newClusters)).Info("rebuild: dbscan complete")

	var result ValidationResult
	if len(snapshot) > 0 {
		result = ValidateClustersComprehensive(newClusters, snapshot, holdout, p.criteria, defaultSourceConfig.WTitle, defaultSourceConfig.WMeta)
		if !result.Passed {
			return result, fmt.Errorf("rebuild: validation failed: %v: %w", result.Failures, models.ErrConflict)
		}
		p.log.WithField("mae", result.Metrics.MAE).Info("rebuild: validation passed")
	} else {
		result = ValidationResult{Passed: true}
		p.log.Info("rebuild: skipping validation, no existing clusters (initial bootstrap)")
	}

	if len(p.bootstraps) > 0 {
		PreserveBootstrapPatterns(newClusters, p.bootstraps)
	}

	rebuildingSources := make(map[string]bool)
	for _, c := range newClusters {
		rebuildingSources[c.Source] = true
	}
	p.buffer.StageInactive(newClusters)
	for source := range rebuildingSources {
		p.buffer.ActivateSource(source)
	}
	return result, nil
}

func (p *Pipeline) runDBSCANRebuild(races []*models.Race, oldClusters map[string]*models.RaceCluster) (map[string]*models.RaceCluster, error) {
	bySource := make(map[string][]*models.Race)
	for _, r := range races {
		bySource[r.Source] = append(bySource[r.Source], r)
	}

	newClusters := make(map[string]*models.RaceCluster)

	for source, sourceRaces := range bySource {
		cfg, ok := p.sourceConfigs[source]
		if !ok {
			cfg = defaultSourceConfig
			cfg.Source = source
		}

		ids := make([]string, len(sourceRaces))
		byID := make(map[string]*models.Race, len(sourceRaces))
		for i, r := range sourceRaces {
			ids[i] = r.ID
			byID[r.ID] = r
		}

		dist := func(idA, idB string) float64 {
			return p.distanceCache.GetOrCompute(idA, idB, func() float64 {
				a, b := byID[idA], byID[idB]
				return distance.RebuildDistance(a.Title, b.Title, a.Metadata, b.Metadata, cfg.WTitle, cfg.WMeta)
			})
		}

		suggested := DetectOptimalEps(ids, cfg.MinSamples, cfg.EpsMin, cfg.EpsMax, dist)
		eps := suggested
		if cfg.LastEps != nil {
			eps = clamp(epsEMASmoothing*suggested+(1-epsEMASmoothing)*(*cfg.LastEps), cfg.EpsMin, cfg.EpsMax)
		}

		// HNSW pays off only once a source has enough races to make pairwise
		// brute force expensive; below the threshold (or with ANN disabled
		// entirely) the exact O(n^2) scan is both cheaper to run and exactly
		// matches the distance eps was tuned against, with no graph recall
		// to worry about.
		var result DBSCANResult
		if p.useANN && len(sourceRaces) > annThreshold {
			vectors := make([][]float64, len(sourceRaces))
			for i, r := range sourceRaces {
				vectors[i] = vector.Embed(distance.NormalizeText(r.Title), r.Metadata)
			}
			idx := NewIndex(ids, vectors)
			result = RunDBSCAN(idx, source, eps, cfg.MinSamples, dist)
		} else {
			result = RunDBSCANBrute(ids, source, eps, cfg.MinSamples, dist)
		}

		for clusterID, memberIDs := range result.Clusters {
			if len(memberIDs) < cfg.MinClusterSize {
				continue
			}
			newClusters[clusterID] = p.createRaceCluster(clusterID, source, memberIDs, byID)
		}
		if len(result.Noise) > 0 {
			noiseID := fmt.Sprintf("%s:source_avg", source)
			newClusters[noiseID] = p.createRaceCluster(noiseID, source, result.Noise, byID)
		}
	}

	th := MappingThresholds{TauMatch: defaultSourceConfig.TauMatch, TauSplit: defaultSourceConfig.TauSplit, TauMergeLo: defaultSourceConfig.TauMergeLo, TauMergeHi: defaultSourceConfig.TauMergeHi}
	if len(p.sourceConfigs) > 0 {
		for _, cfg := range p.sourceConfigs {
			th = MappingThresholds{TauMatch: cfg.TauMatch, TauSplit: cfg.TauSplit, TauMergeLo: cfg.TauMergeLo, TauMergeHi: cfg.TauMergeHi}
			break
		}
	}
	mapping := MapStableIDs(oldClusters, newClusters, th)
	return ApplyStableIDs(newClusters, mapping), nil
}

func (p *Pipeline) createRaceCluster(clusterID, source string, memberIDs []string, byID map[string]*models.Race) *models.RaceCluster {
	c := models.NewRaceCluster(clusterID, source)
	var titles []string
	for _, id := range memberIDs {
		race, ok := byID[id]
		if !ok {
			continue
		}
		titles = append(titles, race.Title)
		c.AddMember(race.ID, race.Title, race.Metadata)
		if race.DurationSec != nil {
			stats.UpdateWithDuration(c.Stats, *race.DurationSec, p.log)
		}
	}
	if len(titles) > 0 {
		c.RepresentativeTitle = medoidTitle(titles)
	}
	return c
}

// medoidTitle picks the title with the smallest total edit distance to every
// other title in the set — a cheap, order-independent cluster representative.
func medoidTitle(titles []string) string {
	if len(titles) == 1 {
		return titles[0]
	}
	sorted := append([]string(nil), titles...)
	sort.Strings(sorted)
	best := sorted[0]
	bestTotal := math.MaxFloat64
	for _, candidate := range sorted {
		var total float64
		for _, other := range sorted {
			total += 1.0 - distance.TitleSimilarity(candidate, other)
		}
		if total < bestTotal {
			bestTotal = total
			best = candidate
		}
	}
	return best
}
