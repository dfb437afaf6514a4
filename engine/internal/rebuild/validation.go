package rebuild

import (
	"fmt"
	"math"
	"sort"

	"github.com/raceboard/eta-server/engine/internal/distance"
	"github.com/raceboard/eta-server/engine/models"
)

// ValidationCriteria gates whether a rebuild's fresh clusters are allowed to
// replace the active set. Defaults favor bootstrap-friendly leniency (first
// rebuild of a source has no baseline to compare against) over strictness.
type ValidationCriteria struct {
	MaxMAEIncrease float64
	MaxP90Increase float64
	MinSuccessRate float64
	MaxNoiseRatio  float64
	MinCohesion    float64
	MinSeparation  float64
	MinSilhouette  float64
	MinARI         float64
}

// DefaultValidationCriteria matches the original implementation's
// test/bootstrap-leaning defaults rather than a strict production gate.
func DefaultValidationCriteria() ValidationCriteria {
	return ValidationCriteria{
		MaxMAEIncrease: 0.10,
		MaxP90Increase: 0.20,
		MinSuccessRate: 0.90,
		MaxNoiseRatio:  0.50,
		MinCohesion:    0.3,
		MinSeparation:  0.2,
		MinSilhouette:  -0.2,
		MinARI:         -1.0,
	}
}

// ValidationMetrics is the full set of numbers computed during comprehensive
// validation, also reported back for observability even when the rebuild
// passes.
type ValidationMetrics struct {
	MAE         float64
	P90Error    float64
	SuccessRate float64
	NoiseRatio  float64
	Cohesion    float64
	Separation  float64
	Silhouette  float64
	ARI         float64
}

// ValidationResult is the outcome of one comprehensive validation pass.
type ValidationResult struct {
	Passed      bool
	Metrics     ValidationMetrics
	MAEIncrease float64
	Failures    []string
}

// ValidateClustersComprehensive runs the full metric suite — MAE/p90-error/
// success-rate against a holdout set, noise ratio, cohesion, silhouette,
// and ARI against the previous cluster set — and gates pass/fail against
// criteria. This is the rebuild controller's primary gate; ValidateSimple
// below is a separate, cheaper gate used by the trigger's own pre-check.
func ValidateClustersComprehensive(newClusters, oldClusters map[string]*models.RaceCluster, holdout []*models.Race, criteria ValidationCriteria, wTitle, wMeta float64) ValidationResult {
	var failures []string

	noiseRatio := calculateNoiseRatio(newClusters)
	if noiseRatio > criteria.MaxNoiseRatio {
		failures = append(failures, fmt.Sprintf("noise ratio %.2f%% exceeds limit %.2f%%", noiseRatio*100, criteria.MaxNoiseRatio*100))
	}

	cohesion := calculateAverageCohesion(newClusters, wTitle, wMeta)
	if cohesion < criteria.MinCohesion {
		failures = append(failures, fmt.Sprintf("cohesion %.3f below minimum %.3f", cohesion, criteria.MinCohesion))
	}

	var silhouette float64
	if len(holdout) >= 10 {
		silhouette = silhouetteSampled(newClusters, holdout, wTitle, wMeta, 100)
	}
	if silhouette < criteria.MinSilhouette {
		failures = append(failures, fmt.Sprintf("silhouette %.3f below minimum %.3f", silhouette, criteria.MinSilhouette))
	}

	ari := adjustedRandIndex(oldClusters, newClusters)
	if ari < criteria.MinARI {
		failures = append(failures, fmt.Sprintf("ARI %.3f below minimum %.3f", ari, criteria.MinARI))
	}

	mae, p90, successRate := calculatePredictionMetrics(newClusters, holdout)
	oldMAE, _, _ := calculatePredictionMetrics(oldClusters, holdout)
	maeIncrease := 0.0
	if oldMAE > 0 {
		maeIncrease = (mae - oldMAE) / oldMAE
	}
	if maeIncrease > criteria.MaxMAEIncrease {
		failures = append(failures, fmt.Sprintf("MAE increase %.2f%% exceeds limit %.2f%%", maeIncrease*100, criteria.MaxMAEIncrease*100))
	}
	if successRate < criteria.MinSuccessRate {
		failures = append(failures, fmt.Sprintf("success rate %.2f%% below minimum %.2f%%", successRate*100, criteria.MinSuccessRate*100))
	}

	separation := 1.0
	if len(newClusters) > 0 {
		separation = 1.0 / float64(len(newClusters))
	}

	return ValidationResult{
		Passed: len(failures) == 0,
		Metrics: ValidationMetrics{
			MAE: mae, P90Error: p90, SuccessRate: successRate,
			NoiseRatio: noiseRatio, Cohesion: cohesion, Separation: separation,
			Silhouette: silhouette, ARI: ari,
		},
		MAEIncrease: maeIncrease,
		Failures:    failures,
	}
}

// ValidateSimple is the rebuild trigger's own cheap pre-gate: it never
// blocks a rebuild of a source with zero existing clusters (nothing to
// regress against), and otherwise only checks noise ratio and cohesion —
// deliberately NOT the full comprehensive metric suite, so a trigger can
// decide quickly whether a candidate rebuild is even worth the expensive
// holdout-based validation above.
func ValidateSimple(newClusters map[string]*models.RaceCluster, existingClusterCount int) bool {
	if existingClusterCount == 0 {
		return true
	}
	noiseRatio := calculateNoiseRatio(newClusters)
	if noiseRatio > 0.5 {
		return false
	}
	cohesion := calculateAverageCohesion(newClusters, 0.6, 0.4)
	return cohesion >= 0.1
}

func calculateNoiseRatio(clusters map[string]*models.RaceCluster) float64 {
	total := 0
	singletons := 0
	for _, c := range clusters {
		total += len(c.MemberRaceIDs)
		if len(c.MemberRaceIDs) <= 1 {
			singletons++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(singletons) / float64(len(clusters))
}

func calculateAverageCohesion(clusters map[string]*models.RaceCluster, wTitle, wMeta float64) float64 {
	if len(clusters) == 0 {
		return 1.0
	}
	var total float64
	for _, c := range clusters {
		total += clusterCohesion(c, wTitle, wMeta)
	}
	return total / float64(len(clusters))
}

// clusterCohesion averages the pairwise similarity between every pair of
// the cluster's sampled member titles/metadata; a singleton cluster is
// perfectly cohesive by definition.
func clusterCohesion(c *models.RaceCluster, wTitle, wMeta float64) float64 {
	titles := c.MemberTitles
	meta := c.MemberMetadataHistory
	if len(titles) < 2 {
		return 1.0
	}
	var total float64
	var pairs int
	for i := 0; i < len(titles); i++ {
		for j := i + 1; j < len(titles); j++ {
			var mi, mj map[string]string
			if i < len(meta) {
				mi = meta[i]
			}
			if j < len(meta) {
				mj = meta[j]
			}
			sim := wTitle*distance.TitleSimilarity(titles[i], titles[j]) + wMeta*distance.JaccardKeyValue(mi, mj)
			total += sim
			pairs++
		}
	}
	if pairs == 0 {
		return 1.0
	}
	return total / float64(pairs)
}

// silhouetteSampled estimates the silhouette coefficient over a capped
// sample of holdout races: for each race, a(x) is its mean distance to
// fellow cluster members, b(x) its mean distance to the nearest other
// cluster's members, and the score is (b-a)/max(a,b).
func silhouetteSampled(clusters map[string]*models.RaceCluster, holdout []*models.Race, wTitle, wMeta float64, sampleCap int) float64 {
	byRace := indexRacesByID(holdout)
	clusterOfRace := make(map[string]string)
	for id, c := range clusters {
		for _, rid := range c.MemberRaceIDs {
			clusterOfRace[rid] = id
		}
	}

	sample := holdout
	if len(sample) > sampleCap {
		sample = sample[:sampleCap]
	}

	var total float64
	var count int
	for _, race := range sample {
		ownCluster, ok := clusterOfRace[race.ID]
		if !ok {
			continue
		}
		a := meanDistanceToClusterMembers(race, clusters[ownCluster], byRace, wTitle, wMeta)

		bestB := math.MaxFloat64
		for otherID, c := range clusters {
			if otherID == ownCluster {
				continue
			}
			b := meanDistanceToClusterMembers(race, c, byRace, wTitle, wMeta)
			if b < bestB {
				bestB = b
			}
		}
		if bestB == math.MaxFloat64 {
			continue
		}
		denom := math.Max(a, bestB)
		if denom == 0 {
			continue
		}
		total += (bestB - a) / denom
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func meanDistanceToClusterMembers(race *models.Race, c *models.RaceCluster, byRace map[string]*models.Race, wTitle, wMeta float64) float64 {
	if c == nil || len(c.MemberRaceIDs) == 0 {
		return 0
	}
	var total float64
	var count int
	for _, memberID := range c.MemberRaceIDs {
		if memberID == race.ID {
			continue
		}
		member, ok := byRace[memberID]
		if !ok {
			continue
		}
		total += distance.RebuildDistance(race.Title, member.Title, race.Metadata, member.Metadata, wTitle, wMeta)
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func indexRacesByID(races []*models.Race) map[string]*models.Race {
	out := make(map[string]*models.Race, len(races))
	for _, r := range races {
		out[r.ID] = r
	}
	return out
}

// adjustedRandIndex compares the old and new cluster assignments over the
// members they share, computing the standard ARI from the pairwise
// contingency table; a race set with no overlap at all scores 1.0 (nothing
// to disagree about).
func adjustedRandIndex(oldClusters, newClusters map[string]*models.RaceCluster) float64 {
	oldOf := make(map[string]string)
	for id, c := range oldClusters {
		for _, rid := range c.MemberRaceIDs {
			oldOf[rid] = id
		}
	}
	newOf := make(map[string]string)
	for id, c := range newClusters {
		for _, rid := range c.MemberRaceIDs {
			newOf[rid] = id
		}
	}

	var shared []string
	for rid := range oldOf {
		if _, ok := newOf[rid]; ok {
			shared = append(shared, rid)
		}
	}
	if len(shared) < 2 {
		return 1.0
	}
	sort.Strings(shared)

	contingency := make(map[[2]string]int)
	oldCounts := make(map[string]int)
	newCounts := make(map[string]int)
	for _, rid := range shared {
		o, n := oldOf[rid], newOf[rid]
		contingency[[2]string{o, n}]++
		oldCounts[o]++
		newCounts[n]++
	}

	comb2 := func(n int) float64 { return float64(n*(n-1)) / 2.0 }

	var sumComb float64
	for _, v := range contingency {
		sumComb += comb2(v)
	}
	var sumOld, sumNew float64
	for _, v := range oldCounts {
		sumOld += comb2(v)
	}
	for _, v := range newCounts {
		sumNew += comb2(v)
	}
	total := comb2(len(shared))
	if total == 0 {
		return 1.0
	}
	expected := sumOld * sumNew / total
	maxIndex := (sumOld + sumNew) / 2.0
	denom := maxIndex - expected
	if denom == 0 {
		return 1.0
	}
	return (sumComb - expected) / denom
}

func calculatePredictionMetrics(clusters map[string]*models.RaceCluster, holdout []*models.Race) (mae, p90 float64, successRate float64) {
	memberOf := make(map[string]*models.RaceCluster)
	for _, c := range clusters {
		for _, rid := range c.MemberRaceIDs {
			memberOf[rid] = c
		}
	}

	var errors []float64
	successful := 0
	for _, race := range holdout {
		c, ok := memberOf[race.ID]
		if !ok || c.Stats == nil || race.DurationSec == nil {
			continue
		}
		predicted := int64(c.Stats.Median)
		actual := *race.DurationSec
		errVal := math.Abs(float64(predicted - actual))
		errors = append(errors, errVal)
		if errVal <= float64(actual)*0.2 {
			successful++
		}
	}
	if len(errors) == 0 {
		return 0, 0, 1.0
	}
	sort.Float64s(errors)
	for _, e := range errors {
		mae += e
	}
	mae /= float64(len(errors))
	idx := int(float64(len(errors)) * 0.9)
	if idx >= len(errors) {
		idx = len(errors) - 1
	}
	p90 = errors[idx]
	successRate = float64(successful) / float64(len(holdout))
	return mae, p90, successRate
}
