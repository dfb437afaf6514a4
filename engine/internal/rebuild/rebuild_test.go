package rebuild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/internal/distance"
	"github.com/raceboard/eta-server/engine/internal/vector"
	"github.com/raceboard/eta-server/engine/models"
)

func newRace(id, source, title string, duration int64) *models.Race {
	d := duration
	return &models.Race{ID: id, Source: source, Title: title, State: models.RacePassed, DurationSec: &d, StartedAt: time.Now().UTC()}
}

// exactDistanceFixture builds the §4.1 distance function a test's ids/titles
// should be clustered by, independent of whatever vector embedding (cosine,
// for ANN candidate proposal) the same fixture might also use.
func exactDistanceFixture(titles map[string]string, metas map[string]map[string]string) DistanceFunc {
	return func(idA, idB string) float64 {
		return distance.RebuildDistance(titles[idA], titles[idB], metas[idA], metas[idB], 0.6, 0.4)
	}
}

func TestRunDBSCANFindsDenseClusterAndNoise(t *testing.T) {
	ids := []string{"a", "b", "c", "outlier"}
	titles := map[string]string{
		"a": "cargo build release", "b": "cargo build release", "c": "cargo build release",
		"outlier": "completely unrelated workload doing something else",
	}
	metas := map[string]map[string]string{
		"a": {"crate": "core"}, "b": {"crate": "core"}, "c": {"crate": "core"}, "outlier": {"x": "y"},
	}
	vecs := [][]float64{
		vector.Embed(distance.NormalizeText(titles["a"]), metas["a"]),
		vector.Embed(distance.NormalizeText(titles["b"]), metas["b"]),
		vector.Embed(distance.NormalizeText(titles["c"]), metas["c"]),
		vector.Embed(distance.NormalizeText(titles["outlier"]), metas["outlier"]),
	}
	idx := NewIndex(ids, vecs)
	exact := exactDistanceFixture(titles, metas)
	result := RunDBSCAN(idx, "cargo", 0.3, 2, exact)

	found := false
	for _, members := range result.Clusters {
		if len(members) >= 3 {
			found = true
		}
	}
	assert.True(t, found, "expected a dense cluster of at least 3 members")
}

func TestRunDBSCANBruteFindsDenseClusterAndNoise(t *testing.T) {
	ids := []string{"a", "b", "c", "outlier"}
	titles := map[string]string{
		"a": "cargo build release", "b": "cargo build release", "c": "cargo build release",
		"outlier": "completely unrelated workload doing something else",
	}
	metas := map[string]map[string]string{
		"a": {"crate": "core"}, "b": {"crate": "core"}, "c": {"crate": "core"}, "outlier": {"x": "y"},
	}
	exact := exactDistanceFixture(titles, metas)
	result := RunDBSCANBrute(ids, "cargo", 0.3, 2, exact)

	found := false
	for _, members := range result.Clusters {
		if len(members) >= 3 {
			found = true
		}
	}
	assert.True(t, found, "expected a dense cluster of at least 3 members")
	assert.Contains(t, result.Noise, "outlier")
}

func TestDetectKneeKneedleOnSyntheticElbow(t *testing.T) {
	data := []float64{10, 9, 8, 7, 6, 2, 1.8, 1.6, 1.4, 1.2}
	knee, ok := DetectKneeKneedle(data, CurveConcave, DirectionDecreasing, 1.0)
	require.True(t, ok)
	assert.Greater(t, knee, 0.0)
}

func TestBlendEpsEMA(t *testing.T) {
	assert.Equal(t, 0.5, BlendEpsEMA(nil, 0.5))
	prev := 0.4
	blended := BlendEpsEMA(&prev, 0.6)
	assert.InDelta(t, 0.2*0.6+0.8*0.4, blended, 1e-9)
}

func TestDistanceCacheReusesComputedValue(t *testing.T) {
	cache := NewDistanceCache(10)
	calls := 0
	compute := func() float64 { calls++; return 0.42 }
	assert.Equal(t, 0.42, cache.GetOrCompute("a", "b", compute))
	assert.Equal(t, 0.42, cache.GetOrCompute("b", "a", compute))
	assert.Equal(t, 1, calls, "second call should hit the cache regardless of argument order")
}

func TestMapStableIDsMatchesOverlappingClusters(t *testing.T) {
	old := map[string]*models.RaceCluster{
		"old1": {ClusterID: "old1", Source: "cargo", MemberRaceIDs: []string{"r1", "r2", "r3"}},
	}
	next := map[string]*models.RaceCluster{
		"new1": {ClusterID: "new1", Source: "cargo", MemberRaceIDs: []string{"r1", "r2", "r3", "r4"}},
		"new2": {ClusterID: "new2", Source: "cargo", MemberRaceIDs: []string{"r9"}},
	}
	mapping := MapStableIDs(old, next, MappingThresholds{TauMatch: 0.5})
	assert.Equal(t, "old1", mapping["new1"])
	assert.NotEqual(t, "old1", mapping["new2"])
	assert.Contains(t, mapping["new2"], "cluster_")
}

func TestPreserveBootstrapPatternsTagsAliasNotNewCluster(t *testing.T) {
	clusters := map[string]*models.RaceCluster{
		"c1": {ClusterID: "c1", Source: "cargo", MemberRaceIDs: []string{"bootstrap-seed-1", "r2"}},
	}
	patterns := []BootstrapPattern{{ID: "bootstrap-seed", Source: "cargo", IsCritical: true}}
	before := len(clusters)

	PreserveBootstrapPatterns(clusters, patterns)

	assert.Len(t, clusters, before, "must not create a synthetic cluster")
	assert.Equal(t, "bootstrap:bootstrap-seed", clusters["c1"].BootstrapAlias)
}

func TestDoubleBufferActivateSourceOnlyTouchesThatSource(t *testing.T) {
	db := NewDoubleBuffer(map[string]*models.RaceCluster{
		"cargo:c1": {ClusterID: "cargo:c1", Source: "cargo"},
		"npm:c1":   {ClusterID: "npm:c1", Source: "npm"},
	})
	db.StageInactive(map[string]*models.RaceCluster{
		"cargo:c2": {ClusterID: "cargo:c2", Source: "cargo"},
	})
	db.ActivateSource("cargo")

	active := db.Active()
	_, hasOldCargo := active["cargo:c1"]
	_, hasNewCargo := active["cargo:c2"]
	_, hasNpm := active["npm:c1"]
	assert.False(t, hasOldCargo)
	assert.True(t, hasNewCargo)
	assert.True(t, hasNpm, "untouched source must survive the selective swap")
}

func TestValidateSimpleAutoPassesOnEmptyExisting(t *testing.T) {
	assert.True(t, ValidateSimple(map[string]*models.RaceCluster{}, 0))
}

func TestValidateSimpleRejectsHighNoise(t *testing.T) {
	clusters := map[string]*models.RaceCluster{
		"c1": {MemberRaceIDs: []string{"r1"}},
		"c2": {MemberRaceIDs: []string{"r2"}},
		"c3": {MemberRaceIDs: []string{"r3"}},
	}
	assert.False(t, ValidateSimple(clusters, 5))
}

func TestPipelineRunBootstrapSkipsValidation(t *testing.T) {
	buffer := NewDoubleBuffer(nil)
	sourceConfigs := models.DefaultSourceConfigs()
	pipeline := NewPipeline(buffer, sourceConfigs, nil, false, nil)

	races := []*models.Race{
		newRace("r1", "cargo", "cargo build release", 10),
		newRace("r2", "cargo", "cargo build release", 11),
		newRace("r3", "cargo", "cargo build release", 9),
	}

	result, err := pipeline.Run(races, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.NotEmpty(t, buffer.Active())
}
