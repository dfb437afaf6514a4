package clustering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceboard/eta-server/engine/models"
)

func TestExtractOperationType(t *testing.T) {
	assert.Equal(t, "code_generation", ExtractOperationType("claude-code", "", map[string]string{"prompt": "implement a function"}))
	assert.Equal(t, "test_suite", ExtractOperationType("cargo", "cargo test", nil))
	assert.Equal(t, "default", ExtractOperationType("unknown-source", "whatever", nil))
}

func TestAssignRaceCreatesThenReusesCluster(t *testing.T) {
	e := New(100, nil)
	ctx := context.Background()

	id1 := e.AssignRace(ctx, "r1", "cargo build release", "cargo", map[string]string{"crate": "core"})
	require.NotEmpty(t, id1)

	id2 := e.AssignRace(ctx, "r2", "cargo build release", "cargo", map[string]string{"crate": "core"})
	assert.Equal(t, id1, id2)

	c, ok := e.Get(id1)
	require.True(t, ok)
	assert.Contains(t, c.MemberRaceIDs, "r1")
	assert.Contains(t, c.MemberRaceIDs, "r2")
}

func TestAssignRaceDifferentSourceNeverMatches(t *testing.T) {
	e := New(100, nil)
	ctx := context.Background()
	id1 := e.AssignRace(ctx, "r1", "build release", "cargo", nil)
	id2 := e.AssignRace(ctx, "r2", "build release", "npm", nil)
	assert.NotEqual(t, id1, id2)
}

func TestEvictionAtCapacity(t *testing.T) {
	e := New(1, nil)
	ctx := context.Background()
	id1 := e.AssignRace(ctx, "r1", "cargo test suite one", "cargo", nil)
	id2 := e.AssignRace(ctx, "r2", "npm install totally different", "npm", nil)

	_, ok1 := e.Get(id1)
	_, ok2 := e.Get(id2)
	assert.False(t, ok1)
	assert.True(t, ok2)
}

func TestComputeCentroidMetadataMajorityKeyOnly(t *testing.T) {
	history := []map[string]string{
		{"branch": "main", "rare": "x"},
		{"branch": "main"},
		{"branch": "dev"},
	}
	rep := computeCentroidMetadata(history)
	assert.Equal(t, "main", rep["branch"])
	_, hasRare := rep["rare"]
	assert.False(t, hasRare)
}

func TestComputeCentroidTitleIsMedoid(t *testing.T) {
	titles := []string{"cargo build", "cargo buidl", "totally unrelated text"}
	centroid := computeCentroidTitle(titles)
	assert.Contains(t, []string{"cargo build", "cargo buidl"}, centroid)
}

func TestReplaceSourceClustersOnlyTouchesThatSource(t *testing.T) {
	e := New(100, nil)
	ctx := context.Background()
	npmID := e.AssignRace(ctx, "r1", "npm install", "npm", nil)
	cargoID := e.AssignRace(ctx, "r2", "cargo build", "cargo", nil)

	fresh := map[string]*models.RaceCluster{
		"cargo:rebuilt": models.NewRaceCluster("cargo:rebuilt", "cargo"),
	}
	e.ReplaceSourceClusters("cargo", fresh)

	_, ok := e.Get(npmID)
	assert.True(t, ok, "npm cluster must survive a cargo-only rebuild")

	_, stillThere := e.Get(cargoID)
	assert.False(t, stillThere, "old cargo cluster must be replaced")

	_, hasFresh := e.Get("cargo:rebuilt")
	assert.True(t, hasFresh)
}
