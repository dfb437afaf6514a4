// Package rebuild implements the offline, batch re-clustering pipeline:
// approximate-nearest-neighbor-accelerated DBSCAN, Kneedle-based eps
// selection, stable cluster-id mapping across rebuilds, dual validation,
// and the double-buffered cluster table swap that publishes a rebuild's
// results without disrupting in-flight reads.
package rebuild

import (
	"math/rand"
	"sort"

	"github.com/raceboard/eta-server/engine/internal/vector"
)

// hnswNode is one point in the approximate nearest-neighbor graph: its
// vector plus a small set of neighbor links per layer, built greedily at
// insertion time. No ready-made HNSW library appears anywhere in the
// reference corpus, so this graph is a direct, deliberately small port of
// the original implementation's hand-rolled index rather than a
// general-purpose ANN engine.
type hnswNode struct {
	id        string
	vec       []float64
	neighbors [][]int // neighbors[layer] = indices into the index's nodes slice
}

const (
	hnswM              = 12 // neighbors kept per node per layer
	hnswEfConstruction = 64
	hnswEfSearch       = 48
	hnswMaxLayer       = 4
)

// Index is a small, single-writer HNSW graph over race embeddings, used to
// avoid O(n^2) pairwise distance during rebuild's core-point search.
type Index struct {
	nodes []hnswNode
	rng   *rand.Rand
}

// NewIndex builds an HNSW graph over the given (id, vector) pairs.
func NewIndex(ids []string, vectors [][]float64) *Index {
	idx := &Index{rng: rand.New(rand.NewSource(42))}
	for i, id := range ids {
		idx.insert(id, vectors[i])
	}
	return idx
}

func (idx *Index) insert(id string, vec []float64) {
	level := idx.randomLevel()
	node := hnswNode{id: id, vec: vec, neighbors: make([][]int, level+1)}
	newIdx := len(idx.nodes)
	idx.nodes = append(idx.nodes, node)

	if newIdx == 0 {
		return
	}

	for layer := level; layer >= 0; layer-- {
		candidates := idx.searchLayer(vec, hnswEfConstruction, layer, newIdx)
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		limit := hnswM
		if len(candidates) < limit {
			limit = len(candidates)
		}
		for i := 0; i < limit; i++ {
			neighborIdx := candidates[i].idx
			idx.nodes[newIdx].neighbors[layer] = append(idx.nodes[newIdx].neighbors[layer], neighborIdx)
			if layer < len(idx.nodes[neighborIdx].neighbors) {
				idx.nodes[neighborIdx].neighbors[layer] = append(idx.nodes[neighborIdx].neighbors[layer], newIdx)
			}
		}
	}
}

func (idx *Index) randomLevel() int {
	level := 0
	for idx.rng.Float64() < 0.5 && level < hnswMaxLayer {
		level++
	}
	return level
}

type candidate struct {
	idx  int
	dist float64
}

// searchLayer scans every node present at or above layer (no graph walk),
// ranks them by cosine distance to vec, and returns the ef closest.
// excludeIdx skips a node currently being inserted.
func (idx *Index) searchLayer(vec []float64, ef, layer, excludeIdx int) []candidate {
	var out []candidate
	seen := make(map[int]bool)
	for i := range idx.nodes {
		if i == excludeIdx || seen[i] {
			continue
		}
		if layer >= len(idx.nodes[i].neighbors) {
			continue
		}
		seen[i] = true
		out = append(out, candidate{idx: i, dist: vector.CosineDistance(vec, idx.nodes[i].vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	if len(out) > ef {
		out = out[:ef]
	}
	return out
}

// Neighbors returns the ids of up to k approximate nearest neighbors of
// nodeIdx, searched over layer 0, which holds every node. The cosine distance
// only proposes and ranks candidates; membership within eps is decided by
// exact, the §4.1 distance function eps was actually tuned against.
func (idx *Index) Neighbors(nodeIdx int, eps float64, k int, exact DistanceFunc) []int {
	if nodeIdx >= len(idx.nodes) {
		return nil
	}
	vec := idx.nodes[nodeIdx].vec
	id := idx.nodes[nodeIdx].id
	candidates := idx.searchLayer(vec, hnswEfSearch, 0, nodeIdx)
	var out []int
	for _, c := range candidates {
		if exact(id, idx.nodes[c.idx].id) <= eps {
			out = append(out, c.idx)
		}
		if len(out) >= k {
			break
		}
	}
	return out
}

// BruteNeighbors does an exact O(n) neighbor scan against exact, used by the
// second pass that distinguishes core points from border points (where the
// approximate graph's recall isn't good enough to trust for that decision).
func (idx *Index) BruteNeighbors(nodeIdx int, eps float64, exact DistanceFunc) []int {
	id := idx.nodes[nodeIdx].id
	var out []int
	for i := range idx.nodes {
		if i == nodeIdx {
			continue
		}
		if exact(id, idx.nodes[i].id) <= eps {
			out = append(out, i)
		}
	}
	return out
}

// ID returns the race id stored at a graph position.
func (idx *Index) ID(nodeIdx int) string { return idx.nodes[nodeIdx].id }

// Len returns the number of points in the index.
func (idx *Index) Len() int { return len(idx.nodes) }
