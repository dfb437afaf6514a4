package rebuild

import "fmt"

const (
	labelUnclassified = -1
	labelNoise        = -2
)

// DBSCANResult is the output of one clustering pass: members grouped by
// synthetic cluster id, points classified as noise, and a border-point set
// (members whose exact neighbor count falls short of min_samples, so they
// joined a cluster without being one of its core points).
type DBSCANResult struct {
	Clusters     map[string][]string // cluster id -> member race ids
	Noise        []string
	BorderPoints map[string]string // race id -> cluster id
}

// neighborSource abstracts the two ways DBSCAN expansion looks up a point's
// neighborhood: candidates proposes up to k points for core-point discovery
// (bounded, since the ANN path only wants its ef-search window), and exact
// does the unbounded scan the border-point pass needs. Both must filter by
// the same exact distance function eps was tuned against; only how they
// arrive at their candidate set differs.
type neighborSource struct {
	n          int
	id         func(i int) string
	candidates func(i int, eps float64, k int) []int
	exact      func(i int, eps float64) []int
}

// runDBSCAN clusters every point nf describes, expanding each cluster
// breadth-first from its seed neighbors exactly as density-based clustering
// requires: noise points absorbed into a cluster become border points,
// unclassified core points keep expanding the frontier.
func runDBSCAN(nf neighborSource, source string, eps float64, minSamples int) DBSCANResult {
	labels := make([]int, nf.n)
	for i := range labels {
		labels[i] = labelUnclassified
	}
	clusterID := 0

	for i := 0; i < nf.n; i++ {
		if labels[i] != labelUnclassified {
			continue
		}
		neighbors := nf.candidates(i, eps, minSamples*2)
		if len(neighbors) < minSamples {
			labels[i] = labelNoise
			continue
		}

		labels[i] = clusterID
		seeds := append([]int(nil), neighbors...)
		processed := map[int]bool{i: true}

		for len(seeds) > 0 {
			neighborIdx := seeds[0]
			seeds = seeds[1:]
			if processed[neighborIdx] {
				continue
			}
			processed[neighborIdx] = true

			switch labels[neighborIdx] {
			case labelNoise:
				labels[neighborIdx] = clusterID
			case labelUnclassified:
				labels[neighborIdx] = clusterID
				nn := nf.candidates(neighborIdx, eps, minSamples)
				if len(nn) >= minSamples {
					for _, x := range nn {
						if !processed[x] {
							seeds = append(seeds, x)
						}
					}
				}
			}
		}
		clusterID++
	}

	return labelsToResult(nf, source, labels, eps, minSamples)
}

func labelsToResult(nf neighborSource, source string, labels []int, eps float64, minSamples int) DBSCANResult {
	clusters := make(map[string][]string)
	borderPoints := make(map[string]string)
	var noise []string

	for i, label := range labels {
		id := nf.id(i)
		if label == labelNoise {
			noise = append(noise, id)
			continue
		}
		if label < 0 {
			continue
		}
		clusterID := fmt.Sprintf("%s:cluster_%d", source, label)
		clusters[clusterID] = append(clusters[clusterID], id)
	}

	for i, label := range labels {
		if label < 0 {
			continue
		}
		id := nf.id(i)
		clusterID := fmt.Sprintf("%s:cluster_%d", source, label)
		if len(nf.exact(i, eps)) < minSamples {
			borderPoints[id] = clusterID
		}
	}

	return DBSCANResult{Clusters: clusters, Noise: noise, BorderPoints: borderPoints}
}

// RunDBSCAN clusters points in idx using the HNSW graph to propose
// candidate neighborhoods, then filters every candidate (and every
// border-point check) by exact, the same §4.1 distance function eps was
// tuned against — the graph only narrows down who to ask, it never decides
// who is actually within eps.
func RunDBSCAN(idx *Index, source string, eps float64, minSamples int, exact DistanceFunc) DBSCANResult {
	nf := neighborSource{
		n:          idx.Len(),
		id:         idx.ID,
		candidates: func(i int, eps float64, k int) []int { return idx.Neighbors(i, eps, k, exact) },
		exact:      func(i int, eps float64) []int { return idx.BruteNeighbors(i, eps, exact) },
	}
	return runDBSCAN(nf, source, eps, minSamples)
}

// RunDBSCANBrute clusters ids via an exhaustive exact-distance scan, with no
// ANN graph involved: the path small per-source batches take, where building
// an approximate index buys nothing over just comparing every pair.
func RunDBSCANBrute(ids []string, source string, eps float64, minSamples int, exact DistanceFunc) DBSCANResult {
	neighbors := func(i int, eps float64) []int {
		var out []int
		for j := range ids {
			if j == i {
				continue
			}
			if exact(ids[i], ids[j]) <= eps {
				out = append(out, j)
			}
		}
		return out
	}
	nf := neighborSource{
		n:          len(ids),
		id:         func(i int) string { return ids[i] },
		candidates: func(i int, eps float64, _ int) []int { return neighbors(i, eps) },
		exact:      neighbors,
	}
	return runDBSCAN(nf, source, eps, minSamples)
}
