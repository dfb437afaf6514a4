// Package clustering implements the online clustering engine: the fast,
// per-race assignment of incoming races to existing clusters (or the
// creation of new ones) that runs on the request path, as distinct from the
// offline batch rebuild in package rebuild.
package clustering

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/distance"
	"github.com/raceboard/eta-server/engine/internal/stats"
	"github.com/raceboard/eta-server/engine/models"
)

const (
	similarityThreshold  = 0.7
	representativeCadence = 10
	maxMemberHistory      = 50
)

// Engine holds the live cluster table and assigns incoming races to it.
// Safe for concurrent use; all cluster access goes through mu.
type Engine struct {
	mu          sync.RWMutex
	clusters    map[string]*models.RaceCluster
	maxClusters int
	log         *logrus.Logger
}

// New creates a clustering engine bounded to maxClusters live clusters,
// evicting the least-recently-accessed cluster once the bound is hit.
func New(maxClusters int, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		clusters:    make(map[string]*models.RaceCluster),
		maxClusters: maxClusters,
		log:         log,
	}
}

// CalculateSimilarity scores how well a race matches an existing cluster's
// representative: races from different sources never match, otherwise it's
// the weighted title/metadata-keys composite.
func CalculateSimilarity(title, source string, metadata map[string]string, cluster *models.RaceCluster) float64 {
	if source != cluster.Source {
		return 0.0
	}
	return distance.OnlineSimilarity(title, cluster.RepresentativeTitle, metadata, cluster.RepresentativeMetadata)
}

// FindBestCluster returns the id of the highest-scoring cluster at or above
// the similarity threshold, or "" if no cluster qualifies.
func (e *Engine) FindBestCluster(title, source string, metadata map[string]string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var bestID string
	bestScore := -1.0
	for id, c := range e.clusters {
		sim := CalculateSimilarity(title, source, metadata, c)
		if sim >= similarityThreshold && sim > bestScore {
			bestID = id
			bestScore = sim
		}
	}
	return bestID
}

// AssignRace finds or creates a cluster for the given race and returns its
// id, updating membership and (periodically) the cluster's representative.
func (e *Engine) AssignRace(ctx context.Context, raceID, title, source string, metadata map[string]string) string {
	if id := e.FindBestCluster(title, source, metadata); id != "" {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, ok := e.clusters[id]
		if !ok {
			return e.createCluster(raceID, title, source, metadata)
		}
		c.MemberRaceIDs = append(c.MemberRaceIDs, raceID)
		if len(c.MemberRaceIDs) > 100 {
			c.MemberRaceIDs = c.MemberRaceIDs[1:]
		}
		c.LastAccessed = time.Now().UTC()
		e.updateRepresentative(c, title, metadata)
		return id
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createCluster(raceID, title, source, metadata)
}

func (e *Engine) createCluster(raceID, title, source string, metadata map[string]string) string {
	if len(e.clusters) >= e.maxClusters {
		e.evictLRU()
	}

	opType := ExtractOperationType(source, title, metadata)
	clusterID := fmt.Sprintf("%s:%s", source, opType)

	c := models.NewRaceCluster(clusterID, source)
	c.RepresentativeTitle = title
	c.RepresentativeMetadata = metadata
	c.AddMember(raceID, title, metadata)

	e.clusters[clusterID] = c
	return clusterID
}

func (e *Engine) evictLRU() {
	var lruID string
	var lruTime time.Time
	first := true
	for id, c := range e.clusters {
		if first || c.LastAccessed.Before(lruTime) {
			lruID = id
			lruTime = c.LastAccessed
			first = false
		}
	}
	if lruID != "" {
		delete(e.clusters, lruID)
		e.log.WithField("cluster_id", lruID).Debug("evicted least-recently-accessed cluster")
	}
}

// updateRepresentative records the new member's title and metadata in the
// cluster's bounded member history and, every representativeCadence members
// or while the cluster has at most that many, recomputes the representative
// title and metadata from that history. Assumes e.mu is already held.
func (e *Engine) updateRepresentative(c *models.RaceCluster, newTitle string, newMetadata map[string]string) {
	c.MemberTitles = append(c.MemberTitles, newTitle)
	c.MemberMetadataHistory = append(c.MemberMetadataHistory, newMetadata)
	if len(c.MemberTitles) > maxMemberHistory {
		c.MemberTitles = c.MemberTitles[len(c.MemberTitles)-maxMemberHistory:]
	}
	if len(c.MemberMetadataHistory) > maxMemberHistory {
		c.MemberMetadataHistory = c.MemberMetadataHistory[len(c.MemberMetadataHistory)-maxMemberHistory:]
	}

	if len(c.MemberRaceIDs)%representativeCadence == 0 || len(c.MemberRaceIDs) <= representativeCadence {
		if len(c.MemberTitles) > 0 {
			c.RepresentativeTitle = computeCentroidTitle(c.MemberTitles)
		}
		c.RepresentativeMetadata = computeCentroidMetadata(c.MemberMetadataHistory)
	}
	c.LastUpdated = time.Now().UTC()
}

// computeCentroidTitle returns the title with the minimum total Levenshtein
// distance to every other title in the set — the medoid, not a synthetic
// average, since titles can't be blended character-by-character.
func computeCentroidTitle(titles []string) string {
	if len(titles) == 0 {
		return ""
	}
	if len(titles) == 1 {
		return titles[0]
	}
	minAvg := -1.0
	centroid := titles[0]
	for _, candidate := range titles {
		var total float64
		for _, other := range titles {
			total += float64(levenshteinDistance(candidate, other))
		}
		avg := total / float64(len(titles))
		if minAvg < 0 || avg < minAvg {
			minAvg = avg
			centroid = candidate
		}
	}
	return centroid
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			min := curr[j-1] + 1
			if prev[j]+1 < min {
				min = prev[j] + 1
			}
			if prev[j-1]+cost < min {
				min = prev[j-1] + cost
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

type kv struct {
	key, value string
}

// computeCentroidMetadata keeps, for each key appearing in more than half of
// the history, its most common value.
func computeCentroidMetadata(history []map[string]string) map[string]string {
	keyValueCounts := make(map[kv]int)
	keyCounts := make(map[string]int)

	for _, md := range history {
		for k, v := range md {
			keyValueCounts[kv{k, v}]++
			keyCounts[k]++
		}
	}

	representative := make(map[string]string)
	for key, total := range keyCounts {
		if total <= len(history)/2 {
			continue
		}
		bestValue := ""
		bestCount := -1
		for pair, count := range keyValueCounts {
			if pair.key == key && count > bestCount {
				bestValue = pair.value
				bestCount = count
			}
		}
		if bestCount >= 0 {
			representative[key] = bestValue
		}
	}
	return representative
}

// UpdateClusterStats folds a completed race's duration into its cluster's
// execution-time window.
func (e *Engine) UpdateClusterStats(clusterID string, durationSec int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clusters[clusterID]
	if !ok {
		return
	}
	stats.UpdateWithDuration(c.Stats, durationSec, e.log)
	c.LastUpdated = time.Now().UTC()
	c.LastAccessed = time.Now().UTC()
}

// GetClusterEta returns the ETA prediction for a cluster, and whether the
// cluster exists at all.
func (e *Engine) GetClusterEta(clusterID string) (models.EtaPrediction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clusters[clusterID]
	if !ok {
		return models.EtaPrediction{}, false
	}
	return stats.CalculateEta(c.Stats), true
}

// Get returns the live cluster stored under clusterID (not a copy), and
// whether it exists.
func (e *Engine) Get(clusterID string) (*models.RaceCluster, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clusters[clusterID]
	return c, ok
}

// Snapshot returns every cluster for the given source, sorted by id, for
// stable debug output.
func (e *Engine) Snapshot(source string) []*models.RaceCluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.RaceCluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		if source == "" || c.Source == source {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out
}

// ReplaceSourceClusters atomically swaps in a fresh cluster table for a
// single source, leaving every other source's clusters untouched. This is
// the selective-replacement step used after an offline rebuild.
func (e *Engine) ReplaceSourceClusters(source string, fresh map[string]*models.RaceCluster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.clusters {
		if c.Source == source {
			delete(e.clusters, id)
		}
	}
	for id, c := range fresh {
		e.clusters[id] = c
	}
}

// ExtractOperationType classifies a race into a coarse operation bucket
// using a small fixed rule table, per source family. Metadata's "prompt"
// key is preferred over the title for AI-assistant sources, which tend to
// carry the actual instruction there instead of in a short title.
func ExtractOperationType(source, title string, metadata map[string]string) string {
	lowerSource := strings.ToLower(source)
	switch {
	case strings.Contains(lowerSource, "claude") || strings.Contains(lowerSource, "gemini") || strings.Contains(lowerSource, "codex"):
		prompt := title
		if p, ok := metadata["prompt"]; ok {
			prompt = p
		}
		prompt = strings.ToLower(prompt)
		switch {
		case strings.Contains(prompt, "implement") || strings.Contains(prompt, "create"):
			return "code_generation"
		case strings.Contains(prompt, "debug") || strings.Contains(prompt, "fix"):
			return "debugging"
		case strings.Contains(prompt, "explain") || strings.Contains(prompt, "review"):
			return "analysis"
		default:
			return "simple_prompt"
		}
	case lowerSource == "cargo":
		lowerTitle := strings.ToLower(title)
		switch {
		case strings.Contains(lowerTitle, "test"):
			return "test_suite"
		case strings.Contains(lowerTitle, "clean"):
			return "clean_build"
		default:
			return "incremental_build"
		}
	case lowerSource == "npm":
		lowerTitle := strings.ToLower(title)
		switch {
		case strings.Contains(lowerTitle, "install"):
			return "install"
		case strings.Contains(lowerTitle, "build"):
			return "build"
		default:
			return "default"
		}
	default:
		return "default"
	}
}
