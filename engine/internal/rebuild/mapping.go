package rebuild

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/raceboard/eta-server/engine/models"
)

// metricVersion is folded into the content hash so a future change to the
// similarity metric can't collide with ids minted under an older metric.
const metricVersion = "v1"

// MappingThresholds carries the per-source tau_match/tau_split/tau_merge_lo/
// tau_merge_hi knobs used when matching old clusters against a rebuild's
// fresh ones.
type MappingThresholds struct {
	TauMatch   float64
	TauSplit   float64
	TauMergeLo float64
	TauMergeHi float64
}

// edge is a candidate (old cluster, new cluster) match weighted by member
// overlap.
type edge struct {
	oldID, newID string
	weight       float64
}

// MapStableIDs assigns every fresh cluster a stable id: clusters whose
// member overlap with a previous cluster clears tau_match are greedily
// matched (highest overlap first, lexicographic id as the deterministic
// tie-break), one-to-one; any fresh cluster left unmatched gets a
// deterministic id hashed from its sorted member ids, so unrelated rebuilds
// of the same data always produce the same id for the same cluster
// contents.
func MapStableIDs(prev, next map[string]*models.RaceCluster, th MappingThresholds) map[string]string {
	var edges []edge
	for oldID, oldCluster := range prev {
		for newID, newCluster := range next {
			overlap := calculateMemberOverlap(oldCluster, newCluster)
			if overlap >= th.TauMatch {
				edges = append(edges, edge{oldID: oldID, newID: newID, weight: overlap})
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].weight != edges[j].weight {
			return edges[i].weight > edges[j].weight
		}
		if edges[i].oldID != edges[j].oldID {
			return edges[i].oldID < edges[j].oldID
		}
		return edges[i].newID < edges[j].newID
	})

	result := make(map[string]string) // new id -> stable id
	usedOld := make(map[string]bool)
	usedNew := make(map[string]bool)
	for _, e := range edges {
		if usedOld[e.oldID] || usedNew[e.newID] {
			continue
		}
		result[e.newID] = e.oldID
		usedOld[e.oldID] = true
		usedNew[e.newID] = true
	}

	for newID, cluster := range next {
		if _, ok := result[newID]; ok {
			continue
		}
		result[newID] = contentHashID(cluster)
	}
	return result
}

func calculateMemberOverlap(a, b *models.RaceCluster) float64 {
	set := make(map[string]bool, len(a.MemberRaceIDs))
	for _, id := range a.MemberRaceIDs {
		set[id] = true
	}
	union := len(b.MemberRaceIDs)
	intersection := 0
	for _, id := range b.MemberRaceIDs {
		if set[id] {
			intersection++
			union--
		}
	}
	union += len(a.MemberRaceIDs)
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func contentHashID(c *models.RaceCluster) string {
	sorted := append([]string(nil), c.MemberRaceIDs...)
	sort.Strings(sorted)
	input := fmt.Sprintf("%s:%s:%s", c.Source, joinComma(sorted), metricVersion)
	return fmt.Sprintf("cluster_%x", xxhash.Sum64String(input))
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// ApplyStableIDs re-keys a fresh cluster set by its stable-id mapping.
func ApplyStableIDs(next map[string]*models.RaceCluster, mapping map[string]string) map[string]*models.RaceCluster {
	out := make(map[string]*models.RaceCluster, len(next))
	for newID, cluster := range next {
		stableID := mapping[newID]
		if stableID == "" {
			stableID = newID
		}
		cluster.ClusterID = stableID
		out[stableID] = cluster
	}
	return out
}

// BootstrapPattern is a known-important seed pattern (e.g. a canonical
// "cargo test" race) that a rebuild should keep addressable by a stable
// alias even if DBSCAN reshuffles which synthetic cluster its members land
// in.
type BootstrapPattern struct {
	ID         string
	Source     string
	Title      string
	Metadata   map[string]string
	DefaultEta int64
	IsCritical bool
}

// CanonicalID returns the bootstrap pattern's addressable alias.
func (p BootstrapPattern) CanonicalID() string { return "bootstrap:" + p.ID }

// MatchesRaceID reports whether a race id looks like it was seeded from
// this pattern.
func (p BootstrapPattern) MatchesRaceID(raceID string) bool {
	return p.ID != "" && strings.Contains(raceID, p.ID)
}

// PreserveBootstrapPatterns tags every cluster whose member overlap with a
// critical bootstrap pattern reaches 50% with that pattern's canonical
// alias, recorded as BootstrapAlias rather than by minting a synthetic
// cluster — bootstrap patterns use id aliasing, never synthetic cluster
// creation, matching the original implementation's behavior.
func PreserveBootstrapPatterns(clusters map[string]*models.RaceCluster, patterns []BootstrapPattern) {
	for _, p := range patterns {
		if !p.IsCritical {
			continue
		}
		for _, c := range clusters {
			if calculatePatternOverlap(c, p) >= 0.5 {
				c.BootstrapAlias = p.CanonicalID()
			}
		}
	}
}

func calculatePatternOverlap(c *models.RaceCluster, p BootstrapPattern) float64 {
	if len(c.MemberRaceIDs) == 0 {
		return 0
	}
	matches := 0
	for _, id := range c.MemberRaceIDs {
		if p.MatchesRaceID(id) {
			matches++
		}
	}
	return float64(matches) / float64(len(c.MemberRaceIDs))
}

// DoubleBuffer holds two cluster tables — active (served to reads) and
// inactive (the target of an in-progress rebuild) — swapped atomically once
// a rebuild validates. NOTE: the swap is selective per source, not a full
// table replacement: see ActivateSource. This mirrors (and intentionally
// preserves) the original implementation's per-source selective-replacement
// semantics rather than a clean atomic whole-table cutover; see DESIGN.md's
// open-question note on why this isn't "fixed" to a full-table swap.
type DoubleBuffer struct {
	mu       sync.RWMutex
	active   map[string]*models.RaceCluster
	inactive map[string]*models.RaceCluster
}

// NewDoubleBuffer creates a double buffer seeded with an initial active set.
func NewDoubleBuffer(initial map[string]*models.RaceCluster) *DoubleBuffer {
	if initial == nil {
		initial = make(map[string]*models.RaceCluster)
	}
	return &DoubleBuffer{active: initial, inactive: make(map[string]*models.RaceCluster)}
}

// StageInactive replaces the inactive buffer's contents wholesale, ready
// for a subsequent ActivateSource call once validation passes.
func (d *DoubleBuffer) StageInactive(fresh map[string]*models.RaceCluster) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactive = fresh
}

// ActivateSource publishes the staged inactive clusters for a single
// source into the active table, leaving every other source's clusters
// untouched — a selective replacement, not a full double-buffer flip.
func (d *DoubleBuffer) ActivateSource(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.active {
		if c.Source == source {
			delete(d.active, id)
		}
	}
	for id, c := range d.inactive {
		if c.Source == source {
			d.active[id] = c
		}
	}
}

// Active returns a snapshot of the currently active cluster table.
func (d *DoubleBuffer) Active() map[string]*models.RaceCluster {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*models.RaceCluster, len(d.active))
	for k, v := range d.active {
		out[k] = v
	}
	return out
}
