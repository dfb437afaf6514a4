package models

import "time"

const (
	maxMemberRaceIDs  = 100
	maxMemberSampling = 50
)

// TrendDirection classifies the recent direction of a duration trend.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDegrading TrendDirection = "degrading"
	TrendStable    TrendDirection = "stable"
)

// Percentiles holds the standard percentile cuts over a duration window.
type Percentiles struct {
	P10 int64 `json:"p10"`
	P25 int64 `json:"p25"`
	P50 int64 `json:"p50"`
	P75 int64 `json:"p75"`
	P90 int64 `json:"p90"`
	P95 int64 `json:"p95"`
}

// TrendAnalysis summarizes whether recent durations are improving, stable,
// or degrading, and how confident that read is.
type TrendAnalysis struct {
	Direction  TrendDirection `json:"direction"`
	Rate       float64        `json:"rate"`
	Confidence float64        `json:"confidence"`
}

// EtaPrediction is the common shape returned by every level of the
// prediction ladder.
type EtaPrediction struct {
	ExpectedSeconds int64     `json:"expected_seconds"`
	Confidence      float64   `json:"confidence"`
	LowerBound      int64     `json:"lower_bound"`
	UpperBound      int64     `json:"upper_bound"`
	Source          EtaSource `json:"source"`
}

// ExecutionStats is a bounded online summary of recent execution durations,
// recalculated in full after every accepted sample.
type ExecutionStats struct {
	RecentTimes []int64        `json:"recent_times"`
	Mean        float64        `json:"mean"`
	Median      float64        `json:"median"`
	StdDev      float64        `json:"std_dev"`
	MAD         float64        `json:"mad"`
	Percentiles Percentiles    `json:"percentiles"`
	Trend       TrendAnalysis  `json:"trend"`
	LastUpdated time.Time      `json:"last_updated"`
}

// NewExecutionStats returns an empty stats window.
func NewExecutionStats() *ExecutionStats {
	return &ExecutionStats{
		RecentTimes: make([]int64, 0, 20),
		Trend:       TrendAnalysis{Direction: TrendStable},
		LastUpdated: time.Now().UTC(),
	}
}

// NewExecutionStatsWithDefault seeds a stats window with a single bootstrap
// value so a brand-new cluster or source still has usable bounds.
func NewExecutionStatsWithDefault(defaultEta int64) *ExecutionStats {
	s := NewExecutionStats()
	s.RecentTimes = append(s.RecentTimes, defaultEta)
	s.Mean = float64(defaultEta)
	s.Median = float64(defaultEta)
	s.Percentiles.P50 = defaultEta
	s.Percentiles.P25 = int64(float64(defaultEta) * 0.75)
	s.Percentiles.P75 = int64(float64(defaultEta) * 1.25)
	return s
}

// RaceCluster groups races judged similar under a single source.
type RaceCluster struct {
	ClusterID              string            `json:"cluster_id"`
	Source                 string            `json:"source"`
	RepresentativeTitle    string            `json:"representative_title"`
	RepresentativeMetadata map[string]string `json:"representative_metadata,omitempty"`
	Stats                  *ExecutionStats   `json:"stats"`
	MemberRaceIDs          []string          `json:"member_race_ids"`
	MemberTitles           []string          `json:"member_titles"`
	MemberMetadataHistory  []map[string]string `json:"member_metadata_history,omitempty"`
	BootstrapAlias         string            `json:"bootstrap_alias,omitempty"`
	LastUpdated            time.Time         `json:"last_updated"`
	LastAccessed           time.Time         `json:"last_accessed"`
}

// NewRaceCluster creates an empty cluster ready to receive its first member.
func NewRaceCluster(clusterID, source string) *RaceCluster {
	now := time.Now().UTC()
	return &RaceCluster{
		ClusterID:    clusterID,
		Source:       source,
		Stats:        NewExecutionStats(),
		LastUpdated:  now,
		LastAccessed: now,
	}
}

// AddMember appends a race's id/title/metadata to the cluster's bounded
// member history, evicting the oldest entries once the caps are reached.
func (c *RaceCluster) AddMember(raceID, title string, metadata map[string]string) {
	c.MemberRaceIDs = append(c.MemberRaceIDs, raceID)
	if len(c.MemberRaceIDs) > maxMemberRaceIDs {
		c.MemberRaceIDs = c.MemberRaceIDs[len(c.MemberRaceIDs)-maxMemberRaceIDs:]
	}
	c.MemberTitles = append(c.MemberTitles, title)
	if len(c.MemberTitles) > maxMemberSampling {
		c.MemberTitles = c.MemberTitles[len(c.MemberTitles)-maxMemberSampling:]
	}
	c.MemberMetadataHistory = append(c.MemberMetadataHistory, metadata)
	if len(c.MemberMetadataHistory) > maxMemberSampling {
		c.MemberMetadataHistory = c.MemberMetadataHistory[len(c.MemberMetadataHistory)-maxMemberSampling:]
	}
}

// SourceStats is the per-source (not per-cluster) rolling execution-time
// window used as the second rung of the ETA prediction ladder.
type SourceStats struct {
	Source           string          `json:"source"`
	ExecutionHistory []int64         `json:"execution_history"`
	Stats            *ExecutionStats `json:"stats"`
	LastUpdated      time.Time       `json:"last_updated"`
	MaxHistorySize   int             `json:"max_history_size"`
}

// SourceConfig holds the per-source tuning knobs for online clustering and
// offline rebuild.
type SourceConfig struct {
	Source           string  `json:"source"`
	EpsMin           float64 `json:"eps_min"`
	EpsMax           float64 `json:"eps_max"`
	MinSamples       int     `json:"min_samples"`
	MinClusterSize   int     `json:"min_cluster_size"`
	WTitle           float64 `json:"w_title"`
	WMeta            float64 `json:"w_meta"`
	TauMatch         float64 `json:"tau_match"`
	TauSplit         float64 `json:"tau_split"`
	TauMergeLo       float64 `json:"tau_merge_lo"`
	TauMergeHi       float64 `json:"tau_merge_hi"`
	PreserveBootstraps bool  `json:"preserve_bootstraps"`
	LastEps          *float64 `json:"last_eps,omitempty"`
}

// DefaultSourceConfigs returns the seeded per-source configurations named in
// the original implementation: structured CLI-tool sources favor a tighter
// title weight, natural-language coding-assistant sources favor metadata.
func DefaultSourceConfigs() map[string]SourceConfig {
	mk := func(source string, epsMin, epsMax float64, minSamples, minCluster int, wTitle, wMeta float64) SourceConfig {
		return SourceConfig{
			Source: source, EpsMin: epsMin, EpsMax: epsMax,
			MinSamples: minSamples, MinClusterSize: minCluster,
			WTitle: wTitle, WMeta: wMeta,
			TauMatch: 0.5, TauSplit: 0.3, TauMergeLo: 0.2, TauMergeHi: 0.8,
			PreserveBootstraps: true,
		}
	}
	return map[string]SourceConfig{
		"cargo":          mk("cargo", 0.05, 0.3, 5, 3, 0.7, 0.3),
		"npm":            mk("npm", 0.05, 0.3, 5, 3, 0.7, 0.3),
		"claude-code":    mk("claude-code", 0.1, 0.5, 5, 3, 0.5, 0.5),
		"cmd":            mk("cmd", 0.05, 0.35, 5, 3, 0.6, 0.4),
		"codex-session":  mk("codex-session", 0.1, 0.5, 5, 3, 0.5, 0.5),
		"gemini-cli":     mk("gemini-cli", 0.1, 0.5, 5, 3, 0.5, 0.5),
		"gitlab":         mk("gitlab", 0.05, 0.3, 5, 3, 0.6, 0.4),
	}
}
