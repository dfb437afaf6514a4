// Package persistence is the embedded-storage layer backing races,
// clusters, and source statistics: one bbolt bucket per concern, JSON
// envelopes carrying a schema version, and a legacy bucket scanned as a
// fallback for records written before the envelope existed.
package persistence

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/raceboard/eta-server/engine/models"
)

var (
	bucketRaces       = []byte("races")
	bucketRacesByTime = []byte("races_by_time")
	bucketClusters    = []byte("clusters")
	bucketSourceStats = []byte("source_stats")
	bucketMeta        = []byte("meta")
	bucketLegacy       = []byte("legacy")

	metaKeySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = "v2"

// envelope wraps every persisted record with the schema kind it was written
// under, so a future format change can keep decoding older records.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Adapter is the bbolt-backed implementation of the prediction and
// clustering engines' Store dependency, plus the race-scan surface the
// rollout trigger uses for source discovery and rebuild input.
type Adapter struct {
	db  *bolt.DB
	log *logrus.Logger
}

// Open acquires the database file's exclusive lock and ensures every bucket
// exists. A lock already held by another process is treated as fatal,
// matching the original implementation's fail-fast-on-contention behavior.
func Open(path string, log *logrus.Logger) (*Adapter, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.WithError(err).WithField("path", path).Fatal("database is locked; another instance is likely running")
		return nil, err
	}

	a := &Adapter{db: db, log: log}
	if err := a.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithField("path", path).Info("opened persistence database")
	return a, nil
}

// OpenInMemory opens a temp-file-backed database for tests, matching the
// original implementation's in-memory constructor in spirit (bbolt has no
// true in-memory mode, so a throwaway temp file stands in).
func OpenInMemory(log *logrus.Logger) (*Adapter, error) {
	f, err := os.CreateTemp("", "eta-*.db")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	return Open(path, log)
}

func (a *Adapter) init() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRaces, bucketRacesByTime, bucketClusters, bucketSourceStats, bucketMeta, bucketLegacy} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaKeySchemaVersion) == nil {
			return meta.Put(metaKeySchemaVersion, []byte(currentSchemaVersion))
		}
		return nil
	})
}

// Close releases the database's exclusive lock.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// metaKeyRolloutConfig is the fixed meta-bucket key the phased rollout
// controller's serialized state is persisted under.
var metaKeyRolloutConfig = []byte("rollout_config")

// PutMeta writes a raw value under a key in the meta bucket, used for
// small pieces of non-domain state (like the rollout controller's
// serialized snapshot) that don't warrant their own bucket.
func (a *Adapter) PutMeta(key string, data []byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), data)
	})
}

// GetMeta reads a raw value from the meta bucket, returning ok=false if
// the key has never been set.
func (a *Adapter) GetMeta(key string) (data []byte, ok bool, err error) {
	err = a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v != nil {
			ok = true
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, ok, err
}

// RolloutConfigMetaKey is the conventional meta key rollout state is
// stored under, exported so callers needn't hardcode the string.
func RolloutConfigMetaKey() string { return string(metaKeyRolloutConfig) }

func serializeEnveloped(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: kind, Data: data})
}

// deserializeEnveloped decodes the current JSON envelope, falling back to a
// bare (legacy, pre-envelope) JSON decode of v when the value isn't wrapped.
func deserializeEnveloped(raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Kind != "" {
		return json.Unmarshal(env.Data, v)
	}
	return json.Unmarshal(raw, v)
}

func encodeTimeIndexKey(startedAt time.Time, raceID string) []byte {
	buf := make([]byte, 8+len(raceID))
	binary.BigEndian.PutUint64(buf[:8], uint64(startedAt.UnixNano()))
	copy(buf[8:], raceID)
	return buf
}

// StoreRace persists a race and maintains its time-ordered secondary index,
// re-indexing if the race's started_at has changed since the last store.
func (a *Adapter) StoreRace(race *models.Race) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		races := tx.Bucket(bucketRaces)
		byTime := tx.Bucket(bucketRacesByTime)

		key := []byte(race.ID)
		if old := races.Get(key); old != nil {
			var oldRace models.Race
			if err := deserializeEnveloped(old, &oldRace); err == nil {
				_ = byTime.Delete(encodeTimeIndexKey(oldRace.StartedAt, oldRace.ID))
			}
		}

		value, err := serializeEnveloped("Race@2", race)
		if err != nil {
			return fmt.Errorf("%w: encoding race: %v", models.ErrIntegrity, err)
		}
		if err := races.Put(key, value); err != nil {
			return err
		}
		return byTime.Put(encodeTimeIndexKey(race.StartedAt, race.ID), []byte{})
	})
}

// DeleteRace removes a race and its time index entry.
func (a *Adapter) DeleteRace(raceID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		races := tx.Bucket(bucketRaces)
		byTime := tx.Bucket(bucketRacesByTime)

		key := []byte(raceID)
		if old := races.Get(key); old != nil {
			var oldRace models.Race
			if err := deserializeEnveloped(old, &oldRace); err == nil {
				_ = byTime.Delete(encodeTimeIndexKey(oldRace.StartedAt, raceID))
			}
		}
		return races.Delete(key)
	})
}

// ScanFilter restricts ScanRaces to a source and/or time window.
type ScanFilter struct {
	Source string
	From   *time.Time
	To     *time.Time
}

// ScanRaces returns races in ascending started_at order, applying filter and
// paging batchSize at a time from the given cursor (nil for the first page).
func (a *Adapter) ScanRaces(filter ScanFilter, batchSize int, cursor []byte) ([]*models.Race, []byte, error) {
	var out []*models.Race
	var next []byte

	err := a.db.View(func(tx *bolt.Tx) error {
		byTime := tx.Bucket(bucketRacesByTime)
		racesBucket := tx.Bucket(bucketRaces)

		c := byTime.Cursor()
		var k []byte
		if cursor == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek(cursor)
		}
		for ; k != nil; k, _ = c.Next() {
			if len(out) >= batchSize {
				next = append([]byte(nil), k...)
				break
			}
			if len(k) < 8 {
				continue
			}
			raceID := string(k[8:])
			raw := racesBucket.Get([]byte(raceID))
			if raw == nil {
				continue
			}
			var race models.Race
			if err := deserializeEnveloped(raw, &race); err != nil {
				a.log.WithError(err).WithField("race_id", raceID).Warn("failed to decode race during scan")
				continue
			}
			if filter.Source != "" && race.Source != filter.Source {
				continue
			}
			if filter.From != nil && race.StartedAt.Before(*filter.From) {
				continue
			}
			if filter.To != nil && race.StartedAt.After(*filter.To) {
				continue
			}
			out = append(out, &race)
		}
		return nil
	})
	return out, next, err
}

// PersistCluster writes a cluster to its dedicated bucket.
func (a *Adapter) PersistCluster(c *models.RaceCluster) error {
	if err := validateClusterData(c); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	value, err := serializeEnveloped("RaceCluster@2", c)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Put([]byte(c.ClusterID), value)
	})
}

// LoadClusters reads every cluster from the dedicated bucket, then falls
// back to the legacy bucket for any cluster id not already present there.
func (a *Adapter) LoadClusters() (map[string]*models.RaceCluster, error) {
	out := make(map[string]*models.RaceCluster)
	err := a.db.View(func(tx *bolt.Tx) error {
		_ = tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var c models.RaceCluster
			if err := deserializeEnveloped(v, &c); err != nil {
				a.log.WithError(err).WithField("cluster_id", string(k)).Warn("failed to decode cluster, skipping")
				return nil
			}
			if err := validateClusterData(&c); err != nil {
				a.log.WithField("cluster_id", string(k)).WithError(err).Warn("invalid cluster data, skipping")
				return nil
			}
			out[string(k)] = &c
			return nil
		})

		return tx.Bucket(bucketLegacy).ForEach(func(k, v []byte) error {
			id := string(k)
			if _, ok := out[id]; ok {
				return nil
			}
			var c models.RaceCluster
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if err := validateClusterData(&c); err == nil {
				out[id] = &c
			}
			return nil
		})
	})
	return out, err
}

// ClearClusters empties the clusters bucket.
func (a *Adapter) ClearClusters() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketClusters); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketClusters)
		return err
	})
}

// DeleteCluster removes a single cluster.
func (a *Adapter) DeleteCluster(clusterID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Delete([]byte(clusterID))
	})
}

// PersistAllClusters persists every cluster in the map.
func (a *Adapter) PersistAllClusters(clusters map[string]*models.RaceCluster) error {
	for _, c := range clusters {
		if err := a.PersistCluster(c); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldData removes clusters whose last_accessed predates the
// ttlDays cutoff. NOTE: like the original implementation, this scans only
// the legacy bucket; clusters that have been migrated into the dedicated
// clusters bucket are not considered for cleanup. Preserved intentionally
// rather than silently fixed — see the open-question note in DESIGN.md.
func (a *Adapter) CleanupOldData(ttlDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays)
	deleted := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		legacy := tx.Bucket(bucketLegacy)
		c := legacy.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cl models.RaceCluster
			if err := json.Unmarshal(v, &cl); err != nil {
				continue
			}
			if cl.LastAccessed.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := legacy.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// PersistSourceStats writes a source's stats to its dedicated bucket.
func (a *Adapter) PersistSourceStats(source string, s *models.SourceStats) error {
	value, err := serializeEnveloped("SourceStats@2", s)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSourceStats).Put([]byte(source), value)
	})
}

// LoadSourceStats reads every source's stats, falling back to legacy
// "source:"-prefixed entries for sources not already in the dedicated
// bucket.
func (a *Adapter) LoadSourceStats() (map[string]*models.SourceStats, error) {
	out := make(map[string]*models.SourceStats)
	err := a.db.View(func(tx *bolt.Tx) error {
		_ = tx.Bucket(bucketSourceStats).ForEach(func(k, v []byte) error {
			var s models.SourceStats
			if err := deserializeEnveloped(v, &s); err != nil {
				a.log.WithError(err).WithField("source", string(k)).Warn("failed to decode source stats, skipping")
				return nil
			}
			out[string(k)] = &s
			return nil
		})

		const legacyPrefix = "source:"
		return tx.Bucket(bucketLegacy).ForEach(func(k, v []byte) error {
			key := string(k)
			if len(key) <= len(legacyPrefix) || key[:len(legacyPrefix)] != legacyPrefix {
				return nil
			}
			source := key[len(legacyPrefix):]
			if _, ok := out[source]; ok {
				return nil
			}
			var s models.SourceStats
			if err := json.Unmarshal(v, &s); err == nil {
				out[source] = &s
			}
			return nil
		})
	})
	return out, err
}

// DeleteSourceStats removes a single source's stats.
func (a *Adapter) DeleteSourceStats(source string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSourceStats).Delete([]byte(source))
	})
}

func validateClusterData(c *models.RaceCluster) error {
	if c.ClusterID == "" {
		return fmt.Errorf("cluster id cannot be empty")
	}
	if c.Source == "" {
		return fmt.Errorf("cluster source cannot be empty")
	}
	if c.Stats != nil {
		if c.Stats.Mean < 0.0 {
			return fmt.Errorf("mean cannot be negative")
		}
		if c.Stats.Median < 0.0 {
			return fmt.Errorf("median cannot be negative")
		}
	}
	return nil
}

// Snapshot is the gzip-compressed JSON export of every race, alongside a
// SHA-256 checksum computed over the uncompressed JSON so a restore can
// detect corruption before importing.
type Snapshot struct {
	CreatedAt  time.Time `json:"created_at"`
	SHA256     string    `json:"sha256"`
	Compressed []byte    `json:"-"`
}

// CreateJSONSnapshot exports every race as gzip-compressed JSON with a
// SHA-256 checksum of the uncompressed payload.
func (a *Adapter) CreateJSONSnapshot() (*Snapshot, error) {
	var races []*models.Race
	cursor := []byte(nil)
	for {
		batch, next, err := a.ScanRaces(ScanFilter{}, 500, cursor)
		if err != nil {
			return nil, err
		}
		races = append(races, batch...)
		if next == nil {
			break
		}
		cursor = next
	}

	sort.Slice(races, func(i, j int) bool { return races[i].StartedAt.Before(races[j].StartedAt) })

	plain, err := json.Marshal(races)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(plain)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plain); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return &Snapshot{
		CreatedAt:  time.Now().UTC(),
		SHA256:     hex.EncodeToString(sum[:]),
		Compressed: buf.Bytes(),
	}, nil
}

// RestoreJSONSnapshot verifies the checksum before importing every race in
// the snapshot, returning ErrIntegrity on a mismatch.
func (a *Adapter) RestoreJSONSnapshot(snap *Snapshot) error {
	gz, err := gzip.NewReader(bytes.NewReader(snap.Compressed))
	if err != nil {
		return fmt.Errorf("%w: opening snapshot gzip stream: %v", models.ErrIntegrity, err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		return fmt.Errorf("%w: reading snapshot: %v", models.ErrIntegrity, err)
	}

	sum := sha256.Sum256(buf.Bytes())
	if hex.EncodeToString(sum[:]) != snap.SHA256 {
		return fmt.Errorf("%w: snapshot checksum mismatch", models.ErrIntegrity)
	}

	var races []*models.Race
	if err := json.Unmarshal(buf.Bytes(), &races); err != nil {
		return fmt.Errorf("%w: decoding snapshot races: %v", models.ErrIntegrity, err)
	}
	for _, r := range races {
		if err := a.StoreRace(r); err != nil {
			return err
		}
	}
	return nil
}

// DBSizeOnDisk reports the database file size in bytes.
func (a *Adapter) DBSizeOnDisk() (int64, error) {
	info, err := os.Stat(a.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
