package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manager owns the live configuration: it loads the YAML base layer,
// applies environment overrides, and optionally watches the file for
// changes restricted to the live-safe subset (rollout thresholds,
// validation criteria, canary percentage). Structural settings (db path,
// max_clusters) only take effect on the next restart.
type Manager struct {
	configPath string
	current    *UnifiedConfig
	mutex      sync.RWMutex
	watcher    *fsnotify.Watcher
	watching   bool
}

// Change describes one accepted hot reload.
type Change struct {
	Config           *UnifiedConfig
	ChangedAt        time.Time
	PreviousChecksum string
}

// NewManager constructs a Manager over configPath without loading it yet.
func NewManager(configPath string) *Manager {
	return &Manager{configPath: configPath, current: DefaultConfig()}
}

// Load reads configPath, falling back to defaults when the file does not
// exist, and applies environment variable overrides on top.
func (m *Manager) Load() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	cfg, err := m.loadFromFile()
	if err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.Checksum = checksum(cfg)
	m.current = cfg
	return nil
}

func (m *Manager) loadFromFile() (*UnifiedConfig, error) {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := NewUnifiedConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Current returns a copy of the live configuration.
func (m *Manager) Current() *UnifiedConfig {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	cpy := *m.current
	return &cpy
}

// Save validates cfg, stamps its checksum, and writes it to configPath.
func (m *Manager) Save(cfg *UnifiedConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg.UpdatedAt = time.Now()
	cfg.Checksum = checksum(cfg)
	m.current = cfg
	return m.writeToFile(cfg)
}

func (m *Manager) writeToFile(cfg *UnifiedConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(m.configPath, data, 0644)
}

// checksum computes a SHA-256 over the canonicalized config, excluding the
// checksum field itself, so unrelated writes that reproduce the same
// content are recognized as no-ops.
func checksum(cfg *UnifiedConfig) string {
	cpy := *cfg
	cpy.Checksum = ""
	data, _ := json.Marshal(cpy)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// WatchLiveSafe watches configPath for writes and, on each one, reloads the
// file and applies only the live-safe subset (rollout promotion policy and
// rebuild validation criteria) to the running configuration. Structural
// fields in the reloaded file are parsed but discarded; a restart is
// required to change them. The returned channel is closed when ctx is
// canceled or the watch cannot continue.
func (m *Manager) WatchLiveSafe(ctx context.Context) (<-chan Change, <-chan error) {
	changes := make(chan Change, 10)
	errs := make(chan error, 10)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- fmt.Errorf("create file watcher: %w", err)
		close(changes)
		close(errs)
		return changes, errs
	}

	m.mutex.Lock()
	if m.watching {
		m.mutex.Unlock()
		watcher.Close()
		close(changes)
		close(errs)
		return changes, errs
	}
	configDir := filepath.Dir(m.configPath)
	if err := watcher.Add(configDir); err != nil {
		m.mutex.Unlock()
		watcher.Close()
		errs <- fmt.Errorf("watch dir %s: %w", configDir, err)
		close(changes)
		close(errs)
		return changes, errs
	}
	m.watcher = watcher
	m.watching = true
	m.mutex.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		defer watcher.Close()
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Name != m.configPath || e.Op&fsnotify.Write == 0 {
					continue
				}
				reloaded, err := m.loadFromFile()
				if err != nil {
					errs <- err
					continue
				}
				applyEnvOverrides(reloaded)
				reloaded.ApplyDefaults()
				reloaded.Checksum = checksum(reloaded)

				m.mutex.Lock()
				prevChecksum := m.current.Checksum
				if reloaded.Checksum == prevChecksum {
					m.mutex.Unlock()
					continue
				}
				merged := *m.current
				merged.Rollout = reloaded.Rollout
				merged.Rebuild.Criteria = reloaded.Rebuild.Criteria
				merged.Checksum = checksum(&merged)
				m.current = &merged
				m.mutex.Unlock()

				changes <- Change{Config: &merged, ChangedAt: time.Now(), PreviousChecksum: prevChecksum}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				m.mutex.Lock()
				m.watching = false
				m.mutex.Unlock()
				return
			}
		}
	}()
	return changes, errs
}

func applyEnvOverrides(cfg *UnifiedConfig) {
	if v := os.Getenv("RACEBOARD_ETA_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("RACEBOARD_ETA_READ_ONLY"); v == "true" {
		cfg.Server.ReadOnly = true
	}
	if v := os.Getenv("RACEBOARD_ETA_PILOT_SOURCE"); v != "" {
		cfg.Rollout.PilotSource = v
	}
}
