package engine

import (
	"github.com/raceboard/eta-server/engine/config"
	"github.com/raceboard/eta-server/engine/internal/rebuild"
	"github.com/raceboard/eta-server/engine/models"
)

// Config is the public configuration surface for the Engine facade. It
// wraps the unified configuration object so embedders can either build one
// by hand or load it through config.Manager.
type Config struct {
	Unified *config.UnifiedConfig

	// MetricsBackend selects the metrics.Provider implementation: "prom"
	// (default), "otel", or "noop".
	MetricsBackend string
	// EnableTracing turns on the adaptive OTel tracer. Off by default so
	// embedders opt in explicitly.
	EnableTracing bool
}

// Defaults returns a Config wrapping config.DefaultConfig(), metrics on the
// Prometheus backend, tracing disabled.
func Defaults() Config {
	return Config{
		Unified:        config.DefaultConfig(),
		MetricsBackend: "prom",
		EnableTracing:  false,
	}
}

func (c Config) unified() *config.UnifiedConfig {
	if c.Unified == nil {
		return config.DefaultConfig()
	}
	return c.Unified
}

func (c Config) sourceConfigs() map[string]models.SourceConfig {
	u := c.unified()
	if len(u.Sources) > 0 {
		return u.Sources
	}
	return models.DefaultSourceConfigs()
}

func (c Config) validationCriteria() rebuild.ValidationCriteria {
	return c.unified().Rebuild.Criteria
}
