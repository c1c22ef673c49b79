// Package config loads the fabric digital twin's TOML configuration file,
// following the teacher's nested-struct-per-concern shape (one struct per
// subsystem, a DefaultConfig() baseline, string fields for durations/sizes
// parsed with small forgiving helpers) adapted from API/Models/Inference
// sections to the digital twin's store/planner/chaos/observability/
// checkpoint sections.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// APIConfig controls the ambient HTTP surface (internal/api).
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// StoreConfig controls the State Store's topology/node loading and
// override-file watcher.
type StoreConfig struct {
	NodesDir      string `toml:"nodes_dir"`
	TopologyFile  string `toml:"topology_file"`
	OverridesFile string `toml:"overrides_file"`
	WatchInterval string `toml:"watch_interval"` // e.g. "200ms"; state.Store.WatchOverrides raises anything below 200ms to 200ms
}

// WatchIntervalDuration parses WatchInterval, falling back to the spec's
// 200ms minimum cadence on an empty or malformed value.
func (c StoreConfig) WatchIntervalDuration() time.Duration {
	return parseDurationOr(c.WatchInterval, 200*time.Millisecond)
}

// PlannerConfig carries a planning strategy name. No command reads it:
// dtctl plan takes its strategy from --strategy and HTTP /plan from the
// request body.
type PlannerConfig struct {
	Strategy string `toml:"strategy"` // "greedy", "resilient", "network-aware", or "federated"
}

// ChaosConfig holds Chaos Scheduler settings. dtctl serve reads Speed and
// ObserveURL; TopologyFile, Scenario and OverridesFile are not read by any
// command.
type ChaosConfig struct {
	TopologyFile  string  `toml:"topology_file"`
	Scenario      string  `toml:"scenario"`
	Speed         float64 `toml:"speed"`
	OverridesFile string  `toml:"overrides_file"`
	ObserveURL    string  `toml:"observe_url"`
}

// ObservabilityConfig controls the tracer's ring buffer and enablement.
type ObservabilityConfig struct {
	TracingEnabled bool `toml:"tracing_enabled"`
	MaxSpans       int  `toml:"max_spans"`
}

// CheckpointConfig controls the advisory sqlite checkpoint (internal/infra/sqlite).
type CheckpointConfig struct {
	Enabled  bool   `toml:"enabled"`
	DBPath   string `toml:"db_path"`
	Interval string `toml:"interval"` // e.g. "30s"
}

// IntervalDuration parses Interval, falling back to 30s on an empty or
// malformed value.
func (c CheckpointConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, 30*time.Second)
}

// Config is the full fabric digital twin configuration document.
type Config struct {
	API           APIConfig           `toml:"api"`
	Store         StoreConfig         `toml:"store"`
	Planner       PlannerConfig       `toml:"planner"`
	Chaos         ChaosConfig         `toml:"chaos"`
	Observability ObservabilityConfig `toml:"observability"`
	Checkpoint    CheckpointConfig    `toml:"checkpoint"`
}

// DefaultConfig returns production defaults, used as the base that Load
// overlays a TOML file's present fields onto.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8089,
			MetricsEnabled: true,
		},
		Store: StoreConfig{
			NodesDir:      "nodes",
			TopologyFile:  "topology.json",
			OverridesFile: "overrides.json",
			WatchInterval: "200ms",
		},
		Planner: PlannerConfig{
			Strategy: "greedy",
		},
		Chaos: ChaosConfig{
			TopologyFile: "topology.json",
			Speed:        1.0,
		},
		Observability: ObservabilityConfig{
			TracingEnabled: true,
			MaxSpans:       10_000,
		},
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			DBPath:   "dt-checkpoint.db",
			Interval: "30s",
		},
	}
}

// Load reads a TOML file at path and decodes it onto DefaultConfig(), so
// a file that sets only a handful of fields still produces a complete,
// usable Config.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseDurationOr parses s as a time.Duration, returning def if s is empty
// or malformed — forgiving, like the teacher's parseStorageSize.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
