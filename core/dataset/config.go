package dataset

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/storage/nodetable"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// File names inside Config.Dir.
const (
	DataFile        = "data.db"
	JournalFile     = "journal.jnl"
	CoordinatorFile = "coordinator.db"
)

// Config holds the settings of a Dataset. The tagged fields are read from
// the store section of the config file; the rest are wired in by the caller.
type Config struct {
	// Dir holds the data file, the journal and the applied-record store.
	Dir string `yaml:"dir"`
	// NodeCacheSize bounds the node table's id caches.
	NodeCacheSize int `yaml:"node_cache_size"`
	// TrackApplied records the last applied journal sequence so that a
	// restart does not replay records already in the data file.
	TrackApplied bool `yaml:"track_applied"`
	// MirrorPath, if set, receives a copy of every journal record.
	MirrorPath string `yaml:"mirror_path"`
	// MirrorRate throttles the mirror in bytes per second; zero is unlimited.
	MirrorRate int64 `yaml:"mirror_rate"`
	// MirrorPending bounds the mirror copies waiting to be written.
	MirrorPending int `yaml:"mirror_pending"`
	// LogComponents logs every protocol call made on every component.
	LogComponents bool `yaml:"log_components"`

	Logger    *zap.Logger                   `yaml:"-"`
	Tracer    trace.Tracer                  `yaml:"-"`
	Metrics   *internaltelemetry.TxnMetrics `yaml:"-"`
	ChangeLog ChangeLog                     `yaml:"-"`
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		Dir:           "data",
		NodeCacheSize: nodetable.DefaultCacheSize,
		TrackApplied:  true,
		MirrorPending: 2,
	}
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.NodeCacheSize <= 0 {
		c.NodeCacheSize = nodetable.DefaultCacheSize
	}
}
