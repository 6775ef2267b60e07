// Package config loads and validates engine configuration.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-sstable/pkg/compaction"
	"github.com/dd0wney/cluso-sstable/pkg/dberrors"
	"github.com/dd0wney/cluso-sstable/pkg/format"
	"github.com/dd0wney/cluso-sstable/pkg/fsutil"
	"github.com/dd0wney/cluso-sstable/pkg/logging"
	"github.com/dd0wney/cluso-sstable/pkg/sstable"
	"github.com/dd0wney/cluso-sstable/pkg/wal"
)

// Config is the full engine configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir" validate:"required"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	WAL        WALConfig        `yaml:"wal"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SSTableConfig controls how tables are written and read.
type SSTableConfig struct {
	Version string `yaml:"version" validate:"required,len=2,alpha,lowercase"`
	// Compression is none, lz4, snappy, deflate, zstd or a compressor
	// class name.
	Compression   string  `yaml:"compression"`
	ChunkLength   uint32  `yaml:"chunk_length" validate:"gte=1024"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate" validate:"gt=0,lt=1"`
	IndexInterval int     `yaml:"index_interval" validate:"gte=1"`
	CacheChunks   int     `yaml:"cache_chunks" validate:"gte=0"`
}

// WALConfig controls the write-ahead log.
type WALConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SyncMode        string        `yaml:"sync_mode" validate:"oneof=none off normal full always"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	Compressed      bool          `yaml:"compressed"`
	TruncateOnFlush bool          `yaml:"truncate_on_flush"`
}

// CompactionConfig selects a strategy and its parameters. Only the
// parameters of the selected strategy are used.
type CompactionConfig struct {
	Strategy       string        `yaml:"strategy" validate:"oneof=size_tiered leveled time_window"`
	Interval       time.Duration `yaml:"interval"`
	AutoCompaction bool          `yaml:"auto_compaction"`

	MaxFiles int     `yaml:"max_files"`
	Ratio    float64 `yaml:"ratio"`

	MaxLevelSize int64   `yaml:"max_level_size"`
	Multiplier   float64 `yaml:"multiplier"`

	WindowHours int `yaml:"window_hours"`
	MaxWindows  int `yaml:"max_windows"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration for dataDir with every knob at its
// default value.
func Default(dataDir string) *Config {
	st := compaction.DefaultSizeTiered()
	lv := compaction.DefaultLeveled()
	tw := compaction.DefaultTimeWindow()
	return &Config{
		DataDir: dataDir,
		SSTable: SSTableConfig{
			Version:       sstable.DefaultVersion,
			Compression:   "lz4",
			ChunkLength:   sstable.DefaultChunkLength,
			BloomFPRate:   sstable.DefaultBloomFPRate,
			IndexInterval: sstable.DefaultIndexInterval,
			CacheChunks:   256,
		},
		WAL: WALConfig{
			Enabled:         true,
			SyncMode:        "normal",
			SyncInterval:    wal.DefaultSyncInterval,
			TruncateOnFlush: true,
		},
		Compaction: CompactionConfig{
			Strategy:       compaction.SizeTieredName,
			Interval:       5 * time.Minute,
			AutoCompaction: true,
			MaxFiles:       st.MaxFiles,
			Ratio:          st.Ratio,
			MaxLevelSize:   lv.MaxLevelSize,
			Multiplier:     lv.Multiplier,
			WindowHours:    tw.WindowHours,
			MaxWindows:     tw.MaxWindows,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// MemoryOptimized trades speed for footprint: zstd chunks, a small chunk
// cache and a sparser index.
func MemoryOptimized(dataDir string) *Config {
	c := Default(dataDir)
	c.SSTable.Compression = "zstd"
	c.SSTable.CacheChunks = 32
	c.SSTable.IndexInterval = 256
	c.WAL.Compressed = true
	return c
}

// PerformanceOptimized favours latency: lz4 chunks, a large chunk cache, a
// denser index and a tighter bloom filter.
func PerformanceOptimized(dataDir string) *Config {
	c := Default(dataDir)
	c.SSTable.Compression = "lz4"
	c.SSTable.CacheChunks = 4096
	c.SSTable.IndexInterval = 64
	c.SSTable.BloomFPRate = 0.001
	c.Compaction.MaxFiles = 8
	return c
}

// Load reads a YAML file on top of the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dberrors.Io("config.load", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default("")
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, dberrors.New(dberrors.KindConfiguration, "config.parse").Cause(err).Err()
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv applies LOG_LEVEL and SSTABLE_DATA_DIR overrides.
func (c *Config) ApplyEnv() {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
	if dir := os.Getenv("SSTABLE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// Save writes c as YAML, atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return dberrors.Serialization("config.save", "%v", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return dberrors.Io("config.save", path, err)
	}
	return nil
}

// CompressorClass resolves the configured compression to a compressor
// class name.
func (s SSTableConfig) CompressorClass() string {
	if name, err := format.CompressorNameFor(s.Compression); err == nil {
		return name
	}
	return s.Compression
}

// WriterOptions converts the sstable section.
func (c *Config) WriterOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		Version:       c.SSTable.Version,
		Compression:   c.SSTable.CompressorClass(),
		ChunkLength:   c.SSTable.ChunkLength,
		BloomFPRate:   c.SSTable.BloomFPRate,
		IndexInterval: c.SSTable.IndexInterval,
	}
}

// WALOptions converts the wal section.
func (c *Config) WALOptions(logger logging.Logger) (wal.Options, error) {
	mode, err := wal.ParseSyncMode(c.WAL.SyncMode)
	if err != nil {
		return wal.Options{}, err
	}
	return wal.Options{SyncMode: mode, SyncInterval: c.WAL.SyncInterval, Logger: logger}, nil
}

// BuildStrategy builds the selected compaction strategy.
func (c CompactionConfig) BuildStrategy() (compaction.Strategy, error) {
	var s compaction.Strategy
	switch c.Strategy {
	case compaction.SizeTieredName:
		s = compaction.SizeTiered{MaxFiles: c.MaxFiles, Ratio: c.Ratio}
	case compaction.LeveledName:
		s = compaction.Leveled{MaxLevelSize: c.MaxLevelSize, Multiplier: c.Multiplier}
	case compaction.TimeWindowName:
		s = compaction.TimeWindow{WindowHours: c.WindowHours, MaxWindows: c.MaxWindows}
	default:
		return nil, dberrors.Configuration("config.compaction", "unknown strategy %q", c.Strategy)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// CompactionOptions converts the compaction section.
func (c *Config) CompactionOptions(logger logging.Logger) (compaction.Options, error) {
	s, err := c.Compaction.BuildStrategy()
	if err != nil {
		return compaction.Options{}, err
	}
	return compaction.Options{Strategy: s, Interval: c.Compaction.Interval, Logger: logger}, nil
}

// Logger returns a JSON logger at the configured level writing to stderr.
func (c *Config) Logger() logging.Logger {
	return logging.New(os.Stderr, c.Logging.Level)
}
