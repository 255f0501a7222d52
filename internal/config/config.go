// Package config handles configuration loading, validation, and management for modelhist.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"

	"modelhist/internal/fsutil"
	"modelhist/internal/history"
	"modelhist/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// History tunes the engine.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Storage configures the stream image archive.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Journal configures the append-only operation journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// HistoryConfig holds engine settings applied to every stream.
type HistoryConfig struct {
	// MaxStates bounds the states kept behind the active one. 0 keeps all.
	MaxStates int `toml:"max_states" json:"max_states" yaml:"max_states"`

	// DeleteIfEmpty drops pending delta states without records on note.
	DeleteIfEmpty bool `toml:"delete_if_empty" json:"delete_if_empty" yaml:"delete_if_empty"`

	// SharedTags installs one tag table for all streams.
	SharedTags bool `toml:"shared_tags" json:"shared_tags" yaml:"shared_tags"`

	// PruneOnNote prunes after every note: "none", "following" or "inactive".
	PruneOnNote string `toml:"prune_on_note" json:"prune_on_note" yaml:"prune_on_note"`

	// IncludeBackups counts backup snapshots in size reports.
	IncludeBackups bool `toml:"include_backups" json:"include_backups" yaml:"include_backups"`

	// AutoDistribute moves foreign records to their streams on note.
	AutoDistribute bool `toml:"auto_distribute" json:"auto_distribute" yaml:"auto_distribute"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is "sqlite" or "badger".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the database file (sqlite) or directory (badger).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// Validate checks images against the JSON schema before saving.
	Validate bool `toml:"validate" json:"validate" yaml:"validate"`
}

// JournalConfig holds operation journal configuration.
type JournalConfig struct {
	// Enabled determines whether stream events are journaled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the directory holding one journal file per stream.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Sync fsyncs after every entry.
	Sync bool `toml:"sync" json:"sync" yaml:"sync"`

	// KeyHex is the hex-encoded 32-byte chain key.
	KeyHex string `toml:"key_hex" json:"key_hex" yaml:"key_hex"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled registers the engine collectors.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`

	// Listen is the address serving /metrics, empty for none.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		History: HistoryConfig{
			PruneOnNote: "none",
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			Path:          filepath.Join(dir, "history.db"),
			BusyTimeoutMs: 5000,
			Validate:      true,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    filepath.Join(dir, "journal"),
			Sync:    true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "modelhist.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Namespace: "modelhist",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base directory, MODELHIST_DATA_DIR when set.
func DataDir() string {
	if envDir := os.Getenv("MODELHIST_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Journal.Path,
		filepath.Dir(c.Logging.FilePath),
	}
	if c.Storage.Backend == "badger" {
		dirs = append(dirs, c.Storage.Path)
	} else {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := fsutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with MODELHIST_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("MODELHIST_MAX_STATES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxStates = n
		}
	}
	if v := os.Getenv("MODELHIST_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("MODELHIST_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MODELHIST_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	// Keys from env so they stay out of config files.
	if v := os.Getenv("MODELHIST_JOURNAL_KEY"); v != "" {
		c.Journal.KeyHex = v
	}
	if v := os.Getenv("MODELHIST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MODELHIST_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MODELHIST_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Version: c.Version,
		History: c.History,
		Storage: c.Storage,
		Journal: c.Journal,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
}

// LoggerConfig converts the logging section.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSizeMB = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAgeDays = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg, nil
}

// Apply copies the engine settings into stream options.
func (h HistoryConfig) Apply(opts *history.StreamOptions) {
	opts.MaxStatesToKeep = h.MaxStates
	opts.Distribute = h.AutoDistribute
}

// AfterNote runs the configured prune policy on s and returns the number
// of delta states removed.
func (h HistoryConfig) AfterNote(s *history.Stream) int {
	switch h.PruneOnNote {
	case "following":
		return s.PruneFollowing()
	case "inactive":
		return s.PruneInactive()
	default:
		return 0
	}
}

// Encode writes c as TOML.
func (c *Config) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return buf.Bytes(), nil
}
