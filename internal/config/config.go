// Package config handles configuration loading, validation, and defaults
// for pulsed.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Watch configuration for the capture pipeline.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Storage configuration for the append-only log and its indexes.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Link configuration for prompt/event correlation.
	Link LinkConfig `toml:"link" json:"link" yaml:"link"`

	// Server configuration for the REST and push surfaces.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Enrich configuration for content reading and diff stats.
	Enrich EnrichConfig `toml:"enrich" json:"enrich" yaml:"enrich"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// WatchConfig holds file watching and debounce configuration.
type WatchConfig struct {
	// Roots is the list of absolute paths to watch.
	// Default: the working directory plus the user's Desktop and Documents.
	Roots []string `toml:"watch_roots" json:"watch_roots" yaml:"watch_roots"`

	// ExcludeGlobs are additional exclusion patterns. The built-in set
	// covers VCS, caches, virtual envs, build outputs, and binary types.
	ExcludeGlobs []string `toml:"exclusion_globs" json:"exclusion_globs" yaml:"exclusion_globs"`

	// MarkerFiles mark a directory as a workspace root during parent walks.
	MarkerFiles []string `toml:"marker_files" json:"marker_files" yaml:"marker_files"`

	// DebounceMs is the per-path debounce window in milliseconds.
	DebounceMs int `toml:"debounce_delay_ms" json:"debounce_delay_ms" yaml:"debounce_delay_ms"`

	// DedupWindowMs is the duplicate suppression horizon in milliseconds.
	DedupWindowMs int `toml:"dedup_window_ms" json:"dedup_window_ms" yaml:"dedup_window_ms"`

	// SettleMs is how long a file must be stable before a change is emitted.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`

	// MaxFileSize is the read gate in bytes. Larger files are dropped.
	MaxFileSize int64 `toml:"max_file_size_bytes" json:"max_file_size_bytes" yaml:"max_file_size_bytes"`

	// MaxPendingPaths caps the debounce buffer.
	MaxPendingPaths int `toml:"max_pending_paths" json:"max_pending_paths" yaml:"max_pending_paths"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DataDir holds the log file and index database.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// MaxQueryLimit caps the limit parameter of range queries.
	MaxQueryLimit int `toml:"max_query_limit" json:"max_query_limit" yaml:"max_query_limit"`

	// SessionGapMs is the synthetic session gap in milliseconds.
	SessionGapMs int `toml:"session_gap_ms" json:"session_gap_ms" yaml:"session_gap_ms"`
}

// LinkConfig holds the prompt linking windows.
type LinkConfig struct {
	// PreMs is how far before a prompt's timestamp events may link.
	PreMs int `toml:"prompt_link_pre_ms" json:"prompt_link_pre_ms" yaml:"prompt_link_pre_ms"`

	// PostMs is how far after a prompt's timestamp events may link.
	PostMs int `toml:"prompt_link_post_ms" json:"prompt_link_post_ms" yaml:"prompt_link_post_ms"`

	// GraceMs is the settling margin before a prompt is sealed.
	GraceMs int `toml:"prompt_link_grace_ms" json:"prompt_link_grace_ms" yaml:"prompt_link_grace_ms"`
}

// ServerConfig holds delivery-layer configuration.
type ServerConfig struct {
	// ListenAddr is the REST/push listen address.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// TailBacklog is the maximum per-client lag in records before a tail
	// client is told to re-snapshot.
	TailBacklog int `toml:"tail_backlog" json:"tail_backlog" yaml:"tail_backlog"`

	// ClioURL is the external cluster summarizer endpoint. Empty disables
	// the passthrough.
	ClioURL string `toml:"clio_url" json:"clio_url" yaml:"clio_url"`

	// WriteTimeoutMs bounds individual client writes.
	WriteTimeoutMs int `toml:"write_timeout_ms" json:"write_timeout_ms" yaml:"write_timeout_ms"`
}

// EnrichConfig holds enrichment-stage configuration.
type EnrichConfig struct {
	// Workers is the size of the file-reading pool.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// ContentCacheEntries bounds the per-path content cache.
	ContentCacheEntries int `toml:"content_cache_entries" json:"content_cache_entries" yaml:"content_cache_entries"`

	// ContentPreviewBytes caps the content preview attached to events.
	ContentPreviewBytes int `toml:"content_preview_bytes" json:"content_preview_bytes" yaml:"content_preview_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	roots := []string{}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots,
			filepath.Join(home, "Desktop"),
			filepath.Join(home, "Documents"),
		)
	}

	return &Config{
		Version: Version,
		Watch: WatchConfig{
			Roots:           roots,
			ExcludeGlobs:    []string{},
			MarkerFiles:     []string{},
			DebounceMs:      1000,
			DedupWindowMs:   5000,
			SettleMs:        1000,
			MaxFileSize:     10 * 1024 * 1024,
			MaxPendingPaths: 10000,
		},
		Storage: StorageConfig{
			DataDir:       dir,
			MaxQueryLimit: 1000,
			SessionGapMs:  int((15 * time.Minute).Milliseconds()),
		},
		Link: LinkConfig{
			PreMs:   30_000,
			PostMs:  300_000,
			GraceMs: 60_000,
		},
		Server: ServerConfig{
			ListenAddr:     ":43917",
			TailBacklog:    1000,
			ClioURL:        "",
			WriteTimeoutMs: 10_000,
		},
		Enrich: EnrichConfig{
			Workers:             4,
			ContentCacheEntries: 1024,
			ContentPreviewBytes: 4096,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(dir, "pulsed.log"),
		},
	}
}

// DataDir returns the base data directory, honoring PULSED_DATA_DIR.
func DataDir() string {
	if env := os.Getenv("PULSED_DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulsed"
	}
	return filepath.Join(home, ".pulsed")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist. The format is chosen by extension: TOML (default),
// JSON, or YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies PULSED_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PULSED_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("PULSED_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PULSED_CLIO_URL"); v != "" {
		c.Server.ClioURL = v
	}
	if v := os.Getenv("PULSED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PULSED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PULSED_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Watch.DebounceMs = n
		}
	}
	if v := os.Getenv("PULSED_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Watch.MaxFileSize = n
		}
	}
}

// EnsureDirectories creates the data and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDir}
	if c.Logging.Output == "file" && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DebounceDelay returns the debounce window as a duration.
func (c *Config) DebounceDelay() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// DedupWindow returns the duplicate suppression horizon as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Watch.DedupWindowMs) * time.Millisecond
}

// SettleInterval returns the write-settle interval as a duration.
func (c *Config) SettleInterval() time.Duration {
	return time.Duration(c.Watch.SettleMs) * time.Millisecond
}

// SessionGap returns the synthetic session gap as a duration.
func (c *Config) SessionGap() time.Duration {
	return time.Duration(c.Storage.SessionGapMs) * time.Millisecond
}

// LinkWindows returns the prompt linking windows.
func (c *Config) LinkWindows() (pre, post, grace time.Duration) {
	return time.Duration(c.Link.PreMs) * time.Millisecond,
		time.Duration(c.Link.PostMs) * time.Millisecond,
		time.Duration(c.Link.GraceMs) * time.Millisecond
}
