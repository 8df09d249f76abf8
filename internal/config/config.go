// Package config loads the Engine's configuration, following the teacher's
// own JSONC precedence chain (root config.go: defaults < global < project,
// where an explicit config path takes the project file's place; no value is
// read from environment variables) adapted from ticket-tracker fields to Engine
// tuning knobs (§4.6, §4.2, §4.3, §4.7).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// TransporterMode selects the Buffer transporter's policy (§4.6, §9 Open
// Question 2: "the spec treats them as two policies of one Transporter").
type TransporterMode string

const (
	// ModeStreaming drains one page at a time, concurrently with reads.
	ModeStreaming TransporterMode = "streaming"
	// ModeBatch fuses the sealed pages waiting at each transport into one
	// segment; it does not wait for more pages or for a quiet period.
	ModeBatch TransporterMode = "batch"
)

// Config holds every tunable of the storage engine.
type Config struct {
	// DBDir is the root directory for segment files (§6 on-disk layout).
	DBDir string `json:"db_dir"` //nolint:tagliatelle

	// BufferDir is the root directory for buffer page files.
	BufferDir string `json:"buffer_dir"` //nolint:tagliatelle

	// PageSize bounds a single Buffer page's mmap size in bytes (§4.6,
	// default 8 MiB).
	PageSize int `json:"page_size"` //nolint:tagliatelle

	// HighWaterMarkPages is the number of unTransported pages at which
	// Buffer.Insert starts applying backpressure (§4.6).
	HighWaterMarkPages int `json:"high_water_mark_pages"` //nolint:tagliatelle

	// BloomFalsePositiveRate is a validated false-positive rate setting
	// (§4.2, default 3%). Chunks size their bloom filters with
	// bloom.DefaultFalsePositiveRate and do not read this field.
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate"` //nolint:tagliatelle

	// ManifestStreamingThreshold is an entry-count setting for choosing the
	// streaming manifest encoding over the inline one (§4.3). Manifests use
	// manifest.StreamingThreshold and do not read this field.
	ManifestStreamingThreshold int `json:"manifest_streaming_threshold"` //nolint:tagliatelle

	// MaxTokenLength bounds the substring tokens full-text search cuts from
	// a query (§4.10). Chunk indexing tokenizes with
	// chunk.DefaultMaxTokenLength and does not read this field (§4.4).
	MaxTokenLength int `json:"max_token_length"` //nolint:tagliatelle

	// TransporterMode selects streaming vs batch transport (§4.6, §9).
	TransporterMode TransporterMode `json:"transporter_mode"` //nolint:tagliatelle

	// HangWatcherThresholdMillis is how long the transporter may go
	// without progress before the hang-watcher logs a warning (§4.6,
	// EXP-3.5). The hang-watcher does not restart the transporter.
	HangWatcherThresholdMillis int `json:"hang_watcher_threshold_millis"` //nolint:tagliatelle

	// CompactorMinorIntervalMillis / CompactorMajorIntervalMillis pace the
	// two compaction schedules (§4.7).
	CompactorMinorIntervalMillis int `json:"compactor_minor_interval_millis"` //nolint:tagliatelle
	CompactorMajorIntervalMillis int `json:"compactor_major_interval_millis"` //nolint:tagliatelle

	// LockGCIntervalMillis paces the LockService's background GC (§4.8).
	LockGCIntervalMillis int `json:"lock_gc_interval_millis"` //nolint:tagliatelle

	// DefaultEnvironment names the environment used when a caller does not
	// specify one (§6: default environment "default").
	DefaultEnvironment string `json:"default_environment"` //nolint:tagliatelle
}

// ConfigFileName is the project-local config file name.
const ConfigFileName = ".concourse.jsonc"

// Default returns the Engine's default configuration (§2.5-§4.7's stated
// defaults: 8 MiB pages, 3% bloom FP rate).
func Default() Config {
	return Config{
		DBDir:                        "segments",
		BufferDir:                    "buffer",
		PageSize:                     8 << 20,
		HighWaterMarkPages:           16,
		BloomFalsePositiveRate:       0.03,
		ManifestStreamingThreshold:   4096,
		MaxTokenLength:               32,
		TransporterMode:              ModeStreaming,
		HangWatcherThresholdMillis:   30_000,
		CompactorMinorIntervalMillis: 60_000,
		CompactorMajorIntervalMillis: 600_000,
		LockGCIntervalMillis:         5_000,
		DefaultEnvironment:           "default",
	}
}

// Sources tracks which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// getGlobalConfigPath mirrors the teacher's own XDG-aware global path
// lookup (root config.go), renamed to this engine's app name.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "concourse", "config.jsonc")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "concourse", "config.jsonc")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "concourse", "config.jsonc")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global config (~/.config/concourse/config.jsonc)
//  3. Project config (<workDir>/.concourse.jsonc, or configPath if given)
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadOptional(getGlobalConfigPath(env))
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectPath := configPath
	mustExist := configPath != ""

	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(workDir, projectPath)
	}

	var projectCfg Config

	if mustExist {
		if _, err := os.Stat(projectPath); err != nil {
			return Config{}, Sources{}, fmt.Errorf("config file not found: %s", configPath)
		}

		projectCfg, _, err = loadFile(projectPath)
		if err != nil {
			return Config{}, Sources{}, err
		}

		sources.Project = projectPath
	} else {
		var loaded bool

		projectCfg, loaded, err = loadOptional(projectPath)
		if err != nil {
			return Config{}, Sources{}, err
		}

		if loaded {
			sources.Project = projectPath
		}
	}

	cfg = merge(cfg, projectCfg)

	if err := validate(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadOptional(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	cfg, err := loadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, "", nil
		}

		return Config{}, "", err
	}

	return cfg, path, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return Config{}, err
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: invalid JSONC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid JSON in %s: %w", path, err)
	}

	return cfg, nil
}

// merge overlays the non-zero fields of overlay onto base.
func merge(base, overlay Config) Config {
	if overlay.DBDir != "" {
		base.DBDir = overlay.DBDir
	}

	if overlay.BufferDir != "" {
		base.BufferDir = overlay.BufferDir
	}

	if overlay.PageSize != 0 {
		base.PageSize = overlay.PageSize
	}

	if overlay.HighWaterMarkPages != 0 {
		base.HighWaterMarkPages = overlay.HighWaterMarkPages
	}

	if overlay.BloomFalsePositiveRate != 0 {
		base.BloomFalsePositiveRate = overlay.BloomFalsePositiveRate
	}

	if overlay.ManifestStreamingThreshold != 0 {
		base.ManifestStreamingThreshold = overlay.ManifestStreamingThreshold
	}

	if overlay.MaxTokenLength != 0 {
		base.MaxTokenLength = overlay.MaxTokenLength
	}

	if overlay.TransporterMode != "" {
		base.TransporterMode = overlay.TransporterMode
	}

	if overlay.HangWatcherThresholdMillis != 0 {
		base.HangWatcherThresholdMillis = overlay.HangWatcherThresholdMillis
	}

	if overlay.CompactorMinorIntervalMillis != 0 {
		base.CompactorMinorIntervalMillis = overlay.CompactorMinorIntervalMillis
	}

	if overlay.CompactorMajorIntervalMillis != 0 {
		base.CompactorMajorIntervalMillis = overlay.CompactorMajorIntervalMillis
	}

	if overlay.LockGCIntervalMillis != 0 {
		base.LockGCIntervalMillis = overlay.LockGCIntervalMillis
	}

	if overlay.DefaultEnvironment != "" {
		base.DefaultEnvironment = overlay.DefaultEnvironment
	}

	return base
}

func validate(cfg Config) error {
	if cfg.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be > 0")
	}

	if cfg.BloomFalsePositiveRate <= 0 || cfg.BloomFalsePositiveRate >= 1 {
		return fmt.Errorf("config: bloom_false_positive_rate must be in (0, 1)")
	}

	if cfg.TransporterMode != ModeStreaming && cfg.TransporterMode != ModeBatch {
		return fmt.Errorf("config: unknown transporter_mode %q", cfg.TransporterMode)
	}

	return nil
}
