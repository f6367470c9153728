package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds every build-time-equivalent tunable the original firmware
// fixed via Kconfig. Grounded on the teacher's internal/ticket/config.go
// load/merge/validate shape, generalized to a JWCC (JSON-with-Comments)
// file so operators can annotate a deployed config in place.
type Config struct {
	// RingStore sizing, spec.md §6 "RTC-memory layout".
	CriticalStreamSize    int  `json:"critical_stream_size"`
	NonCriticalStreamSize int  `json:"non_critical_stream_size"`
	WatermarkPercent      int  `json:"watermark_percent"`
	OverwriteOldest       bool `json:"overwrite_oldest"`

	// Registry capacities, spec.md §4.B.
	MaxMetrics   int `json:"max_metrics"`
	MaxVariables int `json:"max_variables"`

	// Reporter adaptive period, spec.md §4.F.
	MinPeriodSeconds int `json:"min_period_seconds"`
	MaxPeriodSeconds int `json:"max_period_seconds"`

	// Wire encoder, spec.md §4.C "Encoding constraints".
	MaxDocumentSize int `json:"max_document_size"`

	// Periodic samplers, spec.md §4.E.
	HeapSampleSeconds int `json:"heap_sample_seconds"`
	WifiSampleSeconds int `json:"wifi_sample_seconds"`

	// LogHook, spec.md §4.D.
	LogSeverity string `json:"log_severity"`

	// Command-gated reboot delay, SPEC_FULL.md §4.4.
	RebootDelaySeconds int `json:"reboot_delay_seconds"`

	// Sources tracks which files contributed to the final value, purely
	// for diagnostics; it is not part of the JSON encoding.
	Sources ConfigSources `json:"-"`
}

// ConfigSources records which config files, if any, were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the configuration the original firmware ships
// with out of the box (its Kconfig defaults).
func DefaultConfig() Config {
	return Config{
		CriticalStreamSize:    4096,
		NonCriticalStreamSize: 2048,
		WatermarkPercent:      80,
		OverwriteOldest:       false,
		MaxMetrics:            32,
		MaxVariables:          32,
		MinPeriodSeconds:      60,
		MaxPeriodSeconds:      960,
		MaxDocumentSize:       4096,
		HeapSampleSeconds:     30,
		WifiSampleSeconds:     30,
		LogSeverity:           "warning",
		RebootDelaySeconds:    5,
	}
}

// ConfigFileName is the default project-level config file name.
const ConfigFileName = ".diagagent.jsonc"

// LoadConfigInput holds the inputs to LoadConfig.
type LoadConfigInput struct {
	// WorkDir is the directory a project-level config file is looked up
	// relative to. Defaults to os.Getwd() when empty.
	WorkDir string
	// ConfigPath is an explicit config file path (-c/--config); if set it
	// is loaded instead of the project-level default location.
	ConfigPath string
	// Env supplies environment variables for global-config resolution,
	// threaded explicitly so tests don't depend on process environment.
	Env map[string]string
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config
// ($XDG_CONFIG_HOME/diagagent/config.jsonc or
// ~/.config/diagagent/config.jsonc), project config file
// (.diagagent.jsonc or an explicit path), in that order. Every file is
// JWCC (JSON With Commas and Comments, via tailscale/hujson) so a
// deployed file can carry operator notes.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	workDir := input.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("agent: resolve working directory: %w", err)
		}
	}

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		loaded, err := loadConfigFile(globalPath)
		if err != nil {
			return Config{}, err
		}
		if loaded != nil {
			cfg = mergeConfig(cfg, *loaded)
			cfg.Sources.Global = globalPath
		}
	}

	projectPath := input.ConfigPath
	if projectPath == "" {
		projectPath = filepath.Join(workDir, ConfigFileName)
	}
	loaded, err := loadConfigFile(projectPath)
	if err != nil {
		return Config{}, err
	}
	if loaded != nil {
		cfg = mergeConfig(cfg, *loaded)
		cfg.Sources.Project = projectPath
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "diagagent", "config.jsonc")
	}
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "diagagent", "config.jsonc")
	}
	return ""
}

// loadConfigFile reads and JWCC-standardizes path, returning nil if the
// file does not exist.
func loadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("agent: read config %q: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("agent: parse config %q: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("agent: decode config %q: %w", path, err)
	}
	return &cfg, nil
}

// mergeConfig overlays every non-zero field of override onto base.
func mergeConfig(base, override Config) Config {
	if override.CriticalStreamSize != 0 {
		base.CriticalStreamSize = override.CriticalStreamSize
	}
	if override.NonCriticalStreamSize != 0 {
		base.NonCriticalStreamSize = override.NonCriticalStreamSize
	}
	if override.WatermarkPercent != 0 {
		base.WatermarkPercent = override.WatermarkPercent
	}
	base.OverwriteOldest = base.OverwriteOldest || override.OverwriteOldest
	if override.MaxMetrics != 0 {
		base.MaxMetrics = override.MaxMetrics
	}
	if override.MaxVariables != 0 {
		base.MaxVariables = override.MaxVariables
	}
	if override.MinPeriodSeconds != 0 {
		base.MinPeriodSeconds = override.MinPeriodSeconds
	}
	if override.MaxPeriodSeconds != 0 {
		base.MaxPeriodSeconds = override.MaxPeriodSeconds
	}
	if override.MaxDocumentSize != 0 {
		base.MaxDocumentSize = override.MaxDocumentSize
	}
	if override.HeapSampleSeconds != 0 {
		base.HeapSampleSeconds = override.HeapSampleSeconds
	}
	if override.WifiSampleSeconds != 0 {
		base.WifiSampleSeconds = override.WifiSampleSeconds
	}
	if override.LogSeverity != "" {
		base.LogSeverity = override.LogSeverity
	}
	if override.RebootDelaySeconds != 0 {
		base.RebootDelaySeconds = override.RebootDelaySeconds
	}
	return base
}

func validateConfig(cfg Config) error {
	if cfg.CriticalStreamSize <= 0 || cfg.NonCriticalStreamSize <= 0 {
		return fmt.Errorf("%w: stream sizes must be positive", ErrInvalidConfig)
	}
	if cfg.MinPeriodSeconds <= 0 || cfg.MaxPeriodSeconds < cfg.MinPeriodSeconds {
		return fmt.Errorf("%w: min_period_seconds must be positive and <= max_period_seconds", ErrInvalidConfig)
	}
	if cfg.MaxMetrics <= 0 || cfg.MaxVariables <= 0 {
		return fmt.Errorf("%w: registry capacities must be positive", ErrInvalidConfig)
	}
	if cfg.MaxDocumentSize <= 0 {
		return fmt.Errorf("%w: max_document_size must be positive", ErrInvalidConfig)
	}
	return nil
}
