package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendSQLite  = "sqlite"
	BackendBrowser = "browser"
	BackendMemory  = "memory"
)

// DefaultReservedStores lists structured stores that are never exported,
// cleared or imported. The engine keeps its own bookkeeping there.
var DefaultReservedStores = []string{"__daydream_profiles"}

// Config holds application configuration.
type Config struct {
	// MaxProfiles is the maximum number of registered identities.
	MaxProfiles int `json:"max_profiles" yaml:"max_profiles"`

	// AllowOverLimit authorizes creating identities past MaxProfiles.
	AllowOverLimit bool `json:"allow_over_limit,omitempty" yaml:"allow_over_limit,omitempty"`

	// OpenTimeoutMs bounds opening a structured store during export.
	OpenTimeoutMs int `json:"open_timeout_ms" yaml:"open_timeout_ms"`

	// DeleteTimeoutMs bounds deleting a structured store before import.
	DeleteTimeoutMs int `json:"delete_timeout_ms" yaml:"delete_timeout_ms"`

	// ImportTimeoutMs bounds one delete+create+replay attempt for a store.
	ImportTimeoutMs int `json:"import_timeout_ms" yaml:"import_timeout_ms"`

	// SettleDelayMs is the pause between clearing live state and repopulating it.
	// Empirical default; tune if a backend reports deletes before they are visible.
	SettleDelayMs int `json:"settle_delay_ms" yaml:"settle_delay_ms"`

	// ImportAttempts is how many times a store import is tried before it is skipped.
	ImportAttempts int `json:"import_attempts" yaml:"import_attempts"`

	// RetryBaseDelayMs is multiplied by the attempt number between import attempts.
	RetryBaseDelayMs int `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`

	// ReservedStores are structured store names excluded from snapshots.
	ReservedStores []string `json:"reserved_stores,omitempty" yaml:"reserved_stores,omitempty"`

	// Backend selects the live environment: "sqlite" (default), "browser" or "memory".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// BrowserControlURL is the DevTools WebSocket URL of a running browser.
	// Empty launches a local headless browser.
	BrowserControlURL string `json:"browser_control_url,omitempty" yaml:"browser_control_url,omitempty"`

	// BrowserPageURL is the origin whose storage the browser backend manages.
	BrowserPageURL string `json:"browser_page_url,omitempty" yaml:"browser_page_url,omitempty"`

	// BrowserStealth opens the managed page with automation fingerprints masked.
	BrowserStealth bool `json:"browser_stealth,omitempty" yaml:"browser_stealth,omitempty"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export files.
	// Paths outside ~/.daydream/exports require either being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty" yaml:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxProfiles:      10,
		OpenTimeoutMs:    5000,
		DeleteTimeoutMs:  5000,
		ImportTimeoutMs:  10000,
		SettleDelayMs:    100,
		ImportAttempts:   3,
		RetryBaseDelayMs: 500,
		ReservedStores:   append([]string(nil), DefaultReservedStores...),
		Backend:          BackendSQLite,
		LogLevel:         "info",
	}
}

// OpenTimeout returns OpenTimeoutMs as a duration.
func (c *Config) OpenTimeout() time.Duration { return ms(c.OpenTimeoutMs) }

// DeleteTimeout returns DeleteTimeoutMs as a duration.
func (c *Config) DeleteTimeout() time.Duration { return ms(c.DeleteTimeoutMs) }

// ImportTimeout returns ImportTimeoutMs as a duration.
func (c *Config) ImportTimeout() time.Duration { return ms(c.ImportTimeoutMs) }

// SettleDelay returns SettleDelayMs as a duration.
func (c *Config) SettleDelay() time.Duration { return ms(c.SettleDelayMs) }

// RetryBaseDelay returns RetryBaseDelayMs as a duration.
func (c *Config) RetryBaseDelay() time.Duration { return ms(c.RetryBaseDelayMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Load loads configuration from baseDir/config.json, falling back to
// baseDir/config.yaml. Returns default config if neither file exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.daydream.
func Load(baseDir string) (*Config, error) {
	configPath := filepath.Join(baseDir, "config.json")
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = filepath.Join(baseDir, "config.yaml")
	}
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// LoadWithRepo loads configuration from both the global (~/.daydream) and a
// project (.daydream) directory found by walking upward from startDir.
// Project config takes precedence for scalar values; arrays are merged.
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := Load(globalDir)
	if err != nil {
		return nil, err
	}

	repoConfigPath := FindRepoConfig(startDir)
	if repoConfigPath == "" {
		return global, nil
	}
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	return Merge(global, repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest
// .daydream/config.json (or config.yaml). Returns "" if none is found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		for _, name := range []string{"config.json", "config.yaml"} {
			configPath := filepath.Join(dir, ".daydream", name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.MaxProfiles = pickInt(overlay.MaxProfiles, base.MaxProfiles)
	result.OpenTimeoutMs = pickInt(overlay.OpenTimeoutMs, base.OpenTimeoutMs)
	result.DeleteTimeoutMs = pickInt(overlay.DeleteTimeoutMs, base.DeleteTimeoutMs)
	result.ImportTimeoutMs = pickInt(overlay.ImportTimeoutMs, base.ImportTimeoutMs)
	result.SettleDelayMs = pickInt(overlay.SettleDelayMs, base.SettleDelayMs)
	result.ImportAttempts = pickInt(overlay.ImportAttempts, base.ImportAttempts)
	result.RetryBaseDelayMs = pickInt(overlay.RetryBaseDelayMs, base.RetryBaseDelayMs)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.Backend = pickString(overlay.Backend, base.Backend)
	result.BrowserControlURL = pickString(overlay.BrowserControlURL, base.BrowserControlURL)
	result.BrowserPageURL = pickString(overlay.BrowserPageURL, base.BrowserPageURL)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)

	// Booleans: overlay wins if true, else base
	result.AllowOverLimit = base.AllowOverLimit || overlay.AllowOverLimit
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths
	result.BrowserStealth = base.BrowserStealth || overlay.BrowserStealth

	// Arrays: merge and deduplicate
	result.ReservedStores = mergeStringSlice(base.ReservedStores, overlay.ReservedStores)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
