// Package config provides configuration management for the memory service.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Default network settings.
const (
	DefaultPort = 3001
	DefaultHost = "0.0.0.0"
)

// Config holds the application configuration, populated by Default() and
// then overlaid by environment variables (spec §6's env var list) and,
// optionally, a local settings.yaml overlay.
type Config struct {
	Port     int
	Host     string
	APIKeys  []string // parsed from API_KEY (CSV)
	AllowedOrigins []string

	DBPath string

	EmbeddingCacheSize int
	EmbeddingCacheTTLMs int64

	MinSimilarityThreshold float64
	MaxAgeDays             int

	ScreenCaptureIntervalMs    int64
	ScreenCaptureIdleTimeoutMs int64
	ScreenCaptureDiffThreshold float64
	MonitorScreenOCR           bool
	MonitorUserID              string

	RetentionEnabled           bool
	RetentionMaxDays           int
	RetentionPurgeDays         int
	RetentionCheckIntervalHours int
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.thinkdrop).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".thinkdrop")
}

// DBPath returns the default database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "user_memory.db")
}

// SkillsSandboxDir returns the per-user skills sandbox directory that
// InstalledSkill.execPath must resolve inside of (invariant 6).
func SkillsSandboxDir() string {
	return filepath.Join(DataDir(), "skills")
}

// SettingsPath returns the optional YAML settings overlay file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory (and skills sandbox) if absent.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0700); err != nil {
		return err
	}
	return os.MkdirAll(SkillsSandboxDir(), 0700)
}

// Default returns a Config populated with the defaults named in spec §6/§4.
func Default() *Config {
	return &Config{
		Port:    DefaultPort,
		Host:    DefaultHost,
		DBPath:  DBPath(),

		EmbeddingCacheSize:  1000,
		EmbeddingCacheTTLMs: 24 * 60 * 60 * 1000,

		MinSimilarityThreshold: 0.3,
		MaxAgeDays:             30,

		ScreenCaptureIntervalMs:    10000,
		ScreenCaptureIdleTimeoutMs: 300000,
		ScreenCaptureDiffThreshold: 0.15,
		MonitorScreenOCR:           false,
		MonitorUserID:              "default_user",

		RetentionEnabled:            true,
		RetentionMaxDays:            1825,
		RetentionPurgeDays:          365,
		RetentionCheckIntervalHours: 24,
	}
}

// yamlOverlay is the shape of the optional settings.yaml file; any field
// left unset keeps its Default() value.
type yamlOverlay struct {
	Port                        *int     `yaml:"port"`
	Host                        *string  `yaml:"host"`
	DBPath                      *string  `yaml:"db_path"`
	EmbeddingCacheSize          *int     `yaml:"embedding_cache_size"`
	EmbeddingCacheTTLMs         *int64   `yaml:"embedding_cache_ttl_ms"`
	MinSimilarityThreshold      *float64 `yaml:"min_similarity_threshold"`
	MaxAgeDays                  *int     `yaml:"max_age_days"`
	RetentionEnabled            *bool    `yaml:"retention_enabled"`
	RetentionMaxDays            *int     `yaml:"retention_max_days"`
	RetentionPurgeDays          *int     `yaml:"retention_purge_days"`
	RetentionCheckIntervalHours *int     `yaml:"retention_check_interval_hours"`
}

// Load builds a Config from Default(), an optional settings.yaml overlay,
// then environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var overlay yamlOverlay
		if yaml.Unmarshal(data, &overlay) == nil {
			applyYAML(cfg, overlay)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyYAML(cfg *Config, o yamlOverlay) {
	if o.Port != nil {
		cfg.Port = *o.Port
	}
	if o.Host != nil {
		cfg.Host = *o.Host
	}
	if o.DBPath != nil {
		cfg.DBPath = *o.DBPath
	}
	if o.EmbeddingCacheSize != nil {
		cfg.EmbeddingCacheSize = *o.EmbeddingCacheSize
	}
	if o.EmbeddingCacheTTLMs != nil {
		cfg.EmbeddingCacheTTLMs = *o.EmbeddingCacheTTLMs
	}
	if o.MinSimilarityThreshold != nil {
		cfg.MinSimilarityThreshold = *o.MinSimilarityThreshold
	}
	if o.MaxAgeDays != nil {
		cfg.MaxAgeDays = *o.MaxAgeDays
	}
	if o.RetentionEnabled != nil {
		cfg.RetentionEnabled = *o.RetentionEnabled
	}
	if o.RetentionMaxDays != nil {
		cfg.RetentionMaxDays = *o.RetentionMaxDays
	}
	if o.RetentionPurgeDays != nil {
		cfg.RetentionPurgeDays = *o.RetentionPurgeDays
	}
	if o.RetentionCheckIntervalHours != nil {
		cfg.RetentionCheckIntervalHours = *o.RetentionCheckIntervalHours
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKeys = splitTrim(v)
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitTrim(v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := envInt("EMBEDDING_CACHE_SIZE"); v != nil {
		cfg.EmbeddingCacheSize = *v
	}
	if v := envInt64("EMBEDDING_CACHE_TTL"); v != nil {
		cfg.EmbeddingCacheTTLMs = *v
	}
	if v := envFloat("MIN_SIMILARITY_THRESHOLD"); v != nil {
		cfg.MinSimilarityThreshold = *v
	}
	if v := envInt("MAX_AGE_DAYS"); v != nil {
		cfg.MaxAgeDays = *v
	}
	if v := envInt64("SCREEN_CAPTURE_INTERVAL"); v != nil {
		cfg.ScreenCaptureIntervalMs = *v
	}
	if v := envInt64("SCREEN_CAPTURE_IDLE_TIMEOUT"); v != nil {
		cfg.ScreenCaptureIdleTimeoutMs = *v
	}
	if v := envFloat("SCREEN_CAPTURE_DIFF_THRESHOLD"); v != nil {
		cfg.ScreenCaptureDiffThreshold = *v
	}
	if v := envBool("MONITOR_SCREEN_OCR"); v != nil {
		cfg.MonitorScreenOCR = *v
	}
	if v := os.Getenv("MONITOR_USER_ID"); v != "" {
		cfg.MonitorUserID = v
	}
	if v := envBool("RETENTION_ENABLED"); v != nil {
		cfg.RetentionEnabled = *v
	}
	if v := envInt("RETENTION_MAX_DAYS"); v != nil {
		cfg.RetentionMaxDays = *v
	}
	if v := envInt("RETENTION_PURGE_DAYS"); v != nil {
		cfg.RetentionPurgeDays = *v
	}
	if v := envInt("RETENTION_CHECK_INTERVAL_HOURS"); v != nil {
		cfg.RetentionCheckIntervalHours = *v
	}
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envInt64(key string) *int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envBool(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Get returns the global configuration, loading it once on first use.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
