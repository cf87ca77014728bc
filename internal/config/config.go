// Package config provides configuration management for the proxy server.
// Settings are loaded from a YAML file with environment variable overrides;
// optional fields use pointer types with accessor methods carrying the
// documented defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultPort                  = 8787
	DefaultUpstreamBaseURL       = "https://api.anthropic.com"
	DefaultRequestTimeoutSeconds = 300
	DefaultMaxBodyBytes          = 10 << 20 // 10 MiB
	DefaultDriftCheckInterval    = 3
	DefaultMaxEscalations        = 3
	DefaultScorerTimeoutSeconds  = 15
	DefaultTokenWarningThreshold = 140000
	DefaultTokenClearThreshold   = 160000
	DefaultStepWindow            = 10
)

// Config represents the proxy's configuration, loaded from a YAML file.
type Config struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port"`

	// UpstreamBaseURL is the base URL of the upstream messages API.
	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`

	// RequestTimeoutSeconds bounds the wait for upstream response headers.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// MaxBodyBytes limits inbound request body size. 0 means default.
	MaxBodyBytes int64 `yaml:"max-body-bytes" json:"max-body-bytes"`

	// Debug enables verbose logging and Gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// MetricsEnabled toggles Prometheus collection. nil means enabled.
	MetricsEnabled *bool `yaml:"metrics-enabled,omitempty" json:"metrics-enabled,omitempty"`

	// LoggingLevel selects the logrus level (trace..panic). Empty means info.
	LoggingLevel string `yaml:"logging-level" json:"logging-level"`

	// LogFile duplicates logs to a rotated file when set.
	LogFile string `yaml:"log-file" json:"log-file"`

	// Drift configures the drift checking engine.
	Drift DriftConfig `yaml:"drift" json:"drift"`

	// Tokens configures token accounting thresholds.
	Tokens TokenConfig `yaml:"tokens" json:"tokens"`

	// Memory configures the external memory-fetch collaborator.
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// TaskStore configures the local SQLite fact source.
	TaskStore TaskStoreConfig `yaml:"task-store" json:"task-store"`
}

// DriftConfig holds drift checker configuration.
type DriftConfig struct {
	// CheckInterval runs a drift check every N modifying steps.
	// nil means default (3).
	CheckInterval *int `yaml:"check-interval,omitempty" json:"check-interval,omitempty"`

	// MaxEscalations caps the escalation counter. nil means default (3).
	MaxEscalations *int `yaml:"max-escalations,omitempty" json:"max-escalations,omitempty"`

	// ScorerModel is the model used for drift scoring and forced recovery.
	ScorerModel string `yaml:"scorer-model,omitempty" json:"scorer-model,omitempty"`

	// ScorerTimeoutSeconds bounds each scorer call. nil means default (15).
	ScorerTimeoutSeconds *int `yaml:"scorer-timeout-seconds,omitempty" json:"scorer-timeout-seconds,omitempty"`

	// StepWindow is how many recent steps feed a drift check. nil means 10.
	StepWindow *int `yaml:"step-window,omitempty" json:"step-window,omitempty"`
}

// TokenConfig holds token accounting thresholds.
type TokenConfig struct {
	// WarningThreshold logs a warning when a session crosses it.
	// nil means default (140000).
	WarningThreshold *int `yaml:"warning-threshold,omitempty" json:"warning-threshold,omitempty"`

	// ClearThreshold triggers the wipe-and-summarize stage when a clear
	// summary is queued. nil means default (160000).
	ClearThreshold *int `yaml:"clear-threshold,omitempty" json:"clear-threshold,omitempty"`
}

// MemoryConfig holds the external memory service client configuration.
type MemoryConfig struct {
	// BaseURL of the memory-fetch API. Empty disables memory injection.
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// APIKey authenticates against the memory service.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`

	// TimeoutSeconds bounds each fetch. nil means default (10).
	TimeoutSeconds *int `yaml:"timeout-seconds,omitempty" json:"timeout-seconds,omitempty"`
}

// TaskStoreConfig locates the local SQLite task store.
type TaskStoreConfig struct {
	// Path to the SQLite database file. Empty disables the fact source.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// GetCheckInterval returns the drift check interval, defaulting to 3.
func (c *DriftConfig) GetCheckInterval() int {
	if c == nil || c.CheckInterval == nil || *c.CheckInterval <= 0 {
		return DefaultDriftCheckInterval
	}
	return *c.CheckInterval
}

// GetMaxEscalations returns the escalation ceiling, defaulting to 3.
func (c *DriftConfig) GetMaxEscalations() int {
	if c == nil || c.MaxEscalations == nil || *c.MaxEscalations <= 0 {
		return DefaultMaxEscalations
	}
	return *c.MaxEscalations
}

// GetScorerTimeout returns the scorer call timeout, defaulting to 15s.
func (c *DriftConfig) GetScorerTimeout() time.Duration {
	if c == nil || c.ScorerTimeoutSeconds == nil || *c.ScorerTimeoutSeconds <= 0 {
		return DefaultScorerTimeoutSeconds * time.Second
	}
	return time.Duration(*c.ScorerTimeoutSeconds) * time.Second
}

// GetStepWindow returns the drift step window, defaulting to 10.
func (c *DriftConfig) GetStepWindow() int {
	if c == nil || c.StepWindow == nil || *c.StepWindow <= 0 {
		return DefaultStepWindow
	}
	return *c.StepWindow
}

// GetWarningThreshold returns the token warning threshold, defaulting to 140000.
func (c *TokenConfig) GetWarningThreshold() int {
	if c == nil || c.WarningThreshold == nil || *c.WarningThreshold <= 0 {
		return DefaultTokenWarningThreshold
	}
	return *c.WarningThreshold
}

// GetClearThreshold returns the token clear threshold, defaulting to 160000.
func (c *TokenConfig) GetClearThreshold() int {
	if c == nil || c.ClearThreshold == nil || *c.ClearThreshold <= 0 {
		return DefaultTokenClearThreshold
	}
	return *c.ClearThreshold
}

// GetTimeout returns the memory fetch timeout, defaulting to 10s.
func (c *MemoryConfig) GetTimeout() time.Duration {
	if c == nil || c.TimeoutSeconds == nil || *c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(*c.TimeoutSeconds) * time.Second
}

// GetRequestTimeout returns the upstream response-header timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// IsMetricsEnabled reports whether Prometheus collection is on. Defaults to
// true when the field is absent.
func (c *Config) IsMetricsEnabled() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// GetMaxBodyBytes returns the inbound body size limit.
func (c *Config) GetMaxBodyBytes() int64 {
	if c.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return c.MaxBodyBytes
}

// ListenAddr returns the host:port string for the HTTP server.
func (c *Config) ListenAddr() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Default returns a configuration populated with documented defaults.
func Default() *Config {
	return &Config{
		Port:                  DefaultPort,
		UpstreamBaseURL:       DefaultUpstreamBaseURL,
		RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		MaxBodyBytes:          DefaultMaxBodyBytes,
		LoggingLevel:          "info",
	}
}

// Load reads the YAML file at path and applies environment overrides.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = DefaultUpstreamBaseURL
	}
	cfg.UpstreamBaseURL = strings.TrimRight(cfg.UpstreamBaseURL, "/")
	return cfg, nil
}

// applyEnvOverrides lets operators override the file without editing it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STEERSMAN_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("STEERSMAN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Port = n
		}
	}
	if v := os.Getenv("STEERSMAN_UPSTREAM_BASE_URL"); v != "" {
		c.UpstreamBaseURL = v
	}
	if v := os.Getenv("STEERSMAN_LOG_LEVEL"); v != "" {
		c.LoggingLevel = v
	}
	if v := os.Getenv("STEERSMAN_DEBUG"); v != "" {
		c.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("STEERSMAN_MEMORY_BASE_URL"); v != "" {
		c.Memory.BaseURL = v
	}
	if v := os.Getenv("STEERSMAN_MEMORY_API_KEY"); v != "" {
		c.Memory.APIKey = v
	}
	if v := os.Getenv("STEERSMAN_TASK_STORE"); v != "" {
		c.TaskStore.Path = v
	}
	if v := os.Getenv("STEERSMAN_SCORER_MODEL"); v != "" {
		c.Drift.ScorerModel = v
	}
}
