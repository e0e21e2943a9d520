// Package config provides configuration management for termflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for termflow.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Injector     InjectorConfig     `mapstructure:"injector"`
	UsageLimit   UsageLimitConfig   `mapstructure:"usageLimit"`
	AutoContinue AutoContinueConfig `mapstructure:"autoContinue"`
	Timer        TimerConfig        `mapstructure:"timer"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file for the message queue and
	// injection history.
	Path string `mapstructure:"path"`

	// UsageLimitStatePath is the JSON file where usage-limit tracker
	// state is persisted between runs.
	UsageLimitStatePath string `mapstructure:"usageLimitStatePath"`
}

// MonitorConfig holds session output monitoring configuration.
type MonitorConfig struct {
	Rows            int `mapstructure:"rows"`            // virtual terminal rows
	Cols            int `mapstructure:"cols"`            // virtual terminal columns
	CheckIntervalMs int `mapstructure:"checkIntervalMs"` // how often to classify terminal state
	WindowChars     int `mapstructure:"windowChars"`     // trailing window size fed to detectors
}

// InjectorConfig holds typing-engine pacing configuration.
// All delays are randomized between their min and max bounds.
type InjectorConfig struct {
	CharDelayMinMs         int `mapstructure:"charDelayMinMs"`
	CharDelayMaxMs         int `mapstructure:"charDelayMaxMs"`
	SubmitDelayMinMs       int `mapstructure:"submitDelayMinMs"`
	SubmitDelayMaxMs       int `mapstructure:"submitDelayMaxMs"`
	SettleDelayMinMs       int `mapstructure:"settleDelayMinMs"`
	SettleDelayMaxMs       int `mapstructure:"settleDelayMaxMs"`
	MaxSafetyCheckAttempts int `mapstructure:"maxSafetyCheckAttempts"`
	SafetyCheckIntervalMs  int `mapstructure:"safetyCheckIntervalMs"`
}

// UsageLimitConfig holds usage-limit tracker configuration.
// The reset-window bounds discard parsed reset times that are too close
// (likely stale output from an already-lifted limit) or too far away.
type UsageLimitConfig struct {
	CooldownMinutes       int `mapstructure:"cooldownMinutes"`
	MinResetWindowMinutes int `mapstructure:"minResetWindowMinutes"`
	MaxResetWindowHours   int `mapstructure:"maxResetWindowHours"`
	AutoDisableHours      int `mapstructure:"autoDisableHours"`
}

// KeywordRule pairs a keyword with the canned response to inject when the
// keyword is seen in a continuation prompt. An empty response means the
// rule only blocks auto-continue without typing anything.
type KeywordRule struct {
	Keyword  string `mapstructure:"keyword" yaml:"keyword" json:"keyword"`
	Response string `mapstructure:"response" yaml:"response" json:"response"`
}

// AutoContinueConfig holds auto-continue and keyword-rule configuration.
type AutoContinueConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	StabilizationDelayMs int           `mapstructure:"stabilizationDelayMs"`
	SettleDelayMs        int           `mapstructure:"settleDelayMs"`
	RetryCooldownSeconds int           `mapstructure:"retryCooldownSeconds"`
	Rules                []KeywordRule `mapstructure:"rules"`

	// RulesFile optionally points to a standalone YAML file with a list of
	// keyword rules; when set it replaces Rules.
	RulesFile string `mapstructure:"rulesFile"`
}

// TimerConfig holds countdown timer configuration.
type TimerConfig struct {
	DefaultHours        int `mapstructure:"defaultHours"`
	DefaultMinutes      int `mapstructure:"defaultMinutes"`
	DefaultSeconds      int `mapstructure:"defaultSeconds"`
	SyncIntervalSeconds int `mapstructure:"syncIntervalSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CheckInterval returns the monitor check interval as a time.Duration.
func (m *MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalMs) * time.Millisecond
}

// Cooldown returns the detection cooldown as a time.Duration.
func (u *UsageLimitConfig) Cooldown() time.Duration {
	return time.Duration(u.CooldownMinutes) * time.Minute
}

// MinResetWindow returns the minimum accepted distance to a reset time.
func (u *UsageLimitConfig) MinResetWindow() time.Duration {
	return time.Duration(u.MinResetWindowMinutes) * time.Minute
}

// MaxResetWindow returns the maximum accepted distance to a reset time.
func (u *UsageLimitConfig) MaxResetWindow() time.Duration {
	return time.Duration(u.MaxResetWindowHours) * time.Hour
}

// AutoDisableWindow returns the staleness window after which detection
// suppresses itself until a new manual cycle.
func (u *UsageLimitConfig) AutoDisableWindow() time.Duration {
	return time.Duration(u.AutoDisableHours) * time.Hour
}

// StabilizationDelay returns the delay before responding to a prompt.
func (a *AutoContinueConfig) StabilizationDelay() time.Duration {
	return time.Duration(a.StabilizationDelayMs) * time.Millisecond
}

// SettleDelay returns the delay before a keyword block is released.
func (a *AutoContinueConfig) SettleDelay() time.Duration {
	return time.Duration(a.SettleDelayMs) * time.Millisecond
}

// RetryCooldown returns the re-arm cooldown for auto-continue.
func (a *AutoContinueConfig) RetryCooldown() time.Duration {
	return time.Duration(a.RetryCooldownSeconds) * time.Second
}

// SyncInterval returns how often a synced timer recomputes its remaining time.
func (t *TimerConfig) SyncInterval() time.Duration {
	return time.Duration(t.SyncIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TERMFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "termflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("storage.path", "~/.termflow/termflow.db")
	v.SetDefault("storage.usageLimitStatePath", "~/.termflow/usage-limit.json")

	// Monitor defaults
	v.SetDefault("monitor.rows", 24)
	v.SetDefault("monitor.cols", 80)
	v.SetDefault("monitor.checkIntervalMs", 100)
	v.SetDefault("monitor.windowChars", 2000)

	// Injector pacing defaults
	v.SetDefault("injector.charDelayMinMs", 15)
	v.SetDefault("injector.charDelayMaxMs", 60)
	v.SetDefault("injector.submitDelayMinMs", 200)
	v.SetDefault("injector.submitDelayMaxMs", 600)
	v.SetDefault("injector.settleDelayMinMs", 300)
	v.SetDefault("injector.settleDelayMaxMs", 900)
	v.SetDefault("injector.maxSafetyCheckAttempts", 30)
	v.SetDefault("injector.safetyCheckIntervalMs", 1000)

	// Usage limit defaults
	v.SetDefault("usageLimit.cooldownMinutes", 30)
	v.SetDefault("usageLimit.minResetWindowMinutes", 2)
	v.SetDefault("usageLimit.maxResetWindowHours", 5)
	v.SetDefault("usageLimit.autoDisableHours", 5)

	// Auto-continue defaults
	v.SetDefault("autoContinue.enabled", false)
	v.SetDefault("autoContinue.stabilizationDelayMs", 1500)
	v.SetDefault("autoContinue.settleDelayMs", 5000)
	v.SetDefault("autoContinue.retryCooldownSeconds", 30)
	v.SetDefault("autoContinue.rulesFile", "")

	// Timer defaults
	v.SetDefault("timer.defaultHours", 0)
	v.SetDefault("timer.defaultMinutes", 5)
	v.SetDefault("timer.defaultSeconds", 0)
	v.SetDefault("timer.syncIntervalSeconds", 5)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TERMFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/termflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TERMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/termflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.AutoContinue.RulesFile != "" {
		rules, err := LoadKeywordRules(cfg.AutoContinue.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("error loading keyword rules: %w", err)
		}
		cfg.AutoContinue.Rules = rules
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadKeywordRules reads an ordered keyword rule list from a YAML file.
func LoadKeywordRules(path string) ([]KeywordRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []KeywordRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	for i, r := range rules {
		if strings.TrimSpace(r.Keyword) == "" {
			return nil, fmt.Errorf("rule %d has an empty keyword", i)
		}
	}
	return rules, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Monitor.Rows <= 0 || cfg.Monitor.Cols <= 0 {
		errs = append(errs, "monitor.rows and monitor.cols must be positive")
	}
	if cfg.Monitor.CheckIntervalMs <= 0 {
		errs = append(errs, "monitor.checkIntervalMs must be positive")
	}
	if cfg.Monitor.WindowChars <= 0 {
		errs = append(errs, "monitor.windowChars must be positive")
	}

	if cfg.Injector.CharDelayMinMs < 0 || cfg.Injector.CharDelayMaxMs < cfg.Injector.CharDelayMinMs {
		errs = append(errs, "injector.charDelayMinMs/MaxMs must satisfy 0 <= min <= max")
	}
	if cfg.Injector.SubmitDelayMinMs < 0 || cfg.Injector.SubmitDelayMaxMs < cfg.Injector.SubmitDelayMinMs {
		errs = append(errs, "injector.submitDelayMinMs/MaxMs must satisfy 0 <= min <= max")
	}
	if cfg.Injector.SettleDelayMinMs < 0 || cfg.Injector.SettleDelayMaxMs < cfg.Injector.SettleDelayMinMs {
		errs = append(errs, "injector.settleDelayMinMs/MaxMs must satisfy 0 <= min <= max")
	}
	if cfg.Injector.MaxSafetyCheckAttempts <= 0 {
		errs = append(errs, "injector.maxSafetyCheckAttempts must be positive")
	}
	if cfg.Injector.SafetyCheckIntervalMs <= 0 {
		errs = append(errs, "injector.safetyCheckIntervalMs must be positive")
	}

	if cfg.UsageLimit.CooldownMinutes <= 0 {
		errs = append(errs, "usageLimit.cooldownMinutes must be positive")
	}
	if cfg.UsageLimit.MinResetWindowMinutes < 0 {
		errs = append(errs, "usageLimit.minResetWindowMinutes must not be negative")
	}
	if cfg.UsageLimit.MaxResetWindowHours <= 0 {
		errs = append(errs, "usageLimit.maxResetWindowHours must be positive")
	}
	if cfg.UsageLimit.AutoDisableHours <= 0 {
		errs = append(errs, "usageLimit.autoDisableHours must be positive")
	}

	if cfg.Timer.DefaultHours < 0 || cfg.Timer.DefaultMinutes < 0 || cfg.Timer.DefaultSeconds < 0 {
		errs = append(errs, "timer defaults must not be negative")
	}
	if cfg.Timer.SyncIntervalSeconds <= 0 {
		errs = append(errs, "timer.syncIntervalSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
