// Package config loads the hierarchical configuration (defaults -> file ->
// environment overrides) described in spec §6, validating the file against
// a JSON Schema before env overrides are layered on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment selects the deployment posture (spec §6 "environment" group).
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// LogFormat selects the logging handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// Server holds the "server" config group.
type Server struct {
	BindHost      string        `mapstructure:"bind_host"`
	Port          int           `mapstructure:"port"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	LogFormat     LogFormat     `mapstructure:"log_format"`
}

// Inference holds the "inference" config group.
type Inference struct {
	BackendURL    string        `mapstructure:"backend_url"`
	DefaultModel  string        `mapstructure:"default_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	PromptBudget  int           `mapstructure:"prompt_budget_tokens"`
}

// Cache holds the "cache" config group.
type Cache struct {
	TTLShort      time.Duration `mapstructure:"ttl_short"`
	TTLMedium     time.Duration `mapstructure:"ttl_medium"`
	TTLLong       time.Duration `mapstructure:"ttl_long"`
	TTLLlmDynamic time.Duration `mapstructure:"ttl_llm_dynamic"`
	TTLLlmStable  time.Duration `mapstructure:"ttl_llm_stable"`
	L1MaxEntries  int           `mapstructure:"l1_max_entries"`
	L2Path        string        `mapstructure:"l2_path"`
}

// Credential maps a stored digest to the UserId it authenticates.
type Credential struct {
	UserID string `mapstructure:"user_id"`
	Digest string `mapstructure:"digest"`
}

// Security holds the "security" config group.
type Security struct {
	Credentials  []Credential  `mapstructure:"credentials"`
	RateLimitRPM int           `mapstructure:"rate_limit_rpm"`
	RateLimitBurst int         `mapstructure:"rate_limit_burst"`
	MinTLSVersion string      `mapstructure:"min_tls_version"`
	WebhookSecret string      `mapstructure:"webhook_secret"`
}

// DegradedMode holds the "degraded_mode" config group.
type DegradedMode struct {
	Enabled          bool          `mapstructure:"enabled"`
	CannedMessage    string        `mapstructure:"canned_message"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// Memory holds the "memory" config group.
type Memory struct {
	Enabled         bool    `mapstructure:"enabled"`
	RAGLimit        int     `mapstructure:"rag_limit"`
	RAGThreshold    float64 `mapstructure:"rag_threshold"`
	MergeThreshold  float64 `mapstructure:"merge_threshold"`
	DecayFactor     float64 `mapstructure:"decay_factor"`
	MinImportance   float64 `mapstructure:"min_importance"`
	EncryptionKeyPath string `mapstructure:"encryption_key_path"`
	FreshInstall    bool    `mapstructure:"fresh_install"`
}

// Reminder holds the "reminder" config group.
type Reminder struct {
	MaxSnooze       int           `mapstructure:"max_snooze"`
	DefaultSnooze   time.Duration `mapstructure:"default_snooze"`
	CalDAVLeadTime  time.Duration `mapstructure:"caldav_lead_time"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	BriefingTime    string        `mapstructure:"briefing_time"` // "HH:MM", local wall clock
	MaxDispatchAttempts int       `mapstructure:"max_dispatch_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

// Approval holds the "approval" config group.
type Approval struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Config is the fully merged, typed configuration.
type Config struct {
	Environment  Environment  `mapstructure:"environment"`
	Server       Server       `mapstructure:"server"`
	Inference    Inference    `mapstructure:"inference"`
	Cache        Cache        `mapstructure:"cache"`
	Security     Security     `mapstructure:"security"`
	DegradedMode DegradedMode `mapstructure:"degraded_mode"`
	Memory       Memory       `mapstructure:"memory"`
	Reminder     Reminder     `mapstructure:"reminder"`
	Approval     Approval     `mapstructure:"approval"`
	StoragePath  string       `mapstructure:"storage_path"`
}

// Defaults returns the built-in baseline merged before any file or env input.
func Defaults() Config {
	return Config{
		Environment: Development,
		Server: Server{
			BindHost:      "127.0.0.1",
			Port:          8080,
			ShutdownGrace: 10 * time.Second,
			LogFormat:     LogText,
		},
		Inference: Inference{
			BackendURL:   "http://127.0.0.1:11434",
			DefaultModel: "llama3",
			Timeout:      30 * time.Second,
			Temperature:  0.7,
			MaxTokens:    1024,
			PromptBudget: 6000,
		},
		Cache: Cache{
			TTLShort:      30 * time.Second,
			TTLMedium:     5 * time.Minute,
			TTLLong:       time.Hour,
			TTLLlmDynamic: 2 * time.Minute,
			TTLLlmStable:  24 * time.Hour,
			L1MaxEntries:  10_000,
			L2Path:        "./data/cache.db",
		},
		Security: Security{
			RateLimitRPM:   60,
			RateLimitBurst: 10,
			MinTLSVersion:  "1.2",
		},
		DegradedMode: DegradedMode{
			Enabled:          true,
			CannedMessage:    "I'm temporarily unable to reach the model backend. Please try again shortly.",
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
		},
		Memory: Memory{
			Enabled:           true,
			RAGLimit:          5,
			RAGThreshold:      0.5,
			MergeThreshold:    0.85,
			DecayFactor:       0.98,
			MinImportance:     0.05,
			EncryptionKeyPath: "./data/memory.key",
		},
		Reminder: Reminder{
			MaxSnooze:           5,
			DefaultSnooze:       10 * time.Minute,
			CalDAVLeadTime:      30 * time.Minute,
			TickInterval:        60 * time.Second,
			SyncInterval:        15 * time.Minute,
			BriefingTime:        "07:30",
			MaxDispatchAttempts: 3,
			RetryBackoff:        time.Minute,
		},
		Approval: Approval{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
			MaxAttempts:   5,
		},
		StoragePath: "./data/halcyon.db",
	}
}

// Load merges defaults, an optional file at path, and environment overrides
// prefixed HALCYON_ (nested keys joined by underscore, per viper convention),
// then validates the file layer (if present) against Schema before the
// merge completes.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Defaults()
	applyDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := ValidateFile(v.AllSettings()); err != nil {
			return Config{}, fmt.Errorf("config file failed schema validation: %w", err)
		}
	}

	v.SetEnvPrefix("HALCYON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Environment == Production {
		enforceProductionPosture(&cfg)
	}
	return cfg, nil
}

// enforceProductionPosture implements spec §6: production enforces JSON
// logs, credential-digest-only auth, and TLS verification unless an
// explicit override is set. Credentials are already digest-only by
// construction (Security.Credentials only ever holds digests), so this only
// needs to pin the log format and TLS version floor.
func enforceProductionPosture(cfg *Config) {
	cfg.Server.LogFormat = LogJSON
	if cfg.Security.MinTLSVersion == "" {
		cfg.Security.MinTLSVersion = "1.2"
	}
}

func applyDefaults(v *viper.Viper, def Config) {
	v.SetDefault("environment", def.Environment)
	v.SetDefault("server.bind_host", def.Server.BindHost)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.shutdown_grace", def.Server.ShutdownGrace)
	v.SetDefault("server.log_format", def.Server.LogFormat)
	v.SetDefault("inference.backend_url", def.Inference.BackendURL)
	v.SetDefault("inference.default_model", def.Inference.DefaultModel)
	v.SetDefault("inference.timeout", def.Inference.Timeout)
	v.SetDefault("inference.temperature", def.Inference.Temperature)
	v.SetDefault("inference.max_tokens", def.Inference.MaxTokens)
	v.SetDefault("inference.prompt_budget_tokens", def.Inference.PromptBudget)
	v.SetDefault("cache.ttl_short", def.Cache.TTLShort)
	v.SetDefault("cache.ttl_medium", def.Cache.TTLMedium)
	v.SetDefault("cache.ttl_long", def.Cache.TTLLong)
	v.SetDefault("cache.ttl_llm_dynamic", def.Cache.TTLLlmDynamic)
	v.SetDefault("cache.ttl_llm_stable", def.Cache.TTLLlmStable)
	v.SetDefault("cache.l1_max_entries", def.Cache.L1MaxEntries)
	v.SetDefault("cache.l2_path", def.Cache.L2Path)
	v.SetDefault("security.rate_limit_rpm", def.Security.RateLimitRPM)
	v.SetDefault("security.rate_limit_burst", def.Security.RateLimitBurst)
	v.SetDefault("security.min_tls_version", def.Security.MinTLSVersion)
	v.SetDefault("degraded_mode.enabled", def.DegradedMode.Enabled)
	v.SetDefault("degraded_mode.canned_message", def.DegradedMode.CannedMessage)
	v.SetDefault("degraded_mode.failure_threshold", def.DegradedMode.FailureThreshold)
	v.SetDefault("degraded_mode.success_threshold", def.DegradedMode.SuccessThreshold)
	v.SetDefault("degraded_mode.cooldown", def.DegradedMode.Cooldown)
	v.SetDefault("memory.enabled", def.Memory.Enabled)
	v.SetDefault("memory.rag_limit", def.Memory.RAGLimit)
	v.SetDefault("memory.rag_threshold", def.Memory.RAGThreshold)
	v.SetDefault("memory.merge_threshold", def.Memory.MergeThreshold)
	v.SetDefault("memory.decay_factor", def.Memory.DecayFactor)
	v.SetDefault("memory.min_importance", def.Memory.MinImportance)
	v.SetDefault("memory.encryption_key_path", def.Memory.EncryptionKeyPath)
	v.SetDefault("reminder.max_snooze", def.Reminder.MaxSnooze)
	v.SetDefault("reminder.default_snooze", def.Reminder.DefaultSnooze)
	v.SetDefault("reminder.caldav_lead_time", def.Reminder.CalDAVLeadTime)
	v.SetDefault("reminder.tick_interval", def.Reminder.TickInterval)
	v.SetDefault("reminder.sync_interval", def.Reminder.SyncInterval)
	v.SetDefault("reminder.briefing_time", def.Reminder.BriefingTime)
	v.SetDefault("reminder.max_dispatch_attempts", def.Reminder.MaxDispatchAttempts)
	v.SetDefault("reminder.retry_backoff", def.Reminder.RetryBackoff)
	v.SetDefault("approval.ttl", def.Approval.TTL)
	v.SetDefault("approval.sweep_interval", def.Approval.SweepInterval)
	v.SetDefault("approval.max_attempts", def.Approval.MaxAttempts)
	v.SetDefault("storage_path", def.StoragePath)
}
