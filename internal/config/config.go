package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel          = "gpt-4o-mini"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 1024
	DefaultMaxRetries     = 2
	DefaultStoreDriver    = "sqlite"
	DefaultTick           = "@every 1m"
	DefaultInterval       = "1h"
	DefaultDailyCap       = 8
	DefaultMaintenance    = "@every 6h"
	DefaultReflectProb    = 0.2
	DefaultReflectAfter   = 10
	DefaultReflectGap     = "6h"
	DefaultInsightWindow  = "168h"
	DefaultReflectWindow  = "720h"
	DefaultHistoryLimit   = 8
	DefaultTokenBudget    = 3000
	DefaultBufSize        = 100
	DefaultPromptsFile    = "prompts.yaml"
	DefaultSQLiteFile     = "zendell.db"
	DefaultJobsFile       = "jobs.json"
	DefaultConfigDirName  = ".zendell"
	DefaultConfigFileName = "config.json"
)

type Config struct {
	Workspace   string            `json:"workspace"`
	Provider    ProviderConfig    `json:"provider"`
	Store       StoreConfig       `json:"store"`
	Channels    ChannelsConfig    `json:"channels"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Memory      MemoryConfig      `json:"memory"`
	Prompts     PromptsConfig     `json:"prompts"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	MaxRetries  int     `json:"maxRetries"`
}

type StoreConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default), "postgres" or "memory"
	SQLitePath  string `json:"sqlitePath,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type SchedulerConfig struct {
	Enabled    bool     `json:"enabled"`
	Tick       string   `json:"tick"`
	Interval   string   `json:"interval"`
	DailyCap   int      `json:"dailyCap"`
	AllowUsers []string `json:"allowUsers,omitempty"`
}

type MaintenanceConfig struct {
	Schedule      string  `json:"schedule"`
	Probability   float64 `json:"probability"`
	Threshold     int     `json:"threshold"`
	MinInterval   string  `json:"minInterval"`
	InsightWindow string  `json:"insightWindow"`
}

type MemoryConfig struct {
	HistoryLimit  int    `json:"historyLimit"`
	TokenBudget   int    `json:"tokenBudget"`
	ReflectWindow string `json:"reflectWindow"`
}

type PromptsConfig struct {
	// Path of a YAML file overriding the built-in prompts. Relative paths
	// resolve against the workspace.
	Path string `json:"path,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: filepath.Join(ConfigDir(), "workspace"),
		Provider: ProviderConfig{
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			MaxRetries:  DefaultMaxRetries,
		},
		Store: StoreConfig{
			Driver:     DefaultStoreDriver,
			SQLitePath: filepath.Join(ConfigDir(), DefaultSQLiteFile),
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Tick:     DefaultTick,
			Interval: DefaultInterval,
			DailyCap: DefaultDailyCap,
		},
		Maintenance: MaintenanceConfig{
			Schedule:      DefaultMaintenance,
			Probability:   DefaultReflectProb,
			Threshold:     DefaultReflectAfter,
			MinInterval:   DefaultReflectGap,
			InsightWindow: DefaultInsightWindow,
		},
		Memory: MemoryConfig{
			HistoryLimit:  DefaultHistoryLimit,
			TokenBudget:   DefaultTokenBudget,
			ReflectWindow: DefaultReflectWindow,
		},
		Prompts: PromptsConfig{Path: DefaultPromptsFile},
	}
}

// ConfigDir is $ZENDELL_HOME, or ~/.zendell.
func ConfigDir() string {
	if dir := os.Getenv("ZENDELL_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, DefaultConfigDirName)
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), DefaultConfigFileName)
}

// JobsPath is where the cron runner keeps job state.
func JobsPath() string {
	return filepath.Join(ConfigDir(), "cron", DefaultJobsFile)
}

// PromptsPath resolves the prompts override file against the workspace.
func (c *Config) PromptsPath() string {
	p := strings.TrimSpace(c.Prompts.Path)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("ZENDELL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("ZENDELL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("ZENDELL_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("ZENDELL_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = token
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.PostgresDSN = dsn
		cfg.Store.Driver = "postgres"
	}
	if driver := os.Getenv("ZENDELL_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if path := os.Getenv("ZENDELL_SQLITE_PATH"); path != "" {
		cfg.Store.SQLitePath = path
	}
	if v := os.Getenv("ZENDELL_DAILY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.DailyCap = n
		}
	}
	if v := os.Getenv("ZENDELL_SCHEDULER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = enabled
		}
	}
	if v := os.Getenv("ZENDELL_ALLOW_USERS"); v != "" {
		cfg.Scheduler.AllowUsers = splitList(v)
	}
	if v := os.Getenv("ZENDELL_PROMPTS"); v != "" {
		cfg.Prompts.Path = v
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = def.Store.SQLitePath
	}
	if cfg.Scheduler.Tick == "" {
		cfg.Scheduler.Tick = def.Scheduler.Tick
	}
	if cfg.Scheduler.Interval == "" {
		cfg.Scheduler.Interval = def.Scheduler.Interval
	}
	if cfg.Scheduler.DailyCap <= 0 {
		cfg.Scheduler.DailyCap = def.Scheduler.DailyCap
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = def.Maintenance.Schedule
	}
	if cfg.Maintenance.MinInterval == "" {
		cfg.Maintenance.MinInterval = def.Maintenance.MinInterval
	}
	if cfg.Maintenance.InsightWindow == "" {
		cfg.Maintenance.InsightWindow = def.Maintenance.InsightWindow
	}
	if cfg.Memory.HistoryLimit <= 0 {
		cfg.Memory.HistoryLimit = def.Memory.HistoryLimit
	}
	if cfg.Memory.TokenBudget <= 0 {
		cfg.Memory.TokenBudget = def.Memory.TokenBudget
	}
	if cfg.Memory.ReflectWindow == "" {
		cfg.Memory.ReflectWindow = def.Memory.ReflectWindow
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct{ name, value string }{
		{"scheduler.interval", c.Scheduler.Interval},
		{"maintenance.minInterval", c.Maintenance.MinInterval},
		{"maintenance.insightWindow", c.Maintenance.InsightWindow},
		{"memory.reflectWindow", c.Memory.ReflectWindow},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgresDsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Maintenance.Probability < 0 || c.Maintenance.Probability > 1 {
		errs = append(errs, fmt.Errorf("maintenance.probability: %v not in [0,1]", c.Maintenance.Probability))
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}
	return errors.Join(errs...)
}

// Duration parses a duration setting, returning def when it is empty or
// invalid.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0600)
}
