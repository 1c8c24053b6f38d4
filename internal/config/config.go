package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Backend struct {
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		CardKind string        `yaml:"card_kind"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"backend"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Schedule struct {
		SyncCron       string `yaml:"sync_cron"`
		ProductionCron string `yaml:"production_cron"`
		VerifyCron     string `yaml:"verify_cron"`
	} `yaml:"schedule"`
	Queue struct {
		InterItemDelay time.Duration `yaml:"inter_item_delay"`
	} `yaml:"queue"`
	Actions struct {
		StatusInterval  time.Duration `yaml:"status_interval"`
		ExecuteInterval time.Duration `yaml:"execute_interval"`
		WaitWindow      time.Duration `yaml:"wait_window"`
		SettleDelay     time.Duration `yaml:"settle_delay"`
		MaxDuration     time.Duration `yaml:"max_duration"`
	} `yaml:"actions"`
	Lifecycle struct {
		HoldRemovalDelay time.Duration `yaml:"hold_removal_delay"`
	} `yaml:"lifecycle"`
	Capacity struct {
		MaxCards int `yaml:"max_cards"`
	} `yaml:"capacity"`
	Verification struct {
		PriceTolerancePercent float64 `yaml:"price_tolerance_percent"`
	} `yaml:"verification"`
	History struct {
		StateFile    string `yaml:"state_file"`
		MaxEntries   int    `yaml:"max_entries"`
		AggregateMax int    `yaml:"aggregate_max"`
	} `yaml:"history"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "configs/config.yaml"

// Path returns the config file location.
func Path() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads config from a YAML file, loads .env when present, then applies
// environment variable overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// A missing .env is fine; variables already set in the process win.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Backend.BaseURL, "BACKEND_BASE_URL")
	setString(&c.Backend.APIKey, "BACKEND_API_KEY")
	setString(&c.Backend.CardKind, "CARD_KIND")
	setString(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&c.Schedule.SyncCron, "CRON_SYNC")
	setString(&c.Schedule.ProductionCron, "CRON_PRODUCTION")
	setString(&c.Schedule.VerifyCron, "CRON_VERIFY")
	setString(&c.History.StateFile, "HISTORY_FILE")
	setString(&c.Database.SQLitePath, "SQLITE_PATH")
	setString(&c.Server.HTTPAddr, "HTTP_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Proxy, "HTTPS_PROXY")

	if v := os.Getenv("MAX_CARDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CARDS: %w", err)
		}
		c.Capacity.MaxCards = n
	}
	if v := os.Getenv("PRICE_TOLERANCE_PERCENT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PRICE_TOLERANCE_PERCENT: %w", err)
		}
		c.Verification.PriceTolerancePercent = f
	}
	if v := os.Getenv("ACTION_WAIT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ACTION_WAIT_WINDOW: %w", err)
		}
		c.Actions.WaitWindow = d
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, d time.Duration) {
	if *dst == 0 {
		*dst = d
	}
}

func (c *Config) applyDefaults() {
	if c.Backend.CardKind == "" {
		c.Backend.CardKind = "trading"
	}
	setDuration(&c.Backend.Timeout, 30*time.Second)
	if c.Schedule.SyncCron == "" {
		c.Schedule.SyncCron = "@every 10s"
	}
	if c.Schedule.ProductionCron == "" {
		c.Schedule.ProductionCron = "0 */5 * * * *"
	}
	if c.Schedule.VerifyCron == "" {
		c.Schedule.VerifyCron = "@every 30s"
	}
	setDuration(&c.Queue.InterItemDelay, 3*time.Second)
	setDuration(&c.Actions.StatusInterval, 500*time.Millisecond)
	setDuration(&c.Actions.ExecuteInterval, 2*time.Second)
	setDuration(&c.Actions.WaitWindow, 60*time.Second)
	setDuration(&c.Actions.SettleDelay, time.Second)
	setDuration(&c.Actions.MaxDuration, 5*time.Minute)
	setDuration(&c.Lifecycle.HoldRemovalDelay, 1500*time.Millisecond)
	if c.Verification.PriceTolerancePercent == 0 {
		c.Verification.PriceTolerancePercent = 2
	}
	if c.History.StateFile == "" {
		c.History.StateFile = "data/card_history.json"
	}
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 200
	}
	if c.History.AggregateMax == 0 {
		c.History.AggregateMax = 50
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/card_sentinel.db"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.Verification.PriceTolerancePercent <= 0 {
		return fmt.Errorf("verification.price_tolerance_percent must be positive")
	}
	if c.Capacity.MaxCards < 0 {
		return fmt.Errorf("capacity.max_cards must not be negative")
	}
	if c.History.MaxEntries < 50 || c.History.MaxEntries > 200 {
		return fmt.Errorf("history.max_entries must be within [50, 200], got %d", c.History.MaxEntries)
	}
	for name, d := range map[string]time.Duration{
		"actions.status_interval":      c.Actions.StatusInterval,
		"actions.execute_interval":     c.Actions.ExecuteInterval,
		"actions.max_duration":         c.Actions.MaxDuration,
		"queue.inter_item_delay":       c.Queue.InterItemDelay,
		"lifecycle.hold_removal_delay": c.Lifecycle.HoldRemovalDelay,
		"backend.timeout":              c.Backend.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Actions.WaitWindow < 0 {
		return fmt.Errorf("actions.wait_window must not be negative")
	}
	return nil
}

// DryRun reports whether no backend is configured and the in-process
// backend should be used.
func (c *Config) DryRun() bool { return c.Backend.BaseURL == "" }
