package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
)

// Config holds all Balance Guardian configuration.
type Config struct {
	Storage      StorageConfig    `mapstructure:"storage"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Schedule     ScheduleConfig   `mapstructure:"schedule"`
	Policy       PolicyConfig     `mapstructure:"policy"`
	Server       ServerConfig     `mapstructure:"server"`
	Alerts       AlertsConfig     `mapstructure:"alerts"`
	Services     []registry.Entry `mapstructure:"services"`
	ServicesFile string           `mapstructure:"services_file"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ScheduleConfig defines the tick timers.
type ScheduleConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	DailyCheckTime string        `mapstructure:"daily_check_time"`
	Timezone       string        `mapstructure:"timezone"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
}

// PolicyConfig defines alerting policy parameters.
type PolicyConfig struct {
	RunwayDays       float64 `mapstructure:"runway_days"`
	UnavailableAfter int     `mapstructure:"unavailable_after"`
	MinTopup         float64 `mapstructure:"min_topup"`
	ConsumptionAlpha float64 `mapstructure:"consumption_alpha"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Listen       string `mapstructure:"listen"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	Log      LogAlertConfig `mapstructure:"log"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Pushover PushoverConfig `mapstructure:"pushover"`
}

// LogAlertConfig writes alerts to the process log.
type LogAlertConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// TelegramConfig defines the Telegram bot settings.
type TelegramConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BotToken   string `mapstructure:"bot_token"`
	ChatID     int64  `mapstructure:"chat_id"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// NATSConfig defines the NATS publisher settings.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// PushoverConfig defines Pushover settings.
type PushoverConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	User    string `mapstructure:"user"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".balguard"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.path", filepath.Join(home, ".balguard", "balguard.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("schedule.sweep_interval", "1h")
	v.SetDefault("schedule.daily_check_time", "10:00")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.fetch_timeout", "15s")
	v.SetDefault("schedule.run_on_start", true)
	v.SetDefault("policy.runway_days", 3)
	v.SetDefault("policy.unavailable_after", 3)
	v.SetDefault("policy.min_topup", 5)
	v.SetDefault("policy.consumption_alpha", 0.3)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("alerts.log.enabled", true)
	v.SetDefault("alerts.slack.channel", "#balances")
	v.SetDefault("alerts.telegram.max_retries", 3)
	v.SetDefault("alerts.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("alerts.nats.subject", "balguard.alerts")
	v.SetDefault("alerts.pushover.enabled", false)

	// Environment variables
	v.SetEnvPrefix("BALGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that the runtime cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Schedule.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("schedule.sweep_interval must be at least 1s, got %s", c.Schedule.SweepInterval))
	}
	if c.Schedule.FetchTimeout <= 0 {
		errs = append(errs, errors.New("schedule.fetch_timeout must be positive"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if c.Policy.RunwayDays < 0 {
		errs = append(errs, errors.New("policy.runway_days must not be negative"))
	}
	if c.Policy.UnavailableAfter < 1 {
		errs = append(errs, errors.New("policy.unavailable_after must be at least 1"))
	}
	if c.Policy.MinTopup < 0 {
		errs = append(errs, errors.New("policy.min_topup must not be negative"))
	}
	if c.Policy.ConsumptionAlpha <= 0 || c.Policy.ConsumptionAlpha > 1 {
		errs = append(errs, errors.New("policy.consumption_alpha must be in (0, 1]"))
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		errs = append(errs, errors.New("alerts.slack.webhook_url is required when slack is enabled"))
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, errors.New("alerts.webhook.url is required when the webhook is enabled"))
	}
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("alerts.telegram.bot_token and chat_id are required when telegram is enabled"))
	}
	if c.Alerts.NATS.Enabled && c.Alerts.NATS.URL == "" {
		errs = append(errs, errors.New("alerts.nats.url is required when nats is enabled"))
	}
	if c.Alerts.Pushover.Enabled && (c.Alerts.Pushover.Token == "" || c.Alerts.Pushover.User == "") {
		errs = append(errs, errors.New("alerts.pushover.token and user are required when pushover is enabled"))
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// ServiceEntries returns the inline services followed by those of
// services_file, if set.
func (c *Config) ServiceEntries() ([]registry.Entry, error) {
	entries := append([]registry.Entry(nil), c.Services...)
	if c.ServicesFile != "" {
		fromFile, err := registry.LoadCatalog(c.ServicesFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromFile...)
	}
	if len(entries) == 0 {
		return nil, errors.New("no services configured: set services or services_file")
	}
	return entries, nil
}

// EvaluatorConfig returns the alert policy for the evaluator.
func (c *Config) EvaluatorConfig() (evaluator.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return evaluator.Config{}, err
	}
	return evaluator.Config{
		RunwayDays:       decimal.NewFromFloat(c.Policy.RunwayDays),
		UnavailableAfter: c.Policy.UnavailableAfter,
		MinTopup:         decimal.NewFromFloat(c.Policy.MinTopup),
		Location:         loc,
	}, nil
}
