package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/balance-guardian/internal/config"
	"github.com/ogulcanaydogan/balance-guardian/pkg/alerts"
	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/manual"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
	"github.com/ogulcanaydogan/balance-guardian/pkg/scheduler"
	"github.com/ogulcanaydogan/balance-guardian/pkg/source"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "balguard",
	Short: "Balance Guardian - prepaid balance monitoring and alerting",
	Long: `Balance Guardian watches prepaid balances of third-party services.
It fetches balances from provider APIs, tracks manually maintained balances
from operator input, and alerts on low balances, upcoming monthly payments
and short top-up runways.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.balguard/config.yaml)")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initRegistry builds the service registry from inline and file catalogs.
func initRegistry(cfg *config.Config) (*registry.Registry, error) {
	entries, err := cfg.ServiceEntries()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return reg, nil
}

// initStorage creates a storage backend from config.
func initStorage(cfg *config.Config) (*storage.SQLite, error) {
	return storage.NewSQLite(cfg.Storage.Path)
}

// initNotifiers creates alert notifiers from config. The returned func
// releases notifier connections.
func initNotifiers(cfg *config.Config, logger *slog.Logger) ([]alerts.Notifier, func(), error) {
	var notifiers []alerts.Notifier
	cleanup := func() {}

	if cfg.Alerts.Log.Enabled {
		notifiers = append(notifiers, alerts.NewLogNotifier(logger))
	}

	if cfg.Alerts.Slack.Enabled {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramNotifier(
			cfg.Alerts.Telegram.BotToken,
			strconv.FormatInt(cfg.Alerts.Telegram.ChatID, 10),
			cfg.Alerts.Telegram.MaxRetries,
			2*time.Second,
		)
		if err != nil {
			return nil, cleanup, fmt.Errorf("init telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
	}

	if cfg.Alerts.Pushover.Enabled {
		notifiers = append(notifiers, alerts.NewPushoverNotifier(
			cfg.Alerts.Pushover.Token,
			cfg.Alerts.Pushover.User,
			"",
		))
	}

	if cfg.Alerts.NATS.Enabled {
		nc, err := alerts.DialNATS(cfg.Alerts.NATS.URL, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("init nats: %w", err)
		}
		cleanup = func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("drain nats connection", "error", err)
			}
		}
		notifiers = append(notifiers, alerts.NewNATSNotifier(nc, cfg.Alerts.NATS.Subject))
	}

	return notifiers, cleanup, nil
}

// guardian is the wired runtime shared by the commands.
type guardian struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	store    *storage.SQLite
	driver   *scheduler.Driver
	tracker  *manual.Tracker
	cleanup  func()
}

// initGuardian wires registry, storage, notifiers, driver and tracker, and
// restores persisted state. Notifiers are only connected when withNotifiers
// is set.
func initGuardian(ctx context.Context, cfg *config.Config, withNotifiers bool) (*guardian, error) {
	logger := newLogger(cfg)

	reg, err := initRegistry(cfg)
	if err != nil {
		return nil, err
	}

	evalCfg, err := cfg.EvaluatorConfig()
	if err != nil {
		return nil, err
	}

	store, err := initStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var notifiers []alerts.Notifier
	cleanup := func() {}
	if withNotifiers {
		notifiers, cleanup, err = initNotifiers(cfg, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	fetcher := source.NewFetcher(cfg.Schedule.FetchTimeout, logger)
	fetcher.AddServices(reg.API(), &http.Client{})

	driver := scheduler.NewDriver(reg, fetcher, store, evaluator.New(evalCfg), notifiers, logger)
	if err := driver.Load(ctx); err != nil {
		cleanup()
		store.Close()
		return nil, err
	}
	tracker := manual.NewTracker(reg, store, manual.NewEstimator(cfg.Policy.ConsumptionAlpha), driver.TickLock(), logger)

	return &guardian{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		store:    store,
		driver:   driver,
		tracker:  tracker,
		cleanup:  cleanup,
	}, nil
}

// Close releases notifier connections and the database.
func (g *guardian) Close() {
	g.cleanup()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("close storage", "error", err)
	}
}
