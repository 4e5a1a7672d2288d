package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// Ticker runs ticks. *Driver implements it.
type Ticker interface {
	Tick(ctx context.Context, kind model.TickKind) (*TickReport, error)
	LastRun(kind model.TickKind) time.Time
}

// TimerConfig configures the sweep and daily timers.
type TimerConfig struct {
	SweepInterval time.Duration
	DailyAt       string // "HH:MM"
	Location      *time.Location
	RunOnStart    bool
}

// Timers fires sweep and daily ticks on a cron schedule. A timer that fires
// while its previous tick is still running is skipped.
type Timers struct {
	cron   *cron.Cron
	ticker Ticker
	cfg    TimerConfig
	hour   int
	minute int
	logger *slog.Logger
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewTimers registers the sweep and daily jobs. Ticks run with ctx.
func NewTimers(ctx context.Context, ticker Ticker, cfg TimerConfig, logger *slog.Logger) (*Timers, error) {
	if cfg.SweepInterval < time.Second {
		return nil, fmt.Errorf("sweep interval must be at least 1s, got %s", cfg.SweepInterval)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	hour, minute, err := ParseClock(cfg.DailyAt)
	if err != nil {
		return nil, err
	}

	cl := cronLogger{logger: logger}
	t := &Timers{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ticker: ticker,
		cfg:    cfg,
		hour:   hour,
		minute: minute,
		logger: logger,
		ctx:    ctx,
	}

	if _, err := t.cron.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() { t.run(model.TickSweep) }); err != nil {
		return nil, fmt.Errorf("register sweep timer: %w", err)
	}
	if _, err := t.cron.AddFunc(DailySpec(hour, minute), func() { t.run(model.TickDaily) }); err != nil {
		return nil, fmt.Errorf("register daily timer: %w", err)
	}
	return t, nil
}

// Start starts the timers. With RunOnStart a sweep runs immediately, and a
// daily check missed while the process was down is caught up.
func (t *Timers) Start() {
	t.cron.Start()
	t.logger.Info("scheduler started",
		"sweep_interval", t.cfg.SweepInterval,
		"daily_at", t.cfg.DailyAt,
		"timezone", t.cfg.Location.String(),
	)

	if !t.cfg.RunOnStart {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(model.TickSweep)
		now := time.Now()
		if MissedDaily(t.ticker.LastRun(model.TickDaily), now, t.hour, t.minute, t.cfg.Location) {
			t.logger.Info("catching up missed daily check")
			t.run(model.TickDaily)
		}
	}()
}

// Stop stops the timers and waits for running ticks to finish, including the
// run-on-start ticks.
func (t *Timers) Stop() {
	<-t.cron.Stop().Done()
	t.wg.Wait()
	t.logger.Info("scheduler stopped")
}

func (t *Timers) run(kind model.TickKind) {
	if t.ctx.Err() != nil {
		return
	}
	if _, err := t.ticker.Tick(t.ctx, kind); err != nil {
		t.logger.Error("tick failed", "kind", kind, "error", err)
	}
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// DailySpec returns the seconds-field cron spec firing daily at hour:minute.
func DailySpec(hour, minute int) string {
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

// MissedDaily reports whether today's daily check time has passed in loc
// without a daily tick having run since.
func MissedDaily(lastRun, now time.Time, hour, minute int, loc *time.Location) bool {
	local := now.In(loc)
	y, m, d := local.Date()
	scheduled := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if local.Before(scheduled) {
		return false
	}
	return lastRun.IsZero() || lastRun.Before(scheduled)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
