package alerts

import (
	"context"
	"log/slog"
)

// LogNotifier writes alerts to a structured logger. It is always enabled so
// alerts are visible even with no external destination configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelCritical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert fired",
		"id", alert.ID,
		"service", alert.ServiceKey,
		"kind", alert.Kind,
		"message", alert.Message,
	)
	return nil
}
