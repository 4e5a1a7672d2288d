// Package alerts delivers fired alerts to external destinations.
package alerts

import (
	"context"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// Alert is the payload handed to notifiers.
type Alert = model.Alert

// AlertLevel indicates the severity of an alert.
type AlertLevel = model.AlertLevel

const (
	LevelInfo     = model.LevelInfo     // Top-ups, payment reminders
	LevelWarning  = model.LevelWarning  // Low balance, short runway
	LevelCritical = model.LevelCritical // Balance source unavailable
)

// Notifier sends alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert Alert) error
}
