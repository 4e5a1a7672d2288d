package alerts

import (
	"fmt"
	"strings"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// Title returns a short headline for an alert.
func Title(a Alert) string {
	switch a.Kind {
	case model.AlertLowBalance:
		return "Low balance: " + a.ServiceName
	case model.AlertMonthlyDue:
		return "Payment due: " + a.ServiceName
	case model.AlertDailyTopup:
		return "Top-up needed: " + a.ServiceName
	case model.AlertSourceUnavailable:
		return "Balance source unavailable: " + a.ServiceName
	case model.AlertTopupDetected:
		return "Top-up received: " + a.ServiceName
	default:
		return fmt.Sprintf("%s: %s", a.Kind, a.ServiceName)
	}
}

func levelMarker(level AlertLevel) string {
	switch level {
	case LevelCritical:
		return "🔴"
	case LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// FormatText renders an alert as plain text for chat notifiers.
func FormatText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", levelMarker(a.Level), Title(a))
	b.WriteString(a.Message)
	if !a.DueDate.IsZero() {
		fmt.Fprintf(&b, "\nDue: %s", a.DueDate.Format("2006-01-02"))
	}
	if !a.FiredAt.IsZero() {
		fmt.Fprintf(&b, "\nAt: %s", a.FiredAt.Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}
