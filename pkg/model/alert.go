package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertLevel indicates the severity of an alert.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// LevelFor returns the severity used for an alert kind.
func LevelFor(kind AlertKind) AlertLevel {
	switch kind {
	case AlertLowBalance, AlertDailyTopup:
		return LevelWarning
	case AlertSourceUnavailable:
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Alert is the payload handed to notifiers.
type Alert struct {
	ID          string          `json:"id"`
	Kind        AlertKind       `json:"kind"`
	Level       AlertLevel      `json:"level"`
	ServiceKey  string          `json:"service_key"`
	ServiceName string          `json:"service_name"`
	Currency    string          `json:"currency,omitempty"`
	Observed    decimal.Decimal `json:"observed"`
	Threshold   decimal.Decimal `json:"threshold"`
	MonthlyFee  decimal.Decimal `json:"monthly_fee"`
	DueDate     time.Time       `json:"due_date,omitempty"`
	RunwayDays  decimal.Decimal `json:"runway_days"`
	Failures    int             `json:"failures,omitempty"`
	Message     string          `json:"message"`
	FiredAt     time.Time       `json:"fired_at"`
}

// AlertRecord is a persisted alert-log entry.
type AlertRecord struct {
	Alert
	TickID    string `json:"tick_id"`
	Delivered bool   `json:"delivered"`
}

// AlertFilter controls which alert-log entries are returned.
type AlertFilter struct {
	ServiceKey string    `json:"service_key,omitempty"`
	Kind       AlertKind `json:"kind,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}
