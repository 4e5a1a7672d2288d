package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TrackingMode defines how a service's balance is obtained.
type TrackingMode string

const (
	ModeAPI    TrackingMode = "api"    // Balance fetched from the provider
	ModeManual TrackingMode = "manual" // Balance maintained by operator input
)

// ObservationSource records where an observed amount came from.
type ObservationSource string

const (
	SourceFetched ObservationSource = "fetched"
	SourceManual  ObservationSource = "manual"
)

// SourceSpec describes how to fetch the balance of an API-backed service.
type SourceSpec struct {
	URL          string            `json:"url" yaml:"url" mapstructure:"url"`
	Method       string            `json:"method,omitempty" yaml:"method,omitempty" mapstructure:"method"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`
	BalanceField string            `json:"balance_field" yaml:"balance_field" mapstructure:"balance_field"`
}

// Service is a monitored account. Immutable once registered.
type Service struct {
	Key              string          `json:"key"`
	Name             string          `json:"name"`
	Mode             TrackingMode    `json:"mode"`
	Currency         string          `json:"currency"`
	Threshold        decimal.Decimal `json:"threshold"`
	MonthlyFee       decimal.Decimal `json:"monthly_fee"`
	DueDay           int             `json:"due_day,omitempty"`
	RemindDaysBefore int             `json:"remind_days_before,omitempty"`
	DailyRate        decimal.Decimal `json:"daily_rate"`
	Source           *SourceSpec     `json:"source,omitempty"`
}

// HasThreshold reports whether low-balance alerting applies.
func (s Service) HasThreshold() bool { return s.Threshold.IsPositive() }

// HasMonthlyDue reports whether the service has a recurring monthly payment.
func (s Service) HasMonthlyDue() bool { return s.DueDay > 0 }

// DisplayName returns Name, falling back to Key.
func (s Service) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Key
}

// Validate checks service field constraints.
func (s Service) Validate() error {
	if s.Key == "" {
		return errors.New("service key must not be empty")
	}
	switch s.Mode {
	case ModeAPI:
		if s.Source == nil || s.Source.URL == "" {
			return fmt.Errorf("service %q: api mode requires a source url", s.Key)
		}
	case ModeManual:
	default:
		return fmt.Errorf("service %q: unknown tracking mode %q", s.Key, s.Mode)
	}
	if s.Threshold.IsNegative() {
		return fmt.Errorf("service %q: threshold must not be negative", s.Key)
	}
	if s.MonthlyFee.IsNegative() {
		return fmt.Errorf("service %q: monthly fee must not be negative", s.Key)
	}
	if s.DailyRate.IsNegative() {
		return fmt.Errorf("service %q: daily rate must not be negative", s.Key)
	}
	if s.DueDay < 0 || s.DueDay > 31 {
		return fmt.Errorf("service %q: due day must be between 1 and 31", s.Key)
	}
	if s.RemindDaysBefore < 0 || (s.DueDay > 0 && s.RemindDaysBefore >= s.DueDay) {
		return fmt.Errorf("service %q: remind_days_before must be in [0, due_day)", s.Key)
	}
	return nil
}

// Observation is one balance reading for a service.
type Observation struct {
	ServiceKey string            `json:"service_key"`
	Amount     decimal.Decimal   `json:"amount"`
	ObservedAt time.Time         `json:"observed_at"`
	Source     ObservationSource `json:"source"`
}

// AlertKind identifies an alert rule.
type AlertKind string

const (
	AlertLowBalance        AlertKind = "low_balance"
	AlertMonthlyDue        AlertKind = "monthly_due"
	AlertDailyTopup        AlertKind = "daily_topup"
	AlertSourceUnavailable AlertKind = "source_unavailable"
	AlertTopupDetected     AlertKind = "topup_detected"
)

// AlertKey identifies the AlertState record of one service and kind.
type AlertKey struct {
	ServiceKey string
	Kind       AlertKind
}

// AlertState tracks whether an alert kind may fire again for a service.
type AlertState struct {
	ServiceKey string    `json:"service_key"`
	Kind       AlertKind `json:"kind"`
	Armed      bool      `json:"armed"`
	LastFired  time.Time `json:"last_fired,omitempty"` // zero when never fired
}

// Key returns the state's AlertKey.
func (a AlertState) Key() AlertKey { return AlertKey{ServiceKey: a.ServiceKey, Kind: a.Kind} }

// NewAlertState returns an armed state that has never fired.
func NewAlertState(serviceKey string, kind AlertKind) AlertState {
	return AlertState{ServiceKey: serviceKey, Kind: kind, Armed: true}
}

// SourceHealth counts consecutive fetch failures for an API-backed service.
type SourceHealth struct {
	ServiceKey          string    `json:"service_key"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// ManualPhase is the state of a manual service's tracking machine.
type ManualPhase string

const (
	PhaseTracked       ManualPhase = "tracked"
	PhaseAwaitingTopup ManualPhase = "awaiting_topup_input"
)

// ManualState is the tracked balance of a manually maintained service.
type ManualState struct {
	ServiceKey        string          `json:"service_key"`
	Phase             ManualPhase     `json:"phase"`
	Balance           decimal.Decimal `json:"balance"`
	LastTopupAt       time.Time       `json:"last_topup_at,omitempty"`
	LastTopupAmount   decimal.Decimal `json:"last_topup_amount"`
	DailyEstimate     decimal.Decimal `json:"daily_estimate"`
	EstimateUpdatedAt time.Time       `json:"estimate_updated_at,omitempty"`
	LastConsumptionAt time.Time       `json:"last_consumption_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewManualState returns the initial state of a manual service.
func NewManualState(svc Service) ManualState {
	return ManualState{
		ServiceKey:    svc.Key,
		Phase:         PhaseTracked,
		DailyEstimate: svc.DailyRate,
	}
}

// Observation converts the tracked balance into a manual observation.
func (m ManualState) Observation(at time.Time) Observation {
	return Observation{
		ServiceKey: m.ServiceKey,
		Amount:     m.Balance,
		ObservedAt: at,
		Source:     SourceManual,
	}
}

// TickKind identifies which scheduler timer triggered a tick.
type TickKind string

const (
	TickSweep TickKind = "sweep"
	TickDaily TickKind = "daily"
)
