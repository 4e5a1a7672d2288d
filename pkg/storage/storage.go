package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Snapshot is the persisted scheduler and evaluator state loaded at startup.
type Snapshot struct {
	AlertStates []model.AlertState
	Health      []model.SourceHealth
	Current     map[string]model.Observation
	Previous    map[string]model.Observation
	LastRun     map[model.TickKind]time.Time
}

// TickRecord is everything one tick writes. It is committed atomically.
type TickRecord struct {
	ID        string
	Kind      model.TickKind
	StartedAt time.Time

	// Observations become each service's current observation; the prior
	// current observation moves to the previous slot.
	Observations []model.Observation
	AlertStates  []model.AlertState
	Health       []model.SourceHealth
	Alerts       []model.Alert
}

// Storage defines the persistence layer for alerting and manual tracking state.
type Storage interface {
	// LoadSnapshot reads alert states, source health, observations and run markers.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// CommitTick persists a tick's state changes in a single transaction.
	CommitTick(ctx context.Context, tick *TickRecord) error

	// MarkDelivered flags alert-log entries as delivered.
	MarkDelivered(ctx context.Context, alertIDs []string) error

	// GetManualState returns ErrNotFound if the service has no recorded state.
	GetManualState(ctx context.Context, serviceKey string) (*model.ManualState, error)

	// SaveManualState creates or replaces a manual tracking state.
	SaveManualState(ctx context.Context, state *model.ManualState) error

	// ListManualStates returns every recorded manual tracking state.
	ListManualStates(ctx context.Context) ([]model.ManualState, error)

	// ListAlerts returns alert-log entries, newest first.
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.AlertRecord, error)

	// Close releases resources.
	Close() error
}
