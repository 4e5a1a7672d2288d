package manual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

// Store persists manual tracking states.
type Store interface {
	GetManualState(ctx context.Context, serviceKey string) (*model.ManualState, error)
	SaveManualState(ctx context.Context, state *model.ManualState) error
}

// Tracker applies manual transitions and persists the result. Every call
// holds lock for its whole load-apply-save cycle, so sharing the scheduler's
// tick lock keeps manual input from interleaving with a tick.
type Tracker struct {
	registry  *registry.Registry
	store     Store
	estimator Estimator
	lock      sync.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a manual tracker. A nil lock gets a private mutex.
func NewTracker(reg *registry.Registry, store Store, est Estimator, lock sync.Locker, logger *slog.Logger) *Tracker {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Tracker{
		registry:  reg,
		store:     store,
		estimator: est,
		lock:      lock,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// State returns the current state of a manual service, or its initial state
// if nothing has been recorded yet.
func (t *Tracker) State(ctx context.Context, serviceKey string) (model.ManualState, error) {
	svc, err := t.manualService(serviceKey)
	if err != nil {
		return model.ManualState{}, err
	}
	return t.load(ctx, svc)
}

// BeginTopupEntry enters the awaiting-amount phase.
func (t *Tracker) BeginTopupEntry(ctx context.Context, serviceKey string) (model.ManualState, error) {
	return t.apply(ctx, serviceKey, OpBeginTopup, func(s model.ManualState, at time.Time) (model.ManualState, error) {
		return BeginTopupEntry(s, at)
	})
}

// CancelTopupEntry leaves the awaiting-amount phase.
func (t *Tracker) CancelTopupEntry(ctx context.Context, serviceKey string) (model.ManualState, error) {
	return t.apply(ctx, serviceKey, OpCancelTopup, func(s model.ManualState, at time.Time) (model.ManualState, error) {
		return CancelTopupEntry(s, at)
	})
}

// RecordTopup adds a top-up to the service balance.
func (t *Tracker) RecordTopup(ctx context.Context, serviceKey string, amount decimal.Decimal) (model.ManualState, error) {
	return t.apply(ctx, serviceKey, OpRecordTopup, func(s model.ManualState, at time.Time) (model.ManualState, error) {
		return RecordTopup(s, amount, at)
	})
}

// RecordConsumption subtracts spending from the service balance.
func (t *Tracker) RecordConsumption(ctx context.Context, serviceKey string, spent decimal.Decimal) (model.ManualState, error) {
	return t.apply(ctx, serviceKey, OpRecordConsumption, func(s model.ManualState, at time.Time) (model.ManualState, error) {
		return RecordConsumption(s, spent, at, t.estimator)
	})
}

func (t *Tracker) apply(ctx context.Context, serviceKey string, op Operation, fn func(model.ManualState, time.Time) (model.ManualState, error)) (model.ManualState, error) {
	svc, err := t.manualService(serviceKey)
	if err != nil {
		return model.ManualState{}, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	current, err := t.load(ctx, svc)
	if err != nil {
		return model.ManualState{}, err
	}

	next, err := fn(current, t.now())
	if err != nil {
		return current, err
	}

	if err := t.store.SaveManualState(ctx, &next); err != nil {
		return current, fmt.Errorf("save manual state: %w", err)
	}

	t.logger.Info("manual state updated",
		"service", serviceKey,
		"operation", op,
		"phase", next.Phase,
		"balance", next.Balance.StringFixed(2),
		"daily_estimate", next.DailyEstimate.String(),
	)
	return next, nil
}

func (t *Tracker) load(ctx context.Context, svc model.Service) (model.ManualState, error) {
	st, err := t.store.GetManualState(ctx, svc.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return model.NewManualState(svc), nil
	}
	if err != nil {
		return model.ManualState{}, fmt.Errorf("load manual state: %w", err)
	}
	return *st, nil
}

func (t *Tracker) manualService(serviceKey string) (model.Service, error) {
	svc, err := t.registry.Get(serviceKey)
	if err != nil {
		return model.Service{}, err
	}
	if svc.Mode != model.ModeManual {
		return model.Service{}, fmt.Errorf("%w: service %q is not manually tracked", ErrInvalidState, serviceKey)
	}
	return svc, nil
}
