// Package scheduler drives evaluation ticks: observe, evaluate, persist,
// then deliver.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/alerts"
	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
	"github.com/ogulcanaydogan/balance-guardian/pkg/source"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

// Fetcher fetches API balances for a tick.
type Fetcher interface {
	FetchAll(ctx context.Context, keys []string) []source.Result
}

// Store is the persistence the driver needs.
type Store interface {
	LoadSnapshot(ctx context.Context) (*storage.Snapshot, error)
	CommitTick(ctx context.Context, tick *storage.TickRecord) error
	MarkDelivered(ctx context.Context, alertIDs []string) error
	ListManualStates(ctx context.Context) ([]model.ManualState, error)
}

// PersistenceError aborts a tick. No alert of the tick has been delivered
// and in-memory state is unchanged.
type PersistenceError struct {
	Kind model.TickKind
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s tick: persist state: %v", e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TickReport summarises one completed tick.
type TickReport struct {
	ID             string            `json:"id"`
	Kind           model.TickKind    `json:"kind"`
	StartedAt      time.Time         `json:"started_at"`
	Alerts         []model.Alert     `json:"alerts"`
	Events         []evaluator.Event `json:"events"`
	Observed       int               `json:"observed"`
	DeliveryErrors int               `json:"delivery_errors"`
}

// Driver runs ticks one at a time.
type Driver struct {
	mu        sync.Mutex
	registry  *registry.Registry
	fetcher   Fetcher
	store     Store
	eval      *evaluator.Evaluator
	notifiers []alerts.Notifier
	logger    *slog.Logger
	state     State
	now       func() time.Time
}

// NewDriver creates a driver with empty state. Call Load to restore
// persisted state before the first tick.
func NewDriver(reg *registry.Registry, fetcher Fetcher, store Store, eval *evaluator.Evaluator, notifiers []alerts.Notifier, logger *slog.Logger) *Driver {
	return &Driver{
		registry:  reg,
		fetcher:   fetcher,
		store:     store,
		eval:      eval,
		notifiers: notifiers,
		logger:    logger,
		state:     NewState(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used by Tick.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.now = now
	return d
}

// Load restores state from storage.
func (d *Driver) Load(ctx context.Context) error {
	snap, err := d.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateFromSnapshot(snap)
	return nil
}

// TickLock returns the lock that serializes ticks. Manual input shares it so
// operator writes never interleave with a tick.
func (d *Driver) TickLock() sync.Locker { return &d.mu }

// State returns a copy of the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// LastRun returns when a tick kind last completed, zero if never.
func (d *Driver) LastRun(kind model.TickKind) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.LastRun[kind]
}

// Tick runs a tick at the current time.
func (d *Driver) Tick(ctx context.Context, kind model.TickKind) (*TickReport, error) {
	return d.TickAt(ctx, kind, d.now())
}

// DryTick evaluates a tick at the current time without persisting or
// delivering anything.
func (d *Driver) DryTick(ctx context.Context, kind model.TickKind) (*TickReport, error) {
	return d.DryTickAt(ctx, kind, d.now())
}

// DryTickAt reports the alerts a tick at now would fire. State, storage and
// notifiers are left untouched, so a later real tick still fires them.
func (d *Driver) DryTickAt(ctx context.Context, kind model.TickKind, now time.Time) (*TickReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := &TickReport{ID: uuid.NewString(), Kind: kind, StartedAt: now}
	in, _, err := d.observe(ctx, kind, now)
	if err != nil {
		return nil, &PersistenceError{Kind: kind, Err: err}
	}
	res := d.eval.Evaluate(d.state.Eval, in)
	report.Observed = len(in.Observations)
	report.Events = res.Events
	report.Alerts = res.Alerts

	d.logger.Info("dry tick complete", "tick", report.ID, "kind", kind, "alerts", len(report.Alerts))
	return report, nil
}

// TickAt runs a tick as of now. Only a persistence failure returns an error;
// it is always a *PersistenceError.
func (d *Driver) TickAt(ctx context.Context, kind model.TickKind, now time.Time) (*TickReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := &TickReport{ID: uuid.NewString(), Kind: kind, StartedAt: now}
	logger := d.logger.With("tick", report.ID, "kind", kind)

	in, fresh, err := d.observe(ctx, kind, now)
	if err != nil {
		logger.Error("tick aborted", "error", err)
		return nil, &PersistenceError{Kind: kind, Err: err}
	}
	report.Observed = len(in.Observations)

	res := d.eval.Evaluate(d.state.Eval, in)
	report.Events = res.Events

	rec := &storage.TickRecord{
		ID:           report.ID,
		Kind:         kind,
		StartedAt:    now,
		Observations: fresh,
		AlertStates:  res.Next.AlertStates(),
		Health:       res.Next.HealthRecords(),
		Alerts:       res.Alerts,
	}
	if err := d.store.CommitTick(ctx, rec); err != nil {
		logger.Error("tick aborted", "error", err)
		return nil, &PersistenceError{Kind: kind, Err: err}
	}
	report.Alerts = rec.Alerts

	next := d.state.Clone()
	next.Eval = res.Next
	for _, o := range fresh {
		if cur, ok := next.Current[o.ServiceKey]; ok {
			next.Previous[o.ServiceKey] = cur
		}
		next.Current[o.ServiceKey] = o
	}
	next.LastRun[kind] = now
	d.state = next

	for _, ev := range res.Events {
		switch ev.Kind {
		case evaluator.EventFetchFailed:
			logger.Warn("balance source failed", "service", ev.ServiceKey, "failures", ev.Failures, "error", ev.Err)
		case evaluator.EventSourceRecovered:
			logger.Info("balance source recovered", "service", ev.ServiceKey, "failures", ev.Failures)
		}
	}

	report.DeliveryErrors = d.deliver(ctx, logger, report.Alerts)

	logger.Info("tick complete",
		"observed", report.Observed,
		"alerts", len(report.Alerts),
		"events", len(report.Events),
		"delivery_errors", report.DeliveryErrors,
	)
	return report, nil
}

// observe gathers the tick's input. fresh holds the fetched observations
// that replace each service's current reading.
func (d *Driver) observe(ctx context.Context, kind model.TickKind, now time.Time) (evaluator.Input, []model.Observation, error) {
	services := d.registry.All()
	in := evaluator.Input{
		Now:          now,
		Checks:       evaluator.ChecksFor(kind),
		Services:     services,
		Observations: make(map[string]model.Observation, len(services)),
		Previous:     d.state.Current,
		FetchErrors:  make(map[string]error),
		Estimates:    make(map[string]decimal.Decimal),
	}

	var apiKeys []string
	for _, svc := range services {
		if svc.Mode == model.ModeAPI {
			apiKeys = append(apiKeys, svc.Key)
		}
	}

	var fresh []model.Observation
	if kind == model.TickSweep {
		for _, r := range d.fetcher.FetchAll(ctx, apiKeys) {
			if r.Err != nil {
				in.FetchErrors[r.ServiceKey] = r.Err
				continue
			}
			obs := model.Observation{
				ServiceKey: r.ServiceKey,
				Amount:     r.Amount,
				ObservedAt: now,
				Source:     model.SourceFetched,
			}
			in.Observations[r.ServiceKey] = obs
			fresh = append(fresh, obs)
		}
	} else {
		for _, key := range apiKeys {
			if obs, ok := d.state.Current[key]; ok {
				in.Observations[key] = obs
			}
		}
	}

	manual, err := d.store.ListManualStates(ctx)
	if err != nil {
		return in, nil, fmt.Errorf("list manual states: %w", err)
	}
	for _, st := range manual {
		svc, err := d.registry.Get(st.ServiceKey)
		if err != nil || svc.Mode != model.ModeManual {
			continue
		}
		in.Observations[st.ServiceKey] = st.Observation(now)
		in.Estimates[st.ServiceKey] = st.DailyEstimate
	}
	return in, fresh, nil
}

// deliver hands every alert to every notifier in order. Failures are logged
// and counted; they never stop the remaining deliveries.
func (d *Driver) deliver(ctx context.Context, logger *slog.Logger, fired []model.Alert) int {
	var failures int
	var delivered []string
	for _, a := range fired {
		ok := false
		for _, n := range d.notifiers {
			if err := n.Send(ctx, a); err != nil {
				failures++
				logger.Error("alert delivery failed", "notifier", n.Name(), "service", a.ServiceKey, "kind", a.Kind, "error", err)
				continue
			}
			ok = true
		}
		if ok {
			delivered = append(delivered, a.ID)
		}
	}

	if err := d.store.MarkDelivered(ctx, delivered); err != nil {
		logger.Error("mark alerts delivered", "error", err)
	}
	return failures
}
