// Package evaluator decides which alerts fire on a scheduler tick.
//
// Evaluation is pure: it takes the current State and the tick's observations
// and returns the alerts to deliver together with the next State. Nothing is
// mutated in place, so a tick whose state fails to persist can be discarded
// without having fired anything.
package evaluator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// Check selects which rules run on a tick.
type Check uint8

const (
	CheckSourceHealth Check = 1 << iota
	CheckTopupDetected
	CheckLowBalance
	CheckMonthlyDue
	CheckDailyTopup
)

// Rule sets per tick kind.
const (
	SweepChecks = CheckSourceHealth | CheckTopupDetected | CheckLowBalance
	DailyChecks = CheckLowBalance | CheckMonthlyDue | CheckDailyTopup
)

// ChecksFor returns the rule set of a tick kind.
func ChecksFor(kind model.TickKind) Check {
	if kind == model.TickDaily {
		return DailyChecks
	}
	return SweepChecks
}

// Has reports whether c includes all of other.
func (c Check) Has(other Check) bool { return c&other == other }

// Config holds alerting policy.
type Config struct {
	// RunwayDays is the DAILY_TOPUP threshold: fire when balance/rate drops below it.
	RunwayDays decimal.Decimal
	// UnavailableAfter is the consecutive fetch failures that raise SOURCE_UNAVAILABLE.
	UnavailableAfter int
	// MinTopup is the balance increase between sweeps reported as a top-up.
	// Zero disables top-up detection.
	MinTopup decimal.Decimal
	// Location defines calendar days and months.
	Location *time.Location
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		RunwayDays:       decimal.NewFromInt(3),
		UnavailableAfter: 3,
		MinTopup:         decimal.NewFromInt(5),
		Location:         time.UTC,
	}
}

// Input is everything a tick observed.
type Input struct {
	Now      time.Time
	Checks   Check
	Services []model.Service

	// Observations holds the latest reading per service. For API services on
	// a sweep these are freshly fetched.
	Observations map[string]model.Observation
	// Previous holds the prior reading per service, used for top-up detection.
	Previous map[string]model.Observation
	// FetchErrors holds this tick's fetch failures per API service.
	FetchErrors map[string]error
	// Estimates holds manual daily consumption estimates.
	Estimates map[string]decimal.Decimal
}

// EventKind classifies evaluation events that are not alerts.
type EventKind string

const (
	EventFetchFailed     EventKind = "fetch_failed"
	EventSourceRecovered EventKind = "source_recovered"
)

// Event is an evaluation outcome reported to logs rather than notifiers.
type Event struct {
	Kind       EventKind `json:"kind"`
	ServiceKey string    `json:"service_key"`
	Failures   int       `json:"failures"`
	Err        error     `json:"-"`
	At         time.Time `json:"at"`
}

// Result is the outcome of one evaluation.
type Result struct {
	Alerts []model.Alert
	Events []Event
	Next   State
}

// Evaluator applies the alerting rules.
type Evaluator struct {
	cfg   Config
	newID func() string
}

// New creates an evaluator.
func New(cfg Config) *Evaluator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.UnavailableAfter <= 0 {
		cfg.UnavailableAfter = 3
	}
	return &Evaluator{cfg: cfg, newID: uuid.NewString}
}

// Config returns the evaluator policy.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate runs the selected rules over every service in order. Per service
// the order is SOURCE_UNAVAILABLE, TOPUP_DETECTED, LOW_BALANCE, MONTHLY_DUE,
// DAILY_TOPUP.
func (e *Evaluator) Evaluate(state State, in Input) Result {
	res := Result{Next: state.Clone()}
	for _, svc := range in.Services {
		obs, observed := in.Observations[svc.Key]

		if svc.Mode == model.ModeAPI && in.Checks.Has(CheckSourceHealth) {
			e.sourceHealth(&res, svc, in, observed)
		}
		if observed && in.Checks.Has(CheckTopupDetected) {
			e.topupDetected(&res, svc, obs, in)
		}
		if observed && in.Checks.Has(CheckLowBalance) {
			e.lowBalance(&res, svc, obs, in.Now)
		}
		// Payment reminders are date driven and need no balance reading.
		if in.Checks.Has(CheckMonthlyDue) {
			e.monthlyDue(&res, svc, obs, observed, in.Now)
		}
		if observed && in.Checks.Has(CheckDailyTopup) {
			e.dailyTopup(&res, svc, obs, in)
		}
	}
	return res
}

func (e *Evaluator) sourceHealth(res *Result, svc model.Service, in Input, observed bool) {
	health := res.Next.Health[svc.Key]
	health.ServiceKey = svc.Key
	st := res.Next.Alert(svc.Key, model.AlertSourceUnavailable)

	if err, failed := in.FetchErrors[svc.Key]; failed && err != nil {
		health.ConsecutiveFailures++
		health.LastError = err.Error()
		health.LastFailureAt = in.Now
		res.Next.Health[svc.Key] = health
		res.Events = append(res.Events, Event{
			Kind:       EventFetchFailed,
			ServiceKey: svc.Key,
			Failures:   health.ConsecutiveFailures,
			Err:        err,
			At:         in.Now,
		})

		if health.ConsecutiveFailures >= e.cfg.UnavailableAfter && st.Armed {
			st.Armed = false
			st.LastFired = in.Now
			res.Next.Alerts[st.Key()] = st
			res.Alerts = append(res.Alerts, e.alert(svc, model.AlertSourceUnavailable, in.Now, func(a *model.Alert) {
				a.Failures = health.ConsecutiveFailures
				a.Message = fmt.Sprintf("%s balance source unavailable after %d consecutive failures: %s",
					svc.DisplayName(), health.ConsecutiveFailures, health.LastError)
			}))
		}
		return
	}

	if !observed {
		return
	}
	if health.ConsecutiveFailures > 0 {
		res.Events = append(res.Events, Event{
			Kind:       EventSourceRecovered,
			ServiceKey: svc.Key,
			Failures:   health.ConsecutiveFailures,
			At:         in.Now,
		})
		res.Next.Health[svc.Key] = model.SourceHealth{
			ServiceKey:    svc.Key,
			LastError:     health.LastError,
			LastFailureAt: health.LastFailureAt,
		}
	}
	if !st.Armed {
		st.Armed = true
		res.Next.Alerts[st.Key()] = st
	}
}

func (e *Evaluator) topupDetected(res *Result, svc model.Service, obs model.Observation, in Input) {
	if svc.Mode != model.ModeAPI || !e.cfg.MinTopup.IsPositive() || obs.Source != model.SourceFetched {
		return
	}
	if _, failed := in.FetchErrors[svc.Key]; failed {
		return
	}
	prev, ok := in.Previous[svc.Key]
	if !ok || !obs.ObservedAt.After(prev.ObservedAt) {
		return
	}
	delta := obs.Amount.Sub(prev.Amount)
	if !delta.GreaterThan(e.cfg.MinTopup) {
		return
	}

	st := res.Next.Alert(svc.Key, model.AlertTopupDetected)
	st.LastFired = in.Now
	res.Next.Alerts[st.Key()] = st
	res.Alerts = append(res.Alerts, e.alert(svc, model.AlertTopupDetected, in.Now, func(a *model.Alert) {
		a.Observed = obs.Amount
		a.Message = fmt.Sprintf("%s balance topped up by %s %s, now %s %s",
			svc.DisplayName(), delta.StringFixed(2), svc.Currency, obs.Amount.StringFixed(2), svc.Currency)
	}))
}

func (e *Evaluator) lowBalance(res *Result, svc model.Service, obs model.Observation, now time.Time) {
	if !svc.HasThreshold() {
		return
	}
	st := res.Next.Alert(svc.Key, model.AlertLowBalance)

	if !obs.Amount.LessThan(svc.Threshold) {
		if !st.Armed {
			st.Armed = true
			res.Next.Alerts[st.Key()] = st
		}
		return
	}
	if !st.Armed {
		return
	}

	st.Armed = false
	st.LastFired = now
	res.Next.Alerts[st.Key()] = st
	res.Alerts = append(res.Alerts, e.alert(svc, model.AlertLowBalance, now, func(a *model.Alert) {
		a.Observed = obs.Amount
		a.Threshold = svc.Threshold
		a.Message = fmt.Sprintf("%s balance is low: %s %s (threshold %s %s)",
			svc.DisplayName(), obs.Amount.StringFixed(2), svc.Currency, svc.Threshold.StringFixed(2), svc.Currency)
	}))
}

func (e *Evaluator) monthlyDue(res *Result, svc model.Service, obs model.Observation, observed bool, now time.Time) {
	if !svc.HasMonthlyDue() {
		return
	}
	loc := e.cfg.Location
	st := res.Next.Alert(svc.Key, model.AlertMonthlyDue)

	// The cycle rolls over with the calendar month.
	if !st.Armed && !model.SameMonth(st.LastFired, now, loc) {
		st.Armed = true
		res.Next.Alerts[st.Key()] = st
	}

	local := now.In(loc)
	due := model.DueDateIn(local.Year(), local.Month(), svc.DueDay, loc)
	remind := due.AddDate(0, 0, -svc.RemindDaysBefore)
	// A clamped due day can pull the reminder into the previous month.
	if first := model.DueDateIn(local.Year(), local.Month(), 1, loc); remind.Before(first) {
		remind = first
	}
	if !model.SameDay(local, remind, loc) || !st.Armed || model.SameMonth(st.LastFired, now, loc) {
		return
	}

	st.Armed = false
	st.LastFired = now
	res.Next.Alerts[st.Key()] = st
	res.Alerts = append(res.Alerts, e.alert(svc, model.AlertMonthlyDue, now, func(a *model.Alert) {
		a.MonthlyFee = svc.MonthlyFee
		a.DueDate = due
		a.Message = fmt.Sprintf("%s monthly payment of %s %s is due on %s",
			svc.DisplayName(), svc.MonthlyFee.StringFixed(2), svc.Currency, due.Format("2006-01-02"))
		if !observed {
			return
		}
		a.Observed = obs.Amount
		if svc.MonthlyFee.IsPositive() {
			projected := obs.Amount.Sub(svc.MonthlyFee)
			a.Message += fmt.Sprintf("; balance after charge %s %s", projected.StringFixed(2), svc.Currency)
		}
	}))
}

func (e *Evaluator) dailyTopup(res *Result, svc model.Service, obs model.Observation, in Input) {
	if !e.cfg.RunwayDays.IsPositive() {
		return
	}
	rate := svc.DailyRate
	if est, ok := in.Estimates[svc.Key]; ok && est.IsPositive() {
		rate = est
	}
	if !rate.IsPositive() {
		return
	}

	loc := e.cfg.Location
	st := res.Next.Alert(svc.Key, model.AlertDailyTopup)
	if !st.Armed && !model.SameDay(st.LastFired, in.Now, loc) {
		st.Armed = true
		res.Next.Alerts[st.Key()] = st
	}

	runway := Runway(obs.Amount, rate)
	if !runway.LessThan(e.cfg.RunwayDays) || !st.Armed {
		return
	}

	st.Armed = false
	st.LastFired = in.Now
	res.Next.Alerts[st.Key()] = st
	res.Alerts = append(res.Alerts, e.alert(svc, model.AlertDailyTopup, in.Now, func(a *model.Alert) {
		a.Observed = obs.Amount
		a.Threshold = rate.Mul(e.cfg.RunwayDays)
		a.RunwayDays = runway
		a.Message = fmt.Sprintf("%s needs a top-up: %s %s left, about %s days at %s %s/day",
			svc.DisplayName(), obs.Amount.StringFixed(2), svc.Currency, runway.StringFixed(1), rate.StringFixed(2), svc.Currency)
	}))
}

func (e *Evaluator) alert(svc model.Service, kind model.AlertKind, now time.Time, fill func(*model.Alert)) model.Alert {
	a := model.Alert{
		ID:          e.newID(),
		Kind:        kind,
		Level:       model.LevelFor(kind),
		ServiceKey:  svc.Key,
		ServiceName: svc.DisplayName(),
		Currency:    svc.Currency,
		FiredAt:     now,
	}
	fill(&a)
	return a
}

// Runway returns the days a balance lasts at rate per day, rounded to two
// places. A non-positive balance has zero runway.
func Runway(balance, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() || !balance.IsPositive() {
		return decimal.Zero
	}
	return balance.Div(rate).Round(2)
}
