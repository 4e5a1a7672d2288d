// Package manual implements the tracking state machine for services whose
// balance is maintained by operator input rather than a provider API.
package manual

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

var (
	// ErrInvalidAmount is returned for non-positive or otherwise malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidState is returned when an operation is not allowed in the current phase.
	ErrInvalidState = errors.New("invalid state")
)

// Operation is an input to the manual tracking machine.
type Operation string

const (
	OpBeginTopup        Operation = "begin_topup"
	OpCancelTopup       Operation = "cancel_topup"
	OpRecordTopup       Operation = "record_topup"
	OpRecordConsumption Operation = "record_consumption"
)

type transitionKey struct {
	from model.ManualPhase
	op   Operation
}

// transitions lists every legal (phase, operation) pair and the phase it leads to.
var transitions = map[transitionKey]model.ManualPhase{
	{model.PhaseTracked, OpBeginTopup}:        model.PhaseAwaitingTopup,
	{model.PhaseAwaitingTopup, OpCancelTopup}: model.PhaseTracked,
	{model.PhaseTracked, OpRecordTopup}:       model.PhaseTracked,
	{model.PhaseAwaitingTopup, OpRecordTopup}: model.PhaseTracked,
	{model.PhaseTracked, OpRecordConsumption}: model.PhaseTracked,
}

// Next returns the phase reached by applying op in phase from.
func Next(from model.ManualPhase, op Operation) (model.ManualPhase, error) {
	to, ok := transitions[transitionKey{from: from, op: op}]
	if !ok {
		return "", fmt.Errorf("%w: %s not allowed while %s", ErrInvalidState, op, from)
	}
	return to, nil
}

// BeginTopupEntry moves the machine into the awaiting-amount phase.
func BeginTopupEntry(s model.ManualState, at time.Time) (model.ManualState, error) {
	to, err := Next(s.Phase, OpBeginTopup)
	if err != nil {
		return s, err
	}
	s.Phase = to
	s.UpdatedAt = at
	return s, nil
}

// CancelTopupEntry leaves the awaiting-amount phase without changing the balance.
func CancelTopupEntry(s model.ManualState, at time.Time) (model.ManualState, error) {
	to, err := Next(s.Phase, OpCancelTopup)
	if err != nil {
		return s, err
	}
	s.Phase = to
	s.UpdatedAt = at
	return s, nil
}

// RecordTopup adds amount to the balance. Valid from any phase.
func RecordTopup(s model.ManualState, amount decimal.Decimal, at time.Time) (model.ManualState, error) {
	if !amount.IsPositive() {
		return s, fmt.Errorf("%w: top-up must be positive, got %s", ErrInvalidAmount, amount)
	}
	to, err := Next(s.Phase, OpRecordTopup)
	if err != nil {
		return s, err
	}

	s.Phase = to
	s.Balance = s.Balance.Add(amount)
	s.LastTopupAt = at
	s.LastTopupAmount = amount
	s.UpdatedAt = at
	return s, nil
}

// RecordConsumption subtracts spent from the balance and refreshes the daily
// estimate. The balance may go negative.
func RecordConsumption(s model.ManualState, spent decimal.Decimal, at time.Time, est Estimator) (model.ManualState, error) {
	if !spent.IsPositive() {
		return s, fmt.Errorf("%w: consumption must be positive, got %s", ErrInvalidAmount, spent)
	}
	to, err := Next(s.Phase, OpRecordConsumption)
	if err != nil {
		return s, err
	}

	since := s.LastConsumptionAt
	if since.IsZero() {
		since = s.LastTopupAt
	}

	s.Phase = to
	s.Balance = s.Balance.Sub(spent)
	s.DailyEstimate = est.Update(s.DailyEstimate, spent, since, at)
	s.EstimateUpdatedAt = at
	s.LastConsumptionAt = at
	s.UpdatedAt = at
	return s, nil
}

// CoverageDays returns how many whole days amount covers at rate per day.
// Zero when rate is not positive.
func CoverageDays(amount, rate decimal.Decimal) int64 {
	if !rate.IsPositive() || !amount.IsPositive() {
		return 0
	}
	return amount.Div(rate).Floor().IntPart()
}
