package scheduler

import (
	"time"

	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

// State is the driver's in-memory view of persisted state. It only changes
// after a tick has been committed.
type State struct {
	Eval     evaluator.State
	Current  map[string]model.Observation
	Previous map[string]model.Observation
	LastRun  map[model.TickKind]time.Time
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Eval:     evaluator.NewState(),
		Current:  make(map[string]model.Observation),
		Previous: make(map[string]model.Observation),
		LastRun:  make(map[model.TickKind]time.Time),
	}
}

// StateFromSnapshot rebuilds driver state from storage.
func StateFromSnapshot(snap *storage.Snapshot) State {
	s := NewState()
	s.Eval = evaluator.StateFrom(snap.AlertStates, snap.Health)
	for k, v := range snap.Current {
		s.Current[k] = v
	}
	for k, v := range snap.Previous {
		s.Previous[k] = v
	}
	for k, v := range snap.LastRun {
		s.LastRun[k] = v
	}
	return s
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := State{
		Eval:     s.Eval.Clone(),
		Current:  make(map[string]model.Observation, len(s.Current)),
		Previous: make(map[string]model.Observation, len(s.Previous)),
		LastRun:  make(map[model.TickKind]time.Time, len(s.LastRun)),
	}
	for k, v := range s.Current {
		c.Current[k] = v
	}
	for k, v := range s.Previous {
		c.Previous[k] = v
	}
	for k, v := range s.LastRun {
		c.LastRun[k] = v
	}
	return c
}
