package evaluator

import (
	"sort"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
)

// State is the evaluator-owned state: one AlertState per (service, kind) and
// the fetch-failure streak per API service. Missing alert states are armed.
type State struct {
	Alerts map[model.AlertKey]model.AlertState
	Health map[string]model.SourceHealth
}

// NewState returns an empty state.
func NewState() State {
	return State{
		Alerts: make(map[model.AlertKey]model.AlertState),
		Health: make(map[string]model.SourceHealth),
	}
}

// StateFrom builds a State from persisted records.
func StateFrom(alerts []model.AlertState, health []model.SourceHealth) State {
	s := NewState()
	for _, a := range alerts {
		s.Alerts[a.Key()] = a
	}
	for _, h := range health {
		s.Health[h.ServiceKey] = h
	}
	return s
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := State{
		Alerts: make(map[model.AlertKey]model.AlertState, len(s.Alerts)),
		Health: make(map[string]model.SourceHealth, len(s.Health)),
	}
	for k, v := range s.Alerts {
		c.Alerts[k] = v
	}
	for k, v := range s.Health {
		c.Health[k] = v
	}
	return c
}

// Alert returns the state for a service and kind, armed if never recorded.
func (s State) Alert(serviceKey string, kind model.AlertKind) model.AlertState {
	if st, ok := s.Alerts[model.AlertKey{ServiceKey: serviceKey, Kind: kind}]; ok {
		return st
	}
	return model.NewAlertState(serviceKey, kind)
}

// AlertStates returns all alert states sorted by service and kind.
func (s State) AlertStates() []model.AlertState {
	out := make([]model.AlertState, 0, len(s.Alerts))
	for _, st := range s.Alerts {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceKey != out[j].ServiceKey {
			return out[i].ServiceKey < out[j].ServiceKey
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// HealthRecords returns all source health records sorted by service.
func (s State) HealthRecords() []model.SourceHealth {
	out := make([]model.SourceHealth, 0, len(s.Health))
	for _, h := range s.Health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceKey < out[j].ServiceKey })
	return out
}
