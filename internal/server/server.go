package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/manual"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
	"github.com/ogulcanaydogan/balance-guardian/pkg/scheduler"
)

const defaultAlertLimit = 50

// Driver is the part of the scheduler the API reads and triggers.
type Driver interface {
	State() scheduler.State
	Tick(ctx context.Context, kind model.TickKind) (*scheduler.TickReport, error)
}

// AlertLog lists fired alerts.
type AlertLog interface {
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.AlertRecord, error)
}

// Server provides health, status, alert history and manual input endpoints.
type Server struct {
	registry *registry.Registry
	tracker  *manual.Tracker
	driver   Driver
	alerts   AlertLog
	mux      *http.ServeMux
	logger   *slog.Logger
}

// NewServer creates an API server.
func NewServer(reg *registry.Registry, t *manual.Tracker, d Driver, log AlertLog, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		tracker:  t,
		driver:   d,
		alerts:   log,
		mux:      http.NewServeMux(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/services", s.handleServices)
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	s.mux.HandleFunc("POST /api/v1/ticks/{kind}", s.handleTick)
	s.mux.HandleFunc("POST /api/v1/services/{key}/topup", s.handleTopup)
	s.mux.HandleFunc("POST /api/v1/services/{key}/consumption", s.handleConsumption)
	s.mux.HandleFunc("POST /api/v1/services/{key}/topup/begin", s.handleBeginTopup)
	s.mux.HandleFunc("POST /api/v1/services/{key}/topup/cancel", s.handleCancelTopup)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ServiceStatus is one row of GET /api/v1/services.
type ServiceStatus struct {
	Service     model.Service      `json:"service"`
	Observation *model.Observation `json:"observation,omitempty"`
	Manual      *model.ManualState `json:"manual,omitempty"`
	Alerts      []model.AlertState `json:"alerts"`
	Failures    int                `json:"consecutive_failures"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	state := s.driver.State()
	out := make([]ServiceStatus, 0, s.registry.Len())
	for _, svc := range s.registry.All() {
		st := ServiceStatus{Service: svc, Alerts: []model.AlertState{}}
		for _, as := range state.Eval.AlertStates() {
			if as.ServiceKey == svc.Key {
				st.Alerts = append(st.Alerts, as)
			}
		}
		if h, ok := state.Eval.Health[svc.Key]; ok {
			st.Failures = h.ConsecutiveFailures
		}

		if svc.Mode == model.ModeManual {
			ms, err := s.tracker.State(ctx, svc.Key)
			if err != nil {
				s.logger.Error("load manual state", "service", svc.Key, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			obs := ms.Observation(ms.UpdatedAt)
			st.Manual = &ms
			st.Observation = &obs
		} else if obs, ok := state.Current[svc.Key]; ok {
			st.Observation = &obs
		}
		out = append(out, st)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	filter := model.AlertFilter{
		ServiceKey: q.Get("service"),
		Kind:       model.AlertKind(q.Get("kind")),
		Limit:      defaultAlertLimit,
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	records, err := s.alerts.ListAlerts(ctx, filter)
	if err != nil {
		s.logger.Error("list alerts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.AlertRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	kind := model.TickKind(r.PathValue("kind"))
	if kind != model.TickSweep && kind != model.TickDaily {
		http.Error(w, "tick kind must be sweep or daily", http.StatusBadRequest)
		return
	}

	report, err := s.driver.Tick(r.Context(), kind)
	if err != nil {
		s.logger.Error("manual tick", "kind", kind, "error", err)
		http.Error(w, "tick failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.tracker.RecordTopup)
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.tracker.RecordConsumption)
}

func (s *Server) handleBeginTopup(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.BeginTopupEntry(r.Context(), r.PathValue("key"))
	s.writeManual(w, st, err)
}

func (s *Server) handleCancelTopup(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.CancelTopupEntry(r.Context(), r.PathValue("key"))
	s.writeManual(w, st, err)
}

func (s *Server) withAmount(w http.ResponseWriter, r *http.Request, op func(context.Context, string, decimal.Decimal) (model.ManualState, error)) {
	var req amountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "body must be {\"amount\": <number>}", http.StatusBadRequest)
		return
	}
	st, err := op(r.Context(), r.PathValue("key"), req.Amount)
	s.writeManual(w, st, err)
}

func (s *Server) writeManual(w http.ResponseWriter, st model.ManualState, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, manual.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, manual.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrServiceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("manual input", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
