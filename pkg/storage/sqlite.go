package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"

	_ "modernc.org/sqlite"
)

const (
	slotCurrent  = "current"
	slotPrevious = "previous"
)

// SQLite implements the Storage interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
// ":memory:" opens a private in-memory database.
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Current:  make(map[string]model.Observation),
		Previous: make(map[string]model.Observation),
		LastRun:  make(map[model.TickKind]time.Time),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT service_key, kind, armed, last_fired FROM alert_states ORDER BY service_key, kind`)
	if err != nil {
		return nil, fmt.Errorf("load alert states: %w", err)
	}
	for rows.Next() {
		var st model.AlertState
		var lastFired int64
		if err := rows.Scan(&st.ServiceKey, &st.Kind, &st.Armed, &lastFired); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan alert state: %w", err)
		}
		st.LastFired = fromNanos(lastFired)
		snap.AlertStates = append(snap.AlertStates, st)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load alert states: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT service_key, consecutive_failures, last_error, last_failure_at FROM source_health ORDER BY service_key`)
	if err != nil {
		return nil, fmt.Errorf("load source health: %w", err)
	}
	for rows.Next() {
		var h model.SourceHealth
		var lastFailure int64
		if err := rows.Scan(&h.ServiceKey, &h.ConsecutiveFailures, &h.LastError, &lastFailure); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan source health: %w", err)
		}
		h.LastFailureAt = fromNanos(lastFailure)
		snap.Health = append(snap.Health, h)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load source health: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT service_key, slot, amount, observed_at, source FROM observations`)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	for rows.Next() {
		var o model.Observation
		var slot string
		var observedAt int64
		if err := rows.Scan(&o.ServiceKey, &slot, &o.Amount, &observedAt, &o.Source); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.ObservedAt = fromNanos(observedAt)
		if slot == slotPrevious {
			snap.Previous[o.ServiceKey] = o
		} else {
			snap.Current[o.ServiceKey] = o
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, last_run_at FROM scheduler_markers`)
	if err != nil {
		return nil, fmt.Errorf("load scheduler markers: %w", err)
	}
	for rows.Next() {
		var kind model.TickKind
		var lastRun int64
		if err := rows.Scan(&kind, &lastRun); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan scheduler marker: %w", err)
		}
		snap.LastRun[kind] = fromNanos(lastRun)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load scheduler markers: %w", err)
	}

	return snap, nil
}

func (s *SQLite) CommitTick(ctx context.Context, tick *TickRecord) error {
	if tick.ID == "" {
		tick.ID = uuid.New().String()
	}
	if tick.StartedAt.IsZero() {
		tick.StartedAt = time.Now().UTC()
	}
	committedAt := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range tick.Observations {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM observations WHERE service_key = ? AND slot = ?`, o.ServiceKey, slotPrevious); err != nil {
			return fmt.Errorf("clear previous observation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET slot = ? WHERE service_key = ? AND slot = ?`,
			slotPrevious, o.ServiceKey, slotCurrent); err != nil {
			return fmt.Errorf("shift observation: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations (service_key, slot, amount, observed_at, source) VALUES (?, ?, ?, ?, ?)`,
			o.ServiceKey, slotCurrent, o.Amount, toNanos(o.ObservedAt), o.Source); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}

	for _, st := range tick.AlertStates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_states (service_key, kind, armed, last_fired, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(service_key, kind) DO UPDATE SET
			   armed = excluded.armed,
			   last_fired = excluded.last_fired,
			   updated_at = excluded.updated_at`,
			st.ServiceKey, st.Kind, st.Armed, toNanos(st.LastFired), toNanos(committedAt)); err != nil {
			return fmt.Errorf("upsert alert state: %w", err)
		}
	}

	for _, h := range tick.Health {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_health (service_key, consecutive_failures, last_error, last_failure_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(service_key) DO UPDATE SET
			   consecutive_failures = excluded.consecutive_failures,
			   last_error = excluded.last_error,
			   last_failure_at = excluded.last_failure_at`,
			h.ServiceKey, h.ConsecutiveFailures, h.LastError, toNanos(h.LastFailureAt)); err != nil {
			return fmt.Errorf("upsert source health: %w", err)
		}
	}

	for i := range tick.Alerts {
		a := &tick.Alerts[i]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_log (id, tick_id, service_key, service_name, kind, level, currency, observed,
			   threshold, monthly_fee, due_date, runway_days, failures, message, fired_at, delivered)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			a.ID, tick.ID, a.ServiceKey, a.ServiceName, a.Kind, a.Level, a.Currency, a.Observed,
			a.Threshold, a.MonthlyFee, toNanos(a.DueDate), a.RunwayDays, a.Failures, a.Message,
			toNanos(a.FiredAt)); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduler_markers (kind, last_run_at) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET last_run_at = excluded.last_run_at`,
		tick.Kind, toNanos(tick.StartedAt)); err != nil {
		return fmt.Errorf("update scheduler marker: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ticks (id, kind, started_at, alert_count, committed_at) VALUES (?, ?, ?, ?, ?)`,
		tick.ID, tick.Kind, toNanos(tick.StartedAt), len(tick.Alerts), toNanos(committedAt)); err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick: %w", err)
	}
	return nil
}

func (s *SQLite) MarkDelivered(ctx context.Context, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(alertIDs)), ",")
	args := make([]any, len(alertIDs))
	for i, id := range alertIDs {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE alert_log SET delivered = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

const manualStateColumns = `service_key, phase, balance, last_topup_at, last_topup_amount,
	daily_estimate, estimate_updated_at, last_consumption_at, updated_at`

func (s *SQLite) GetManualState(ctx context.Context, serviceKey string) (*model.ManualState, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+manualStateColumns+" FROM manual_states WHERE service_key = ?", serviceKey)
	st, err := scanManualState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manual state %q: %w", serviceKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get manual state: %w", err)
	}
	return st, nil
}

func (s *SQLite) SaveManualState(ctx context.Context, st *model.ManualState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_states (`+manualStateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_key) DO UPDATE SET
		   phase = excluded.phase,
		   balance = excluded.balance,
		   last_topup_at = excluded.last_topup_at,
		   last_topup_amount = excluded.last_topup_amount,
		   daily_estimate = excluded.daily_estimate,
		   estimate_updated_at = excluded.estimate_updated_at,
		   last_consumption_at = excluded.last_consumption_at,
		   updated_at = excluded.updated_at`,
		st.ServiceKey, st.Phase, st.Balance, toNanos(st.LastTopupAt), st.LastTopupAmount,
		st.DailyEstimate, toNanos(st.EstimateUpdatedAt), toNanos(st.LastConsumptionAt), toNanos(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save manual state: %w", err)
	}
	return nil
}

func (s *SQLite) ListManualStates(ctx context.Context) ([]model.ManualState, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+manualStateColumns+" FROM manual_states ORDER BY service_key")
	if err != nil {
		return nil, fmt.Errorf("list manual states: %w", err)
	}
	defer rows.Close()

	var states []model.ManualState
	for rows.Next() {
		st, err := scanManualState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manual state row: %w", err)
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

func (s *SQLite) ListAlerts(ctx context.Context, filter model.AlertFilter) ([]model.AlertRecord, error) {
	query := `SELECT id, tick_id, service_key, service_name, kind, level, currency, observed, threshold,
		monthly_fee, due_date, runway_days, failures, message, fired_at, delivered FROM alert_log`
	where, args := buildWhereClause(filter)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY fired_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var records []model.AlertRecord
	for rows.Next() {
		var r model.AlertRecord
		var dueDate, firedAt int64
		if err := rows.Scan(&r.ID, &r.TickID, &r.ServiceKey, &r.ServiceName, &r.Kind, &r.Level,
			&r.Currency, &r.Observed, &r.Threshold, &r.MonthlyFee, &dueDate, &r.RunwayDays,
			&r.Failures, &r.Message, &firedAt, &r.Delivered); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		r.DueDate = fromNanos(dueDate)
		r.FiredAt = fromNanos(firedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManualState(row rowScanner) (*model.ManualState, error) {
	var st model.ManualState
	var lastTopup, estimateUpdated, lastConsumption, updated int64
	var balance, topupAmount, estimate decimal.Decimal
	if err := row.Scan(&st.ServiceKey, &st.Phase, &balance, &lastTopup, &topupAmount,
		&estimate, &estimateUpdated, &lastConsumption, &updated); err != nil {
		return nil, err
	}
	st.Balance = balance
	st.LastTopupAmount = topupAmount
	st.DailyEstimate = estimate
	st.LastTopupAt = fromNanos(lastTopup)
	st.EstimateUpdatedAt = fromNanos(estimateUpdated)
	st.LastConsumptionAt = fromNanos(lastConsumption)
	st.UpdatedAt = fromNanos(updated)
	return &st, nil
}

// buildWhereClause constructs a SQL WHERE clause from an AlertFilter.
func buildWhereClause(filter model.AlertFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.ServiceKey != "" {
		conditions = append(conditions, "service_key = ?")
		args = append(args, filter.ServiceKey)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "fired_at >= ?")
		args = append(args, toNanos(filter.Since))
	}

	return strings.Join(conditions, " AND "), args
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// Timestamps are stored as Unix nanoseconds; 0 means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
