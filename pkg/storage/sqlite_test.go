package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

func newTestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func obs(key string, amount string, at time.Time) model.Observation {
	return model.Observation{
		ServiceKey: key,
		Amount:     decimal.RequireFromString(amount),
		ObservedAt: at,
		Source:     model.SourceFetched,
	}
}

func TestSQLite_LoadSnapshot_Empty(t *testing.T) {
	db := newTestDB(t)

	snap, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.AlertStates)
	assert.Empty(t, snap.Health)
	assert.Empty(t, snap.Current)
	assert.Empty(t, snap.Previous)
	assert.Empty(t, snap.LastRun)
}

func TestSQLite_CommitTick(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tick := &storage.TickRecord{
		Kind:         model.TickSweep,
		StartedAt:    now,
		Observations: []model.Observation{obs("didww", "42.50", now)},
		AlertStates: []model.AlertState{
			{ServiceKey: "didww", Kind: model.AlertLowBalance, Armed: false, LastFired: now},
		},
		Health: []model.SourceHealth{
			{ServiceKey: "zadarma", ConsecutiveFailures: 2, LastError: "timeout", LastFailureAt: now},
		},
		Alerts: []model.Alert{{
			Kind:       model.AlertLowBalance,
			Level:      model.LevelWarning,
			ServiceKey: "didww",
			Observed:   decimal.RequireFromString("42.50"),
			Threshold:  decimal.NewFromInt(50),
			Message:    "low",
			FiredAt:    now,
		}},
	}
	require.NoError(t, db.CommitTick(ctx, tick))
	assert.NotEmpty(t, tick.ID)
	assert.NotEmpty(t, tick.Alerts[0].ID)

	snap, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.AlertStates, 1)
	assert.False(t, snap.AlertStates[0].Armed)
	assert.True(t, snap.AlertStates[0].LastFired.Equal(now))

	require.Len(t, snap.Health, 1)
	assert.Equal(t, 2, snap.Health[0].ConsecutiveFailures)
	assert.Equal(t, "timeout", snap.Health[0].LastError)

	cur, ok := snap.Current["didww"]
	require.True(t, ok)
	assert.Equal(t, "42.5", cur.Amount.String())
	assert.Equal(t, model.SourceFetched, cur.Source)
	assert.Empty(t, snap.Previous)

	assert.True(t, snap.LastRun[model.TickSweep].Equal(now))

	alerts, err := db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, tick.ID, alerts[0].TickID)
	assert.False(t, alerts[0].Delivered)
	assert.True(t, alerts[0].Threshold.Equal(decimal.NewFromInt(50)))
}

func TestSQLite_CommitTick_ShiftsObservations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	for i, amount := range []string{"150", "90", "40"} {
		at := t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, db.CommitTick(ctx, &storage.TickRecord{
			Kind:         model.TickSweep,
			StartedAt:    at,
			Observations: []model.Observation{obs("didww", amount, at)},
		}))
	}

	snap, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "40", snap.Current["didww"].Amount.String())
	assert.Equal(t, "90", snap.Previous["didww"].Amount.String())
}

func TestSQLite_CommitTick_UpsertsAlertState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	state := model.AlertState{ServiceKey: "callii", Kind: model.AlertDailyTopup, Armed: true}
	require.NoError(t, db.CommitTick(ctx, &storage.TickRecord{Kind: model.TickDaily, AlertStates: []model.AlertState{state}}))

	state.LastFired = now
	require.NoError(t, db.CommitTick(ctx, &storage.TickRecord{Kind: model.TickDaily, AlertStates: []model.AlertState{state}}))

	snap, err := db.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.AlertStates, 1)
	assert.True(t, snap.AlertStates[0].LastFired.Equal(now))
}

func TestSQLite_MarkDelivered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tick := &storage.TickRecord{
		Kind: model.TickSweep,
		Alerts: []model.Alert{
			{Kind: model.AlertLowBalance, ServiceKey: "a", FiredAt: now},
			{Kind: model.AlertLowBalance, ServiceKey: "b", FiredAt: now},
		},
	}
	require.NoError(t, db.CommitTick(ctx, tick))
	require.NoError(t, db.MarkDelivered(ctx, []string{tick.Alerts[0].ID}))
	require.NoError(t, db.MarkDelivered(ctx, nil))

	alerts, err := db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	delivered := map[string]bool{}
	for _, a := range alerts {
		delivered[a.ServiceKey] = a.Delivered
	}
	assert.True(t, delivered["a"])
	assert.False(t, delivered["b"])
}

func TestSQLite_ListAlerts_Filter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.CommitTick(ctx, &storage.TickRecord{
		Kind: model.TickDaily,
		Alerts: []model.Alert{
			{Kind: model.AlertMonthlyDue, ServiceKey: "streamtele", FiredAt: base},
			{Kind: model.AlertDailyTopup, ServiceKey: "callii", FiredAt: base.Add(24 * time.Hour)},
			{Kind: model.AlertDailyTopup, ServiceKey: "callii", FiredAt: base.Add(48 * time.Hour)},
		},
	}))

	all, err := db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].FiredAt.After(all[1].FiredAt), "newest first")

	callii, err := db.ListAlerts(ctx, model.AlertFilter{ServiceKey: "callii"})
	require.NoError(t, err)
	assert.Len(t, callii, 2)

	monthly, err := db.ListAlerts(ctx, model.AlertFilter{Kind: model.AlertMonthlyDue})
	require.NoError(t, err)
	assert.Len(t, monthly, 1)

	recent, err := db.ListAlerts(ctx, model.AlertFilter{Since: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := db.ListAlerts(ctx, model.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_ManualState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

	_, err := db.GetManualState(ctx, "callii")
	require.ErrorIs(t, err, storage.ErrNotFound)

	st := &model.ManualState{
		ServiceKey:      "callii",
		Phase:           model.PhaseTracked,
		Balance:         decimal.RequireFromString("25.30"),
		LastTopupAt:     now,
		LastTopupAmount: decimal.NewFromInt(30),
		DailyEstimate:   decimal.RequireFromString("2.2"),
		UpdatedAt:       now,
	}
	require.NoError(t, db.SaveManualState(ctx, st))

	got, err := db.GetManualState(ctx, "callii")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseTracked, got.Phase)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("25.3")))
	assert.True(t, got.DailyEstimate.Equal(decimal.RequireFromString("2.2")))
	assert.True(t, got.LastTopupAt.Equal(now))
	assert.True(t, got.LastConsumptionAt.IsZero())

	st.Phase = model.PhaseAwaitingTopup
	require.NoError(t, db.SaveManualState(ctx, st))
	require.NoError(t, db.SaveManualState(ctx, &model.ManualState{ServiceKey: "wazzup_numbers", Phase: model.PhaseTracked}))

	list, err := db.ListManualStates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "callii", list[0].ServiceKey)
	assert.Equal(t, model.PhaseAwaitingTopup, list[0].Phase)
}

func TestSQLite_InMemory(t *testing.T) {
	db, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.SaveManualState(context.Background(), &model.ManualState{ServiceKey: "x", Phase: model.PhaseTracked}))
	_, err = db.GetManualState(context.Background(), "x")
	require.NoError(t, err)
}

func TestSQLite_MigrationIdempotency(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// Open and close twice to verify migration idempotency
	db1, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	db2.Close()
}
