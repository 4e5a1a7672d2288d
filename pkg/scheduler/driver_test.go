package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/balance-guardian/pkg/alerts"
	"github.com/ogulcanaydogan/balance-guardian/pkg/evaluator"
	"github.com/ogulcanaydogan/balance-guardian/pkg/manual"
	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/registry"
	"github.com/ogulcanaydogan/balance-guardian/pkg/scheduler"
	"github.com/ogulcanaydogan/balance-guardian/pkg/source"
	"github.com/ogulcanaydogan/balance-guardian/pkg/storage"
)

var wita = time.FixedZone("WITA", 8*3600)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher returns scripted balances or errors per service.
type fakeFetcher struct {
	mu       sync.Mutex
	balances map[string]string
	errs     map[string]error
	calls    int
}

func (f *fakeFetcher) set(key, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, key)
	f.balances[key] = amount
}

func (f *fakeFetcher) fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

func (f *fakeFetcher) FetchAll(_ context.Context, keys []string) []source.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]source.Result, 0, len(keys))
	for _, k := range keys {
		if err, ok := f.errs[k]; ok {
			out = append(out, source.Result{ServiceKey: k, Err: &source.FetchError{ServiceKey: k, Err: err}})
			continue
		}
		out = append(out, source.Result{ServiceKey: k, Amount: dec(f.balances[k])})
	}
	return out
}

// recordingNotifier records delivered alerts and optionally fails.
type recordingNotifier struct {
	name string
	err  error
	got  []model.Alert
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, a alerts.Alert) error {
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, a)
	return nil
}

// failingStore fails CommitTick while fail is set.
type failingStore struct {
	*storage.SQLite
	fail bool
}

func (f *failingStore) CommitTick(ctx context.Context, tick *storage.TickRecord) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLite.CommitTick(ctx, tick)
}

type harness struct {
	reg      *registry.Registry
	fetcher  *fakeFetcher
	db       *storage.SQLite
	store    *failingStore
	notifier *recordingNotifier
	driver   *scheduler.Driver
}

func newHarness(t *testing.T, services ...model.Service) *harness {
	t.Helper()
	reg := registry.New()
	for _, svc := range services {
		require.NoError(t, reg.Register(svc))
	}

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		reg:      reg,
		fetcher:  &fakeFetcher{balances: map[string]string{}, errs: map[string]error{}},
		db:       db,
		store:    &failingStore{SQLite: db},
		notifier: &recordingNotifier{name: "recorder"},
	}
	h.driver = h.newDriver()
	return h
}

func (h *harness) newDriver(extra ...alerts.Notifier) *scheduler.Driver {
	cfg := evaluator.DefaultConfig()
	cfg.Location = wita
	notifiers := append([]alerts.Notifier{h.notifier}, extra...)
	return scheduler.NewDriver(h.reg, h.fetcher, h.store, evaluator.New(cfg), notifiers, discardLogger())
}

func apiService(key string, threshold string) model.Service {
	return model.Service{
		Key:       key,
		Mode:      model.ModeAPI,
		Currency:  "USD",
		Threshold: dec(threshold),
		Source:    &model.SourceSpec{URL: "http://example.invalid/" + key, BalanceField: "balance"},
	}
}

func TestDriver_SweepFiresAndPersists(t *testing.T) {
	h := newHarness(t, apiService("didww", "100"))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.set("didww", "150")
	report, err := h.driver.TickAt(ctx, model.TickSweep, t0)
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
	assert.Equal(t, 1, report.Observed)

	h.fetcher.set("didww", "90")
	report, err = h.driver.TickAt(ctx, model.TickSweep, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, model.AlertLowBalance, report.Alerts[0].Kind)
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, report.Alerts[0].ID, h.notifier.got[0].ID)

	logged, err := h.db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].Delivered)
	assert.Equal(t, report.ID, logged[0].TickID)

	state := h.driver.State()
	assert.Equal(t, "90", state.Current["didww"].Amount.String())
	assert.Equal(t, "150", state.Previous["didww"].Amount.String())
	assert.Equal(t, t0.Add(time.Hour), state.LastRun[model.TickSweep])
}

func TestDriver_RestartKeepsAlertState(t *testing.T) {
	h := newHarness(t, apiService("didww", "100"))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.set("didww", "40")
	report, err := h.driver.TickAt(ctx, model.TickSweep, t0)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)

	restarted := h.newDriver()
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, t0.UTC(), restarted.LastRun(model.TickSweep).UTC())

	report, err = restarted.TickAt(ctx, model.TickSweep, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, report.Alerts, "fired state survives restart")
}

func TestDriver_SameTickTwice(t *testing.T) {
	h := newHarness(t, apiService("didww", "100"))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.set("didww", "40")
	first, err := h.driver.TickAt(ctx, model.TickSweep, now)
	require.NoError(t, err)
	require.Len(t, first.Alerts, 1)

	second, err := h.driver.TickAt(ctx, model.TickSweep, now)
	require.NoError(t, err)
	assert.Empty(t, second.Alerts)
}

func TestDriver_PersistenceFailureAbortsTick(t *testing.T) {
	h := newHarness(t, apiService("didww", "100"))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.set("didww", "40")
	h.store.fail = true
	report, err := h.driver.TickAt(ctx, model.TickSweep, now)
	require.Error(t, err)
	assert.Nil(t, report)

	var pe *scheduler.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.TickSweep, pe.Kind)
	assert.Empty(t, h.notifier.got, "nothing delivered")
	assert.True(t, h.driver.State().Eval.Alert("didww", model.AlertLowBalance).Armed)
	assert.Empty(t, h.driver.State().Current)

	h.store.fail = false
	report, err = h.driver.TickAt(ctx, model.TickSweep, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, report.Alerts, 1, "alert fires once persistence recovers")
}

func TestDriver_DeliveryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, apiService("a", "100"), apiService("b", "100"))
	ctx := context.Background()
	broken := &recordingNotifier{name: "broken", err: errors.New("connection refused")}
	d := h.newDriver(broken)

	h.fetcher.set("a", "1")
	h.fetcher.set("b", "2")
	report, err := d.TickAt(ctx, model.TickSweep, time.Date(2026, 3, 1, 9, 0, 0, 0, wita))
	require.NoError(t, err)
	require.Len(t, report.Alerts, 2)
	assert.Equal(t, 2, report.DeliveryErrors)

	require.Len(t, h.notifier.got, 2)
	assert.Equal(t, "a", h.notifier.got[0].ServiceKey)
	assert.Equal(t, "b", h.notifier.got[1].ServiceKey)
	assert.False(t, d.State().Eval.Alert("a", model.AlertLowBalance).Armed, "state is not rolled back")
}

func TestDriver_AllDeliveriesFailLeavesUndelivered(t *testing.T) {
	h := newHarness(t, apiService("a", "100"))
	ctx := context.Background()
	h.notifier.err = errors.New("down")

	h.fetcher.set("a", "1")
	_, err := h.driver.TickAt(ctx, model.TickSweep, time.Now())
	require.NoError(t, err)

	logged, err := h.db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.False(t, logged[0].Delivered)
}

func TestDriver_SourceUnavailable(t *testing.T) {
	h := newHarness(t, apiService("b", "10"))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.fail("b", errors.New("timeout"))
	var fired []model.AlertKind
	for i := 0; i < 3; i++ {
		report, err := h.driver.TickAt(ctx, model.TickSweep, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		require.Len(t, report.Events, 1)
		for _, a := range report.Alerts {
			fired = append(fired, a.Kind)
		}
	}
	assert.Equal(t, []model.AlertKind{model.AlertSourceUnavailable}, fired)

	snap, err := h.db.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Health, 1)
	assert.Equal(t, 3, snap.Health[0].ConsecutiveFailures)

	h.fetcher.set("b", "50")
	report, err := h.driver.TickAt(ctx, model.TickSweep, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
	assert.True(t, h.driver.State().Eval.Alert("b", model.AlertSourceUnavailable).Armed)
}

func TestDriver_DailyTickUsesManualAndLastKnown(t *testing.T) {
	callii := model.Service{Key: "callii", Name: "Callii", Mode: model.ModeManual, Currency: "USD", DailyRate: dec("2.2")}
	streamtele := model.Service{Key: "streamtele", Mode: model.ModeManual, Currency: "RUB", MonthlyFee: dec("1500"), DueDay: 11}
	didww := apiService("didww", "0")
	didww.DailyRate = dec("10")
	h := newHarness(t, didww, callii, streamtele)
	ctx := context.Background()

	tracker := manual.NewTracker(h.reg, h.db, manual.NewEstimator(0.3), h.driver.TickLock(), discardLogger())
	_, err := tracker.RecordTopup(ctx, "callii", dec("5"))
	require.NoError(t, err)
	_, err = tracker.RecordTopup(ctx, "streamtele", dec("3000"))
	require.NoError(t, err)

	h.fetcher.set("didww", "20")
	_, err = h.driver.TickAt(ctx, model.TickSweep, time.Date(2026, 3, 11, 9, 0, 0, 0, wita))
	require.NoError(t, err)
	calls := h.fetcher.calls

	report, err := h.driver.TickAt(ctx, model.TickDaily, time.Date(2026, 3, 11, 10, 0, 0, 0, wita))
	require.NoError(t, err)
	assert.Equal(t, calls, h.fetcher.calls, "daily tick does not fetch")

	var got []string
	for _, a := range report.Alerts {
		got = append(got, a.ServiceKey+"/"+string(a.Kind))
	}
	assert.Equal(t, []string{
		"didww/daily_topup",
		"callii/daily_topup",
		"streamtele/monthly_due",
	}, got)

	report, err = h.driver.TickAt(ctx, model.TickDaily, time.Date(2026, 3, 11, 11, 0, 0, 0, wita))
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
}

func TestDriver_TickLockSerializesManualInput(t *testing.T) {
	h := newHarness(t, model.Service{Key: "callii", Mode: model.ModeManual, Threshold: dec("10")})
	ctx := context.Background()
	tracker := manual.NewTracker(h.reg, h.db, manual.NewEstimator(0.3), h.driver.TickLock(), discardLogger())

	lock := h.driver.TickLock()
	lock.Lock()
	done := make(chan struct{})
	go func() {
		_, _ = tracker.RecordTopup(ctx, "callii", dec("5"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("manual input ran while the tick lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	lock.Unlock()
	<-done

	report, err := h.driver.TickAt(ctx, model.TickSweep, time.Now())
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.True(t, report.Alerts[0].Observed.Equal(dec("5")))
}

func TestDriver_MonthlyDueWithoutBalance(t *testing.T) {
	streamtele := model.Service{Key: "streamtele", Mode: model.ModeManual, Currency: "RUB", MonthlyFee: dec("1500"), DueDay: 11}
	didww := apiService("didww", "10")
	didww.MonthlyFee = dec("25")
	didww.DueDay = 11
	h := newHarness(t, didww, streamtele)
	ctx := context.Background()

	h.fetcher.fail("didww", errors.New("timeout"))
	_, err := h.driver.TickAt(ctx, model.TickSweep, time.Date(2026, 3, 11, 9, 0, 0, 0, wita))
	require.NoError(t, err)

	report, err := h.driver.TickAt(ctx, model.TickDaily, time.Date(2026, 3, 11, 10, 0, 0, 0, wita))
	require.NoError(t, err)
	assert.Zero(t, report.Observed)

	var got []string
	for _, a := range report.Alerts {
		got = append(got, a.ServiceKey+"/"+string(a.Kind))
		assert.True(t, a.Observed.IsZero())
	}
	assert.Equal(t, []string{"didww/monthly_due", "streamtele/monthly_due"}, got)
	assert.Len(t, h.notifier.got, 2)

	logged, err := h.db.ListAlerts(ctx, model.AlertFilter{Kind: model.AlertMonthlyDue})
	require.NoError(t, err)
	assert.Len(t, logged, 2)
}

func TestDriver_DryTickLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, apiService("didww", "100"))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, wita)

	h.fetcher.set("didww", "40")
	dry, err := h.driver.DryTickAt(ctx, model.TickSweep, now)
	require.NoError(t, err)
	require.Len(t, dry.Alerts, 1)
	assert.Equal(t, model.AlertLowBalance, dry.Alerts[0].Kind)
	assert.Equal(t, 1, dry.Observed)

	assert.Empty(t, h.notifier.got)
	logged, err := h.db.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	assert.Empty(t, logged)
	state := h.driver.State()
	assert.True(t, state.Eval.Alert("didww", model.AlertLowBalance).Armed)
	assert.Empty(t, state.Current)
	assert.True(t, state.LastRun[model.TickSweep].IsZero())

	report, err := h.driver.TickAt(ctx, model.TickSweep, now)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	assert.Len(t, h.notifier.got, 1)
}
