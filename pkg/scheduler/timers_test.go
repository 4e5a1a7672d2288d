package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/balance-guardian/pkg/model"
	"github.com/ogulcanaydogan/balance-guardian/pkg/scheduler"
)

type countingTicker struct {
	mu      sync.Mutex
	kinds   []model.TickKind
	lastRun time.Time
	ran     chan model.TickKind
}

func (c *countingTicker) Tick(_ context.Context, kind model.TickKind) (*scheduler.TickReport, error) {
	c.mu.Lock()
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
	c.ran <- kind
	return &scheduler.TickReport{Kind: kind}, nil
}

func (c *countingTicker) LastRun(model.TickKind) time.Time { return c.lastRun }

func TestParseClock(t *testing.T) {
	h, m, err := scheduler.ParseClock("10:05")
	require.NoError(t, err)
	assert.Equal(t, 10, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"", "10", "24:00", "10:60", "ab:cd", "10:00:00"} {
		_, _, err := scheduler.ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestDailySpec(t *testing.T) {
	assert.Equal(t, "0 0 10 * * *", scheduler.DailySpec(10, 0))
	assert.Equal(t, "0 30 7 * * *", scheduler.DailySpec(7, 30))
}

func TestMissedDaily(t *testing.T) {
	at := func(day, hour int) time.Time { return time.Date(2026, 3, day, hour, 0, 0, 0, wita) }

	assert.False(t, scheduler.MissedDaily(time.Time{}, at(2, 9), 10, 0, wita), "before today's slot")
	assert.True(t, scheduler.MissedDaily(time.Time{}, at(2, 11), 10, 0, wita), "never ran")
	assert.True(t, scheduler.MissedDaily(at(1, 10), at(2, 11), 10, 0, wita), "ran yesterday")
	assert.False(t, scheduler.MissedDaily(at(2, 10), at(2, 11), 10, 0, wita), "ran today")
}

func TestNewTimers_Validation(t *testing.T) {
	ticker := &countingTicker{ran: make(chan model.TickKind, 4)}

	_, err := scheduler.NewTimers(context.Background(), ticker, scheduler.TimerConfig{SweepInterval: 0, DailyAt: "10:00"}, discardLogger())
	assert.Error(t, err)

	_, err = scheduler.NewTimers(context.Background(), ticker, scheduler.TimerConfig{SweepInterval: time.Hour, DailyAt: "25:00"}, discardLogger())
	assert.Error(t, err)

	tm, err := scheduler.NewTimers(context.Background(), ticker, scheduler.TimerConfig{SweepInterval: time.Hour, DailyAt: "10:00"}, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, tm)
}

func TestTimers_RunOnStart(t *testing.T) {
	ticker := &countingTicker{ran: make(chan model.TickKind, 4)}
	cfg := scheduler.TimerConfig{
		SweepInterval: time.Hour,
		DailyAt:       "00:00",
		Location:      time.UTC,
		RunOnStart:    true,
	}
	tm, err := scheduler.NewTimers(context.Background(), ticker, cfg, discardLogger())
	require.NoError(t, err)

	tm.Start()
	defer tm.Stop()

	var got []model.TickKind
	for len(got) < 2 {
		select {
		case kind := <-ticker.ran:
			got = append(got, kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	// Midnight has always passed and the daily tick never ran, so it is caught up.
	assert.Equal(t, []model.TickKind{model.TickSweep, model.TickDaily}, got)
}

func TestTimers_SkipsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ticker := &countingTicker{ran: make(chan model.TickKind, 4)}
	cfg := scheduler.TimerConfig{SweepInterval: time.Hour, DailyAt: "00:00", RunOnStart: true}
	tm, err := scheduler.NewTimers(ctx, ticker, cfg, discardLogger())
	require.NoError(t, err)

	tm.Start()
	defer tm.Stop()

	select {
	case kind := <-ticker.ran:
		t.Fatalf("unexpected %s tick", kind)
	case <-time.After(100 * time.Millisecond):
	}
}

type blockingTicker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingTicker) Tick(_ context.Context, kind model.TickKind) (*scheduler.TickReport, error) {
	close(b.started)
	<-b.release
	return &scheduler.TickReport{Kind: kind}, nil
}

func (b *blockingTicker) LastRun(model.TickKind) time.Time { return time.Now() }

func TestTimers_StopWaitsForStartupSweep(t *testing.T) {
	ticker := &blockingTicker{started: make(chan struct{}), release: make(chan struct{})}
	cfg := scheduler.TimerConfig{SweepInterval: time.Hour, DailyAt: "00:00", Location: time.UTC, RunOnStart: true}
	tm, err := scheduler.NewTimers(context.Background(), ticker, cfg, discardLogger())
	require.NoError(t, err)

	tm.Start()
	select {
	case <-ticker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("startup sweep did not run")
	}

	stopped := make(chan struct{})
	go func() {
		tm.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup sweep was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(ticker.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
}
