package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/broker/paper"
	"orderkeeper/internal/coordinator"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/retry"
	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
	"orderkeeper/pkg/exception"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *alertSink) Notify(_ context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *alertSink) count(kind notify.Kind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, alert := range a.alerts {
		if alert.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	coord  *coordinator.Coordinator
	paper  *paper.Broker
	gw     *broker.Gateway
	rec    *Reconciler
	alerts *alertSink
}

func fastConfig() Config {
	return Config{
		Interval:       20 * time.Millisecond,
		MinInterval:    10 * time.Millisecond,
		Jitter:         0.5,
		CallsPerSecond: 1000,
		Burst:          10,
		Seed:           7,
	}
}

// lossyStore fails one save, counted from the first.
type lossyStore struct {
	store.Store
	mu     sync.Mutex
	saves  int
	failAt int
}

func (l *lossyStore) Save(ctx context.Context, snap store.Snapshot) error {
	l.mu.Lock()
	l.saves++
	fail := l.saves == l.failAt
	l.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return l.Store.Save(ctx, snap)
}

func newFixture(t *testing.T, pcfg paper.Config) *fixture {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	return newFixtureWithStore(t, pcfg, fs)
}

func newFixtureWithStore(t *testing.T, pcfg paper.Config, st store.Store) *fixture {
	t.Helper()
	pb, err := paper.New(pcfg)
	require.NoError(t, err)

	gw, err := broker.NewGateway(pb, broker.GatewayConfig{
		Retry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond},
	}, broker.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	alerts := &alertSink{}
	coord, err := coordinator.New(coordinator.Config{Workers: 1, QueueSize: 4, VerifyGrace: time.Minute, MaxVerifyAttempts: 5}, st, gw,
		coordinator.WithNotifier(notify.Nop{}))
	require.NoError(t, err)
	_, err = coord.Recover(t.Context())
	require.NoError(t, err)

	r, err := New(fastConfig(), coord, gw, WithNotifier(alerts))
	require.NoError(t, err)
	return &fixture{coord: coord, paper: pb, gw: gw, rec: r, alerts: alerts}
}

func (f *fixture) submit(t *testing.T, key string) schema.OrderRecord {
	t.Helper()
	_, err := f.coord.Accept(t.Context(), schema.OrderIntent{
		Key: key, Symbol: "INFY", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Quantity: 5,
	})
	require.NoError(t, err)
	rec, err := f.coord.Drive(t.Context(), key)
	require.NoError(t, err)
	return rec
}

func TestTickResolvesSubmittingWithLostSave(t *testing.T) {
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	f := newFixtureWithStore(t, paper.Config{Tags: true, FillAfterPolls: 100}, &lossyStore{Store: fs, failAt: 3})

	_, err = f.coord.Accept(t.Context(), schema.OrderIntent{
		Key: "s1", Symbol: "INFY", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Quantity: 5,
	})
	require.NoError(t, err)
	_, err = f.coord.Drive(t.Context(), "s1")
	require.Error(t, err)

	rec, ok := f.coord.Get("s1")
	require.True(t, ok)
	require.Equal(t, schema.OrderStateSubmitting, rec.State)

	report, err := f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1}, report)

	rec, ok = f.coord.Get("s1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)
	assert.Equal(t, 1, f.paper.Calls(paper.OpPlace))
}

func TestTickResolvesAmbiguousSubmit(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true, FillAfterPolls: 1})
	f.paper.Script(paper.OpPlace, paper.FaultTimeoutAfter)

	rec := f.submit(t, "s1")
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	report, err := f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1}, report)

	rec, ok := f.coord.Get("s1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)

	report, err = f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Resolved: 1}, report)

	rec, _ = f.coord.Get("s1")
	assert.Equal(t, schema.OrderStateFilled, rec.State)
	assert.Equal(t, int64(5), rec.FilledQuantity)

	report, err = f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, report.Checked, "terminal records are not polled")

	assert.Equal(t, 1, f.paper.Calls(paper.OpPlace))
	assert.Equal(t, 1, f.paper.Placed(rec.Tag))
}

func TestTickNeverResubmits(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true})
	f.paper.Script(paper.OpPlace, paper.FaultTimeoutBefore)

	rec := f.submit(t, "lost")
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	for i := range 5 {
		rec, _ = f.coord.Get("lost")
		require.Equal(t, schema.OrderStateVerifying, rec.State, "tick %d", i)
		_, err := f.rec.Tick(t.Context())
		require.NoError(t, err)
	}
	rec, _ = f.coord.Get("lost")
	assert.Equal(t, schema.OrderStateFailed, rec.State)
	assert.Equal(t, 5, rec.VerifyAttempts)
	assert.Equal(t, 1, f.paper.Calls(paper.OpPlace))
	assert.Zero(t, f.paper.Placed(rec.Tag))
}

func TestTickSkipsPendingAndTerminal(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true, FillAfterPolls: 1})

	_, err := f.coord.Accept(t.Context(), schema.OrderIntent{
		Key: "queued", Symbol: "INFY", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket, Quantity: 1,
	})
	require.NoError(t, err)

	f.paper.Script(paper.OpPlace, paper.FaultReject)
	rec := f.submit(t, "refused")
	require.Equal(t, schema.OrderStateRejected, rec.State)

	report, err := f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, f.paper.Calls(paper.OpStatus))
	assert.Zero(t, f.paper.Calls(paper.OpList))
}

func TestTickContinuesPastFailures(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true, FillAfterPolls: 1})

	first := f.submit(t, "a")
	second := f.submit(t, "b")
	require.Equal(t, schema.OrderStateSubmitted, first.State)
	require.Equal(t, schema.OrderStateSubmitted, second.State)

	f.paper.Script(paper.OpStatus, paper.FaultReject)
	report, err := f.rec.Tick(t.Context())
	require.Error(t, err)
	assert.Equal(t, broker.ClassFatal, broker.Classify(err))
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, f.alerts.count(notify.KindPollFailed))

	report, err = f.rec.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Resolved: 1}, report)
	assert.Empty(t, f.coord.Outstanding())
}

func TestTickTransientStatusIsNotAlerted(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true, FillAfterPolls: 1})
	rec := f.submit(t, "a")
	require.Equal(t, schema.OrderStateSubmitted, rec.State)

	f.paper.Script(paper.OpStatus, paper.FaultTransient, paper.FaultTransient)
	report, err := f.rec.Tick(t.Context())
	require.Error(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, f.alerts.count(notify.KindPollFailed))

	rec, _ = f.coord.Get("a")
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
}

func TestTickStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true})
	f.submit(t, "a")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	report, err := f.rec.Tick(ctx)
	require.Error(t, err)
	assert.Zero(t, report.Checked)
}

func TestRunPollsUntilResolved(t *testing.T) {
	f := newFixture(t, paper.Config{Tags: true, FillAfterPolls: 2})
	f.paper.Script(paper.OpPlace, paper.FaultTimeoutAfter)
	f.submit(t, "s1")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, _ := f.coord.Get("s1")
		return rec.State == schema.OrderStateFilled
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
	assert.Equal(t, 1, f.paper.Calls(paper.OpPlace))
}

func TestNextDelayRespectsFloor(t *testing.T) {
	cfg := Config{Interval: 10 * time.Second, MinInterval: 9 * time.Second, Jitter: 0.9, CallsPerSecond: 1, Burst: 1, Seed: 1}
	r, err := New(cfg, stubCoordinator{}, stubStatus{})
	require.NoError(t, err)

	lo, hi := time.Duration(1<<62), time.Duration(0)
	for range 500 {
		d := r.NextDelay()
		if d < 9*time.Second {
			t.Fatalf("delay %s below floor", d)
		}
		if d > 19*time.Second {
			t.Fatalf("delay %s above interval plus jitter", d)
		}
		lo, hi = min(lo, d), max(hi, d)
	}
	assert.Equal(t, 9*time.Second, lo, "floor is hit when jitter draws low")
	assert.Greater(t, hi, 10*time.Second)
}

func TestNew(t *testing.T) {
	_, err := New(Config{}, nil, stubStatus{})
	require.ErrorIs(t, err, exception.ErrNilInstance)

	r, err := New(Config{}, stubCoordinator{}, stubStatus{})
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, r.cfg.Interval)
	assert.Equal(t, defaultMinInterval, r.cfg.MinInterval)

	testCases := []struct {
		desc string
		cfg  Config
	}{
		{desc: "negative interval", cfg: Config{Interval: -time.Second}},
		{desc: "jitter too large", cfg: Config{Jitter: 1.5}},
		{desc: "negative rate", cfg: Config{CallsPerSecond: -1}},
		{desc: "negative burst", cfg: Config{Burst: -1}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := New(tc.cfg, stubCoordinator{}, stubStatus{})
			assert.Error(t, err)
		})
	}
}

type stubCoordinator struct{}

func (stubCoordinator) Outstanding() []schema.OrderRecord { return nil }

func (stubCoordinator) Verify(context.Context, string) (schema.OrderRecord, error) {
	return schema.OrderRecord{}, nil
}

func (stubCoordinator) ApplyStatus(context.Context, string, broker.OrderSnapshot) (schema.OrderRecord, error) {
	return schema.OrderRecord{}, nil
}

type stubStatus struct{}

func (stubStatus) Status(context.Context, string) (broker.OrderSnapshot, error) {
	return broker.OrderSnapshot{}, nil
}
