package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/broker/paper"
	"orderkeeper/internal/journal"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/obs"
	"orderkeeper/internal/retry"
	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
	"orderkeeper/pkg/exception"
)

var baseTime = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

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

func (a *alertSink) kinds() []notify.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]notify.Kind, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

type journalSink struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *journalSink) Record(e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

// flakyStore fails saves while failing is set, and the save failAt counts
// down to.
type flakyStore struct {
	store.Store
	mu      sync.Mutex
	failing bool
	failAt  int
}

func (f *flakyStore) Save(ctx context.Context, snap store.Snapshot) error {
	f.mu.Lock()
	failing := f.failing
	if f.failAt > 0 {
		f.failAt--
		failing = failing || f.failAt == 0
	}
	f.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, snap)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// failSave makes the nth save from now fail.
func (f *flakyStore) failSave(n int) {
	f.mu.Lock()
	f.failAt = n
	f.mu.Unlock()
}

type harness struct {
	coord   *Coordinator
	paper   *paper.Broker
	store   *flakyStore
	path    string
	clock   *testClock
	alerts  *alertSink
	journal *journalSink
	metrics *obs.Metrics
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, pcfg paper.Config) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	clock := &testClock{t: baseTime}

	pb, err := paper.New(pcfg)
	require.NoError(t, err)
	pb.WithClock(clock.Now)

	h := &harness{paper: pb, path: path, clock: clock, alerts: &alertSink{}, journal: &journalSink{}, metrics: obs.NewMetrics()}
	h.coord = h.open(t)
	return h
}

// open builds a coordinator over the harness store file, as a restarted
// process would.
func (h *harness) open(t *testing.T) *Coordinator {
	t.Helper()
	fs, err := store.NewFileStore(h.path)
	require.NoError(t, err)
	h.store = &flakyStore{Store: fs}

	gw, err := broker.NewGateway(h.paper, broker.GatewayConfig{
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond},
	}, broker.WithSleeper(noSleep))
	require.NoError(t, err)

	c, err := New(Config{Workers: 2, QueueSize: 8, VerifyGrace: time.Minute, MaxVerifyAttempts: 5}, h.store, gw,
		WithClock(h.clock.Now),
		WithNotifier(h.alerts),
		WithJournal(h.journal),
		WithMetrics(h.metrics),
	)
	require.NoError(t, err)
	_, err = c.Recover(t.Context())
	require.NoError(t, err)
	return c
}

func buyIntent(key string) schema.OrderIntent {
	return schema.OrderIntent{Key: key, Symbol: "xyz", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket, Quantity: 10}
}

func TestAcceptIsIdempotentUnderConcurrency(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		dupes    int
		recTimes = make(map[time.Time]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.coord.Accept(context.Background(), buyIntent("k1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, exception.ErrDuplicateIntent):
				dupes++
			default:
				t.Errorf("unexpected accept error: %+v", err)
			}
			recTimes[rec.CreatedAt] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, dupes)
	assert.Len(t, recTimes, 1, "every caller sees the same record")
	assert.Len(t, h.coord.Records(), 1)
	assert.Equal(t, uint64(callers-1), h.metrics.Snapshot().Duplicates)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.coord.Drive(context.Background(), "k1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.paper.Placed(schema.TagFor("k1")))
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace))
}

func TestAcceptRejectsInvalidIntent(t *testing.T) {
	h := newHarness(t, paper.Config{})
	_, err := h.coord.Accept(t.Context(), schema.OrderIntent{Key: "k1", Symbol: "XYZ", Side: schema.OrderSideBuy, Quantity: 0})
	require.ErrorIs(t, err, exception.ErrInvalidIntent)
	assert.Empty(t, h.coord.Records())
}

func TestAcceptIsNotVisibleWhenSaveFails(t *testing.T) {
	h := newHarness(t, paper.Config{})
	h.store.setFailing(true)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.Error(t, err)
	_, ok := h.coord.Get("k1")
	assert.False(t, ok)
	assert.Contains(t, h.alerts.kinds(), notify.KindStoreWrite)

	h.store.setFailing(false)
	rec, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatePending, rec.State)
}

func TestScenarioAmbiguousSubmitIsVerifiedThenFilled(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 1})
	h.paper.Script(paper.OpPlace, paper.FaultTimeoutAfter)

	rec, err := h.coord.Accept(t.Context(), buyIntent("s1"))
	require.NoError(t, err)
	assert.Equal(t, "XYZ", rec.Intent.Symbol)

	rec, err = h.coord.Drive(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Empty(t, rec.BrokerOrderID)

	again, err := h.coord.Accept(t.Context(), buyIntent("s1"))
	require.ErrorIs(t, err, exception.ErrDuplicateIntent)
	assert.Equal(t, schema.OrderStateVerifying, again.State)

	rec, err = h.coord.Verify(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)

	rec, err = h.coord.Drive(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State, "drive never resubmits a submitted record")

	snap, err := h.paper.OrderStatus(t.Context(), rec.BrokerOrderID)
	require.NoError(t, err)
	rec, err = h.coord.ApplyStatus(t.Context(), "s1", snap)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFilled, rec.State)
	assert.Equal(t, int64(10), rec.FilledQuantity)

	_, err = h.coord.Accept(t.Context(), buyIntent("s1"))
	require.ErrorIs(t, err, exception.ErrDuplicateIntent)
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace))
	assert.Equal(t, 1, h.paper.Placed(rec.Tag))

	states := make([]schema.OrderState, 0, len(h.journal.entries))
	for _, e := range h.journal.entries {
		states = append(states, e.To)
	}
	assert.Equal(t, []schema.OrderState{
		schema.OrderStatePending,
		schema.OrderStateSubmitting,
		schema.OrderStateVerifying,
		schema.OrderStateSubmitted,
		schema.OrderStateFilled,
	}, states)
}

func TestLostSubmitFailsAfterGraceWithoutResubmit(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultTimeoutBefore)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Equal(t, 1, rec.VerifyAttempts)

	h.clock.Advance(2 * time.Minute)
	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFailed, rec.State)
	assert.NotEmpty(t, rec.Reason)
	assert.Contains(t, h.alerts.kinds(), notify.KindOrderFailed)

	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace), "unknown outcome must never be resubmitted")
	assert.Zero(t, h.paper.Placed(rec.Tag))
}

func TestVerifyAttemptBudget(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultTimeoutBefore)
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	_, err = h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)

	var rec schema.OrderRecord
	for i := 0; i < 5; i++ {
		rec, err = h.coord.Verify(t.Context(), "k1")
		require.NoError(t, err)
	}
	assert.Equal(t, schema.OrderStateFailed, rec.State)
	assert.Equal(t, 5, rec.VerifyAttempts)
}

func TestVerifyFailsWhenOrderBookStaysUnreadable(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultTimeoutBefore)
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	unreadable := func() {
		h.paper.Script(paper.OpList, paper.FaultTransient, paper.FaultTransient, paper.FaultTransient)
	}

	unreadable()
	h.clock.Advance(30 * time.Second)
	rec, err = h.coord.Verify(t.Context(), "k1")
	require.Error(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Zero(t, rec.VerifyAttempts, "an unanswered check does not use up the budget")
	assert.NotContains(t, h.alerts.kinds(), notify.KindOrderFailed)

	unreadable()
	h.clock.Advance(time.Minute)
	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFailed, rec.State)
	assert.Contains(t, rec.Reason, "verification failed")
	assert.Contains(t, rec.Reason, "order book lookup")
	assert.Equal(t, rec.Reason, rec.History[len(rec.History)-1].Note)
	assert.Contains(t, h.alerts.kinds(), notify.KindOrderFailed)

	stored, ok := h.coord.Get("k1")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateFailed, stored.State)
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace))
}

func TestVerifyFailsWhenStatusStaysUnreadable(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, rec.State)

	rec, err = h.coord.ApplyStatus(t.Context(), "k1", broker.OrderSnapshot{OrderID: rec.BrokerOrderID, Status: schema.BrokerStatusNotFound})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	unreadable := func() {
		h.paper.Script(paper.OpStatus, paper.FaultTransient, paper.FaultTransient, paper.FaultTransient)
	}

	unreadable()
	rec, err = h.coord.Verify(t.Context(), "k1")
	require.Error(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)

	unreadable()
	h.clock.Advance(time.Minute)
	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFailed, rec.State)
	assert.Contains(t, rec.Reason, "verification failed")
	assert.Contains(t, rec.Reason, "status of "+rec.BrokerOrderID)
	assert.Contains(t, h.alerts.kinds(), notify.KindOrderFailed)
}

func TestDriveResumesSubmittingAfterLostSave(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	h.store.failSave(3)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	_, err = h.coord.Drive(t.Context(), "k1")
	require.Error(t, err)

	rec, ok := h.coord.Get("k1")
	require.True(t, ok)
	require.Equal(t, schema.OrderStateSubmitting, rec.State)
	assert.Equal(t, 1, h.paper.Placed(rec.Tag))
	assert.Len(t, h.coord.Outstanding(), 1)

	rec, err = h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Equal(t, baseTime, rec.VerifyingSince)

	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace), "a lost save never leads to a second submit")
}

func TestVerifyResumesSubmittingAfterLostSave(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	h.store.failSave(3)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	_, err = h.coord.Drive(t.Context(), "k1")
	require.Error(t, err)

	rec, err := h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.NotEmpty(t, rec.BrokerOrderID)
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace))

	states := make([]schema.OrderState, 0, len(h.journal.entries))
	for _, e := range h.journal.entries {
		states = append(states, e.To)
	}
	assert.Equal(t, []schema.OrderState{
		schema.OrderStatePending,
		schema.OrderStateSubmitting,
		schema.OrderStateVerifying,
		schema.OrderStateSubmitted,
	}, states)
}

func TestVerifyRecordsErrorOnSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultTimeoutBefore)
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	_, err = h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)

	h.paper.Script(paper.OpList, paper.FaultTransient, paper.FaultTransient, paper.FaultTransient)
	_, err = h.coord.Verify(t.Context(), "k1")
	require.Error(t, err)

	var verify sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		if s.Name() == "coordinator.verify" {
			verify = s
		}
	}
	require.NotNil(t, verify)
	assert.Equal(t, codes.Error, verify.Status().Code)
	assert.NotEmpty(t, verify.Events())
}

func TestExhaustedRetriesAreSurfaced(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultTransient, paper.FaultTransient, paper.FaultTransient)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, h.alerts.kinds(), notify.KindRetryExhausted)
}

func TestRejectedIsTerminal(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	h.paper.Script(paper.OpPlace, paper.FaultReject)

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateRejected, rec.State)
	assert.Contains(t, h.alerts.kinds(), notify.KindOrderRejected)

	after, err := h.coord.ApplyStatus(t.Context(), "k1", broker.OrderSnapshot{Status: schema.BrokerStatusFilled, FilledQuantity: 10})
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateRejected, after.State)

	after, err = h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateRejected, after.State)

	_, err = h.coord.Cancel(t.Context(), "k1")
	require.ErrorIs(t, err, exception.ErrInvalidTransition)
	assert.Equal(t, 1, h.paper.Calls(paper.OpPlace))
}

func TestNotFoundMovesToVerifyingThenFailed(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})

	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, rec.State)

	h.paper.Forget(rec.BrokerOrderID)
	notFound := broker.OrderSnapshot{OrderID: rec.BrokerOrderID, Status: schema.BrokerStatusNotFound}

	rec, err = h.coord.ApplyStatus(t.Context(), "k1", notFound)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)
	assert.Equal(t, baseTime, rec.NotFoundSince)

	h.clock.Advance(30 * time.Second)
	rec, err = h.coord.ApplyStatus(t.Context(), "k1", notFound)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)

	h.clock.Advance(time.Minute)
	rec, err = h.coord.ApplyStatus(t.Context(), "k1", notFound)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateFailed, rec.State, "a vanished order is failed, never rejected")
}

func TestNotFoundRecoversWhenOrderReappears(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)

	rec, err = h.coord.ApplyStatus(t.Context(), "k1", broker.OrderSnapshot{OrderID: rec.BrokerOrderID, Status: schema.BrokerStatusNotFound})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateVerifying, rec.State)

	rec, err = h.coord.Verify(t.Context(), "k1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.True(t, rec.NotFoundSince.IsZero())
}

func TestApplyStatusPartialFill(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})
	_, err := h.coord.Accept(t.Context(), buyIntent("k1"))
	require.NoError(t, err)
	rec, err := h.coord.Drive(t.Context(), "k1")
	require.NoError(t, err)

	open := broker.OrderSnapshot{OrderID: rec.BrokerOrderID, Status: schema.BrokerStatusOpen, RawStatus: "OPEN", FilledQuantity: 4}
	rec, err = h.coord.ApplyStatus(t.Context(), "k1", open)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State)
	assert.Equal(t, int64(4), rec.FilledQuantity)

	closed := open
	closed.Status, closed.RawStatus = schema.BrokerStatusPartiallyFilled, "CANCELLED"
	rec, err = h.coord.ApplyStatus(t.Context(), "k1", closed)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatePartiallyFilled, rec.State)

	_, err = h.coord.ApplyStatus(t.Context(), "k1", broker.OrderSnapshot{OrderID: "other", Status: schema.BrokerStatusFilled})
	require.NoError(t, err, "terminal records ignore later statuses")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})

	_, err := h.coord.Accept(t.Context(), buyIntent("pending"))
	require.NoError(t, err)
	rec, err := h.coord.Cancel(t.Context(), "pending")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateCancelled, rec.State)
	rec, err = h.coord.Drive(t.Context(), "pending")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateCancelled, rec.State)
	assert.Zero(t, h.paper.Calls(paper.OpPlace))

	_, err = h.coord.Accept(t.Context(), buyIntent("live"))
	require.NoError(t, err)
	rec, err = h.coord.Drive(t.Context(), "live")
	require.NoError(t, err)
	rec, err = h.coord.Cancel(t.Context(), "live")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateSubmitted, rec.State, "the next poll observes the cancel")

	snap, err := h.paper.OrderStatus(t.Context(), rec.BrokerOrderID)
	require.NoError(t, err)
	rec, err = h.coord.ApplyStatus(t.Context(), "live", snap)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStateCancelled, rec.State)

	_, err = h.coord.Cancel(t.Context(), "missing")
	require.ErrorIs(t, err, exception.ErrUnknownOrder)
}

func ledgerJSON(t *testing.T, records []schema.OrderRecord) string {
	t.Helper()
	data, err := sonic.ConfigStd.Marshal(records)
	require.NoError(t, err)
	return string(data)
}

func TestRestartRestoresIdenticalLedger(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	for _, key := range []string{"a", "b", "c"} {
		_, err := h.coord.Accept(t.Context(), buyIntent(key))
		require.NoError(t, err)
	}
	_, err := h.coord.Drive(t.Context(), "a")
	require.NoError(t, err)
	_, err = h.coord.Cancel(t.Context(), "c")
	require.NoError(t, err)
	before := h.coord.Records()

	restarted := h.open(t)
	assert.JSONEq(t, ledgerJSON(t, before), ledgerJSON(t, restarted.Records()))
}

func TestRecoverMovesSubmittingToVerifying(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true})

	pending := schema.NewOrderRecord(buyIntent("p").Normalize(), baseTime)
	inflight := schema.NewOrderRecord(buyIntent("s").Normalize(), baseTime)
	require.NoError(t, inflight.Transition(schema.OrderStateSubmitting, baseTime, "submit attempt 1"))
	inflight.Attempts = 1
	require.NoError(t, h.store.Save(t.Context(), store.Snapshot{
		Version: store.SnapshotVersion,
		Seq:     7,
		Records: []schema.OrderRecord{pending, inflight},
	}))

	c := h.open(t)
	rec, ok := c.Get("s")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateVerifying, rec.State)

	fresh, err := New(Config{}, h.store, c.gateway)
	require.NoError(t, err)
	keys, err := fresh.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, keys)
	assert.Equal(t, uint64(8), fresh.seq)

	got, ok := fresh.Get("s")
	require.True(t, ok)
	assert.Equal(t, schema.OrderStateVerifying, got.State, "recovery was persisted")
}

func TestRecoverRefusesCorruptStore(t *testing.T) {
	h := newHarness(t, paper.Config{})
	require.NoError(t, h.store.Save(t.Context(), store.Snapshot{Version: 99}))

	c, err := New(Config{}, h.store, h.coord.gateway, WithNotifier(h.alerts))
	require.NoError(t, err)
	_, err = c.Recover(t.Context())
	require.ErrorIs(t, err, exception.ErrCorruptState)
	assert.Contains(t, h.alerts.kinds(), notify.KindCorruptState)
}

func TestRunDrivesQueuedKeys(t *testing.T) {
	h := newHarness(t, paper.Config{Tags: true, FillAfterPolls: 100})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := h.coord.Submit(t.Context(), buyIntent(key))
		require.NoError(t, err)
	}
	_, err := h.coord.Submit(t.Context(), buyIntent("a"))
	require.ErrorIs(t, err, exception.ErrDuplicateIntent)

	require.Eventually(t, func() bool {
		submitted := h.coord.ledger.Select(func(r schema.OrderRecord) bool { return r.State == schema.OrderStateSubmitted })
		return len(submitted) == 4
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.ErrorIs(t, h.coord.Enqueue("a"), exception.ErrCoordinatorClosed)
	assert.Equal(t, 4, h.paper.Calls(paper.OpPlace))
}

func TestEnqueueQueueFull(t *testing.T) {
	h := newHarness(t, paper.Config{})
	for i := 0; i < h.coord.Config().QueueSize; i++ {
		require.NoError(t, h.coord.Enqueue("k"))
	}
	require.ErrorIs(t, h.coord.Enqueue("k"), exception.ErrQueueFull)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().QueueDrops)
}
