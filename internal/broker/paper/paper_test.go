package paper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

var baseTime = time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	return b.WithClock(func() time.Time { return baseTime })
}

func marketRequest(tag string) broker.PlaceRequest {
	return broker.PlaceRequest{
		Tag:      tag,
		Symbol:   "XYZ",
		Exchange: "NSE",
		Product:  "CNC",
		Side:     schema.OrderSideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: 10,
	}
}

func TestMarketOrderFillsAfterPolls(t *testing.T) {
	b := newTestBroker(t, Config{FillAfterPolls: 2, Tags: true})

	id, err := b.PlaceOrder(t.Context(), marketRequest("t1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusOpen, snap.Status)

	snap, err = b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusFilled, snap.Status)
	assert.Equal(t, int64(10), snap.FilledQuantity)
	assert.True(t, decimal.NewFromInt(100).Equal(snap.AveragePrice))
	assert.Equal(t, baseTime, snap.PlacedAt)
}

func TestScriptedFaults(t *testing.T) {
	b := newTestBroker(t, Config{Tags: true})
	b.Script(OpPlace, FaultTimeoutBefore, FaultTimeoutAfter, FaultTransient, FaultReject)

	_, err := b.PlaceOrder(t.Context(), marketRequest("before"))
	assert.Equal(t, broker.ClassAmbiguous, broker.Classify(err))
	assert.Zero(t, b.Placed("before"))

	_, err = b.PlaceOrder(t.Context(), marketRequest("after"))
	assert.Equal(t, broker.ClassAmbiguous, broker.Classify(err))
	assert.Equal(t, 1, b.Placed("after"), "response lost but order created")

	_, err = b.PlaceOrder(t.Context(), marketRequest("transient"))
	assert.ErrorIs(t, err, exception.ErrRetryableTransport)
	assert.Zero(t, b.Placed("transient"))

	_, err = b.PlaceOrder(t.Context(), marketRequest("reject"))
	assert.ErrorIs(t, err, exception.ErrFatalAPI)
	assert.Zero(t, b.Placed("reject"))

	id, err := b.PlaceOrder(t.Context(), marketRequest("ok"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 5, b.Calls(OpPlace))
}

func TestNotFoundWindow(t *testing.T) {
	b := newTestBroker(t, Config{Tags: true, FillAfterPolls: 5, Faults: FaultConfig{Seed: 1, NotFoundPolls: 2}})
	id, err := b.PlaceOrder(t.Context(), marketRequest("t1"))
	require.NoError(t, err)

	orders, err := b.Orders(t.Context())
	require.NoError(t, err)
	assert.Empty(t, orders)

	for i := 0; i < 2; i++ {
		snap, err := b.OrderStatus(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, schema.BrokerStatusNotFound, snap.Status)
	}
	snap, err := b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusOpen, snap.Status)
}

func TestOrdersHidesTagsWhenUnsupported(t *testing.T) {
	b := newTestBroker(t, Config{Tags: false})
	_, err := b.PlaceOrder(t.Context(), marketRequest("t1"))
	require.NoError(t, err)

	orders, err := b.Orders(t.Context())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Empty(t, orders[0].Tag)
	assert.False(t, b.SupportsTags())
	assert.Equal(t, map[string]int{"t1": 1}, b.PlacedByTag())
}

func TestCancelAndManualFills(t *testing.T) {
	b := newTestBroker(t, Config{Tags: true})
	req := marketRequest("limit")
	req.Type = schema.OrderTypeLimit
	req.Price = decimal.RequireFromString("99.5")

	id, err := b.PlaceOrder(t.Context(), req)
	require.NoError(t, err)
	require.NoError(t, b.Fill(id, 4))

	snap, err := b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusOpen, snap.Status, "limit orders only fill manually")
	assert.Equal(t, int64(4), snap.FilledQuantity)

	require.NoError(t, b.CancelOrder(t.Context(), id))
	snap, err = b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusPartiallyFilled, snap.Status)

	err = b.CancelOrder(t.Context(), id)
	assert.ErrorIs(t, err, exception.ErrFatalAPI)

	b.Forget(id)
	snap, err = b.OrderStatus(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.BrokerStatusNotFound, snap.Status)
}

func TestRandomFaultsAreSeeded(t *testing.T) {
	run := func() []Fault {
		b := newTestBroker(t, Config{Faults: FaultConfig{Seed: 42, TimeoutBeforeRate: 0.2, TimeoutAfterRate: 0.2, TransientRate: 0.2}})
		out := make([]Fault, 0, 50)
		for i := 0; i < 50; i++ {
			out = append(out, b.nextFault(OpPlace, true))
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestFaultConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  FaultConfig
		ok   bool
	}{
		{desc: "zero", ok: true},
		{desc: "negative rate", cfg: FaultConfig{TransientRate: -0.1}},
		{desc: "rate above one", cfg: FaultConfig{RejectRate: 1.5}},
		{desc: "sum above one", cfg: FaultConfig{TimeoutBeforeRate: 0.6, TimeoutAfterRate: 0.6}},
		{desc: "negative not found", cfg: FaultConfig{NotFoundPolls: -1}},
	}
	for _, tc := range testCases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %+v", tc.desc, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.desc)
		}
	}
}
