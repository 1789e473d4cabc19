package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"orderkeeper/internal/obs"
	"orderkeeper/internal/retry"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultMatchWindow = 2 * time.Minute
)

// Outcome is the gateway's verdict on a submission.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeAccepted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SubmitResult reports a submission. BrokerOrderID is set for Accepted,
// Reason for Rejected and Unknown.
type SubmitResult struct {
	Outcome       Outcome
	BrokerOrderID string
	Reason        string
	Attempts      int
	// Exhausted is set when every attempt failed with a retryable error.
	Exhausted bool
}

// GatewayConfig controls per-call timeouts, retries and order matching.
type GatewayConfig struct {
	Retry       retry.Policy  `yaml:"retry" json:"retry"`
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
	MatchWindow time.Duration `yaml:"match_window" json:"match_window"`
}

// WithDefaults fills zero fields with the defaults.
func (c GatewayConfig) WithDefaults() GatewayConfig {
	c.Retry = c.Retry.WithDefaults()
	if c.CallTimeout == 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MatchWindow == 0 {
		c.MatchWindow = defaultMatchWindow
	}
	return c
}

// Validate checks if the configuration is usable.
func (c GatewayConfig) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("invalid gateway config: CallTimeout must be > 0")
	}
	if c.MatchWindow <= 0 {
		return fmt.Errorf("invalid gateway config: MatchWindow must be > 0")
	}
	return nil
}

// Gateway is the only caller of the broker Client. It applies the retry
// policy and a hard timeout to every call and never repeats a submission
// whose outcome is ambiguous.
type Gateway struct {
	client  Client
	cfg     GatewayConfig
	sleep   retry.Sleeper
	metrics *obs.Metrics
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithSleeper replaces the backoff timer.
func WithSleeper(sleep retry.Sleeper) Option {
	return func(g *Gateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *obs.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway validates the config and wraps client.
func NewGateway(client Client, cfg GatewayConfig, opts ...Option) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: broker client", exception.ErrNilInstance)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{client: client, cfg: cfg, sleep: retry.Sleep}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the resolved configuration.
func (g *Gateway) Config() GatewayConfig {
	return g.cfg
}

// Submit places the order of rec. Only failures that prove the request had
// no effect are retried; anything ambiguous returns OutcomeUnknown at once.
func (g *Gateway) Submit(ctx context.Context, rec schema.OrderRecord) SubmitResult {
	ctx, span := obs.StartSpan(ctx, "broker.submit",
		attribute.String("order.key", rec.Key),
		attribute.String("order.tag", rec.Tag),
		attribute.String("order.symbol", rec.Intent.Symbol),
	)

	req := NewPlaceRequest(rec)
	var orderID string
	attempts, err := retry.Do(ctx, g.cfg.Retry, g.sleep, IsRetryable, func(ctx context.Context, _ int) error {
		var err error
		orderID, err = call(g, ctx, func(ctx context.Context) (string, error) {
			return g.client.PlaceOrder(ctx, req)
		})
		return err
	})
	obs.EndSpan(span, err)
	g.metrics.AddSubmitRetries(attempts - 1)

	res := SubmitResult{Attempts: attempts}
	switch {
	case err == nil && orderID != "":
		res.Outcome = OutcomeAccepted
		res.BrokerOrderID = orderID
		g.metrics.IncSubmitAccepted()
	case err == nil:
		res.Outcome = OutcomeUnknown
		res.Reason = exception.ErrBrokerEmptyOrderID.Error()
		g.metrics.IncSubmitUnknown()
	case Classify(err) == ClassFatal:
		res.Outcome = OutcomeRejected
		res.Reason = err.Error()
		g.metrics.IncSubmitRejected()
	default:
		res.Outcome = OutcomeUnknown
		res.Reason = err.Error()
		res.Exhausted = errors.Is(err, exception.ErrRetryExhausted)
		g.metrics.IncSubmitUnknown()
	}
	return res
}

// Status polls one order. Ambiguous and retryable failures are retried.
func (g *Gateway) Status(ctx context.Context, orderID string) (OrderSnapshot, error) {
	ctx, span := obs.StartSpan(ctx, "broker.status", attribute.String("order.broker_id", orderID))
	var snap OrderSnapshot
	_, err := retry.Do(ctx, g.cfg.Retry, g.sleep, IsSafeToRepeat, func(ctx context.Context, _ int) error {
		var err error
		snap, err = call(g, ctx, func(ctx context.Context) (OrderSnapshot, error) {
			return g.client.OrderStatus(ctx, orderID)
		})
		return err
	})
	obs.EndSpan(span, err)
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("order status %s: %w", orderID, err)
	}
	if snap.OrderID == "" {
		snap.OrderID = orderID
	}
	return snap, nil
}

// Cancel asks the broker to cancel an order. Cancelling twice is harmless,
// so ambiguous failures are retried.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	ctx, span := obs.StartSpan(ctx, "broker.cancel", attribute.String("order.broker_id", orderID))
	_, err := retry.Do(ctx, g.cfg.Retry, g.sleep, IsSafeToRepeat, func(ctx context.Context, _ int) error {
		_, err := call(g, ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.client.CancelOrder(ctx, orderID)
		})
		return err
	})
	obs.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// Lookup searches the broker's order book for the order a record may have
// created. With tag support the tag decides; otherwise symbol, side and
// quantity must match within the match window around the last attempt, and
// exactly one unclaimed candidate may qualify.
func (g *Gateway) Lookup(ctx context.Context, rec schema.OrderRecord, claimed func(orderID string) bool) (OrderSnapshot, bool, error) {
	ctx, span := obs.StartSpan(ctx, "broker.lookup",
		attribute.String("order.key", rec.Key),
		attribute.String("order.tag", rec.Tag),
		attribute.Bool("broker.tags", g.client.SupportsTags()),
	)
	var orders []OrderSnapshot
	_, err := retry.Do(ctx, g.cfg.Retry, g.sleep, IsSafeToRepeat, func(ctx context.Context, _ int) error {
		var err error
		orders, err = call(g, ctx, g.client.Orders)
		return err
	})
	if err != nil {
		obs.EndSpan(span, err)
		return OrderSnapshot{}, false, fmt.Errorf("list orders: %w", err)
	}

	candidates := g.match(rec, orders, claimed)
	span.SetAttributes(attribute.Int("broker.candidates", len(candidates)))
	switch len(candidates) {
	case 0:
		obs.EndSpan(span, nil)
		return OrderSnapshot{}, false, nil
	case 1:
		obs.EndSpan(span, nil)
		return candidates[0], true, nil
	default:
		err := fmt.Errorf("%w: %d broker orders match %s", exception.ErrAmbiguousOutcome, len(candidates), rec.Key)
		obs.EndSpan(span, err)
		return OrderSnapshot{}, false, err
	}
}

func (g *Gateway) match(rec schema.OrderRecord, orders []OrderSnapshot, claimed func(string) bool) []OrderSnapshot {
	var out []OrderSnapshot
	if g.client.SupportsTags() {
		for _, o := range orders {
			if o.Tag == rec.Tag {
				out = append(out, o)
			}
		}
		return out
	}

	anchor := rec.LastAttemptAt
	if anchor.IsZero() {
		anchor = rec.CreatedAt
	}
	from, to := anchor.Add(-g.cfg.MatchWindow), anchor.Add(g.cfg.MatchWindow)
	for _, o := range orders {
		if o.Symbol != rec.Intent.Symbol || o.Side != rec.Intent.Side || o.Quantity != rec.Intent.Quantity {
			continue
		}
		if o.PlacedAt.Before(from) || o.PlacedAt.After(to) {
			continue
		}
		if claimed != nil && claimed(o.OrderID) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// call runs one attempt under the hard per-call timeout.
func call[T any](g *Gateway, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	out, err := fn(ctx)
	g.metrics.ObserveBrokerCall(time.Since(start))
	return out, err
}
