package paper

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/schema"
)

// Fault is one injected broker misbehaviour.
type Fault uint8

const (
	FaultNone Fault = iota
	// FaultTimeoutBefore loses the request: no order, ambiguous error.
	FaultTimeoutBefore
	// FaultTimeoutAfter loses the response: the order exists, ambiguous error.
	FaultTimeoutAfter
	// FaultTransient answers 503 without side effects.
	FaultTransient
	// FaultReject refuses the order with an input error.
	FaultReject
)

// Op names a broker call for scripted faults.
type Op uint8

const (
	OpPlace Op = iota
	OpStatus
	OpCancel
	OpList
)

// FaultConfig controls random fault injection.
type FaultConfig struct {
	Seed              int64   `yaml:"seed" json:"seed"`
	TimeoutBeforeRate float64 `yaml:"timeout_before_rate" json:"timeout_before_rate"`
	TimeoutAfterRate  float64 `yaml:"timeout_after_rate" json:"timeout_after_rate"`
	TransientRate     float64 `yaml:"transient_rate" json:"transient_rate"`
	RejectRate        float64 `yaml:"reject_rate" json:"reject_rate"`
	// NotFoundPolls hides a new order from the first N status polls.
	NotFoundPolls int `yaml:"not_found_polls" json:"not_found_polls"`
}

// Validate ensures the config is within supported ranges.
func (c FaultConfig) Validate() error {
	rates := map[string]float64{
		"timeout_before_rate": c.TimeoutBeforeRate,
		"timeout_after_rate":  c.TimeoutAfterRate,
		"transient_rate":      c.TransientRate,
		"reject_rate":         c.RejectRate,
	}
	total := 0.0
	for name, rate := range rates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be between 0 and 1", name)
		}
		total += rate
	}
	if total > 1 {
		return fmt.Errorf("fault rates must add up to <= 1")
	}
	if c.NotFoundPolls < 0 {
		return fmt.Errorf("not_found_polls must be >= 0")
	}
	return nil
}

// Config controls the simulated venue.
type Config struct {
	// FillAfterPolls fills market orders on the Nth status poll.
	FillAfterPolls int             `yaml:"fill_after_polls" json:"fill_after_polls"`
	Tags           bool            `yaml:"tags" json:"tags"`
	MarketPrice    decimal.Decimal `yaml:"market_price" json:"market_price"`
	Faults         FaultConfig     `yaml:"faults" json:"faults"`
}

type order struct {
	snap    broker.OrderSnapshot
	polls   int
	hidden  int
	isLimit bool
}

// Broker is an in-memory venue with seeded fault injection.
type Broker struct {
	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	now    func() time.Time
	seq    uint64
	orders map[string]*order
	script map[Op][]Fault
	placed map[string]int
	calls  map[Op]int
}

// New creates a paper broker with validation.
func New(cfg Config) (*Broker, error) {
	if err := cfg.Faults.Validate(); err != nil {
		return nil, err
	}
	if cfg.FillAfterPolls < 0 {
		return nil, fmt.Errorf("fill_after_polls must be >= 0")
	}
	if cfg.MarketPrice.IsZero() {
		cfg.MarketPrice = decimal.NewFromInt(100)
	}
	seed := cfg.Faults.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return &Broker{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		now:    func() time.Time { return time.Now().UTC() },
		orders: make(map[string]*order),
		script: make(map[Op][]Fault),
		placed: make(map[string]int),
		calls:  make(map[Op]int),
	}, nil
}

// WithClock swaps the clock used for placement times.
func (b *Broker) WithClock(now func() time.Time) *Broker {
	if now != nil {
		b.now = now
	}
	return b
}

// Script queues faults for the next calls of op. Scripted faults run before
// random ones.
func (b *Broker) Script(op Op, faults ...Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script[op] = append(b.script[op], faults...)
}

func (b *Broker) SupportsTags() bool {
	return b.cfg.Tags
}

func (b *Broker) PlaceOrder(ctx context.Context, req broker.PlaceRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[OpPlace]++

	if err := ctx.Err(); err != nil {
		return "", ambiguous("place", err)
	}
	fault := b.nextFault(OpPlace, true)
	switch fault {
	case FaultTimeoutBefore:
		return "", ambiguous("place", context.DeadlineExceeded)
	case FaultTransient:
		return "", transient("place")
	case FaultReject:
		return "", &broker.APIError{
			Class:      broker.ClassFatal,
			Op:         "place",
			StatusCode: http.StatusBadRequest,
			Kind:       "InputException",
			Message:    "paper: order rejected",
		}
	}

	b.seq++
	id := fmt.Sprintf("%s%09d", b.now().Format("060102"), b.seq)
	o := &order{
		snap: broker.OrderSnapshot{
			OrderID:   id,
			Tag:       req.Tag,
			Symbol:    req.Symbol,
			Exchange:  req.Exchange,
			Side:      req.Side,
			Quantity:  req.Quantity,
			Status:    schema.BrokerStatusOpen,
			RawStatus: "OPEN",
			PlacedAt:  b.now(),
		},
		hidden:  b.cfg.Faults.NotFoundPolls,
		isLimit: req.Type == schema.OrderTypeLimit,
	}
	if o.isLimit {
		o.snap.AveragePrice = req.Price
	}
	b.orders[id] = o
	b.placed[req.Tag]++

	if fault == FaultTimeoutAfter {
		return "", ambiguous("place", context.DeadlineExceeded)
	}
	return id, nil
}

func (b *Broker) OrderStatus(ctx context.Context, orderID string) (broker.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[OpStatus]++

	if err := b.readFault(ctx, OpStatus, "status"); err != nil {
		return broker.OrderSnapshot{}, err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return notFound(orderID), nil
	}
	if o.hidden > 0 {
		o.hidden--
		return notFound(orderID), nil
	}
	o.polls++
	if !o.isLimit && o.snap.Status == schema.BrokerStatusOpen && o.polls >= b.cfg.FillAfterPolls {
		b.fill(o, o.snap.Quantity)
	}
	return o.snap, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[OpCancel]++

	if err := b.readFault(ctx, OpCancel, "cancel"); err != nil {
		return err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return &broker.APIError{Class: broker.ClassFatal, Op: "cancel", StatusCode: http.StatusNotFound, Kind: "OrderException", Message: "paper: unknown order"}
	}
	if o.snap.Status.IsClosed() {
		return &broker.APIError{Class: broker.ClassFatal, Op: "cancel", StatusCode: http.StatusBadRequest, Kind: "OrderException", Message: "paper: order already closed"}
	}
	if o.snap.FilledQuantity > 0 {
		o.snap.Status = schema.BrokerStatusPartiallyFilled
	} else {
		o.snap.Status = schema.BrokerStatusCancelled
	}
	o.snap.RawStatus = "CANCELLED"
	return nil
}

func (b *Broker) Orders(ctx context.Context) ([]broker.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[OpList]++

	if err := b.readFault(ctx, OpList, "orders"); err != nil {
		return nil, err
	}
	out := make([]broker.OrderSnapshot, 0, len(b.orders))
	for _, o := range b.orders {
		if o.hidden > 0 {
			continue
		}
		snap := o.snap
		if !b.cfg.Tags {
			snap.Tag = ""
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// Fill executes qty of an open order. Filling the full quantity closes it.
func (b *Broker) Fill(orderID string, qty int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if o.snap.Status.IsClosed() {
		return fmt.Errorf("paper: order %s already %s", orderID, o.snap.Status)
	}
	b.fill(o, o.snap.FilledQuantity+qty)
	return nil
}

// Reject closes an open order as rejected by the exchange.
func (b *Broker) Reject(orderID, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	o.snap.Status = schema.BrokerStatusRejected
	o.snap.RawStatus = "REJECTED"
	o.snap.Message = message
	return nil
}

// Forget drops an order, as if the broker lost it.
func (b *Broker) Forget(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, orderID)
}

// Placed returns how many orders were created with tag.
func (b *Broker) Placed(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed[tag]
}

// PlacedByTag returns the created-order count of every tag.
func (b *Broker) PlacedByTag() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.placed))
	for tag, n := range b.placed {
		out[tag] = n
	}
	return out
}

// Calls returns how many times op was invoked.
func (b *Broker) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// OrderIDs lists every order the broker holds.
func (b *Broker) OrderIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Broker) fill(o *order, filled int64) {
	if filled > o.snap.Quantity {
		filled = o.snap.Quantity
	}
	o.snap.FilledQuantity = filled
	if !o.isLimit {
		o.snap.AveragePrice = b.cfg.MarketPrice
	}
	if filled == o.snap.Quantity {
		o.snap.Status = schema.BrokerStatusFilled
		o.snap.RawStatus = "COMPLETE"
	}
}

// nextFault pops a scripted fault, or draws one when random is set.
func (b *Broker) nextFault(op Op, random bool) Fault {
	if queue := b.script[op]; len(queue) > 0 {
		b.script[op] = queue[1:]
		return queue[0]
	}
	if !random {
		return FaultNone
	}
	f := b.cfg.Faults
	r := b.rng.Float64()
	for _, c := range []struct {
		rate  float64
		fault Fault
	}{
		{f.TimeoutBeforeRate, FaultTimeoutBefore},
		{f.TimeoutAfterRate, FaultTimeoutAfter},
		{f.TransientRate, FaultTransient},
		{f.RejectRate, FaultReject},
	} {
		if r < c.rate {
			return c.fault
		}
		r -= c.rate
	}
	return FaultNone
}

func (b *Broker) readFault(ctx context.Context, op Op, name string) error {
	if err := ctx.Err(); err != nil {
		return ambiguous(name, err)
	}
	switch b.nextFault(op, b.cfg.Faults.TransientRate > 0) {
	case FaultTimeoutBefore, FaultTimeoutAfter:
		return ambiguous(name, context.DeadlineExceeded)
	case FaultTransient:
		return transient(name)
	case FaultReject:
		return &broker.APIError{Class: broker.ClassFatal, Op: name, StatusCode: http.StatusForbidden, Kind: "PermissionException", Message: "paper: refused"}
	}
	return nil
}

func notFound(orderID string) broker.OrderSnapshot {
	return broker.OrderSnapshot{OrderID: orderID, Status: schema.BrokerStatusNotFound, RawStatus: "NOT_FOUND"}
}

func ambiguous(op string, err error) error {
	return &broker.APIError{Class: broker.ClassAmbiguous, Op: op, Message: "paper: " + err.Error(), Err: err}
}

func transient(op string) error {
	return &broker.APIError{Class: broker.ClassRetryable, Op: op, StatusCode: http.StatusServiceUnavailable, Kind: "NetworkException", Message: "paper: service unavailable"}
}
