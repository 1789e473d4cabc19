package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/journal"
	"orderkeeper/internal/ledger"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/obs"
	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
	"orderkeeper/pkg/exception"
)

const (
	defaultWorkers           = 4
	defaultQueueSize         = 256
	defaultVerifyGrace       = 5 * time.Minute
	defaultMaxVerifyAttempts = 20
)

// Config controls the worker pool and the verification budget.
type Config struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// VerifyGrace is how long a record may stay unresolved in VERIFYING, or
	// unseen by the broker, before it is failed.
	VerifyGrace       time.Duration `yaml:"verify_grace" json:"verify_grace"`
	MaxVerifyAttempts int           `yaml:"max_verify_attempts" json:"max_verify_attempts"`
}

// WithDefaults fills zero fields with the defaults.
func (c Config) WithDefaults() Config {
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.VerifyGrace == 0 {
		c.VerifyGrace = defaultVerifyGrace
	}
	if c.MaxVerifyAttempts == 0 {
		c.MaxVerifyAttempts = defaultMaxVerifyAttempts
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("invalid coordinator config: Workers must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid coordinator config: QueueSize must be > 0")
	}
	if c.VerifyGrace <= 0 {
		return fmt.Errorf("invalid coordinator config: VerifyGrace must be > 0")
	}
	if c.MaxVerifyAttempts <= 0 {
		return fmt.Errorf("invalid coordinator config: MaxVerifyAttempts must be > 0")
	}
	return nil
}

// Gateway is the broker access the coordinator needs. *broker.Gateway
// implements it.
type Gateway interface {
	Submit(ctx context.Context, rec schema.OrderRecord) broker.SubmitResult
	Status(ctx context.Context, orderID string) (broker.OrderSnapshot, error)
	Cancel(ctx context.Context, orderID string) error
	Lookup(ctx context.Context, rec schema.OrderRecord, claimed func(orderID string) bool) (broker.OrderSnapshot, bool, error)
}

// Journal receives committed lifecycle events.
type Journal interface {
	Record(e journal.Entry) error
}

// Coordinator owns the ledger. Every mutation of a key runs under that
// key's lock and is saved to the store before it becomes visible.
type Coordinator struct {
	cfg      Config
	ledger   *ledger.Ledger
	store    store.Store
	gateway  Gateway
	notifier notify.Notifier
	journal  Journal
	metrics  *obs.Metrics
	now      func() time.Time

	saveMu sync.Mutex
	seq    uint64

	queue   chan string
	running atomic.Bool
	closed  atomic.Bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a coordinator over an empty ledger. Call Recover before use.
func New(cfg Config, st store.Store, gw Gateway, opts ...Option) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store", exception.ErrNilInstance)
	}
	if gw == nil {
		return nil, fmt.Errorf("%w: gateway", exception.ErrNilInstance)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		ledger:   ledger.New(),
		store:    st,
		gateway:  gw,
		notifier: notify.Log{},
		now:      func() time.Time { return time.Now().UTC() },
		queue:    make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the resolved configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Recover loads the ledger from the store. Records caught mid-submission
// move to VERIFYING, since the broker may have created the order. It
// returns the keys of PENDING records, which still need driving.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	snap, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, exception.ErrCorruptState) {
			c.alert(ctx, notify.LevelCritical, notify.KindCorruptState, "", err.Error())
		}
		return nil, fmt.Errorf("recover ledger: %w", err)
	}
	c.ledger.Restore(snap.Records)
	c.seq = snap.Seq

	var pending []string
	for _, rec := range snap.Records {
		switch rec.State {
		case schema.OrderStatePending:
			pending = append(pending, rec.Key)
		case schema.OrderStateSubmitting:
			if err := c.recoverSubmitting(ctx, rec); err != nil {
				return nil, err
			}
		}
	}
	logs.Infof("ledger recovered, records: %d, seq: %d, pending: %d", len(snap.Records), snap.Seq, len(pending))
	return pending, nil
}

func (c *Coordinator) recoverSubmitting(ctx context.Context, rec schema.OrderRecord) error {
	unlock := c.ledger.Lock(rec.Key)
	defer unlock()

	_, err := c.resumeSubmitting(ctx, rec, "restarted during submission")
	return err
}

// resumeSubmitting moves a SUBMITTING record that no submit is working on to
// VERIFYING. The caller holds the key lock.
func (c *Coordinator) resumeSubmitting(ctx context.Context, rec schema.OrderRecord, note string) (schema.OrderRecord, error) {
	now := c.now()
	next := rec.Clone()
	if err := next.Transition(schema.OrderStateVerifying, now, note); err != nil {
		return rec, err
	}
	next.VerifyingSince = now
	if err := c.commit(ctx, &rec, next); err != nil {
		return rec, err
	}
	return next, nil
}

// Accept records a new intent. A known key is a no-op: the existing record
// comes back together with exception.ErrDuplicateIntent.
func (c *Coordinator) Accept(ctx context.Context, intent schema.OrderIntent) (schema.OrderRecord, error) {
	intent = intent.Normalize()
	if err := intent.Validate(); err != nil {
		return schema.OrderRecord{}, err
	}

	unlock := c.ledger.Lock(intent.Key)
	defer unlock()

	if existing, ok := c.ledger.Get(intent.Key); ok {
		c.metrics.IncDuplicate()
		if !existing.Intent.Equal(intent) {
			logs.Warnf("order %s: duplicate key with a different intent, keeping the first one", intent.Key)
		}
		return existing, fmt.Errorf("%w: %s", exception.ErrDuplicateIntent, intent.Key)
	}

	rec := schema.NewOrderRecord(intent, c.now())
	if err := c.commit(ctx, nil, rec); err != nil {
		return schema.OrderRecord{}, err
	}
	return rec, nil
}

// Submit accepts an intent and queues a new record for driving.
func (c *Coordinator) Submit(ctx context.Context, intent schema.OrderIntent) (schema.OrderRecord, error) {
	rec, err := c.Accept(ctx, intent)
	if err != nil {
		return rec, err
	}
	return rec, c.Enqueue(rec.Key)
}

// Get returns the record of key.
func (c *Coordinator) Get(key string) (schema.OrderRecord, bool) {
	return c.ledger.Get(key)
}

// Records returns every record, oldest first.
func (c *Coordinator) Records() []schema.OrderRecord {
	return c.ledger.Records()
}

// Outstanding returns the records the reconciler has to poll. SUBMITTING
// records are included so one whose outcome failed to save is verified;
// Verify waits for a submit still in flight.
func (c *Coordinator) Outstanding() []schema.OrderRecord {
	return c.ledger.Select(func(r schema.OrderRecord) bool {
		return r.Outstanding() || r.State == schema.OrderStateSubmitting
	})
}

// commit saves the ledger with next in place of prev (or added, when prev is
// nil) and only then applies it to the in-memory ledger. The caller holds
// the key lock.
func (c *Coordinator) commit(ctx context.Context, prev *schema.OrderRecord, next schema.OrderRecord) error {
	seq, err := c.save(ctx, next)
	if err != nil {
		logs.Errorf("order %s: save %s, err: %+v", next.Key, next.State, err)
		c.alert(ctx, notify.LevelCritical, notify.KindStoreWrite, next.Key, err.Error())
		return fmt.Errorf("commit %s: %w", next.Key, err)
	}

	var from schema.OrderState
	if prev != nil {
		from = prev.State
	}
	c.afterCommit(ctx, seq, from, next)
	return nil
}

func (c *Coordinator) save(ctx context.Context, next schema.OrderRecord) (uint64, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	records := c.ledger.Select(func(r schema.OrderRecord) bool { return r.Key != next.Key })
	records = append(records, next)
	store.SortRecords(records)

	snap := store.Snapshot{
		Version: store.SnapshotVersion,
		SavedAt: c.now(),
		Seq:     c.seq + 1,
		Records: records,
	}
	start := time.Now()
	err := c.store.Save(context.WithoutCancel(ctx), snap)
	c.metrics.ObserveSave(time.Since(start), err)
	if err != nil {
		return 0, err
	}
	c.seq = snap.Seq

	if _, inserted := c.ledger.Insert(next); !inserted {
		if err := c.ledger.Put(next); err != nil {
			return 0, fmt.Errorf("%w: %w", exception.ErrInternal, err)
		}
	}
	return snap.Seq, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, seq uint64, from schema.OrderState, rec schema.OrderRecord) {
	if from == rec.State {
		return
	}
	c.metrics.ObserveTransition(rec.State)

	note := ""
	if n := len(rec.History); n > 0 {
		note = rec.History[n-1].Note
	}
	if from == "" {
		logs.Infof("order %s: %s %s %d %s, tag: %s", rec.Key, rec.Intent.Side, rec.Intent.Symbol, rec.Intent.Quantity, rec.State, rec.Tag)
	} else {
		logs.Infof("order %s: %s -> %s, %s", rec.Key, from, rec.State, note)
	}

	if c.journal != nil {
		if err := c.journal.Record(journal.NewEntry(seq, from, rec, obs.TraceID(ctx))); err != nil {
			logs.Warnf("order %s: journal %s, err: %+v", rec.Key, rec.State, err)
		}
	}

	switch rec.State {
	case schema.OrderStateFailed:
		c.alert(ctx, notify.LevelCritical, notify.KindOrderFailed, rec.Key, note)
	case schema.OrderStateRejected:
		c.alert(ctx, notify.LevelWarn, notify.KindOrderRejected, rec.Key, note)
	}
}

func (c *Coordinator) alert(ctx context.Context, level notify.Level, kind notify.Kind, key, message string) {
	c.metrics.IncAlert()
	err := c.notifier.Notify(context.WithoutCancel(ctx), notify.Alert{
		Level:   level,
		Kind:    kind,
		Key:     key,
		Message: message,
		At:      c.now(),
	})
	if err != nil {
		logs.Errorf("deliver %s alert for %q, err: %+v", kind, key, err)
	}
}
