package reconciler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

const (
	defaultInterval    = 15 * time.Second
	defaultMinInterval = 5 * time.Second
	defaultJitter      = 0.2
	defaultCallsPerSec = 3.0
	defaultBurst       = 1
	maxJitter          = 0.9
)

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	// MinInterval is the floor between ticks, whatever jitter draws.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`
	// Jitter spreads ticks by up to this fraction of Interval.
	Jitter float64 `yaml:"jitter" json:"jitter"`
	// CallsPerSecond caps broker calls across one tick.
	CallsPerSecond float64 `yaml:"calls_per_second" json:"calls_per_second"`
	Burst          int     `yaml:"burst" json:"burst"`
	Seed           int64   `yaml:"seed" json:"seed"`
}

// WithDefaults fills zero fields with the defaults.
func (c Config) WithDefaults() Config {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.MinInterval == 0 {
		c.MinInterval = defaultMinInterval
	}
	if c.Jitter == 0 {
		c.Jitter = defaultJitter
	}
	if c.CallsPerSecond == 0 {
		c.CallsPerSecond = defaultCallsPerSec
	}
	if c.Burst == 0 {
		c.Burst = defaultBurst
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("invalid reconciler config: Interval must be > 0")
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("invalid reconciler config: MinInterval must be > 0")
	}
	if c.Jitter < 0 || c.Jitter > maxJitter {
		return fmt.Errorf("invalid reconciler config: Jitter must be between 0 and %.1f", maxJitter)
	}
	if c.CallsPerSecond <= 0 {
		return fmt.Errorf("invalid reconciler config: CallsPerSecond must be > 0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("invalid reconciler config: Burst must be > 0")
	}
	return nil
}

// Coordinator is the single writer the reconciler reports to.
type Coordinator interface {
	Outstanding() []schema.OrderRecord
	Verify(ctx context.Context, key string) (schema.OrderRecord, error)
	ApplyStatus(ctx context.Context, key string, snap broker.OrderSnapshot) (schema.OrderRecord, error)
}

// StatusReader polls a broker order.
type StatusReader interface {
	Status(ctx context.Context, orderID string) (broker.OrderSnapshot, error)
}

// Report summarizes one tick.
type Report struct {
	Checked  int
	Resolved int
	Failed   int
	Errors   int
}

// Reconciler polls every outstanding record and hands what it learns to the
// coordinator. It never submits.
type Reconciler struct {
	cfg      Config
	coord    Coordinator
	status   StatusReader
	limiter  *rate.Limiter
	notifier notify.Notifier

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

// New builds a reconciler.
func New(cfg Config, coord Coordinator, status StatusReader, opts ...Option) (*Reconciler, error) {
	if coord == nil || status == nil {
		return nil, fmt.Errorf("%w: coordinator and status reader are required", exception.ErrNilInstance)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &Reconciler{
		cfg:      cfg,
		coord:    coord,
		status:   status,
		limiter:  rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), cfg.Burst),
		notifier: notify.Log{},
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run ticks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	logs.Infof("reconciler started, interval: %s, floor: %s", r.cfg.Interval, r.cfg.MinInterval)
	timer := time.NewTimer(r.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logs.Infof("reconciler stopped")
			return nil
		case <-timer.C:
			report, err := r.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				logs.Warnf("reconcile tick, err: %+v", err)
			}
			if report.Checked > 0 {
				logs.Debugf("reconcile tick, checked: %d, resolved: %d, failed: %d, errors: %d",
					report.Checked, report.Resolved, report.Failed, report.Errors)
			}
			timer.Reset(r.NextDelay())
		}
	}
}

// NextDelay draws the wait before the next tick. It never drops below
// MinInterval.
func (r *Reconciler) NextDelay() time.Duration {
	r.rngMu.Lock()
	spread := (r.rng.Float64()*2 - 1) * r.cfg.Jitter
	r.rngMu.Unlock()

	d := time.Duration(float64(r.cfg.Interval) * (1 + spread))
	if d < r.cfg.MinInterval {
		return r.cfg.MinInterval
	}
	return d
}

// Tick polls each outstanding record once. Broker calls are rate limited;
// a failure on one record does not stop the others.
func (r *Reconciler) Tick(ctx context.Context) (Report, error) {
	var (
		report  Report
		lastErr error
	)
	for _, rec := range r.coord.Outstanding() {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Checked++

		next, err := r.check(ctx, rec)
		if err != nil {
			report.Errors++
			lastErr = err
			logs.Warnf("order %s: reconcile %s, err: %+v", rec.Key, rec.State, err)
			continue
		}
		if next.State.IsTerminal() {
			report.Resolved++
			if next.State == schema.OrderStateFailed {
				report.Failed++
			}
		}
	}
	return report, lastErr
}

func (r *Reconciler) check(ctx context.Context, rec schema.OrderRecord) (schema.OrderRecord, error) {
	if rec.State == schema.OrderStateVerifying || rec.State == schema.OrderStateSubmitting {
		return r.coord.Verify(ctx, rec.Key)
	}
	snap, err := r.status.Status(ctx, rec.BrokerOrderID)
	if err != nil {
		if broker.Classify(err) == broker.ClassFatal {
			r.alert(ctx, rec, err)
		}
		return rec, err
	}
	return r.coord.ApplyStatus(ctx, rec.Key, snap)
}

func (r *Reconciler) alert(ctx context.Context, rec schema.OrderRecord, err error) {
	alertErr := r.notifier.Notify(context.WithoutCancel(ctx), notify.Alert{
		Level:   notify.LevelWarn,
		Kind:    notify.KindPollFailed,
		Key:     rec.Key,
		Message: fmt.Sprintf("status of broker order %s: %v", rec.BrokerOrderID, err),
		At:      time.Now().UTC(),
	})
	if alertErr != nil {
		logs.Errorf("deliver %s alert for %q, err: %+v", notify.KindPollFailed, rec.Key, alertErr)
	}
}
