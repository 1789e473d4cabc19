package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/broker/paper"
	"orderkeeper/internal/coordinator"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/reconciler"
	"orderkeeper/internal/retry"
	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
	"orderkeeper/pkg/exception"
)

var symbols = []string{"INFY", "TCS", "RELIANCE", "HDFCBANK", "SBIN"}

type options struct {
	orders   int
	dupRate  float64
	restarts int
	workers  int
	wait     time.Duration
	driver   string
	dir      string
	noTags   bool
	faults   paper.FaultConfig
}

func main() {
	var opts options
	flag.IntVar(&opts.orders, "orders", 200, "Distinct idempotency keys to submit")
	flag.Float64Var(&opts.dupRate, "dup-rate", 0.3, "Probability an intent is sent again [0-1]")
	flag.IntVar(&opts.restarts, "restarts", 2, "Engine restarts over the same store")
	flag.IntVar(&opts.workers, "workers", 4, "Coordinator workers")
	flag.DurationVar(&opts.wait, "wait", 30*time.Second, "Max time to wait for every order to settle")
	flag.StringVar(&opts.driver, "driver", store.DriverFile, "Store driver (file|bolt|sqlite)")
	flag.StringVar(&opts.dir, "dir", "", "Store directory (default: temp dir)")
	flag.BoolVar(&opts.noTags, "no-tags", false, "Broker does not echo client tags")
	flag.Int64Var(&opts.faults.Seed, "seed", 0, "RNG seed (0=now)")
	flag.Float64Var(&opts.faults.TimeoutBeforeRate, "timeout-before-rate", 0.05, "Lost request probability")
	flag.Float64Var(&opts.faults.TimeoutAfterRate, "timeout-after-rate", 0.1, "Lost response probability")
	flag.Float64Var(&opts.faults.TransientRate, "transient-rate", 0.1, "503 probability")
	flag.Float64Var(&opts.faults.RejectRate, "reject-rate", 0.02, "Rejection probability")
	flag.IntVar(&opts.faults.NotFoundPolls, "not-found-polls", 1, "Status polls a new order stays invisible")
	flag.Parse()

	if opts.faults.Seed == 0 {
		opts.faults.Seed = time.Now().UTC().UnixNano()
	}
	if opts.dir == "" {
		dir, err := os.MkdirTemp("", "orderkeeper-soak-")
		if err != nil {
			log.Fatalf("temp dir failed: %v", err)
		}
		defer os.RemoveAll(dir)
		opts.dir = dir
	}

	pb, err := paper.New(paper.Config{
		FillAfterPolls: 2,
		Tags:           !opts.noTags,
		Faults:         opts.faults,
	})
	if err != nil {
		log.Fatalf("paper broker config invalid: %v", err)
	}

	intents := buildIntents(opts)
	batches := split(intents, opts.restarts+1)
	log.Printf("soak: seed %d, %d keys, %d intents, %d runs, store %s", opts.faults.Seed, opts.orders, len(intents), len(batches), opts.dir)

	var records []schema.OrderRecord
	for i, batch := range batches {
		last := i == len(batches)-1
		records, err = runOnce(opts, pb, batch, last)
		if err != nil {
			log.Fatalf("run %d failed: %v", i+1, err)
		}
	}

	if violations := check(pb, records, opts.orders); len(violations) > 0 {
		for _, v := range violations {
			log.Printf("VIOLATION: %s", v)
		}
		os.Exit(1)
	}
	log.Printf("soak: ok")
}

// runOnce starts an engine over the shared store and broker, feeds batch and
// stops. The last run waits for every record to settle first.
func runOnce(opts options, pb *paper.Broker, batch []schema.OrderIntent, settle bool) ([]schema.OrderRecord, error) {
	st, err := store.Open(store.Config{Driver: opts.driver, Path: storePath(opts)})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	gw, err := broker.NewGateway(pb, broker.GatewayConfig{
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
	}.WithDefaults())
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(coordinator.Config{
		Workers:           opts.workers,
		QueueSize:         64,
		VerifyGrace:       5 * time.Second,
		MaxVerifyAttempts: 8,
	}, st, gw, coordinator.WithNotifier(notify.Nop{}))
	if err != nil {
		return nil, err
	}
	recon, err := reconciler.New(reconciler.Config{
		Interval:       50 * time.Millisecond,
		MinInterval:    20 * time.Millisecond,
		Jitter:         0.2,
		CallsPerSecond: 500,
		Burst:          20,
		Seed:           opts.faults.Seed,
	}, coord, gw, reconciler.WithNotifier(notify.Nop{}))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending, err := coord.Recover(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("recovered %d records, %d pending", len(coord.Records()), len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return recon.Run(gctx) })

	feed := append(pending, keysOf(batch)...)
	byKey := make(map[string]schema.OrderIntent, len(batch))
	for _, intent := range batch {
		byKey[intent.Key] = intent
	}
	for _, key := range feed {
		if intent, ok := byKey[key]; ok {
			if _, err := coord.Accept(gctx, intent); err != nil {
				if errors.Is(err, exception.ErrDuplicateIntent) {
					continue
				}
				cancel()
				_ = g.Wait()
				return nil, err
			}
		}
		if err := coord.EnqueueWait(gctx, key); err != nil {
			break
		}
	}

	if settle {
		waitSettled(gctx, coord, opts.wait)
	} else {
		// stop while drives are still in flight
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return coord.Records(), nil
}

func waitSettled(ctx context.Context, coord *coordinator.Coordinator, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sys.Shutdown():
			log.Printf("interrupted")
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Printf("settle wait expired")
			return
		case <-ticker.C:
			if unsettled(coord.Records()) == 0 {
				return
			}
		}
	}
}

func check(pb *paper.Broker, records []schema.OrderRecord, keys int) []string {
	var violations []string

	for tag, n := range pb.PlacedByTag() {
		if n > 1 {
			violations = append(violations, fmt.Sprintf("tag %s placed %d times", tag, n))
		}
	}

	if len(records) != keys {
		violations = append(violations, fmt.Sprintf("%d records for %d keys", len(records), keys))
	}

	seen := make(map[string]string, len(records))
	owners := make(map[string]string, len(records))
	states := make(map[schema.OrderState]int)
	for _, rec := range records {
		states[rec.State]++
		if prev, ok := seen[rec.Key]; ok {
			violations = append(violations, fmt.Sprintf("key %s recorded twice (%s)", rec.Key, prev))
		}
		seen[rec.Key] = string(rec.State)

		if rec.BrokerOrderID != "" {
			if owner, ok := owners[rec.BrokerOrderID]; ok {
				violations = append(violations, fmt.Sprintf("broker order %s claimed by %s and %s", rec.BrokerOrderID, owner, rec.Key))
			}
			owners[rec.BrokerOrderID] = rec.Key
		}
		if rec.State == schema.OrderStateFilled && rec.FilledQuantity != rec.Intent.Quantity {
			violations = append(violations, fmt.Sprintf("key %s filled %d of %d", rec.Key, rec.FilledQuantity, rec.Intent.Quantity))
		}
	}

	orphans := 0
	for _, id := range pb.OrderIDs() {
		if _, ok := owners[id]; !ok {
			orphans++
		}
	}

	for _, state := range schema.AllOrderStates {
		if n := states[state]; n > 0 {
			log.Printf("  %-17s %d", state, n)
		}
	}
	log.Printf("broker orders: %d, unclaimed: %d, place calls: %d, status calls: %d, list calls: %d",
		len(pb.OrderIDs()), orphans, pb.Calls(paper.OpPlace), pb.Calls(paper.OpStatus), pb.Calls(paper.OpList))
	if n := unsettled(records); n > 0 {
		log.Printf("unsettled: %d", n)
	}
	return violations
}

func unsettled(records []schema.OrderRecord) int {
	n := 0
	for _, rec := range records {
		if !rec.State.IsTerminal() {
			n++
		}
	}
	return n
}

func buildIntents(opts options) []schema.OrderIntent {
	rng := rand.New(rand.NewSource(opts.faults.Seed))
	intents := make([]schema.OrderIntent, 0, opts.orders)
	for i := range opts.orders {
		side := schema.OrderSideBuy
		if rng.Intn(2) == 1 {
			side = schema.OrderSideSell
		}
		intent := schema.OrderIntent{
			Key:      fmt.Sprintf("soak-%05d", i+1),
			Symbol:   symbols[rng.Intn(len(symbols))],
			Exchange: schema.DefaultExchange,
			Product:  schema.DefaultProduct,
			Side:     side,
			Type:     schema.OrderTypeMarket,
			Quantity: int64(1 + rng.Intn(50)),
		}
		intents = append(intents, intent)
		for rng.Float64() < opts.dupRate {
			intents = append(intents, intent)
		}
	}
	rng.Shuffle(len(intents), func(i, j int) { intents[i], intents[j] = intents[j], intents[i] })
	return intents
}

func split(intents []schema.OrderIntent, n int) [][]schema.OrderIntent {
	if n < 1 {
		n = 1
	}
	size := (len(intents) + n - 1) / n
	out := make([][]schema.OrderIntent, 0, n)
	for start := 0; start < len(intents) || len(out) == 0; start += size {
		end := min(start+size, len(intents))
		out = append(out, intents[start:end])
		if size == 0 {
			break
		}
	}
	return out
}

func keysOf(intents []schema.OrderIntent) []string {
	keys := make([]string, 0, len(intents))
	for _, intent := range intents {
		keys = append(keys, intent.Key)
	}
	return keys
}

func storePath(opts options) string {
	switch opts.driver {
	case store.DriverBolt:
		return filepath.Join(opts.dir, "ledger.db")
	case store.DriverSQLite:
		return filepath.Join(opts.dir, "ledger.sqlite")
	default:
		return filepath.Join(opts.dir, "ledger.json")
	}
}
