package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yanun0323/logs"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/broker/kite"
	"orderkeeper/internal/broker/paper"
	"orderkeeper/internal/config"
	"orderkeeper/internal/coordinator"
	"orderkeeper/internal/journal"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/obs"
	"orderkeeper/internal/reconciler"
	"orderkeeper/internal/store"
)

// app is the wired engine behind the commands that talk to a broker.
type app struct {
	cfg      config.Loaded
	store    store.Store
	client   broker.Client
	gateway  *broker.Gateway
	notifier notify.Notifier
	journal  *journal.Writer
	metrics  *obs.Metrics
	coord    *coordinator.Coordinator
	recon    *reconciler.Reconciler
}

// newApp opens the store, connects the broker and starts the journal.
// Callers must close the app.
func newApp(cfg config.Loaded) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: obs.NewMetrics()}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}
	if a.client, err = newClient(cfg); err != nil {
		return nil, err
	}
	a.gateway, err = broker.NewGateway(a.client, cfg.Gateway, broker.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	if a.notifier, err = newNotifier(cfg); err != nil {
		return nil, err
	}

	opts := []coordinator.Option{
		coordinator.WithNotifier(a.notifier),
		coordinator.WithMetrics(a.metrics),
	}
	if cfg.JournalEnabled() {
		var publisher journal.Publisher
		if cfg.Kafka.Enabled() {
			if publisher, err = journal.NewKafkaPublisher(cfg.Kafka); err != nil {
				return nil, err
			}
		}
		if a.journal, err = journal.NewWriter(cfg.Journal, publisher); err != nil {
			return nil, err
		}
		if err = a.journal.Start(context.Background()); err != nil {
			return nil, err
		}
		opts = append(opts, coordinator.WithJournal(a.journal))
	}

	if a.coord, err = coordinator.New(cfg.Coordinator, a.store, a.gateway, opts...); err != nil {
		return nil, err
	}
	a.recon, err = reconciler.New(cfg.Reconciler, a.coord, a.gateway, reconciler.WithNotifier(a.notifier))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// openStore opens the ledger backend, mirrored to postgres when configured.
func openStore(cfg config.Loaded) (store.Store, error) {
	primary, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", cfg.Store.Driver, cfg.Store.Path, err)
	}
	if !cfg.Postgres.Enabled() {
		return primary, nil
	}
	mirror, err := store.NewPostgresMirror(cfg.Postgres)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	logs.Infof("mirroring ledger to postgres")
	return store.WithMirror(primary, mirror), nil
}

func newClient(cfg config.Loaded) (broker.Client, error) {
	switch cfg.Broker.Mode {
	case config.ModeKite:
		client, err := kite.NewClient(&http.Client{}, cfg.Broker.Credential, cfg.Broker.KiteURL)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ModePaper:
		pb, err := paper.New(cfg.Broker.Paper)
		if err != nil {
			return nil, err
		}
		logs.Warnf("paper broker in use, no real orders are placed")
		return pb, nil
	default:
		return nil, fmt.Errorf("unsupported broker mode %q", cfg.Broker.Mode)
	}
}

func newNotifier(cfg config.Loaded) (notify.Notifier, error) {
	if !cfg.Telegram.Enabled() {
		return notify.Log{}, nil
	}
	tg, err := notify.NewTelegram(&http.Client{}, cfg.Telegram)
	if err != nil {
		return nil, err
	}
	return notify.Multi{notify.Log{}, tg}, nil
}
