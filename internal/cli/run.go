package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"orderkeeper/internal/config"
	"orderkeeper/internal/intake"
	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

const idlePollInterval = 100 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Intents   string
	Listen    string
	UntilIdle bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution engine and the reconciler",
		Long: `Run recovers the ledger, drives every pending order and polls open
orders until they settle. Intents are read as JSON lines, one per line,
from a file, stdin, or strategies connected to the intake socket.

Example:
  orderkeeper run -c orderkeeper.yaml --intents intents.jsonl
  strategy | orderkeeper run -c orderkeeper.yaml --intents -
  orderkeeper run -c orderkeeper.yaml --listen /run/orderkeeper/intake.sock`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Intents, "intents", "", `JSON lines file of order intents ("-" for stdin)`)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "Unix socket path to accept intents on")
	cmd.Flags().BoolVar(&opts.UntilIdle, "until-idle", false, "exit once the input is consumed and every order is final")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *RunOptions) error {
	cfg := opts.Config()
	if opts.UntilIdle && opts.Listen != "" {
		return WrapExitError(ExitCommandError, "--until-idle cannot be combined with --listen", nil)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	if cfg.Profiling.Enabled() {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return WrapExitError(ExitCommandError, "start profiler", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	input, closeInput, err := openIntents(cmd, opts.Intents)
	if err != nil {
		return WrapExitError(ExitCommandError, "open intents", err)
	}
	defer closeInput()

	a, err := newApp(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}
	defer func() {
		if err := a.close(); err != nil {
			logs.Errorf("close engine, err: %+v", err)
		}
	}()

	pending, err := a.coord.Recover(ctx)
	if err != nil {
		if errors.Is(err, exception.ErrCorruptState) {
			return WrapExitError(ExitFailure, "ledger is corrupt, refusing to trade", err)
		}
		return WrapExitError(ExitCommandError, "recover ledger", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coord.Run(gctx)
	})
	g.Go(func() error {
		return a.recon.Run(gctx)
	})
	if opts.Listen != "" {
		srv, err := serveIntake(a, opts.Listen)
		if err != nil {
			cancel(err)
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "listen "+opts.Listen, err)
		}
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	g.Go(func() error {
		for _, key := range pending {
			if err := a.coord.EnqueueWait(gctx, key); err != nil {
				return ignoreShutdown(err)
			}
		}
		return nil
	})

	fed := make(chan struct{})
	go func() {
		defer close(fed)
		if input == nil {
			return
		}
		if err := feed(gctx, a, input); err != nil && !errors.Is(err, context.Canceled) {
			logs.Errorf("intent feed stopped, err: %+v", err)
			cancel(err)
		}
	}()
	if opts.UntilIdle {
		go func() {
			select {
			case <-fed:
			case <-gctx.Done():
				return
			}
			waitIdle(gctx, a)
			cancel(nil)
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "orderkeeper running, broker: %s, store: %s %s, recovered pending: %d\n",
		cfg.Broker.Mode, cfg.Store.Driver, cfg.Store.Path, len(pending))

	err = g.Wait()
	logRunStats(a)
	if err != nil {
		return WrapExitError(ExitFailure, "engine stopped", err)
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return WrapExitError(ExitFailure, "engine stopped", cause)
	}
	return nil
}

func openIntents(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// accept records one intent and queues it when it is new. The error is set
// only when the engine itself failed.
func (a *app) accept(ctx context.Context, intent schema.OrderIntent) (intake.Ack, error) {
	rec, err := a.coord.Accept(ctx, intent)
	switch {
	case err == nil:
		if err := a.coord.EnqueueWait(ctx, rec.Key); err != nil {
			return intake.Ack{Key: rec.Key, State: rec.State, Error: err.Error()}, err
		}
		return intake.Ack{Key: rec.Key, State: rec.State}, nil
	case errors.Is(err, exception.ErrDuplicateIntent):
		return intake.Ack{Key: rec.Key, State: rec.State, Duplicate: true}, nil
	case errors.Is(err, exception.ErrInvalidIntent):
		return intake.Ack{Key: intent.Key, Error: err.Error()}, nil
	default:
		return intake.Ack{Key: intent.Key, Error: err.Error()}, err
	}
}

// feed accepts every intent of r and queues the new ones.
func feed(ctx context.Context, a *app, r io.Reader) error {
	var accepted, duplicates, invalid int
	err := intake.ReadIntents(ctx, r, func(line int, intent schema.OrderIntent) error {
		ack, err := a.accept(ctx, intent)
		switch {
		case err != nil:
			return err
		case ack.Duplicate:
			duplicates++
			logs.Infof("order %s: already known in %s, skipped", ack.Key, ack.State)
		case ack.Error != "":
			invalid++
			logs.Warnf("intent line %d refused, %s", line, ack.Error)
		default:
			accepted++
		}
		return nil
	}, func(line int, err error) {
		invalid++
		logs.Warnf("intent line %d skipped, err: %+v", line, err)
	})
	logs.Infof("intent feed done, accepted: %d, duplicates: %d, invalid: %d", accepted, duplicates, invalid)
	return err
}

// serveIntake binds the intake socket. Serve runs it.
func serveIntake(a *app, path string) (*intake.Server, error) {
	srv, err := intake.NewServer(path, func(ctx context.Context, intent schema.OrderIntent) intake.Ack {
		ack, err := a.accept(ctx, intent)
		if err := ignoreShutdown(err); err != nil {
			logs.Errorf("intake %s, err: %+v", intent.Key, err)
		}
		return ack
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	return srv, nil
}

// waitIdle blocks until no record needs driving or polling.
func waitIdle(ctx context.Context, a *app) {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if unsettled(a.coord.Records()) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
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

func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, exception.ErrCoordinatorClosed) {
		return nil
	}
	return err
}

func logRunStats(a *app) {
	s := a.metrics.Snapshot()
	logs.Infof("run stats, accepted: %d, rejected: %d, unknown: %d, retries: %d, duplicates: %d, saves: %d, save failures: %d, polls: %d, alerts: %d",
		s.SubmitAccepted, s.SubmitRejected, s.SubmitUnknown, s.SubmitRetries, s.Duplicates, s.Saves, s.SaveFailures, s.Polls, s.Alerts)
	logs.Infof("run states, %v, unsettled: %d", s.StateEntries, unsettled(a.coord.Records()))
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...any)  { logs.Debugf(format, args...) }
func (profilerLogger) Debugf(format string, args ...any) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }

func startProfiler(cfg config.ProfilingConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}
