package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"orderkeeper/internal/schema"
	"orderkeeper/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Key         string
	Outstanding bool
	States      []string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger",
		Long: `Status reads the ledger from the store without contacting the broker.

Example:
  orderkeeper status -c orderkeeper.yaml
  orderkeeper status -c orderkeeper.yaml --state FAILED --state VERIFYING
  orderkeeper status -c orderkeeper.yaml --key strat-42-0001`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "show one record with its history")
	cmd.Flags().BoolVar(&opts.Outstanding, "outstanding", false, "only records the reconciler still polls")
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "only records in these states")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	snap, err := loadSnapshot(cmd, opts.RootOptions)
	if err != nil {
		return err
	}

	if opts.Key != "" {
		for _, rec := range snap.Records {
			if rec.Key == opts.Key {
				return printRecord(cmd, opts.Format, rec)
			}
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("no record with key %q", opts.Key), nil)
	}

	states := make(map[schema.OrderState]struct{}, len(opts.States))
	for _, s := range opts.States {
		state := schema.OrderState(strings.ToUpper(strings.TrimSpace(s)))
		if !state.IsAvailable() {
			return WrapExitError(ExitCommandError, fmt.Sprintf("unknown state %q", s), nil)
		}
		states[state] = struct{}{}
	}

	records := make([]schema.OrderRecord, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if opts.Outstanding && !rec.Outstanding() {
			continue
		}
		if len(states) > 0 {
			if _, ok := states[rec.State]; !ok {
				continue
			}
		}
		records = append(records, rec)
	}

	if opts.Format == FormatJSON {
		return writeJSON(cmd.OutOrStdout(), records)
	}
	return writeRecords(cmd.OutOrStdout(), records)
}

// loadSnapshot reads the configured store without starting the engine.
func loadSnapshot(cmd *cobra.Command, opts *RootOptions) (store.Snapshot, error) {
	cfg := opts.Config()
	st, err := store.Open(cfg.Store)
	if err != nil {
		return store.Snapshot{}, WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.Close()

	snap, err := st.Load(cmd.Context())
	if err != nil {
		return store.Snapshot{}, WrapExitError(recoverExitCode(err), "load ledger", err)
	}
	return snap, nil
}
