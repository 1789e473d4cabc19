package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

// StoreReport is the verify-store result.
type StoreReport struct {
	Driver   string                    `json:"driver"`
	Path     string                    `json:"path"`
	Version  int                       `json:"version"`
	Seq      uint64                    `json:"seq"`
	Records  int                       `json:"records"`
	States   map[schema.OrderState]int `json:"states"`
	Problems []string                  `json:"problems,omitempty"`
}

// NewVerifyStoreCommand creates the verify-store command.
func NewVerifyStoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-store",
		Short: "Check that the ledger can be trusted",
		Long: `Verify-store loads the ledger, checks its version and keys, and replays
every record's history against the state machine. It exits non-zero when
the ledger is corrupt.

Example:
  orderkeeper verify-store -c orderkeeper.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyStore(cmd, rootOpts)
		},
	}
	return cmd
}

func runVerifyStore(cmd *cobra.Command, opts *RootOptions) error {
	cfg := opts.Config()
	snap, err := loadSnapshot(cmd, opts)
	if err != nil {
		return err
	}

	report := StoreReport{
		Driver:  cfg.Store.Driver,
		Path:    cfg.Store.Path,
		Version: snap.Version,
		Seq:     snap.Seq,
		Records: len(snap.Records),
		States:  make(map[schema.OrderState]int),
	}
	for _, rec := range snap.Records {
		report.States[rec.State]++
		report.Problems = append(report.Problems, checkHistory(rec)...)
	}

	if opts.Format == FormatJSON {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printStoreReport(cmd, report)
	}
	if len(report.Problems) > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("ledger has %d problems", len(report.Problems)), exception.ErrCorruptState)
	}
	return nil
}

func printStoreReport(cmd *cobra.Command, report StoreReport) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "store:   %s %s\n", report.Driver, report.Path)
	fmt.Fprintf(w, "version: %d\n", report.Version)
	fmt.Fprintf(w, "seq:     %d\n", report.Seq)
	fmt.Fprintf(w, "records: %d\n", report.Records)
	for _, state := range schema.AllOrderStates {
		if n := report.States[state]; n > 0 {
			fmt.Fprintf(w, "  %-17s %d\n", state, n)
		}
	}
	if len(report.Problems) == 0 {
		fmt.Fprintln(w, "ok")
		return
	}
	for _, p := range report.Problems {
		fmt.Fprintf(w, "problem: %s\n", p)
	}
}

// checkHistory replays the state changes of rec and reports where they
// leave the state machine or disagree with the stored state.
func checkHistory(rec schema.OrderRecord) []string {
	var problems []string
	state := schema.OrderState("")
	for i, ev := range rec.History {
		if ev.To == "" {
			continue
		}
		if state == "" {
			if ev.To != schema.OrderStatePending {
				problems = append(problems, fmt.Sprintf("%s: history starts in %s", rec.Key, ev.To))
			}
		} else if ev.From != state || !schema.CanTransition(state, ev.To) {
			problems = append(problems, fmt.Sprintf("%s: event %d moves %s -> %s after %s", rec.Key, i, ev.From, ev.To, state))
		}
		state = ev.To
	}
	if state != rec.State {
		problems = append(problems, fmt.Sprintf("%s: history ends in %s, record is %s", rec.Key, orDash(string(state)), rec.State))
	}
	if rec.Tag != schema.TagFor(rec.Key) {
		problems = append(problems, fmt.Sprintf("%s: tag %q does not match its key", rec.Key, rec.Tag))
	}
	if rec.State == schema.OrderStateSubmitted && rec.BrokerOrderID == "" {
		problems = append(problems, fmt.Sprintf("%s: submitted without a broker order id", rec.Key))
	}
	return problems
}
