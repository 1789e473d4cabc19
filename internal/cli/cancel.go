package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"orderkeeper/pkg/exception"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <key>",
		Short: "Cancel an order",
		Long: `Cancel withdraws a pending intent locally, or asks the broker to cancel
a submitted order. The final state is recorded by the next status poll.

Example:
  orderkeeper cancel -c orderkeeper.yaml strat-42-0001`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runCancel(cmd *cobra.Command, opts *RootOptions, key string) error {
	a, err := newApp(opts.Config())
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}
	defer a.close()

	ctx := cmd.Context()
	if _, err := a.coord.Recover(ctx); err != nil {
		return WrapExitError(recoverExitCode(err), "recover ledger", err)
	}

	rec, err := a.coord.Cancel(ctx, key)
	if err != nil {
		code := ExitFailure
		if errors.Is(err, exception.ErrUnknownOrder) || errors.Is(err, exception.ErrInvalidTransition) {
			code = ExitCommandError
		}
		return WrapExitError(code, "cancel "+key, err)
	}
	return printRecord(cmd, opts.Format, rec)
}
