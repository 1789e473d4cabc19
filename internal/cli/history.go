package cli

import (
	"github.com/spf13/cobra"

	"orderkeeper/internal/journal"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Dir string
	Key string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the transition journal",
		Long: `History prints every committed state change from the journal, oldest
first.

Example:
  orderkeeper history -c orderkeeper.yaml
  orderkeeper history --dir /var/lib/orderkeeper/journal --key strat-42-0001`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "journal directory (default: journal.dir from the config)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "only events of this key")

	return cmd
}

func runHistory(cmd *cobra.Command, opts *HistoryOptions) error {
	dir := opts.Dir
	if dir == "" {
		dir = opts.Config().Journal.Dir
	}
	if dir == "" {
		return WrapExitError(ExitCommandError, "no journal directory: set journal.dir or --dir", nil)
	}

	var keep func(journal.Entry) bool
	if opts.Key != "" {
		keep = func(e journal.Entry) bool { return e.Key == opts.Key }
	}
	entries, err := journal.ReadDir(dir, keep)
	if err != nil {
		return WrapExitError(ExitFailure, "read journal", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	if opts.Format == FormatJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	return writeEntries(cmd.OutOrStdout(), entries)
}
