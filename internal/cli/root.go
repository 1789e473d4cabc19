package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"orderkeeper/internal/config"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

var validFormats = []string{FormatText, FormatJSON}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string

	// loaded is resolved once in PersistentPreRunE.
	loaded config.Loaded
}

// Config returns the resolved configuration.
func (o *RootOptions) Config() config.Loaded {
	return o.loaded
}

// NewRootCommand creates the orderkeeper command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "orderkeeper",
		Short: "Crash-safe order execution against a broker",
		Long: `orderkeeper turns order intents into broker orders exactly once.

Every intent is recorded in a durable ledger before the broker is called,
ambiguous submissions are verified instead of repeated, and a reconciler
polls open orders until they reach a final state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats), nil)
			}
			loaded, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			opts.loaded = loaded
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewVerifyStoreCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))

	return cmd
}
