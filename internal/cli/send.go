package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"orderkeeper/internal/intake"
	"orderkeeper/internal/schema"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Socket  string
	Intents string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send intents to a running engine",
		Long: `Send streams JSON-line intents to the intake socket of a running engine
and prints the answer to each one.

Example:
  orderkeeper send --socket /run/orderkeeper/intake.sock --intents intents.jsonl
  strategy | orderkeeper send --socket /run/orderkeeper/intake.sock`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Socket, "socket", "", "intake socket path (required)")
	cmd.Flags().StringVar(&opts.Intents, "intents", "-", `JSON lines file of order intents ("-" for stdin)`)
	_ = cmd.MarkFlagRequired("socket")

	return cmd
}

func runSend(cmd *cobra.Command, opts *SendOptions) error {
	input, closeInput, err := openIntents(cmd, opts.Intents)
	if err != nil {
		return WrapExitError(ExitCommandError, "open intents", err)
	}
	defer closeInput()

	client, err := intake.NewClient(opts.Socket)
	if err != nil {
		return WrapExitError(ExitCommandError, "intake client", err)
	}
	ctx := cmd.Context()
	conn, err := client.Dial(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "dial "+opts.Socket, err)
	}
	defer conn.Close()

	var acks []intake.Ack
	err = intake.ReadIntents(ctx, input, func(line int, intent schema.OrderIntent) error {
		ack, err := conn.Send(intent)
		if err != nil {
			return err
		}
		ack.Line = line
		acks = append(acks, ack)
		return nil
	}, func(line int, err error) {
		acks = append(acks, intake.Ack{Line: line, Error: err.Error()})
	})
	if err != nil {
		return WrapExitError(ExitFailure, "send", err)
	}
	if acks == nil {
		acks = []intake.Ack{}
	}

	if opts.Format == FormatJSON {
		err = writeJSON(cmd.OutOrStdout(), acks)
	} else {
		err = writeAcks(cmd.OutOrStdout(), acks)
	}
	if err != nil {
		return err
	}

	refused := 0
	for _, ack := range acks {
		if ack.Error != "" {
			refused++
		}
	}
	if refused > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d intents refused", refused, len(acks)), nil)
	}
	return nil
}

func writeAcks(w io.Writer, acks []intake.Ack) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tKEY\tSTATE\tRESULT")
	for _, ack := range acks {
		result := "accepted"
		switch {
		case ack.Error != "":
			result = ack.Error
		case ack.Duplicate:
			result = "duplicate"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ack.Line, orDash(ack.Key), orDash(string(ack.State)), result)
	}
	return tw.Flush()
}
