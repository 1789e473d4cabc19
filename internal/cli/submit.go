package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"orderkeeper/internal/schema"
	"orderkeeper/pkg/exception"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Key      string
	Symbol   string
	Exchange string
	Product  string
	Side     string
	Type     string
	Quantity int64
	Price    string
}

func (o *SubmitOptions) intent() (schema.OrderIntent, error) {
	intent := schema.OrderIntent{
		Key:      o.Key,
		Symbol:   o.Symbol,
		Exchange: o.Exchange,
		Product:  o.Product,
		Side:     schema.OrderSide(o.Side),
		Type:     schema.OrderType(o.Type),
		Quantity: o.Quantity,
	}
	if o.Price != "" {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return schema.OrderIntent{}, fmt.Errorf("%w: price %q: %w", exception.ErrInvalidIntent, o.Price, err)
		}
		intent.Price = price
	}
	return intent, nil
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record one intent and submit it to the broker",
		Long: `Submit records the intent in the ledger and drives it once. The
command returns when the order is with the broker, refused, or waiting for
verification; run the engine to follow it to a final state. Submitting a
known key prints the existing record and places nothing.

Example:
  orderkeeper submit --key strat-42-0001 --symbol INFY --side BUY --qty 10
  orderkeeper submit --key strat-42-0002 --symbol TCS --side SELL --type LIMIT --qty 5 --price 3520.5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&opts.Symbol, "symbol", "", "trading symbol (required)")
	cmd.Flags().StringVar(&opts.Exchange, "exchange", schema.DefaultExchange, "exchange")
	cmd.Flags().StringVar(&opts.Product, "product", schema.DefaultProduct, "product")
	cmd.Flags().StringVar(&opts.Side, "side", "", "BUY or SELL (required)")
	cmd.Flags().StringVar(&opts.Type, "type", string(schema.OrderTypeMarket), "MARKET or LIMIT")
	cmd.Flags().Int64Var(&opts.Quantity, "qty", 0, "quantity (required)")
	cmd.Flags().StringVar(&opts.Price, "price", "", "limit price")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("side")
	_ = cmd.MarkFlagRequired("qty")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	intent, err := opts.intent()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid intent", err)
	}

	a, err := newApp(opts.Config())
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}
	defer a.close()

	ctx := cmd.Context()
	if _, err := a.coord.Recover(ctx); err != nil {
		return WrapExitError(recoverExitCode(err), "recover ledger", err)
	}

	rec, err := a.coord.Accept(ctx, intent)
	switch {
	case errors.Is(err, exception.ErrDuplicateIntent):
		fmt.Fprintf(cmd.ErrOrStderr(), "key %s is already recorded, nothing submitted\n", rec.Key)
		return printRecord(cmd, opts.Format, rec)
	case errors.Is(err, exception.ErrInvalidIntent):
		return WrapExitError(ExitCommandError, "invalid intent", err)
	case err != nil:
		return WrapExitError(ExitFailure, "record intent", err)
	}

	rec, err = a.coord.Drive(ctx, rec.Key)
	if err != nil {
		return WrapExitError(ExitFailure, "submit", err)
	}
	if err := printRecord(cmd, opts.Format, rec); err != nil {
		return err
	}
	if rec.State == schema.OrderStateRejected || rec.State == schema.OrderStateFailed {
		return WrapExitError(ExitFailure, fmt.Sprintf("order %s %s", rec.Key, rec.State), errors.New(rec.Reason))
	}
	return nil
}

func printRecord(cmd *cobra.Command, format string, rec schema.OrderRecord) error {
	if format == FormatJSON {
		return writeJSON(cmd.OutOrStdout(), rec)
	}
	return writeRecord(cmd.OutOrStdout(), rec)
}

func recoverExitCode(err error) int {
	if errors.Is(err, exception.ErrCorruptState) {
		return ExitFailure
	}
	return ExitCommandError
}
