package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"

	"orderkeeper/internal/journal"
	"orderkeeper/internal/schema"
)

const timeLayout = "2006-01-02 15:04:05"

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// writeRecords prints the ledger as a table followed by a state summary.
func writeRecords(w io.Writer, records []schema.OrderRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tSYMBOL\tSIDE\tQTY\tFILLED\tAVG PRICE\tBROKER ID\tATTEMPTS\tUPDATED")
	counts := make(map[schema.OrderState]int)
	for _, rec := range records {
		counts[rec.State]++
		fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\t%d\t%d\t%s\t%s\t%d\t%s\n",
			rec.Key,
			rec.State,
			rec.Intent.Exchange, rec.Intent.Symbol,
			rec.Intent.Side,
			rec.Intent.Quantity,
			rec.FilledQuantity,
			rec.AveragePrice.StringFixed(2),
			orDash(rec.BrokerOrderID),
			rec.Attempts,
			formatTime(rec.UpdatedAt),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	parts := make([]string, 0, len(schema.AllOrderStates))
	for _, state := range schema.AllOrderStates {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, n))
		}
	}
	_, err := fmt.Fprintf(w, "\n%d records", len(records))
	if err == nil && len(parts) > 0 {
		_, err = fmt.Fprintf(w, ": %s", strings.Join(parts, " "))
	}
	if err == nil {
		_, err = fmt.Fprintln(w)
	}
	return err
}

// writeRecord prints one record with its audit trail.
func writeRecord(w io.Writer, rec schema.OrderRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "key:\t%s\n", rec.Key)
	fmt.Fprintf(tw, "state:\t%s\n", rec.State)
	fmt.Fprintf(tw, "order:\t%s %d %s:%s %s %s\n", rec.Intent.Side, rec.Intent.Quantity, rec.Intent.Exchange, rec.Intent.Symbol, rec.Intent.Type, rec.Intent.Product)
	if rec.Intent.Type == schema.OrderTypeLimit {
		fmt.Fprintf(tw, "price:\t%s\n", rec.Intent.Price)
	}
	fmt.Fprintf(tw, "tag:\t%s\n", rec.Tag)
	fmt.Fprintf(tw, "broker order:\t%s\n", orDash(rec.BrokerOrderID))
	fmt.Fprintf(tw, "filled:\t%d @ %s\n", rec.FilledQuantity, rec.AveragePrice.StringFixed(2))
	fmt.Fprintf(tw, "attempts:\t%d submit, %d verify\n", rec.Attempts, rec.VerifyAttempts)
	if rec.Reason != "" {
		fmt.Fprintf(tw, "reason:\t%s\n", rec.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, ev := range rec.History {
		change := "note"
		if ev.To != "" {
			change = fmt.Sprintf("%s -> %s", orDash(string(ev.From)), ev.To)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", formatTime(ev.At), change, ev.Note)
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tKEY\tFROM\tTO\tBROKER ID\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, formatTime(e.At), e.Key, orDash(string(e.From)), e.To, orDash(e.BrokerOrderID), e.Note)
	}
	return tw.Flush()
}
