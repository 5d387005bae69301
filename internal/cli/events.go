package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/databroker/internal/broker"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Stream string
	Fill   string
	Fields []string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <key>",
		Short: "Print the events of one run",
		Long: `Print the events of the run selected by key.

A negative key counts back from the most recent run (-1 is the latest), a
positive integer selects the latest run with that scan_id, and anything else
is a run start uid or a unique uid prefix.

--fill resolves externally stored data keys through the asset registry:
"none" leaves datum ids in place, "eager" retrieves every value before
printing and "lazy" retrieves values as they are printed.

Example:
  databroker events --name local -- -1
  databroker events --config broker.yml 42 --stream baseline --fill eager --fields img,x`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", broker.DefaultStream, `stream to read ("" for every stream)`)
	cmd.Flags().StringVar(&opts.Fill, "fill", "none", "fill mode (none|eager|lazy)")
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "data keys to keep (default all)")

	return cmd
}

func runEvents(cmd *cobra.Command, opts *EventsOptions, key string) error {
	fill, err := broker.ParseFillMode(opts.Fill)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fill", err)
	}
	evOpts := broker.EventsOptions{Stream: opts.Stream, Fields: opts.Fields, Fill: fill}

	ctx := cmd.Context()
	b, _, err := opts.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	h, err := b.Get(ctx, broker.ParseKey(key))
	if err != nil {
		return WrapExitError(ExitFailure, "run lookup failed", err)
	}
	opts.formatter(cmd).VerboseLog("run %s (scan_id %d), streams %v", h.UID(), h.ScanID(), h.Streams())

	if opts.Format == "json" {
		events, err := b.Events(ctx, h, evOpts)
		if err != nil {
			return WrapExitError(ExitFailure, "reading events failed", err)
		}
		return opts.formatter(cmd).Emit(events, nil)
	}

	table, err := b.Table(ctx, h, evOpts)
	if err != nil {
		return WrapExitError(ExitFailure, "reading events failed", err)
	}
	return writeTable(cmd.OutOrStdout(), table)
}

func writeTable(w io.Writer, t *broker.Table) error {
	if t.Len() == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Columns, "\t"))
	row := make([]string, len(t.Columns))
	for i := 0; i < t.Len(); i++ {
		for j, c := range t.Columns {
			row[j] = formatValue(t.Data[c][i])
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
