package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/timerange"
)

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Since    string
	Until    string
	Timezone string
	Query    string
	Limit    int
}

// HeaderSummary is one line of search output.
type HeaderSummary struct {
	UID        string   `json:"uid"`
	ScanID     int64    `json:"scan_id"`
	Time       string   `json:"time"`
	PlanName   string   `json:"plan_name,omitempty"`
	ExitStatus string   `json:"exit_status,omitempty"`
	Streams    []string `json:"streams"`
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "List runs, newest first",
		Long: `List runs whose start time lies in [--since, --until), optionally narrowed
by a mongo-style JSON query on the start document.

Time bounds accept "2015", "2015-03", "2015-03-30", "2015-03-30 14",
"2015-03-30 14:05", "2015-03-30 14:05:09" or float epoch seconds. String
bounds are read in --tz, defaulting to the metadata store timezone.

Example:
  databroker search --name local --since 2015-03-05 --until 2015-03-10
  databroker search --config broker.yml --query '{"plan_name": "count"}' --limit 5`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "inclusive lower bound on start time")
	cmd.Flags().StringVar(&opts.Until, "until", "", "exclusive upper bound on start time")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "", "IANA timezone for string bounds")
	cmd.Flags().StringVar(&opts.Query, "query", "", "JSON query on start documents")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of runs (0 for all)")

	return cmd
}

func runSearch(cmd *cobra.Command, opts *SearchOptions) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	var extra []query.Predicate
	if opts.Query != "" {
		pred, err := query.ParseJSON([]byte(opts.Query))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --query", err)
		}
		extra = append(extra, pred)
	}

	ctx := cmd.Context()
	b, _, err := opts.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	rangeOpts := []timerange.Option{timerange.WithLocation(b.Timezone())}
	if opts.Timezone != "" {
		rangeOpts = append(rangeOpts, timerange.WithTimezone(opts.Timezone))
	}
	tr, err := timerange.New(opts.Since, opts.Until, rangeOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid time range", err)
	}
	headers, err := b.SearchRange(ctx, tr, extra...)
	if err != nil {
		return WrapExitError(ExitFailure, "search failed", err)
	}
	if opts.Limit > 0 && len(headers) > opts.Limit {
		headers = headers[:opts.Limit]
	}

	summaries := make([]HeaderSummary, len(headers))
	for i, h := range headers {
		summaries[i] = summarize(h, tr.Location())
	}
	return opts.formatter(cmd).Emit(summaries, func(w io.Writer) error {
		return writeSummaries(w, summaries)
	})
}

func summarize(h *broker.Header, loc *time.Location) HeaderSummary {
	s := HeaderSummary{
		UID:        h.UID(),
		ScanID:     h.ScanID(),
		PlanName:   h.Start.String("plan_name"),
		ExitStatus: h.ExitStatus(),
		Streams:    h.Streams(),
	}
	if t, ok := h.Start.Time(loc); ok {
		s.Time = t.Format("2006-01-02 15:04:05 MST")
	}
	return s
}

func writeSummaries(w io.Writer, summaries []HeaderSummary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no runs found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSCAN\tTIME\tPLAN\tSTATUS")
	for _, s := range summaries {
		uid := s.UID
		if len(uid) > 8 {
			uid = uid[:8]
		}
		status := s.ExitStatus
		if status == "" {
			status = "open"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", uid, s.ScanID, s.Time, s.PlanName, status)
	}
	return tw.Flush()
}
