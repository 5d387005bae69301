package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/log"
)

// ExportResult summarises an export command.
type ExportResult struct {
	Run       string `json:"run"`
	Path      string `json:"path"`
	Documents int    `json:"documents"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <key> <out.jsonl>",
		Short: "Write every document of a run to a JSON lines file",
		Long: `Write the run selected by key (see "databroker events --help") to a JSON
lines file of {"kind": ..., "doc": {...}} entries: the start, descriptors,
the resources and datums its external data refers to, events and the stop.

Lines are canonical JSON and the file is replaced atomically, so an
interrupted export never leaves a partial file behind. The result can be
loaded into another broker with "databroker insert".

Example:
  databroker export --name local -- -1 latest.jsonl`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, rootOpts, args[0], args[1])
		},
	}
	return cmd
}

func runExport(cmd *cobra.Command, opts *RootOptions, key, path string) error {
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
	entries, err := b.RunDocuments(ctx, h)
	if err != nil {
		return WrapExitError(ExitFailure, "collecting run documents failed", err)
	}
	if err := writeEntries(ctx, path, entries); err != nil {
		return WrapExitError(ExitFailure, "export failed", err)
	}

	res := ExportResult{Run: h.UID(), Path: path, Documents: len(entries)}
	return opts.formatter(cmd).Emit(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "exported %d documents of run %s to %s\n", res.Documents, res.Run, res.Path)
		return err
	})
}

// writeEntries writes entries as JSON lines and atomically replaces path.
func writeEntries(ctx context.Context, path string, entries []broker.Entry) error {
	logger := log.WithContext(ctx, log.WithComponent("cli"))

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending export file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending export file")
		}
	}()

	for _, e := range entries {
		line, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if _, err := pending.Write(line); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}
	return nil
}
