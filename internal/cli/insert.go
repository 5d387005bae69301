package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/document"
)

// InsertResult summarises an insert command.
type InsertResult struct {
	Inserted int            `json:"inserted"`
	ByKind   map[string]int `json:"by_kind"`
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert <file.jsonl>",
		Short: "Insert documents from a JSON lines file",
		Long: `Insert every document of a JSON lines file into the broker. Each line is
an object {"kind": ..., "doc": {...}} where kind is one of start, stop,
descriptor, event, resource or datum (run_start, run_stop and
event_descriptor are accepted too). Blank lines are skipped and "-" reads
standard input.

Documents are inserted in file order, so parents must precede children. The
output of "databroker export" can be inserted as is.

Example:
  databroker insert --config broker.yml run.jsonl`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runInsert(cmd *cobra.Command, opts *RootOptions, path string) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		// #nosec G304 -- input file paths are provided by the operator
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	ctx := cmd.Context()
	b, _, err := opts.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	res := InsertResult{ByKind: map[string]int{}}
	r := bufio.NewReader(in)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return WrapExitError(ExitCommandError, "failed to read input", readErr)
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			kind, doc, err := decodeEntry(line)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("line %d", lineNo), err)
			}
			if err := b.Insert(ctx, kind, doc); err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("line %d: insert %s", lineNo, kind), err)
			}
			res.Inserted++
			res.ByKind[string(kind)]++
		}
		if readErr != nil {
			break
		}
	}

	opts.formatter(cmd).VerboseLog("inserted %d documents from %s", res.Inserted, path)
	return opts.formatter(cmd).Emit(res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "inserted %d documents\n", res.Inserted)
		return err
	})
}

// decodeEntry parses one {"kind", "doc"} line.
func decodeEntry(line []byte) (document.Kind, document.Document, error) {
	var raw struct {
		Kind string          `json:"kind"`
		Doc  json.RawMessage `json:"doc"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", nil, fmt.Errorf("decode entry: %w", err)
	}
	kind, err := document.ParseKind(raw.Kind)
	if err != nil {
		return "", nil, err
	}
	if len(raw.Doc) == 0 {
		return "", nil, fmt.Errorf("entry has no doc")
	}
	doc, err := document.Decode(raw.Doc)
	if err != nil {
		return "", nil, err
	}
	return kind, doc, nil
}

// encodeEntry renders one entry as a canonical JSON line.
func encodeEntry(e broker.Entry) ([]byte, error) {
	line, err := document.MarshalCanonical(map[string]any{
		"kind": string(e.Kind),
		"doc":  map[string]any(e.Doc),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", e.Kind, e.Doc.ID(e.Kind), err)
	}
	return append(line, '\n'), nil
}
