package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/registry"
)

func TestOutputFormatter_JSONEmit(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	called := false
	require.NoError(t, f.Emit(map[string]int{"inserted": 3}, func(io.Writer) error {
		called = true
		return nil
	}))
	assert.False(t, called, "text renderer must not run in json mode")

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data["inserted"])
}

func TestOutputFormatter_TextEmit(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Emit(nil, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "inserted 3 documents")
		return err
	}))
	assert.Equal(t, "inserted 3 documents\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Success("done"))
	assert.Equal(t, "done\n", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}
		require.NoError(t, f.Error(CodeNotFound, "run lookup failed", map[string]string{"key": "-9"}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeNotFound, resp.Error.Code)
		assert.Equal(t, "run lookup failed", resp.Error.Message)
		assert.NotNil(t, resp.Error.Details)
	})

	t.Run("text goes to the error writer", func(t *testing.T) {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		f := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut, Verbose: true}
		require.NoError(t, f.Error(CodeConflict, "insert failed", "uid r-1"))
		assert.Empty(t, out.String())
		assert.Contains(t, errOut.String(), "Error [conflict]: insert failed")
		assert.Contains(t, errOut.String(), "Details: uid r-1")
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	for _, verbose := range []bool{true, false} {
		out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: verbose}
		f.VerboseLog("run %s", "abc")

		assert.Empty(t, out.String())
		if verbose {
			assert.Equal(t, "run abc\n", errOut.String())
		} else {
			assert.Empty(t, errOut.String())
		}
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "lookup", mds.ErrNotFound))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, mds.ErrNotFound)
	assert.Equal(t, "outer: lookup: not found", wrapped.Error())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{WrapExitError(ExitFailure, "x", fmt.Errorf("%w: run 7", mds.ErrNotFound)), CodeNotFound},
		{registry.ErrDatumNotFound, CodeNotFound},
		{fmt.Errorf("insert: %w", mds.ErrConflict), CodeConflict},
		{&document.ValidationError{Kind: document.KindStart, Field: "uid", Message: "required"}, CodeInvalid},
		{WrapExitError(ExitCommandError, "load", &config.NotFoundError{Name: "x"}), CodeConfig},
		{&config.VersionError{Component: "assets", Requested: 2, Supported: []int{1}}, CodeConfig},
		{fmt.Errorf("%w: abc", broker.ErrAmbiguous), CodeAmbiguous},
		{broker.ErrNoRegistry, CodeNoRegistry},
		{NewExitError(ExitCommandError, "one of --config or --name is required"), CodeUsage},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}
