// Package cli implements the databroker command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Name       string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Version is reported by --version. Set by the main package at startup.
var Version = "dev"

// NewRootCommand creates the root databroker command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "databroker",
		Short: "databroker - search and retrieve experiment data",
		Long: `databroker stores run documents (start, descriptors, events, stop) in a
metadata store and resolves externally stored event data through an asset
registry.

A broker is configured by a YAML file given with --config, or by name with
--name, which is looked up in $DATABROKER_CONFIG_PATH or the standard
configuration directories.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := ""
			if opts.Verbose {
				level = "debug"
			}
			log.Configure(log.Config{Level: level})
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a broker configuration file")
	cmd.PersistentFlags().StringVar(&opts.Name, "name", "", "name of a broker configuration in the search path")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSearchCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewInsertCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewConfigsCommand(opts))

	return cmd
}

// Execute runs the command line with args and returns the process exit
// code. Errors are reported through the output formatter.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	f := opts.formatter(cmd)
	_ = f.Error(ErrorCode(err), err.Error(), nil)
	return GetExitCode(err)
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves the broker configuration from --config or --name.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	switch {
	case o.ConfigPath != "" && o.Name != "":
		return nil, NewExitError(ExitCommandError, "--config and --name are mutually exclusive")
	case o.ConfigPath != "":
		cfg, err := config.Load(o.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		return cfg, nil
	case o.Name != "":
		cfg, err := config.Lookup(o.Name)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		return cfg, nil
	default:
		return nil, NewExitError(ExitCommandError, "one of --config or --name is required")
	}
}

// openBroker builds the broker described by the selected configuration.
func (o *RootOptions) openBroker(ctx context.Context) (*broker.Broker, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	b, err := broker.FromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open broker", err)
	}
	return b, cfg, nil
}

// exactArgs is cobra.ExactArgs reported as a command error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		return nil
	}
}
