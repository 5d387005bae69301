package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/databroker/internal/config"
)

// ConfigList is the output of `configs list`.
type ConfigList struct {
	Names      []string `json:"names"`
	SearchPath []string `json:"search_path"`
}

// NewConfigsCommand creates the configs command group.
func NewConfigsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Inspect named broker configurations",
		Long: `Named configurations are YAML files found in $DATABROKER_CONFIG_PATH or,
when that is unset, in $XDG_CONFIG_HOME/databroker (~/.config/databroker),
$DATABROKER_PREFIX/etc/databroker and /etc/databroker. A file found earlier
in the search path shadows a later one with the same name.`,
	}
	cmd.AddCommand(newConfigsListCommand(rootOpts))
	cmd.AddCommand(newConfigsShowCommand(rootOpts))
	return cmd
}

func newConfigsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the names of available configurations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := config.List()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list configurations", err)
			}
			res := ConfigList{Names: names, SearchPath: config.SearchPath()}
			return opts.formatter(cmd).Emit(res, func(w io.Writer) error {
				if len(names) == 0 {
					fmt.Fprintln(w, "no configurations found")
				}
				for _, n := range names {
					fmt.Fprintln(w, n)
				}
				opts.formatter(cmd).VerboseLog("searched: %v", res.SearchPath)
				return nil
			})
		},
	}
}

func newConfigsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a configuration with paths resolved",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Lookup(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			shown := redact(cfg)
			return opts.formatter(cmd).Emit(shown, func(w io.Writer) error {
				fmt.Fprintf(w, "# %s\n", shown.Path)
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(shown); err != nil {
					return fmt.Errorf("encode config: %w", err)
				}
				return enc.Close()
			})
		},
	}
}

// redact returns a copy of cfg without secrets.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = "********"
	}
	return &out
}
