package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/databroker/internal/broker"
	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/log"
	"github.com/roach88/databroker/internal/server"
)

// EnvPrefix prefixes environment overrides of serve settings, for example
// DATABROKER_ADDR or DATABROKER_RATE_LIMIT.
const EnvPrefix = "DATABROKER"

// ServeSettings are the process settings of `databroker serve`.
type ServeSettings struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       int           `mapstructure:"rate-limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	MaxBodyBytes    int64         `mapstructure:"max-body-bytes"`
	Watch           bool          `mapstructure:"watch"`
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	v := viper.New()
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the configured metadata store over HTTP",
		Long: `Serve the broker's metadata store as a JSON HTTP API that the "client"
metadata store backend can connect to. When assets are configured, datum
values are served at GET /datum/{id}.

Settings resolve from flags, then DATABROKER_* environment variables, then
defaults. When the broker was loaded from a file, the file is watched and
root map changes are applied to the asset registry without a restart.

Example:
  databroker serve --config ./broker.yml --addr :5000
  DATABROKER_RATE_LIMIT=0 databroker serve --name local`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var settings ServeSettings
			if err := v.Unmarshal(&settings); err != nil {
				return WrapExitError(ExitCommandError, "invalid serve settings", err)
			}
			return runServe(cmd, rootOpts, settings)
		},
	}

	cmd.Flags().String("addr", defaults.Addr, "listen address")
	cmd.Flags().Int("rate-limit", defaults.RateLimit.RequestLimit, "requests per minute per client address (0 disables)")
	cmd.Flags().Duration("shutdown-timeout", defaults.ShutdownTimeout, "graceful shutdown timeout")
	cmd.Flags().Int64("max-body-bytes", defaults.MaxBodyBytes, "largest accepted insert body")
	cmd.Flags().Bool("watch", true, "reload the root map when the config file changes")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, settings ServeSettings) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, cfg, err := rootOpts.openBroker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = settings.Addr
	srvCfg.RateLimit.RequestLimit = settings.RateLimit
	srvCfg.ShutdownTimeout = settings.ShutdownTimeout
	srvCfg.MaxBodyBytes = settings.MaxBodyBytes
	var srvOpts []server.Option
	if reg := b.Registry(); reg != nil {
		srvOpts = append(srvOpts, server.WithRetriever(reg))
	}
	srv := server.New(b.Store(), srvCfg, log.WithComponent("server"), srvOpts...)

	ln, err := net.Listen("tcp", srvCfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "serving metadata store on http://%s\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if settings.Watch && cfg.Path != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfg.Path, func(next *config.Config, err error) {
				applyReload(b, cfg, next, err)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}

// applyReload applies the live-reloadable parts of a changed config.
func applyReload(b *broker.Broker, current, next *config.Config, err error) {
	logger := log.WithComponent("serve")
	if err != nil {
		logger.Warn().Err(err).Msg("keeping previous configuration")
		return
	}
	if next.MetadataStore != current.MetadataStore || next.Assets != current.Assets {
		logger.Warn().Msg("metadatastore and assets changes take effect after a restart")
	}
	if reg := b.Registry(); reg != nil {
		reg.SetRootMap(next.RootMap)
	}
}
