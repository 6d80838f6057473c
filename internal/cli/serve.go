package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/internal/daemon"
)

func newServeCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Long: `Run the paseo daemon in the foreground.

The daemon claims a PID lock for its listen address, serves the WebSocket
protocol to UI clients, and when the relay is enabled opens an outbound
tunnel so no inbound port is required. Stop with Ctrl-C or 'paseo stop'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				r.cfg.Server.Port = port
			}
			if host, _ := cmd.Flags().GetString("host"); host != "" {
				r.cfg.Server.Host = host
			}

			d, err := daemon.New(r.cfg, r.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	return cmd
}
