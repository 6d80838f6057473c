package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
)

// rootState carries what every command needs: the loaded configuration,
// a logger, and the daemon address the thin clients dial.
type rootState struct {
	cfg  *config.Config
	log  *logger.Logger
	addr string

	configPath string
	addrFlag   string
}

// NewRootCmd builds the paseo command tree.
func NewRootCmd() *cobra.Command {
	r := &rootState{}

	rootCmd := &cobra.Command{
		Use:   "paseo",
		Short: "Paseo - local coding agent daemon",
		Long: `Paseo runs coding agents on this machine and exposes them to UI
clients over WebSocket. 'paseo serve' runs the daemon in the foreground;
every other command is a thin client of a running daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.LoadWithPath(r.configPath)
			if err != nil {
				return err
			}
			r.cfg = cfg

			// Client commands stay quiet on stderr; serve re-applies the
			// configured level itself.
			level := cfg.Logging.Level
			if cmd.Name() != "serve" {
				level = "error"
			}
			log, err := logger.NewLogger(logger.LoggingConfig{
				Level:      level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			if err != nil {
				return err
			}
			logger.SetDefault(log)
			r.log = log

			r.addr = r.addrFlag
			if r.addr == "" {
				r.addr = cfg.Server.ListenAddr()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "config file directory")
	rootCmd.PersistentFlags().StringVar(&r.addrFlag, "addr", "", "daemon address (host:port, overrides config)")

	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newLsCmd(r))
	rootCmd.AddCommand(newStopCmd(r))
	rootCmd.AddCommand(newRestartCmd(r))
	rootCmd.AddCommand(newLogsCmd(r))
	rootCmd.AddCommand(newAgentCmd(r))
	rootCmd.AddCommand(newPairCmd(r))
	rootCmd.AddCommand(newModelsCmd(r))

	return rootCmd
}

// dial connects to the daemon and arranges teardown with the command.
func (r *rootState) dial(cmd *cobra.Command) (*Client, error) {
	client, err := Dial(cmd.Context(), r.addr, r.log)
	if err != nil {
		return nil, fmt.Errorf("no daemon reachable at %s (is 'paseo serve' running?): %w", r.addr, err)
	}
	return client, nil
}
