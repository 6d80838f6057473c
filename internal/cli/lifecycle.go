package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/pkg/protocol"
)

func newStopCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendLifecycle(r, cmd, protocol.TypeShutdown, "Daemon stopping.")
		},
	}
}

func newRestartCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the running daemon",
		Long: `Ask the daemon to restart.

Standalone daemons exit with code 3 and rely on their launcher (systemd,
launchd, a shell loop) to bring them back; supervised daemons are restarted
in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendLifecycle(r, cmd, protocol.TypeRestart, "Daemon restarting.")
		},
	}
}

func sendLifecycle(r *rootState, cmd *cobra.Command, msgType, done string) error {
	client, err := r.dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	// The ack races the teardown; a connection dropped right after the
	// intent was sent means the daemon acted on it.
	err = client.Request(cmd.Context(), msgType, struct{}{}, nil)
	if err != nil && !errors.Is(err, ErrConnectionLost) {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}
