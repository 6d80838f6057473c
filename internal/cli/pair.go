package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/internal/pairing"
)

func newPairCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Print the pairing offer for remote clients",
		Long: `Print the pairing offer URL (and a QR code when stdout is a
terminal). The offer embeds this daemon's durable identity and public key;
it is stable across restarts, so a link shared once keeps working.

Requires relay.enabled and relay.endpoint in the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !r.cfg.Relay.Enabled || r.cfg.Relay.Endpoint == "" {
				return fmt.Errorf("relay is not configured; set relay.enabled and relay.endpoint")
			}

			home, err := r.cfg.Home.ResolveDir()
			if err != nil {
				return err
			}
			id, err := pairing.LoadIdentity(home)
			if err != nil {
				return err
			}

			url, err := pairing.AnnounceOffer(id, r.cfg.Relay, r.log)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}
