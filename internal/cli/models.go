package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/pkg/protocol"
)

func newModelsCmd(r *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "models <provider>",
		Short: "List a provider's models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := r.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var resp protocol.ListProviderModelsResponse
			err = client.Request(cmd.Context(), protocol.TypeListProviderModelsRequest,
				protocol.ListProviderModelsRequest{Provider: args[0]}, &resp)
			if err != nil {
				return err
			}

			if len(resp.Models) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Provider %s reported no models.\n", resp.Provider)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, model := range resp.Models {
				name := model.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", model.ID, name)
			}
			return w.Flush()
		},
	}
}
