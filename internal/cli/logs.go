package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/pkg/protocol"
)

func newLogsCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon activity log",
		Long: `Show the daemon activity log: agent lifecycle, turns, permission
decisions, and client attach/detach events. Requires the activity log to be
enabled in the daemon configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tail, _ := cmd.Flags().GetInt("tail")
			filter, _ := cmd.Flags().GetString("filter")
			follow, _ := cmd.Flags().GetBool("follow")
			return runLogs(r, cmd, tail, filter, follow)
		},
	}
	cmd.Flags().Int("tail", 50, "number of entries to show")
	cmd.Flags().String("filter", "", "only show entries whose message or kind contains this string")
	cmd.Flags().BoolP("follow", "f", false, "stream new entries as they arrive")
	return cmd
}

func runLogs(r *rootState, cmd *cobra.Command, tail int, filter string, follow bool) error {
	client, err := r.dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()

	var resp protocol.FetchActivityResponse
	err = client.Request(cmd.Context(), protocol.TypeFetchActivityRequest,
		protocol.FetchActivityRequest{Tail: tail, Filter: filter}, &resp)
	if err != nil {
		return err
	}
	for _, entry := range resp.Entries {
		printActivityEntry(out, entry)
	}
	if !follow {
		return nil
	}

	// Live entries ride the directory subscription.
	var sub protocol.SubscribeAgentsResponse
	err = client.Request(cmd.Context(), protocol.TypeSubscribeAgentsRequest,
		protocol.SubscribeAgentsRequest{}, &sub)
	if err != nil {
		return err
	}

	lastSeen := int64(0)
	if len(resp.Entries) > 0 {
		lastSeen = resp.Entries[len(resp.Entries)-1].ID
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case msg, ok := <-client.Events():
			if !ok {
				return ErrConnectionLost
			}
			if msg.Type != protocol.TypeActivityLog {
				continue
			}
			var log protocol.ActivityLog
			if msg.ParsePayload(&log) != nil {
				continue
			}
			if log.Entry.ID <= lastSeen || !matchesFilter(log.Entry, filter) {
				continue
			}
			printActivityEntry(out, log.Entry)
		}
	}
}

func matchesFilter(entry protocol.ActivityEntry, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(entry.Message, filter) ||
		strings.Contains(entry.Kind, filter) ||
		strings.Contains(entry.AgentID, filter)
}

func printActivityEntry(out io.Writer, entry protocol.ActivityEntry) {
	stamp := entry.CreatedAt.Local().Format(time.DateTime)
	agent := entry.AgentID
	if agent == "" {
		agent = "-"
	}
	fmt.Fprintf(out, "%s  %-20s %-12s %s\n", stamp, entry.Kind, agent, entry.Message)
}
