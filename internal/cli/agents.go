package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paseo/paseo/internal/agent/timeline"
	"github.com/paseo/paseo/pkg/protocol"
)

func newLsCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			includeArchived, _ := cmd.Flags().GetBool("all")
			return runLs(r, cmd, includeArchived)
		},
	}
	cmd.Flags().BoolP("all", "a", false, "include archived agents")
	return cmd
}

func newAgentCmd(r *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and control individual agents",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(r, cmd, false)
		},
	}

	stop := &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop an agent and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := r.dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var resp protocol.DeleteAgentResponse
			err = client.Request(cmd.Context(), protocol.TypeDeleteAgentRequest,
				protocol.DeleteAgentRequest{AgentID: args[0], Archive: true}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s stopped.\n", resp.AgentID)
			return nil
		},
	}

	logs := &cobra.Command{
		Use:   "logs <agent-id>",
		Short: "Show an agent's recent timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tail, _ := cmd.Flags().GetInt("tail")
			follow, _ := cmd.Flags().GetBool("follow")
			return runAgentLogs(r, cmd, args[0], tail, follow)
		},
	}
	logs.Flags().Int("tail", timeline.DefaultCurateItems, "number of entries to show")
	logs.Flags().BoolP("follow", "f", false, "stream new entries as they arrive")

	cmd.AddCommand(ls, stop, logs)
	return cmd
}

func runLs(r *rootState, cmd *cobra.Command, includeArchived bool) error {
	client, err := r.dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.ListAgentsResponse
	err = client.Request(cmd.Context(), protocol.TypeListAgentsRequest,
		protocol.ListAgentsRequest{IncludeArchived: includeArchived}, &resp)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tTITLE\tCWD")
	for _, agent := range resp.Agents {
		title := agent.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			agent.ID, agent.Status, agent.Provider, title, agent.Cwd)
	}
	return w.Flush()
}

func runAgentLogs(r *rootState, cmd *cobra.Command, agentID string, tail int, follow bool) error {
	client, err := r.dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()

	if !follow {
		// Fetch generously; curation merges streamed fragments.
		var resp protocol.FetchAgentTimelineResponse
		err = client.Request(cmd.Context(), protocol.TypeFetchAgentTimelineRequest,
			protocol.FetchAgentTimelineRequest{
				AgentID:   agentID,
				Direction: protocol.FetchTail,
				Limit:     tail * 10,
			}, &resp)
		if err != nil {
			return err
		}

		rows := make([]protocol.TimelineRow, 0, len(resp.Entries))
		for _, entry := range resp.Entries {
			rows = append(rows, protocol.TimelineRow{
				Seq:       entry.Seq,
				CreatedAt: entry.CreatedAt,
				Item:      entry.Item,
			})
		}
		rendered := timeline.Curate(rows, tail)
		if rendered == "" {
			rendered = "(no activity yet)"
		}
		fmt.Fprintln(out, rendered)
		return nil
	}

	var sub protocol.SubscribeAgentStreamResponse
	err = client.Request(cmd.Context(), protocol.TypeSubscribeAgentStreamRequest,
		protocol.SubscribeAgentStreamRequest{AgentID: agentID}, &sub)
	if err != nil {
		return err
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case msg, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("connection to daemon lost")
			}
			switch msg.Type {
			case protocol.TypeAgentStreamSnapshot:
				var snapshot protocol.AgentStreamSnapshot
				if msg.ParsePayload(&snapshot) != nil || snapshot.SubscriptionID != sub.SubscriptionID {
					continue
				}
				rows := snapshot.Events
				if len(rows) > tail {
					rows = rows[len(rows)-tail:]
				}
				for _, row := range rows {
					printTimelineRow(out, row)
				}
			case protocol.TypeAgentStream:
				var stream protocol.AgentStream
				if msg.ParsePayload(&stream) != nil || stream.AgentID != agentID {
					continue
				}
				printTimelineRow(out, stream.Event)
			}
		}
	}
}

func printTimelineRow(out io.Writer, row protocol.TimelineRow) {
	stamp := row.CreatedAt.Local().Format(time.TimeOnly)
	item := row.Item
	switch item.Type {
	case protocol.ItemUserMessage:
		fmt.Fprintf(out, "%s  user: %s\n", stamp, item.Text)
	case protocol.ItemAssistantMessage:
		fmt.Fprintf(out, "%s  agent: %s\n", stamp, item.Text)
	case protocol.ItemReasoning:
		fmt.Fprintf(out, "%s  thinking...\n", stamp)
	case protocol.ItemToolCall:
		title := item.Title
		if title == "" {
			title = item.Name
		}
		fmt.Fprintf(out, "%s  tool [%s] %s\n", stamp, item.Status, title)
	case protocol.ItemError:
		fmt.Fprintf(out, "%s  error: %s\n", stamp, item.Message)
	case protocol.ItemTodo:
		fmt.Fprintf(out, "%s  todo (%d items)\n", stamp, len(item.Items))
	default:
		fmt.Fprintf(out, "%s  %s\n", stamp, item.Type)
	}
}
