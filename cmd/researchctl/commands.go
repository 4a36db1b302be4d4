package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

func newStartCmd(clientFor func() *client) *cobra.Command {
	var (
		sessionID string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "start <question>",
		Short: "Start a research request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			id, err := c.start(ctx, strings.Join(args, " "), sessionID)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !watch {
				return nil
			}
			return runWatch(cmd, c, id, 0)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for conversation history")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream events until the request ends")
	return cmd
}

func newCancelCmd(clientFor func() *client) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Request a soft stop of a research request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			accepted, err := c.cancel(ctx, args[0], reason)
			if err != nil {
				return err
			}
			if accepted {
				fmt.Fprintf(cmd.OutOrStdout(), "cancel accepted for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not running (already finished or unknown)\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from researchctl", "reason recorded on the request")
	return cmd
}

func newWatchCmd(clientFor func() *client) *cobra.Command {
	var lastEventID uint64
	cmd := &cobra.Command{
		Use:   "watch <request-id>",
		Short: "Stream the events of a research request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, clientFor(), args[0], lastEventID)
		},
	}
	cmd.Flags().Uint64Var(&lastEventID, "last-event-id", 0, "resume after this sequence number")
	return cmd
}

func newStatusCmd(clientFor func() *client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the latest snapshot of a research request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			snap, err := c.status(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(out, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

// runWatch streams events until the terminal one. Ctrl-C stops watching
// without cancelling the request.
func runWatch(cmd *cobra.Command, c *client, id string, since uint64) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	out := cmd.OutOrStdout()
	return c.watch(ctx, id, since, func(ev event) error {
		printEvent(out, ev)
		return nil
	})
}

func printEvent(w io.Writer, ev event) {
	var p map[string]interface{}
	_ = json.Unmarshal(ev.Payload, &p)
	switch ev.Type {
	case "summary_chunk":
		if chunk, ok := p["chunk"].(string); ok {
			fmt.Fprint(w, chunk)
		}
		return
	case "status":
		msg, _ := p["message"].(string)
		fmt.Fprintf(w, "[%d] %v %s\n", ev.Seq, p["status"], msg)
	case "search_progress":
		fmt.Fprintf(w, "[%d] search %v/%v\n", ev.Seq, p["completed_queries"], p["total_queries"])
	case "completed", "cancelled", "failed":
		fmt.Fprintf(w, "\n[%d] %s\n", ev.Seq, strings.ToUpper(ev.Type))
	default:
		fmt.Fprintf(w, "[%d] %s %s\n", ev.Seq, ev.Type, ev.Payload)
	}
}

func printSnapshot(w io.Writer, snap map[string]interface{}) {
	fmt.Fprintf(w, "Request:  %v\n", snap["request_id"])
	fmt.Fprintf(w, "Status:   %v\n", snap["status"])
	if wt, ok := snap["workflow_type"]; ok {
		fmt.Fprintf(w, "Workflow: %v\n", wt)
	}
	fmt.Fprintf(w, "Queries:  %v/%v (skipped %v)\n", snap["completed_queries"], snap["total_queries"], snap["skipped_queries"])
	if reason, ok := snap["cancel_reason"]; ok {
		fmt.Fprintf(w, "Reason:   %v\n", reason)
	}
	if e, ok := snap["error"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "Error:    %v: %v\n", e["kind"], e["message"])
	}
	if s, ok := snap["final_summary"].(string); ok && s != "" {
		fmt.Fprintf(w, "\n%s\n", s)
	}
}
