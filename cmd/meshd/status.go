package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dpaschal/meshd/pkg/events"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.ClusterStatus(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Leader: %s (%s)\n", resp.LeaderID, resp.LeaderAddr)
		if len(resp.Stats) > 0 {
			keys := make([]string, 0, len(resp.Stats))
			for k := range resp.Stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, resp.Stats[k])
			}
			w.Flush()
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream cluster events",
	Long: `Stream cluster events until interrupted.

Examples:
  # Everything
  meshd events

  # Only task lifecycle
  meshd events --type task.completed --type task.failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typeFlags, _ := cmd.Flags().GetStringSlice("type")

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		eventTypes := make([]events.EventType, len(typeFlags))
		for i, t := range typeFlags {
			eventTypes[i] = events.EventType(t)
		}

		stream, err := c.StreamEvents(context.Background(), &rpc.StreamEventsRequest{Types: eventTypes})
		if err != nil {
			return err
		}
		for {
			msg, err := stream.Recv()
			if err != nil {
				return err
			}
			e := msg.Event
			fmt.Printf("%s  %-28s %s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, e.Message)
		}
	},
}

func init() {
	eventsCmd.Flags().StringSlice("type", nil, "Event type to include (repeatable, empty = all)")
}
