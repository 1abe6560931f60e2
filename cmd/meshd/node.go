package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage cluster nodes",
}

var nodeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.ListNodes(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tROLE\tSTATUS\tADDRESS\tTAGS\tLAST SEEN")
		for _, n := range resp.Nodes {
			lastSeen := "-"
			if !n.LastSeen.IsZero() {
				lastSeen = n.LastSeen.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s:%d\t%s\t%s\n",
				n.ID, n.Hostname, n.Role, n.Status, n.Address, n.Port,
				joinTags(n.Tags), lastSeen)
		}
		return w.Flush()
	},
}

var nodePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List join requests awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.PendingJoins(ctx)
		if err != nil {
			return err
		}
		if len(resp.Requests) == 0 {
			fmt.Println("No pending join requests")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tNODE\tHOSTNAME\tEPHEMERAL\tREQUESTED")
		for _, r := range resp.Requests {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
				r.ID, r.Node.ID, r.Node.Hostname, r.Ephemeral,
				r.RequestedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// nodeAction builds the approve/reject/drain/remove commands, which differ
// only in the RPC they call
func nodeAction(use, short string, call func(*rpc.ClusterClient, context.Context, *rpc.NodeRequest) (*rpc.Empty, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NODE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, conn, err := client(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := call(c, ctx, &rpc.NodeRequest{NodeID: args[0]}); err != nil {
				return err
			}
			fmt.Printf("Node %s: %s\n", args[0], use)
			return nil
		},
	}
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodePendingCmd)
	nodeCmd.AddCommand(nodeAction("approve", "Approve a pending node", func(c *rpc.ClusterClient, ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
		return c.ApproveNode(ctx, req)
	}))
	nodeCmd.AddCommand(nodeAction("reject", "Reject a pending node", func(c *rpc.ClusterClient, ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
		return c.RejectNode(ctx, req)
	}))
	nodeCmd.AddCommand(nodeAction("drain", "Stop new placements on a node", func(c *rpc.ClusterClient, ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
		return c.DrainNode(ctx, req)
	}))
	nodeCmd.AddCommand(nodeAction("remove", "Remove a node from the cluster", func(c *rpc.ClusterClient, ctx context.Context, req *rpc.NodeRequest) (*rpc.Empty, error) {
		return c.RemoveNode(ctx, req)
	}))
}
