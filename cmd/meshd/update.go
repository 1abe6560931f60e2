package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Manage cluster updates",
}

var updateRollingCmd = &cobra.Command{
	Use:   "rolling --binary FILE",
	Short: "Roll a new binary across the cluster",
	Long: `Push a new meshd binary to the leader and roll it across the
cluster one node at a time: followers first, the leader last after
handing off leadership. Each node is drained, updated and reactivated
before the next one starts.

Requires a cluster that keeps quorum with one node down (3 or more
active nodes).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		binaryPath, _ := cmd.Flags().GetString("binary")
		version, _ := cmd.Flags().GetString("binary-version")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		addr, _ := cmd.Flags().GetString("server")

		f, err := os.Open(binaryPath)
		if err != nil {
			return fmt.Errorf("failed to open binary: %v", err)
		}
		defer f.Close()

		hash := sha256.New()
		if _, err := io.Copy(hash, f); err != nil {
			return fmt.Errorf("failed to hash binary: %v", err)
		}
		checksum := hex.EncodeToString(hash.Sum(nil))
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}

		conn, err := rpc.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %v", addr, err)
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		fmt.Printf("Pushing %s (sha256 %s)...\n", binaryPath, shortSum(checksum))
		if err := pushBinary(ctx, rpc.NewUpdaterClient(conn), f, version, checksum); err != nil {
			return fmt.Errorf("failed to push binary: %v", err)
		}

		resp, err := rpc.NewClusterClient(conn).RollingUpdate(ctx, &rpc.RollingUpdateRequest{
			Checksum: checksum,
			Version:  version,
			DryRun:   dryRun,
		})
		if resp != nil && resp.Report != nil {
			printReport(resp.Report)
		}
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Println("Dry run: no node was updated")
		} else {
			fmt.Println("Rolling update complete")
		}
		return nil
	},
}

func pushBinary(ctx context.Context, c *rpc.UpdaterClient, r io.Reader, version, checksum string) error {
	stream, err := c.PushBinary(ctx)
	if err != nil {
		return err
	}

	buf := make([]byte, 1<<20)
	first := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := &rpc.BinaryChunk{Data: buf[:n]}
			if first {
				chunk.Version = version
				chunk.Checksum = checksum
				first = false
			}
			if err := stream.Send(chunk); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	fmt.Printf("Staged %d bytes on the leader\n", resp.Bytes)
	return nil
}

func printReport(report *types.UpdateReport) {
	fmt.Printf("\nPlan (version %s, sha256 %s):\n", report.Version, shortSum(report.Checksum))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NODE\tROLE\tSTATUS\tERROR")
	for _, step := range report.Steps {
		role := "follower"
		if step.Leader {
			role = "leader"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", step.NodeID, role, step.Status, step.Error)
	}
	w.Flush()
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func init() {
	updateCmd.AddCommand(updateRollingCmd)

	updateRollingCmd.Flags().String("binary", "", "Path to the new binary (required)")
	updateRollingCmd.Flags().String("binary-version", "", "Version label for the new binary")
	updateRollingCmd.Flags().Bool("dry-run", false, "Print the rollout plan without executing it")
	_ = updateRollingCmd.MarkFlagRequired("binary")
}
