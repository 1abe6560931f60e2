package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit -f FILE",
	Short: "Submit a workflow from a YAML definition",
	Long: `Submit a workflow DAG from a YAML file.

Example definition:

  name: nightly-build
  tasks:
    - key: build
      type: shell
      spec:
        shell: {command: make, args: [build]}
    - key: test
      type: shell
      depends_on: [build]
      spec:
        shell: {command: make, args: [test]}
    - key: notify-failure
      type: shell
      depends_on: [test]
      condition: "parent.test.state == 'failed'"
      spec:
        shell: {command: ./notify.sh}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %v", err)
		}
		var wf types.Workflow
		if err := decodeYAML(data, &wf); err != nil {
			return fmt.Errorf("failed to parse workflow: %v", err)
		}

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.SubmitWorkflow(ctx, &rpc.SubmitWorkflowRequest{Workflow: wf})
		if err != nil {
			return err
		}
		fmt.Printf("Workflow submitted: %s\n", resp.WorkflowID)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status WORKFLOW_ID",
	Short: "Show a workflow and its member tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.GetWorkflow(ctx, &rpc.GetWorkflowRequest{WorkflowID: args[0]})
		if err != nil {
			return err
		}

		wf := resp.Workflow
		fmt.Printf("ID:    %s\n", wf.ID)
		fmt.Printf("Name:  %s\n", wf.Name)
		fmt.Printf("State: %s\n", wf.State)
		if !wf.CompletedAt.IsZero() {
			fmt.Printf("Done:  %s\n", wf.CompletedAt.Format(time.RFC3339))
		}

		if len(resp.Tasks) > 0 {
			fmt.Println("\nTasks:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  KEY\tSTATE\tATTEMPT\tNODE\tERROR")
			for _, t := range resp.Tasks {
				node := t.AssignedNode
				if node == "" {
					node = "-"
				}
				fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n",
					t.Key, t.State, t.Attempt, node, t.Error)
			}
			w.Flush()
		}
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.ListWorkflows(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tTASKS\tCREATED")
		for _, wf := range resp.Workflows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				wf.ID, wf.Name, wf.State, len(wf.Tasks),
				wf.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowListCmd)

	workflowSubmitCmd.Flags().StringP("file", "f", "", "YAML workflow definition (required)")
	_ = workflowSubmitCmd.MarkFlagRequired("file")
}

// decodeYAML unmarshals YAML through the types' JSON tags, so definition
// files use the same field names as the API
func decodeYAML(data []byte, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}
