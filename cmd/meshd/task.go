package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit COMMAND [ARGS...]",
	Short: "Submit a shell task",
	Long: `Submit a shell command as a task.

Examples:
  # Run a command anywhere
  meshd task submit -- uname -a

  # Pin to specific nodes with a deadline
  meshd task submit --node worker-1 --timeout 60 -- ./backup.sh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		timeout, _ := cmd.Flags().GetInt("timeout")
		envFlags, _ := cmd.Flags().GetStringSlice("env")
		nodes, _ := cmd.Flags().GetStringSlice("node")
		cpu, _ := cmd.Flags().GetInt("cpu")
		memory, _ := cmd.Flags().GetInt64("memory")
		gpu, _ := cmd.Flags().GetString("gpu")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		env := make(map[string]string)
		for _, kv := range envFlags {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
			}
			env[k] = v
		}

		task := types.Task{
			Type:     types.TaskTypeShell,
			Priority: priority,
			Spec: types.TaskSpec{
				Type: types.TaskTypeShell,
				Shell: &types.ShellSpec{
					Command:        args[0],
					Args:           args[1:],
					Env:            env,
					TimeoutSeconds: timeout,
				},
			},
		}
		if len(nodes) > 0 || cpu > 0 || memory > 0 || gpu != "" {
			task.Constraints = &types.Constraints{
				CPUCores:     cpu,
				MemoryBytes:  memory,
				GPU:          gpu,
				AllowedNodes: nodes,
			}
		}
		if maxRetries >= 0 {
			retry := types.DefaultRetryPolicy()
			retry.MaxRetries = maxRetries
			task.Retry = &retry
		}

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.SubmitTask(ctx, &rpc.SubmitTaskRequest{Task: task})
		if err != nil {
			return err
		}
		fmt.Printf("Task submitted: %s\n", resp.TaskID)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show a task and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.GetTask(ctx, &rpc.GetTaskRequest{TaskID: args[0]})
		if err != nil {
			return err
		}

		t := resp.Task
		fmt.Printf("ID:       %s\n", t.ID)
		fmt.Printf("Type:     %s\n", t.Type)
		fmt.Printf("State:    %s\n", t.State)
		fmt.Printf("Attempt:  %d\n", t.Attempt)
		if t.WorkflowID != "" {
			fmt.Printf("Workflow: %s (%s)\n", t.WorkflowID, t.Key)
		}
		if t.AssignedNode != "" {
			fmt.Printf("Node:     %s\n", t.AssignedNode)
		}
		if t.Error != "" {
			fmt.Printf("Error:    %s\n", t.Error)
		}
		if t.Result != nil {
			fmt.Printf("Exit:     %d\n", t.Result.ExitCode)
		}

		if len(resp.Events) > 0 {
			fmt.Println("\nHistory:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, e := range resp.Events {
				detail := e.Detail
				if e.NodeID != "" {
					detail = strings.TrimSpace(e.NodeID + " " + detail)
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Kind, detail)
			}
			w.Flush()
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.CancelTask(ctx, &rpc.CancelTaskRequest{TaskID: args[0], Reason: reason}); err != nil {
			return err
		}
		fmt.Printf("Task %s cancelled\n", args[0])
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs TASK_ID",
	Short: "Show retained task output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.TaskLogs(ctx, &rpc.TaskLogsRequest{TaskID: args[0]})
		if err != nil {
			return err
		}
		for _, line := range resp.Lines {
			if line.Stream == "stderr" {
				fmt.Fprint(os.Stderr, line.Data)
				continue
			}
			fmt.Print(line.Data)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		nodeID, _ := cmd.Flags().GetString("node")
		workflowID, _ := cmd.Flags().GetString("workflow")

		c, conn, err := client(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := c.ListTasks(ctx, &rpc.ListTasksRequest{
			State:      types.TaskState(state),
			NodeID:     nodeID,
			WorkflowID: workflowID,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tATTEMPT\tNODE\tCREATED")
		for _, t := range resp.Tasks {
			node := t.AssignedNode
			if node == "" {
				node = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				t.ID, t.Type, t.State, t.Attempt, node,
				t.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskLogsCmd)
	taskCmd.AddCommand(taskListCmd)

	taskSubmitCmd.Flags().Int("priority", 0, "Scheduling priority (higher wins)")
	taskSubmitCmd.Flags().Int("timeout", 0, "Execution timeout in seconds")
	taskSubmitCmd.Flags().StringSlice("env", nil, "Environment variable KEY=VALUE (repeatable)")
	taskSubmitCmd.Flags().StringSlice("node", nil, "Restrict placement to this node (repeatable)")
	taskSubmitCmd.Flags().Int("cpu", 0, "Minimum CPU cores")
	taskSubmitCmd.Flags().Int64("memory", 0, "Minimum available memory in bytes")
	taskSubmitCmd.Flags().String("gpu", "", "Required GPU name")
	taskSubmitCmd.Flags().Int("max-retries", -1, "Override the default retry budget")

	taskCancelCmd.Flags().String("reason", "", "Cancellation reason")

	taskListCmd.Flags().String("state", "", "Filter by state")
	taskListCmd.Flags().String("node", "", "Filter by assigned node")
	taskListCmd.Flags().String("workflow", "", "Filter by workflow")
}
