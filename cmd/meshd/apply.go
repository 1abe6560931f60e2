package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply a meshd manifest from a YAML file.

Examples:
  # Submit a task
  meshd apply -f task.yaml

  # Submit a workflow
  meshd apply -f pipeline.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is the envelope of an applied YAML document
type manifest struct {
	Kind string    `yaml:"kind"`
	Spec yaml.Node `yaml:"spec"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	specYAML, err := yaml.Marshal(&m.Spec)
	if err != nil {
		return fmt.Errorf("failed to re-encode spec: %v", err)
	}

	c, conn, err := client(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch m.Kind {
	case "Task":
		var task types.Task
		if err := decodeYAML(specYAML, &task); err != nil {
			return fmt.Errorf("failed to parse task spec: %v", err)
		}
		resp, err := c.SubmitTask(ctx, &rpc.SubmitTaskRequest{Task: task})
		if err != nil {
			return err
		}
		fmt.Printf("Task submitted: %s\n", resp.TaskID)
		return nil

	case "Workflow":
		var wf types.Workflow
		if err := decodeYAML(specYAML, &wf); err != nil {
			return fmt.Errorf("failed to parse workflow spec: %v", err)
		}
		resp, err := c.SubmitWorkflow(ctx, &rpc.SubmitWorkflowRequest{Workflow: wf})
		if err != nil {
			return err
		}
		fmt.Printf("Workflow submitted: %s\n", resp.WorkflowID)
		return nil

	default:
		return fmt.Errorf("unsupported manifest kind: %q", m.Kind)
	}
}
