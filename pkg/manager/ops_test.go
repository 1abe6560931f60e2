package manager

import (
	"testing"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capNode(id string, cores int, memory int64, gpus ...string) *types.Node {
	r := &types.ResourceSnapshot{CPUCores: cores, MemoryTotalBytes: memory}
	for i, name := range gpus {
		r.GPUs = append(r.GPUs, types.GPU{Index: i, Name: name})
	}
	return &types.Node{ID: id, Status: types.NodeStatusActive, Resources: r}
}

func TestNormalizeTaskRetryDefault(t *testing.T) {
	def := types.RetryPolicy{MaxRetries: 3, BackoffMs: 1000, BackoffMultiplier: 2.0, Retryable: true}
	shell := types.TaskSpec{Type: types.TaskTypeShell, Shell: &types.ShellSpec{Command: "true"}}

	// no policy submitted: the default applies
	task, err := normalizeTask(types.Task{Type: types.TaskTypeShell, Spec: shell}, def)
	require.NoError(t, err)
	require.NotNil(t, task.Retry)
	assert.Equal(t, def, *task.Retry)

	// an explicit non-retryable policy equals the zero value field-wise,
	// and still must survive submission untouched
	task, err = normalizeTask(types.Task{
		Type:  types.TaskTypeShell,
		Spec:  shell,
		Retry: &types.RetryPolicy{Retryable: false},
	}, def)
	require.NoError(t, err)
	require.NotNil(t, task.Retry)
	assert.False(t, task.Retry.Retryable)
	assert.Zero(t, task.Retry.MaxRetries)
}

func TestNormalizeTaskValidation(t *testing.T) {
	def := types.RetryPolicy{Retryable: true}

	_, err := normalizeTask(types.Task{}, def)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = normalizeTask(types.Task{Type: types.TaskTypeShell}, def)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestPlaceable(t *testing.T) {
	nodes := []*types.Node{
		capNode("n1", 4, 8<<30),
		capNode("n2", 16, 64<<30, "rtx4090"),
	}

	tests := []struct {
		name  string
		c     types.Constraints
		nodes []*types.Node
		want  bool
	}{
		{"unconstrained", types.Constraints{}, nodes, true},
		{"cpu fits somewhere", types.Constraints{CPUCores: 8}, nodes, true},
		{"cpu exceeds every node", types.Constraints{CPUCores: 32}, nodes, false},
		{"memory exceeds every node", types.Constraints{MemoryBytes: 128 << 30}, nodes, false},
		{"gpu present", types.Constraints{GPU: "rtx4090"}, nodes, true},
		{"gpu absent", types.Constraints{GPU: "h100"}, nodes, false},
		{"allowed node exists", types.Constraints{AllowedNodes: []string{"n1"}}, nodes, true},
		{"allowed node unknown", types.Constraints{AllowedNodes: []string{"n9"}}, nodes, false},
		{"allowed node too small", types.Constraints{AllowedNodes: []string{"n1"}, GPU: "rtx4090"}, nodes, false},
		{"no nodes at all", types.Constraints{}, nil, false},
		{"node without snapshot counts", types.Constraints{CPUCores: 64},
			[]*types.Node{{ID: "n3", Status: types.NodeStatusActive}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, placeable(&tt.c, tt.nodes))
		})
	}
}
