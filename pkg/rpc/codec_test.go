package rpc

import (
	"testing"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, "json", c.Name())
}

func TestCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := &SubmitTaskRequest{Task: types.Task{
		ID:   "t1",
		Type: types.TaskTypeShell,
		Spec: types.TaskSpec{
			Type:  types.TaskTypeShell,
			Shell: &types.ShellSpec{Command: "echo", Args: []string{"hi"}},
		},
		Priority: 5,
	}}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out SubmitTaskRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in.Task.ID, out.Task.ID)
	assert.Equal(t, in.Task.Priority, out.Task.Priority)
	require.NotNil(t, out.Task.Spec.Shell)
	assert.Equal(t, []string{"hi"}, out.Task.Spec.Shell.Args)
}

func TestCodecUnmarshalError(t *testing.T) {
	c := jsonCodec{}
	var out SubmitTaskRequest
	err := c.Unmarshal([]byte("{not json"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json codec")
}
