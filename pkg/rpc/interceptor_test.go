package rpc

import (
	"errors"
	"testing"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not leader", &types.NotLeaderError{LeaderID: "n2", LeaderAddr: "10.0.0.2:8080"}, codes.FailedPrecondition},
		{"not found", types.ErrNotFound, codes.NotFound},
		{"wrapped not found", errors.Join(errors.New("task t1"), types.ErrNotFound), codes.NotFound},
		{"invalid request", types.ErrInvalidRequest, codes.InvalidArgument},
		{"conflict", types.ErrConflict, codes.FailedPrecondition},
		{"no eligible nodes", types.ErrNoEligibleNodes, codes.ResourceExhausted},
		{"unavailable", types.ErrUnavailable, codes.Unavailable},
		{"timeout", types.ErrTimeout, codes.DeadlineExceeded},
		{"anything else", errors.New("disk on fire"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(ToStatus(tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
		})
	}
}

func TestToStatusNotLeaderCarriesLeaderHint(t *testing.T) {
	err := ToStatus(&types.NotLeaderError{LeaderID: "n2", LeaderAddr: "10.0.0.2:8080"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Contains(t, st.Message(), "n2")
	assert.Contains(t, st.Message(), "10.0.0.2:8080")
}
