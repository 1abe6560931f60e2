package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call with its duration and outcome
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("rpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

// ErrorInterceptor maps domain errors onto gRPC status codes. Not-leader
// errors carry the leader address in the status message so clients can
// redirect.
func ErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		return nil, ToStatus(err)
	}
}

// ToStatus converts a domain error to a gRPC status error
func ToStatus(err error) error {
	var nl *types.NotLeaderError
	switch {
	case errors.As(err, &nl):
		return status.Errorf(codes.FailedPrecondition, "not leader: leader is %s at %s", nl.LeaderID, nl.LeaderAddr)
	case errors.Is(err, types.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrNoEligibleNodes):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, types.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, types.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
