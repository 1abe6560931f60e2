package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/rs/zerolog"
)

// Agent is the worker side of dispatch: it serves the Worker RPC,
// runs tasks through the executor registry and streams updates back to
// the leader.
type Agent struct {
	cfg      *config.Config
	registry *Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // task id -> cancel
}

// NewAgent creates a worker agent over the executor registry
func NewAgent(cfg *config.Config, registry *Registry) *Agent {
	return &Agent{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithComponent("agent"),
		running:  make(map[string]context.CancelFunc),
	}
}

// Dispatch runs the task and streams execution updates until the final
// result update. Implements rpc.WorkerServer.
func (a *Agent) Dispatch(req *rpc.DispatchRequest, stream rpc.Worker_DispatchServer) error {
	task := req.Task
	logger := a.logger.With().Str("task_id", task.ID).Logger()

	executor, err := a.registry.Lookup(task.Type)
	if err != nil {
		// no adapter on this node settles the task as failed
		return stream.Send(&rpc.DispatchUpdate{
			Kind:   rpc.UpdateResult,
			TaskID: task.ID,
			Error:  err.Error(),
			At:     time.Now().UTC(),
		})
	}

	ctx, cancel := context.WithCancel(stream.Context())
	a.mu.Lock()
	a.running[task.ID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.running, task.ID)
		a.mu.Unlock()
	}()

	buf := newStreamBuffer(a.cfg.DispatchStreamBufferBytes)
	defer buf.close()

	// sender drains the buffer onto the wire; a slow leader connection
	// costs output, never executor progress
	sendErr := make(chan error, 1)
	go func() {
		for {
			u, ok := buf.pop()
			if !ok {
				sendErr <- nil
				return
			}
			if err := stream.Send(u); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	buf.push(&rpc.DispatchUpdate{
		Kind:   rpc.UpdateStarted,
		TaskID: task.ID,
		At:     time.Now().UTC(),
	})

	logger.Info().Str("type", string(task.Type)).Int("attempt", task.Attempt).Msg("executing task")
	result, runErr := executor.Run(ctx, &task, func(streamName string, data []byte) {
		kind := rpc.UpdateStdout
		if streamName == "stderr" {
			kind = rpc.UpdateStderr
		}
		buf.push(&rpc.DispatchUpdate{
			Kind:   kind,
			TaskID: task.ID,
			Data:   data,
			At:     time.Now().UTC(),
		})
	})

	final := &rpc.DispatchUpdate{
		Kind:   rpc.UpdateResult,
		TaskID: task.ID,
		Result: result,
		At:     time.Now().UTC(),
	}
	if runErr != nil {
		final.Error = runErr.Error()
		logger.Warn().Err(runErr).Msg("task execution failed")
	} else {
		logger.Info().Msg("task execution completed")
	}
	buf.push(final)
	buf.close()

	return <-sendErr
}

// CancelRunning stops a task executing on this node. Implements
// rpc.WorkerServer.
func (a *Agent) CancelRunning(ctx context.Context, req *rpc.CancelTaskRequest) (*rpc.Empty, error) {
	a.mu.Lock()
	cancel, ok := a.running[req.TaskID]
	a.mu.Unlock()

	if ok {
		a.logger.Info().Str("task_id", req.TaskID).Msg("cancelling running task")
		cancel()
	}
	return &rpc.Empty{}, nil
}
