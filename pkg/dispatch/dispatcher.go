package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
)

// Cluster is the slice of the consensus layer the dispatcher needs
type Cluster interface {
	Propose(kind types.EntryKind, payload any) (*state.ApplyResult, error)
	IsLeader() bool
}

// Dispatcher is the leader side of dispatch: it pushes assigned tasks to
// their node's Worker service, consumes the update stream and turns the
// outcome into task_started / task_complete / task_failed proposals.
//
// Per-node circuit breakers keep a flapping node from absorbing dispatch
// attempts; a rejected dispatch settles the task as failed so the normal
// retry path reschedules it elsewhere.
type Dispatcher struct {
	store   storage.Store
	cluster Cluster
	logs    *LogStore
	logger  zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store storage.Store, cluster Cluster, logs *LogStore) *Dispatcher {
	return &Dispatcher{
		store:    store,
		cluster:  cluster,
		logs:     logs,
		logger:   log.WithComponent("dispatch"),
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Dispatch pushes one assigned task to its node. Asynchronous; the
// outcome arrives as a proposed log entry.
func (d *Dispatcher) Dispatch(taskID, nodeID string) {
	go d.run(taskID, nodeID)
}

// Cancel sends a best-effort cancel to the node running the task
func (d *Dispatcher) Cancel(taskID, nodeID string) {
	go func() {
		conn, err := d.conn(nodeID)
		if err != nil {
			d.logger.Warn().Str("task_id", taskID).Str("node_id", nodeID).Err(err).
				Msg("cancel delivery failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := rpc.NewWorkerClient(conn).CancelRunning(ctx, &rpc.CancelTaskRequest{TaskID: taskID}); err != nil {
			d.logger.Warn().Str("task_id", taskID).Str("node_id", nodeID).Err(err).
				Msg("cancel delivery failed")
		}
	}()
}

func (d *Dispatcher) run(taskID, nodeID string) {
	task, err := d.store.GetTask(taskID)
	if err != nil {
		d.logger.Error().Str("task_id", taskID).Err(err).Msg("dispatch lookup failed")
		return
	}
	if task.State != types.TaskStateAssigned || task.AssignedNode != nodeID {
		// assignment changed under us, a later entry owns the task now
		return
	}

	breaker := d.breaker(nodeID)
	_, err = breaker.Execute(func() (any, error) {
		return nil, d.stream(task, nodeID)
	})
	if err != nil {
		d.logger.Warn().Str("task_id", taskID).Str("node_id", nodeID).Err(err).
			Msg("dispatch failed")
		d.proposeFailed(taskID, fmt.Sprintf("dispatch to node %s failed: %v", nodeID, err), nil)
	}
}

// stream drives one dispatch exchange to completion
func (d *Dispatcher) stream(task *types.Task, nodeID string) error {
	conn, err := d.conn(nodeID)
	if err != nil {
		return err
	}

	stream, err := rpc.NewWorkerClient(conn).Dispatch(context.Background(), &rpc.DispatchRequest{Task: *task})
	if err != nil {
		return err
	}

	settled := false
	for {
		update, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) && settled {
				return nil
			}
			if settled {
				return nil
			}
			return fmt.Errorf("dispatch stream broken: %w", err)
		}

		switch update.Kind {
		case rpc.UpdateStarted:
			if _, err := d.cluster.Propose(types.EntryTaskStarted, types.TaskStartedPayload{
				TaskID:    task.ID,
				NodeID:    nodeID,
				StartedAt: update.At,
			}); err != nil {
				d.logger.Error().Str("task_id", task.ID).Err(err).Msg("failed to propose task_started")
			}

		case rpc.UpdateStdout, rpc.UpdateStderr:
			d.logs.Append(task.ID, string(update.Kind), update.Data)

		case rpc.UpdateResult:
			settled = true
			if update.Error != "" {
				d.proposeFailed(task.ID, update.Error, update.Result)
			} else {
				if _, err := d.cluster.Propose(types.EntryTaskComplete, types.TaskCompletePayload{
					TaskID:      task.ID,
					Result:      update.Result,
					CompletedAt: update.At,
				}); err != nil {
					d.logger.Error().Str("task_id", task.ID).Err(err).Msg("failed to propose task_complete")
				}
			}
		}
	}
}

func (d *Dispatcher) proposeFailed(taskID, reason string, result *types.TaskResult) {
	if !d.cluster.IsLeader() {
		return
	}
	_, err := d.cluster.Propose(types.EntryTaskFailed, types.TaskFailedPayload{
		TaskID:   taskID,
		Error:    reason,
		Result:   result,
		FailedAt: time.Now().UTC(),
	})
	if err != nil && !types.IsNotLeader(err) {
		d.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to propose task_failed")
	}
}

func (d *Dispatcher) conn(nodeID string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[nodeID]; ok {
		return conn, nil
	}

	node, err := d.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	conn, err := rpc.Dial(fmt.Sprintf("%s:%d", node.Address, node.Port))
	if err != nil {
		return nil, err
	}
	d.conns[nodeID] = conn
	return conn, nil
}

func (d *Dispatcher) breaker(nodeID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.breakers[nodeID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch-" + nodeID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	d.breakers[nodeID] = b
	return b
}

// Close tears down cached node connections
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		conn.Close()
	}
	d.conns = make(map[string]*grpc.ClientConn)
}
