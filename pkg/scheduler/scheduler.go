package scheduler

import (
	"context"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/rs/zerolog"
)

// pollInterval bounds how long a scheduled_after expiry can go unnoticed
// between wakeups
const pollInterval = time.Second

// Cluster is the slice of the consensus layer the scheduler needs
type Cluster interface {
	Propose(kind types.EntryKind, payload any) (*state.ApplyResult, error)
	IsLeader() bool
}

// Scheduler assigns queued tasks to nodes. It runs on every node but only
// acts while this node holds leadership; assignment itself is a proposed
// task_assign entry, never a direct store write.
type Scheduler struct {
	cfg     *config.Config
	store   storage.Store
	cluster Cluster
	logger  zerolog.Logger

	wakeCh chan struct{}
}

// New creates a scheduler
func New(cfg *config.Config, store storage.Store, cluster Cluster) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		cluster: cluster,
		logger:  log.WithComponent("scheduler"),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler to run a pass soon. Safe from any goroutine;
// wakeups coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives scheduling passes until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}

		if !s.cluster.IsLeader() {
			continue
		}
		s.pass(time.Now().UTC())
	}
}

// pass assigns every ready queued task it can place. Tasks with no
// eligible node stay queued for a later pass.
func (s *Scheduler) pass(now time.Time) {
	tasks, err := s.store.QueuedTasksReadyNow(now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list queued tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list nodes")
		return
	}

	// assignments within one pass count against the node so a burst of
	// queued tasks spreads instead of piling onto the best candidate
	load := make(map[string]int)
	for _, n := range nodes {
		assigned, err := s.store.ListTasksByNode(n.ID)
		if err != nil {
			s.logger.Error().Str("node_id", n.ID).Err(err).Msg("failed to list node tasks")
			return
		}
		for _, t := range assigned {
			if t.State == types.TaskStateAssigned || t.State == types.TaskStateRunning {
				load[n.ID]++
			}
		}
	}

	for _, task := range tasks {
		var candidates []*types.Node
		for _, n := range nodes {
			if Eligible(n, task) {
				candidates = append(candidates, n)
			}
		}
		if len(candidates) == 0 {
			s.logger.Debug().Str("task_id", task.ID).Msg("no eligible nodes, task stays queued")
			continue
		}

		node := pickLeastLoaded(candidates, load, s.cfg.SchedulerTieBreak)

		_, err := s.cluster.Propose(types.EntryTaskAssign, types.TaskAssignPayload{
			TaskID:     task.ID,
			NodeID:     node.ID,
			AssignedAt: now,
		})
		if err != nil {
			if types.IsNotLeader(err) {
				return
			}
			s.logger.Error().Str("task_id", task.ID).Str("node_id", node.ID).Err(err).
				Msg("failed to propose assignment")
			continue
		}
		load[node.ID]++
		s.logger.Info().Str("task_id", task.ID).Str("node_id", node.ID).
			Int("attempt", task.Attempt).Msg("task assigned")
	}
}

// pickLeastLoaded narrows candidates to the minimum in-pass load, then
// applies the configured tie-break
func pickLeastLoaded(candidates []*types.Node, load map[string]int, tieBreak config.TieBreak) *types.Node {
	min := -1
	for _, n := range candidates {
		if min == -1 || load[n.ID] < min {
			min = load[n.ID]
		}
	}
	leastLoaded := candidates[:0:0]
	for _, n := range candidates {
		if load[n.ID] == min {
			leastLoaded = append(leastLoaded, n)
		}
	}
	return Rank(leastLoaded, tieBreak)
}
