package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/rpc"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/storage"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	chunkSize    = 1 << 20
	drainTimeout = 5 * time.Minute
	rejoinWait   = 2 * time.Minute
	pollEvery    = 2 * time.Second
)

// Cluster is the slice of the consensus layer the rollout needs
type Cluster interface {
	Propose(kind types.EntryKind, payload any) (*state.ApplyResult, error)
	IsLeader() bool
	LeadershipTransfer() error
}

// Rollout pushes a new daemon binary across the cluster one node at a
// time: drain, push, activate, wait for rejoin. Followers go first; the
// leader transfers leadership and updates itself last.
type Rollout struct {
	cfg     *config.Config
	store   storage.Store
	cluster Cluster
	logger  zerolog.Logger
}

// NewRollout creates a rollout driver
func NewRollout(cfg *config.Config, store storage.Store, cluster Cluster) *Rollout {
	return &Rollout{
		cfg:     cfg,
		store:   store,
		cluster: cluster,
		logger:  log.WithComponent("rollout"),
	}
}

// Run executes (or, with dryRun, only plans) a rolling update
func (r *Rollout) Run(ctx context.Context, binaryPath, version string, dryRun bool) (*types.UpdateReport, error) {
	if !r.cluster.IsLeader() {
		return nil, types.ErrUnavailable
	}

	checksum, err := fileChecksum(binaryPath)
	if err != nil {
		return nil, err
	}

	nodes, err := r.store.ActiveNodes()
	if err != nil {
		return nil, err
	}

	// updating a node takes it out of quorum; a cluster of fewer than
	// three voters cannot afford that
	if len(nodes) >= 2 && len(nodes) < 3 {
		return nil, fmt.Errorf("rolling update needs at least 3 active nodes to hold quorum, have %d: %w",
			len(nodes), types.ErrConflict)
	}

	report := &types.UpdateReport{Version: version, Checksum: checksum, DryRun: dryRun}
	var leaderStep *types.UpdateStep
	for _, n := range nodes {
		step := types.UpdateStep{NodeID: n.ID, Leader: n.ID == r.cfg.NodeID, Status: types.UpdateStepPlanned}
		if step.Leader {
			leaderStep = &step
			continue
		}
		report.Steps = append(report.Steps, step)
	}
	if leaderStep != nil {
		report.Steps = append(report.Steps, *leaderStep)
	}

	if dryRun {
		return report, nil
	}

	for i := range report.Steps {
		step := &report.Steps[i]
		if step.Leader {
			if err := r.updateSelf(binaryPath, version, checksum, step); err != nil {
				return report, err
			}
			continue
		}
		if err := r.updateFollower(ctx, binaryPath, version, checksum, step); err != nil {
			if step.Status == types.UpdateStepRolledBack {
				report.RolledBack = append(report.RolledBack, step.NodeID)
			} else {
				step.Status = types.UpdateStepFailed
			}
			step.Error = err.Error()
			r.logger.Error().Str("node_id", step.NodeID).Err(err).Msg("rollout halted")
			return report, fmt.Errorf("rollout halted at node %s: %w", step.NodeID, err)
		}
		step.Status = types.UpdateStepDone
	}
	return report, nil
}

func (r *Rollout) updateFollower(ctx context.Context, binaryPath, version, checksum string, step *types.UpdateStep) error {
	nodeID := step.NodeID
	logger := r.logger.With().Str("node_id", nodeID).Logger()

	logger.Info().Msg("draining node")
	if _, err := r.cluster.Propose(types.EntryNodeDrain, types.NodeDrainPayload{NodeID: nodeID}); err != nil {
		return err
	}
	if err := r.waitIdle(ctx, nodeID); err != nil {
		r.reactivate(nodeID)
		return err
	}

	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", node.Address, node.Port)

	logger.Info().Msg("pushing binary")
	if err := pushBinary(ctx, addr, binaryPath, version, checksum); err != nil {
		r.reactivate(nodeID)
		return err
	}

	logger.Info().Msg("activating binary")
	if err := activateBinary(ctx, addr, checksum); err != nil {
		r.reactivate(nodeID)
		return err
	}

	logger.Info().Msg("waiting for node to rejoin")
	if err := r.waitRejoin(ctx, nodeID); err != nil {
		logger.Warn().Err(err).Msg("node missing after activation, rolling back")
		if rbErr := rollbackBinary(ctx, addr); rbErr != nil {
			logger.Error().Err(rbErr).Msg("rollback request failed")
			return err
		}
		if rbErr := r.waitRejoin(ctx, nodeID); rbErr != nil {
			logger.Error().Err(rbErr).Msg("node still missing after rollback")
			return err
		}
		step.Status = types.UpdateStepRolledBack
		r.reactivate(nodeID)
		return err
	}
	r.reactivate(nodeID)
	return nil
}

// updateSelf stages the binary locally and yields leadership; the exit
// happens after transfer so the cluster is never leaderless.
func (r *Rollout) updateSelf(binaryPath, version, checksum string, step *types.UpdateStep) error {
	svc := NewService(r.cfg.DataDir)
	staged, err := stageLocal(svc, binaryPath, version, checksum)
	if err != nil {
		step.Status = types.UpdateStepFailed
		step.Error = err.Error()
		return err
	}
	r.logger.Info().Msg("transferring leadership before self-update")
	if err := r.cluster.LeadershipTransfer(); err != nil {
		step.Status = types.UpdateStepFailed
		step.Error = err.Error()
		return err
	}

	if err := svc.swap(staged); err != nil {
		step.Status = types.UpdateStepFailed
		step.Error = err.Error()
		return err
	}

	step.Status = types.UpdateStepDone
	r.logger.Info().Msg("self-update staged, restarting")
	go func() {
		time.Sleep(500 * time.Millisecond)
		svc.Exit()
	}()
	return nil
}

// waitIdle polls until the node has no assigned or running tasks
func (r *Rollout) waitIdle(ctx context.Context, nodeID string) error {
	deadline := time.Now().Add(drainTimeout)
	for {
		tasks, err := r.store.ListTasksByNode(nodeID)
		if err != nil {
			return err
		}
		busy := 0
		for _, t := range tasks {
			if t.State == types.TaskStateAssigned || t.State == types.TaskStateRunning {
				busy++
			}
		}
		if busy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node %s still has %d tasks after drain timeout: %w", nodeID, busy, types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// waitRejoin polls until the restarted node heartbeats again
func (r *Rollout) waitRejoin(ctx context.Context, nodeID string) error {
	deadline := time.Now().Add(rejoinWait)
	for {
		node, err := r.store.GetNode(nodeID)
		if err == nil && time.Since(node.LastSeen) < r.cfg.HeartbeatTimeout() &&
			node.Status != types.NodeStatusOffline {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node %s did not rejoin after update: %w", nodeID, types.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// reactivate lifts the drain; approval doubles as reactivation in the
// state machine
func (r *Rollout) reactivate(nodeID string) {
	_, err := r.cluster.Propose(types.EntryNodeApprove, types.NodeApprovePayload{
		NodeID:     nodeID,
		ApprovedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn().Str("node_id", nodeID).Err(err).Msg("failed to reactivate node")
	}
}

func pushBinary(ctx context.Context, addr, binaryPath, version, checksum string) error {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := rpc.NewUpdaterClient(conn).PushBinary(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(binaryPath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	first := true
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := &rpc.BinaryChunk{Data: append([]byte(nil), buf[:n]...)}
			if first {
				chunk.Version = version
				chunk.Checksum = checksum
				first = false
			}
			if err := stream.Send(chunk); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if resp.Checksum != checksum {
		return fmt.Errorf("remote staged checksum mismatch")
	}
	return nil
}

func rollbackBinary(ctx context.Context, addr string) error {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = rpc.NewUpdaterClient(conn).RollbackBinary(cctx)
	return err
}

func activateBinary(ctx context.Context, addr, checksum string) error {
	conn, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = rpc.NewUpdaterClient(conn).ActivateBinary(cctx, &rpc.ActivateBinaryRequest{Checksum: checksum})
	return err
}

// stageLocal copies the binary into the local staging dir through the
// same verification path remote pushes use
func stageLocal(svc *Service, binaryPath, version, checksum string) (string, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return "", fmt.Errorf("local binary checksum mismatch")
	}

	stagingDir := svc.dataDir + "/staged"
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", err
	}
	path := stagingDir + "/meshd-" + shortSum(checksum)
	if err := os.WriteFile(path, data, 0755); err != nil {
		return "", err
	}
	return path, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
