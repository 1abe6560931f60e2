package consensus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/log"
	"github.com/dpaschal/meshd/pkg/state"
	"github.com/dpaschal/meshd/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const (
	transportPoolSize = 3
	transportTimeout  = 10 * time.Second
	snapshotRetain    = 2
	proposeTimeout    = 5 * time.Second
)

// Raft wraps the hashicorp/raft node with the narrow contract the rest of
// the daemon needs: propose an entry, watch leadership, manage voters.
type Raft struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft    *raft.Raft
	machine *state.Machine
	logger  zerolog.Logger
}

// New creates an unstarted consensus node over the given state machine
func New(cfg *config.Config, machine *state.Machine) *Raft {
	return &Raft{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		machine:  machine,
		logger:   log.WithComponent("consensus"),
	}
}

// raftConfig maps the daemon's election knobs onto hashicorp/raft.
// The library draws its own randomized timeout in [t, 2t), so the
// configured minimum seeds HeartbeatTimeout and the maximum bounds
// ElectionTimeout.
func (r *Raft) raftConfig(cfg *config.Config) *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(r.nodeID)
	c.HeartbeatTimeout = cfg.ElectionTimeoutMax()
	c.ElectionTimeout = cfg.ElectionTimeoutMax()
	c.LeaderLeaseTimeout = cfg.ElectionTimeoutMin()
	c.CommitTimeout = 50 * time.Millisecond
	c.LogOutput = os.Stderr
	return c
}

// open builds the transport and stores and starts the raft node
func (r *Raft) open(cfg *config.Config) error {
	addr, err := net.ResolveTCPAddr("tcp", r.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(r.bindAddr, addr, transportPoolSize, transportTimeout, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(r.dataDir, snapshotRetain, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	node, err := raft.NewRaft(r.raftConfig(cfg), r.machine, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	r.raft = node
	return nil
}

// Bootstrap starts a new single-node cluster with this node as leader
func (r *Raft) Bootstrap(cfg *config.Config) error {
	if err := r.open(cfg); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(r.nodeID),
				Address: raft.ServerAddress(r.bindAddr),
			},
		},
	}
	if err := r.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	r.logger.Info().Str("bind", r.bindAddr).Msg("bootstrapped single-node cluster")
	return nil
}

// Start brings the node up as a follower; the leader adds it as a voter
// after join approval.
func (r *Raft) Start(cfg *config.Config) error {
	if err := r.open(cfg); err != nil {
		return err
	}
	r.logger.Info().Str("bind", r.bindAddr).Msg("consensus node started, awaiting voter add")
	return nil
}

// AddVoter adds a node to the consensus group. Leader only.
func (r *Raft) AddVoter(nodeID, address string) error {
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, transportTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes a node from the consensus group. Leader only.
func (r *Raft) RemoveServer(nodeID string) error {
	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, transportTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// Servers returns the current consensus membership
func (r *Raft) Servers() ([]raft.Server, error) {
	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// Propose appends an entry to the replicated log and waits for it to
// commit and apply locally. The returned result is the state machine's
// output for this entry, actions included.
func (r *Raft) Propose(kind types.EntryKind, payload any) (*state.ApplyResult, error) {
	if r.raft.State() != raft.Leader {
		leaderAddr, leaderID := r.raft.LeaderWithID()
		return nil, &types.NotLeaderError{
			LeaderID:   string(leaderID),
			LeaderAddr: string(leaderAddr),
		}
	}

	data, err := types.EncodeEntry(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}

	future := r.raft.Apply(data, proposeTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply entry: %w", err)
	}

	result, ok := future.Response().(*state.ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	if result.Err != nil {
		return nil, result.Err
	}
	return result, nil
}

// Barrier waits until all preceding log entries are applied locally.
// Used before linearizable reads on the leader.
func (r *Raft) Barrier(timeout time.Duration) error {
	return r.raft.Barrier(timeout).Error()
}

// IsLeader reports whether this node currently holds leadership
func (r *Raft) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// LeaderWithID returns the current leader's address and server id
func (r *Raft) LeaderWithID() (string, string) {
	addr, id := r.raft.LeaderWithID()
	return string(addr), string(id)
}

// LeaderCh surfaces leadership transitions; true means this node became
// leader, false means it lost leadership.
func (r *Raft) LeaderCh() <-chan bool {
	return r.raft.LeaderCh()
}

// LeadershipTransfer hands leadership to another voter, used by the
// rolling updater before the leader updates itself.
func (r *Raft) LeadershipTransfer() error {
	if err := r.raft.LeadershipTransfer().Error(); err != nil {
		return fmt.Errorf("failed to transfer leadership: %w", err)
	}
	return nil
}

// Stats exposes raft internals for the status RPC
func (r *Raft) Stats() map[string]string {
	stats := r.raft.Stats()
	stats["node_id"] = r.nodeID
	return stats
}

// AppliedIndex returns the index of the last applied log entry
func (r *Raft) AppliedIndex() uint64 {
	return r.raft.AppliedIndex()
}

// Shutdown stops the consensus node
func (r *Raft) Shutdown() error {
	if r.raft == nil {
		return nil
	}
	return r.raft.Shutdown().Error()
}
