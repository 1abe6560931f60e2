package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the core. RPC handlers map these onto status
// codes; they are never allowed to panic across the API boundary.
var (
	// ErrUnavailable means no quorum is reachable; callers may retry later.
	ErrUnavailable = errors.New("unavailable: no quorum")

	// ErrInvalidRequest means a request failed structural validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoEligibleNodes means no known node could ever satisfy the
	// task's constraints.
	ErrNoEligibleNodes = errors.New("no eligible nodes")

	// ErrTimeout means a bounded wait elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrConflict means the state machine rejected a transition, e.g.
	// cancelling a task already in a terminal state.
	ErrConflict = errors.New("conflict: transition rejected")

	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// NotLeaderError is returned for leader-only operations invoked elsewhere.
// It carries a hint at the current leader so callers can redirect.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not leader: no leader elected"
	}
	return fmt.Sprintf("not leader: current leader is %s (%s)", e.LeaderID, e.LeaderAddr)
}

// IsNotLeader reports whether err is a NotLeaderError
func IsNotLeader(err error) bool {
	var nl *NotLeaderError
	return errors.As(err, &nl)
}
