package membership

import (
	"sync"

	"github.com/dpaschal/meshd/pkg/types"
)

// pendingTable is leader-local bookkeeping for joins awaiting approval.
// It never enters the replicated log; a new leader simply starts empty
// and pending nodes re-request on their next join attempt.
type pendingTable struct {
	mu   sync.RWMutex
	byID map[string]*types.JoinRequest // keyed by node id
}

func newPendingTable() *pendingTable {
	return &pendingTable{byID: make(map[string]*types.JoinRequest)}
}

func (p *pendingTable) add(req *types.JoinRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[req.Node.ID] = req
}

func (p *pendingTable) resolve(nodeID string, status types.ApprovalStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req, ok := p.byID[nodeID]; ok {
		req.Status = status
		delete(p.byID, nodeID)
	}
}

func (p *pendingTable) list() []*types.JoinRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.JoinRequest, 0, len(p.byID))
	for _, req := range p.byID {
		out = append(out, req)
	}
	return out
}
