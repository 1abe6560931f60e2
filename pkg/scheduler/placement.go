package scheduler

import (
	"sort"

	"github.com/dpaschal/meshd/pkg/config"
	"github.com/dpaschal/meshd/pkg/types"
)

// Eligible reports whether a node can accept the task. Only active nodes
// with a resource snapshot qualify; draining and offline nodes never do.
func Eligible(node *types.Node, task *types.Task) bool {
	if node.Status != types.NodeStatusActive {
		return false
	}
	if node.Resources == nil {
		return false
	}

	c := task.Constraints
	if c == nil {
		return true
	}

	if len(c.AllowedNodes) > 0 {
		allowed := false
		for _, id := range c.AllowedNodes {
			if id == node.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	r := node.Resources
	if c.CPUCores > 0 && r.CPUCores < c.CPUCores {
		return false
	}
	if c.MemoryBytes > 0 && r.MemoryAvailableBytes < c.MemoryBytes {
		return false
	}
	if c.GPU != "" {
		// a machine busy gaming keeps its GPU to itself
		if r.GamingDetected {
			return false
		}
		if !r.HasGPU(c.GPU) {
			return false
		}
	}
	return true
}

// Rank orders candidates by the configured tie-break and returns the best.
// Ties inside the primary criterion always fall back to node id so the
// choice is deterministic.
func Rank(candidates []*types.Node, tieBreak config.TieBreak) *types.Node {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]*types.Node, len(candidates))
	copy(sorted, candidates)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch tieBreak {
		case config.TieBreakCPU:
			ai, bi := idleCPU(a), idleCPU(b)
			if ai != bi {
				return ai > bi
			}
		case config.TieBreakMemory:
			am, bm := a.Resources.MemoryAvailableBytes, b.Resources.MemoryAvailableBytes
			if am != bm {
				return am > bm
			}
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// idleCPU is the unclaimed CPU capacity in core-percent
func idleCPU(n *types.Node) float64 {
	return float64(n.Resources.CPUCores) * (100 - n.Resources.CPUUsagePercent)
}
