package manager

import (
	"net"
	"runtime"
	"strconv"

	"github.com/dpaschal/meshd/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// probeResources samples local capacity for the heartbeat. Fields a probe
// cannot fill stay zero; the scheduler treats missing capacity as
// ineligible only when a constraint asks for it.
func probeResources() *types.ResourceSnapshot {
	snap := &types.ResourceSnapshot{
		CPUCores: runtime.NumCPU(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUUsagePercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotalBytes = int64(vm.Total)
		snap.MemoryAvailableBytes = int64(vm.Available)
	}
	if du, err := disk.Usage("/"); err == nil {
		snap.DiskTotalBytes = int64(du.Total)
		snap.DiskAvailableBytes = int64(du.Free)
	}
	return snap
}

func apiHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func apiPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
