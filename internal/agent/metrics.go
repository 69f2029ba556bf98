package agent

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/overcast-hq/overcast/internal/dataplane"
	"github.com/overcast-hq/overcast/internal/store"
)

// rootPath is the filesystem whose usage represents "disk" in telemetry.
func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Collector samples host telemetry. Individual probe failures zero the
// affected fields rather than failing the whole sample; a machine with an
// unreadable disk should still report CPU.
type Collector struct {
	agentID string
}

func NewCollector(agentID string) *Collector {
	return &Collector{agentID: agentID}
}

func (c *Collector) Collect() *dataplane.MetricsSample {
	sample := &dataplane.MetricsSample{
		AgentID:   c.agentID,
		Timestamp: time.Now().UTC(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsedBytes = vm.Used
		sample.MemoryTotalBytes = vm.Total
	}

	if usage, err := disk.Usage(rootPath()); err == nil {
		sample.DiskPercent = usage.UsedPercent
		sample.DiskUsedBytes = usage.Used
		sample.DiskTotalBytes = usage.Total
	}

	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		sample.NetworkRxBytes = counters[0].BytesRecv
		sample.NetworkTxBytes = counters[0].BytesSent
	}

	if pids, err := process.Pids(); err == nil {
		sample.ProcessCount = len(pids)
	}

	return sample
}

// DeviceInfo reports what the agent knows about its host at connect time.
func DeviceInfo(agentVersion string) store.DeviceInfo {
	info := store.DeviceInfo{
		OSType:       runtime.GOOS,
		Architecture: runtime.GOARCH,
		AgentVersion: agentVersion,
	}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.OSVersion = hi.PlatformVersion
	}
	return info
}

// Inventory builds the inventory snapshot uploaded on connect. Installed
// software enumeration is platform specific and not attempted here; the
// snapshot still refreshes host attributes.
func Inventory(agentID, agentVersion string) *dataplane.InventoryUpload {
	inv := &dataplane.InventoryUpload{
		AgentID:      agentID,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: agentVersion,
	}
	if hi, err := host.Info(); err == nil {
		inv.Hostname = hi.Hostname
		inv.OSVersion = hi.PlatformVersion
	}
	return inv
}
