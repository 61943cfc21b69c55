// Package hostinfo assembles host status snapshots for the orchestrator.
package hostinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bastion-dev/bastion/pkg/protocol"
)

// cpuSampleWindow is how long the CPU usage sample observes the host.
const cpuSampleWindow = 500 * time.Millisecond

// RuntimeDetector reports installed language runtimes (name to version).
type RuntimeDetector interface {
	Detect(ctx context.Context) map[string]string
}

// ServiceProber reports managed system service states (name to state).
type ServiceProber interface {
	Statuses(ctx context.Context) map[string]string
}

// Collector gathers one ServerStatusResponse snapshot.
type Collector struct {
	agentVersion string
	runtimes     RuntimeDetector
	services     ServiceProber
}

func New(agentVersion string, runtimes RuntimeDetector, services ServiceProber) *Collector {
	return &Collector{
		agentVersion: agentVersion,
		runtimes:     runtimes,
		services:     services,
	}
}

// Collect samples the host. Individual probe failures degrade to zero
// values rather than failing the snapshot: a partially blind status frame
// beats none.
func (c *Collector) Collect(ctx context.Context) protocol.ServerStatusResponsePayload {
	status := protocol.ServerStatusResponsePayload{
		AgentVersion: c.agentVersion,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		status.Hostname = info.Hostname
		status.OS = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.MemUsedPct = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		status.DiskUsedPct = du.UsedPercent
	}

	if c.runtimes != nil {
		status.Runtimes = c.runtimes.Detect(ctx)
	}
	if c.services != nil {
		status.Services = c.services.Statuses(ctx)
		for _, db := range []string{"postgresql", "mysql"} {
			if status.Services[db] == "active" {
				status.Databases = append(status.Databases, db)
			}
		}
	}
	return status
}
