package monitor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostSampler reads host cpu/memory/disk utilization, and temperature where
// the platform exposes a sensor. This is the only place the coordinator
// touches the OS directly.
type hostSampler struct {
	diskPath string
}

func newHostSampler(diskPath string) *hostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{diskPath: diskPath}
}

// sample returns a best-effort StatePatch. Any individual metric that fails
// to read is simply omitted from the patch rather than aborting the whole
// sample: a missing temperature sensor should never suppress cpu/mem/disk
// reporting.
func (s *hostSampler) sample(ctx context.Context) StatePatch {
	var patch StatePatch

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		v := pcts[0]
		patch.CPUUsage = &v
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		v := vm.UsedPercent
		patch.MemoryUsage = &v
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		v := du.UsedPercent
		patch.DiskUsage = &v
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		v := temps[0].Temperature
		patch.Temperature = &v
	}

	return patch
}

// defaultHealthInterval is how often the background timer refreshes host
// sampling and runs health checks when no interval is configured.
const defaultHealthInterval = 5 * time.Second
