package agent

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostSnapshot describes the machine an agent runs on. It is sent once at
// registration so operators can tell their volunteers apart.
type HostSnapshot struct {
	OS       string
	Arch     string
	Hostname string
	Platform string
	Version  string
	CPUCores int
	MemoryMB uint64
}

// String renders the snapshot as the registry's system_info field
func (h HostSnapshot) String() string {
	s := fmt.Sprintf("%s/%s %s", h.OS, h.Arch, h.Hostname)

	var details []string
	if h.Platform != "" {
		details = append(details, strings.TrimSpace(h.Platform+" "+h.Version))
	}
	if h.CPUCores > 0 {
		details = append(details, fmt.Sprintf("%d cpu", h.CPUCores))
	}
	if h.MemoryMB > 0 {
		details = append(details, fmt.Sprintf("%d MiB", h.MemoryMB))
	}
	if len(details) > 0 {
		s += " (" + strings.Join(details, ", ") + ")"
	}
	return s
}

// DetectHost collects a HostSnapshot. Probes that fail are left empty.
func DetectHost(logger *zap.Logger) HostSnapshot {
	snap := HostSnapshot{OS: runtime.GOOS, Arch: runtime.GOARCH}

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.Version = info.PlatformVersion
	} else {
		logger.Debug("Failed to read host info", zap.Error(err))
	}
	if snap.Hostname == "" {
		snap.Hostname, _ = os.Hostname()
	}

	if n, err := cpu.Counts(true); err == nil {
		snap.CPUCores = n
	} else {
		logger.Debug("Failed to count CPUs", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryMB = MemoryMiB(vm.Total)
	} else {
		logger.Debug("Failed to read memory info", zap.Error(err))
	}

	return snap
}

// MemoryMiB converts bytes to mebibytes
func MemoryMiB(bytes uint64) uint64 {
	return bytes / (1024 * 1024)
}
