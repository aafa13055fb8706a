package sandbox

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits are the cgroup and rlimit settings of one analysis
// container.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`
	PidsLimit int64 `json:"pids_limit"`
	DiskMB    int64 `json:"disk_mb"` // tmpfs size for /tmp
}

func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 1024,
		MemoryMB:  DefaultMemoryMB,
		PidsLimit: 64,
		DiskMB:    100,
	}
}

// resourceLimits combines the per-request memory ceiling with the
// container backend's fixed settings. Unset options keep their defaults.
func resourceLimits(l Limits, opts ContainerOptions) ResourceLimits {
	rl := DefaultResourceLimits()
	if l.MemoryMB > 0 {
		rl.MemoryMB = l.MemoryMB
	}
	if opts.CPUShares > 0 {
		rl.CPUShares = opts.CPUShares
	}
	if opts.PidsLimit > 0 {
		rl.PidsLimit = opts.PidsLimit
	}
	if opts.DiskMB > 0 {
		rl.DiskMB = opts.DiskMB
	}
	return rl
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 64 || rl.MemoryMB > 8192 {
		return fmt.Errorf("%w: memory_mb must be 64-8192, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

// withResourceLimits is the oci.SpecOpts form of ApplyResourceLimits.
func withResourceLimits(limits ResourceLimits) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		ApplyResourceLimits(s, limits)
		return nil
	}
}

// ApplyResourceLimits sets the cgroup limits, the /tmp scratch tmpfs and
// the process rlimits. Applying it twice replaces the earlier settings.
func ApplyResourceLimits(s *specs.Spec, limits ResourceLimits) {
	ensureSpec(s)
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}

	period, quota := cpuQuota(limits.CPUShares)
	memory := limits.MemoryMB << 20
	scratch := limits.DiskMB << 20

	s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	// swap equal to the limit: no swap on top of it
	s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &memory, Swap: &memory}
	s.Linux.Resources.Pids = &specs.LinuxPids{Limit: limits.PidsLimit}

	s.Mounts = replaceMount(s.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options:     []string{"nosuid", "nodev", "noexec", "mode=1777", fmt.Sprintf("size=%d", scratch)},
	})

	s.Process.Rlimits = []specs.POSIXRlimit{
		rlimit("RLIMIT_NOFILE", 256),
		rlimit("RLIMIT_NPROC", limits.PidsLimit),
		rlimit("RLIMIT_FSIZE", scratch),
		rlimit("RLIMIT_CORE", 0),
		rlimit("RLIMIT_STACK", 8<<20),
	}
}

// cpuQuota turns shares (1024 = one core) into a hard CFS quota over a
// 100ms period, floored at 1ms.
func cpuQuota(shares int64) (uint64, int64) {
	const period = 100_000
	quota := shares * period / 1024
	if quota < 1000 {
		quota = 1000
	}
	return period, quota
}

func rlimit(kind string, n int64) specs.POSIXRlimit {
	if n < 0 {
		n = 0
	}
	return specs.POSIXRlimit{Type: kind, Hard: uint64(n), Soft: uint64(n)}
}

func replaceMount(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for i := range mounts {
		if mounts[i].Destination == m.Destination {
			mounts[i] = m
			return mounts
		}
	}
	return append(mounts, m)
}
