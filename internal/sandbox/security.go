package sandbox

import (
	"context"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"safe-analysis-sandbox/pkg/seccomp"
)

// nobody
const sandboxUID = 65534

// Namespaces an analysis container gets to itself. Its network namespace
// is fresh and has no interfaces.
var isolatedNamespaces = []specs.LinuxNamespaceType{
	specs.PIDNamespace,
	specs.NetworkNamespace,
	specs.MountNamespace,
	specs.UTSNamespace,
	specs.IPCNamespace,
	specs.UserNamespace,
}

var (
	maskedPaths = []string{
		"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
		"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug", "/proc/scsi",
		"/sys/firmware", "/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
	}
)

// withAnalysisIsolation is the oci.SpecOpts form of isolate.
func withAnalysisIsolation(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
	isolate(s)
	return nil
}

// isolate locks s down for running untrusted analysis code: no
// capabilities, no privilege gain, the nobody user, a read-only root and
// the analysis seccomp allow-list.
func isolate(s *specs.Spec) {
	ensureSpec(s)

	s.Linux.Seccomp = seccomp.AnalysisProfile()
	s.Linux.Namespaces = s.Linux.Namespaces[:0]
	for _, t := range isolatedNamespaces {
		s.Linux.Namespaces = append(s.Linux.Namespaces, specs.LinuxNamespace{Type: t})
	}
	s.Linux.MaskedPaths = append([]string(nil), maskedPaths...)
	s.Linux.ReadonlyPaths = append([]string(nil), readonlyPaths...)

	none := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: sandboxUID, GID: sandboxUID}
	s.Process.Cwd = "/tmp"

	if s.Root != nil {
		s.Root.Readonly = true
	}
}

func ensureSpec(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
}
