package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestAnalysisProfile_DenyByDefault(t *testing.T) {
	p := AnalysisProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestAnalysisProfile_Actions(t *testing.T) {
	p := AnalysisProfile()

	tests := []struct {
		syscall string
		want    specs.LinuxSeccompAction
	}{
		{"read", specs.ActAllow},
		{"mmap", specs.ActAllow},
		{"execve", specs.ActAllow},
		{"memfd_create", specs.ActAllow},
		{"socket", specs.ActErrno},
		{"connect", specs.ActErrno},
		{"mount", specs.ActErrno},
		{"symlink", specs.ActErrno},
		{"ptrace", specs.ActTrap},
		{"bpf", specs.ActTrap},
		{"kexec_load", specs.ActTrap},
		{"not_a_syscall", specs.ActErrno},
	}

	for _, tt := range tests {
		t.Run(tt.syscall, func(t *testing.T) {
			if got := Action(p, tt.syscall); got != tt.want {
				t.Errorf("Action(%q) = %v, want %v", tt.syscall, got, tt.want)
			}
		})
	}
}

func TestAnalysisProfile_NoNetworkSyscallAllowed(t *testing.T) {
	p := AnalysisProfile()
	network := map[string]bool{
		"socket": true, "connect": true, "bind": true, "listen": true,
		"accept": true, "accept4": true, "sendto": true, "recvfrom": true,
	}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if network[name] {
				t.Errorf("analysis profile allows network syscall %q", name)
			}
		}
	}
}

func TestAnalysisProfile_JSON(t *testing.T) {
	data, err := json.Marshal(AnalysisProfile())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
