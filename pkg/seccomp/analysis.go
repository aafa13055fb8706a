package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls is what a Python interpreter needs to load its
// libraries, read the request file and write to stdout.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"statfs", "fstatfs",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"wait4",
			"clone", "clone3",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
			"sched_getaffinity", "sched_yield",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
			"getrandom",
			"arch_prctl",
			"prctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
		).
		AllowSyscalls(
			"mkdir", "mkdirat",
			"unlink", "unlinkat",
			"ftruncate",
			"fsync", "fdatasync",
			"memfd_create",
		)
}

// escapeSyscalls are refused outright. The trapped group is the one an
// escape attempt would reach for, so it kills the process.
func escapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
			"symlink", "symlinkat", "link", "linkat",
			"chmod", "fchmod", "fchmodat",
			"execveat", "vfork",
		)
}

// AnalysisProfile is the filter for analysis script containers. It allows
// no network syscalls at all.
func AnalysisProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = escapeSyscalls(b)
	return b.Build()
}
