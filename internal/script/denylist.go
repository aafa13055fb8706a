package script

import (
	"sort"
	"strings"
)

// deniedModules grant process, filesystem, network or interpreter access.
var deniedModules = map[string]struct{}{
	"os": {}, "sys": {}, "subprocess": {}, "shutil": {}, "socket": {},
	"requests": {}, "urllib": {}, "http": {}, "ctypes": {}, "importlib": {},
	"pickle": {}, "multiprocessing": {}, "threading": {}, "signal": {},
	"pty": {}, "builtins": {}, "io": {}, "pathlib": {}, "tempfile": {},
	"glob": {}, "asyncio": {}, "ftplib": {}, "telnetlib": {}, "smtplib": {},
}

// deniedCalls are dynamic-execution and reflection primitives.
var deniedCalls = map[string]struct{}{
	"eval": {}, "exec": {}, "compile": {}, "__import__": {}, "globals": {},
	"locals": {}, "vars": {}, "getattr": {}, "setattr": {}, "delattr": {},
	"open": {}, "input": {},
}

// DeniedModule reports whether module, or any dotted prefix of it, is on the
// deny-list. The matching entry is returned.
func DeniedModule(module string) (string, bool) {
	parts := strings.Split(module, ".")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], ".")
		if _, ok := deniedModules[prefix]; ok {
			return prefix, true
		}
	}
	return "", false
}

// DeniedCall reports whether a callee name is a denied primitive.
func DeniedCall(name string) bool {
	_, ok := deniedCalls[name]
	return ok
}

// DeniedModules lists the module deny-list in sorted order.
func DeniedModules() []string {
	return sortedKeys(deniedModules)
}

// DeniedCalls lists the call deny-list in sorted order.
func DeniedCalls() []string {
	return sortedKeys(deniedCalls)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
