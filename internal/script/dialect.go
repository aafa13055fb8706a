// Package script defines the analysis-script dialect shared by the validator
// and the executors: Python-style imports are rewritten into load statements,
// and the result is parsed as Starlark.
package script

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"
)

// DefaultFilename labels parsed scripts in positions and tracebacks.
const DefaultFilename = "analysis.py"

// FileOptions enables the Python-like features analysis scripts rely on.
// Recursion stays off: unbounded recursion would exhaust the goroutine
// stack before the step limit is reached.
var FileOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	LoadBindsGlobally: true,
}

var (
	importRe     = regexp.MustCompile(`^(\s*)import\s+([^#]+?)\s*(#.*)?$`)
	fromImportRe = regexp.MustCompile(`^(\s*)from\s+([\w.]+)\s+import\s+([^#]+?)\s*(#.*)?$`)
	aliasRe      = regexp.MustCompile(`^([\w.]+)(?:\s+as\s+(\w+))?$`)
)

// Translate rewrites import statements into load statements, one output
// line per input line so positions stay stable. Lines it does not
// understand are left alone for the parser to report.
func Translate(code string) string {
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	var inTriple string
	for i, line := range lines {
		if inTriple != "" {
			if strings.Count(line, inTriple)%2 == 1 {
				inTriple = ""
			}
			continue
		}
		for _, q := range []string{`"""`, `'''`} {
			if strings.Count(line, q)%2 == 1 {
				inTriple = q
			}
		}
		if inTriple != "" {
			continue
		}

		lines[i] = translateLine(line)
	}
	return strings.Join(lines, "\n")
}

// translateLine translates each import among the line's ';'-separated
// statements and leaves the rest untouched.
func translateLine(line string) string {
	body, comment := splitComment(line)
	stmts := splitStatements(body)
	changed := false
	for i, stmt := range stmts {
		if out, ok := translateStmt(stmt); ok {
			stmts[i] = out
			changed = true
		}
	}
	if !changed {
		return line
	}
	out := strings.Join(stmts, ";")
	if comment != "" {
		out += "  " + comment
	}
	return out
}

func translateStmt(stmt string) (string, bool) {
	if m := fromImportRe.FindStringSubmatch(stmt); m != nil {
		out, ok := translateFrom(m[2], m[3])
		return m[1] + out, ok
	}
	if m := importRe.FindStringSubmatch(stmt); m != nil {
		out, ok := translateImport(m[2])
		return m[1] + out, ok
	}
	return "", false
}

// scanCode calls fn for each byte of line outside string literals and
// stops when fn returns false. Escapes inside strings are honoured.
func scanCode(line string, fn func(i int, c byte) bool) {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		default:
			if !fn(i, c) {
				return
			}
		}
	}
}

func splitComment(line string) (string, string) {
	cut := -1
	scanCode(line, func(i int, c byte) bool {
		if c == '#' {
			cut = i
			return false
		}
		return true
	})
	if cut < 0 {
		return line, ""
	}
	return line[:cut], line[cut:]
}

func splitStatements(body string) []string {
	var stmts []string
	start := 0
	scanCode(body, func(i int, c byte) bool {
		if c == ';' {
			stmts = append(stmts, body[start:i])
			start = i + 1
		}
		return true
	})
	return append(stmts, body[start:])
}

// translateImport handles "import a", "import a.b as c" and "import a, b".
func translateImport(spec string) (string, bool) {
	var stmts []string
	for _, part := range strings.Split(spec, ",") {
		m := aliasRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return "", false
		}
		module, alias := m[1], m[2]
		if alias != "" {
			stmts = append(stmts, fmt.Sprintf("load(%q, %s=%q)", module, alias, module))
			continue
		}
		root := module
		if i := strings.IndexByte(module, '.'); i >= 0 {
			root = module[:i]
		}
		stmts = append(stmts, fmt.Sprintf("load(%q, %s=%q)", module, root, root))
	}
	return strings.Join(stmts, "; "), len(stmts) > 0
}

// translateFrom handles "from m import a, b as c" and "from m import *".
func translateFrom(module, names string) (string, bool) {
	names = strings.TrimSpace(names)
	names = strings.TrimSuffix(strings.TrimPrefix(names, "("), ")")
	if strings.TrimSpace(names) == "*" {
		root := module[strings.LastIndexByte(module, '.')+1:]
		return fmt.Sprintf("load(%q, %s=%q)", module, root, module), true
	}

	args := []string{fmt.Sprintf("%q", module)}
	for _, part := range strings.Split(names, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := aliasRe.FindStringSubmatch(part)
		if m == nil || strings.Contains(m[1], ".") {
			return "", false
		}
		if m[2] != "" {
			args = append(args, fmt.Sprintf("%s=%q", m[2], m[1]))
		} else {
			args = append(args, fmt.Sprintf("%q", m[1]))
		}
	}
	if len(args) == 1 {
		return "", false
	}
	return "load(" + strings.Join(args, ", ") + ")", true
}

// Parse translates and parses a script.
func Parse(filename, code string) (*syntax.File, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	return FileOptions.Parse(filename, Translate(code), 0)
}
