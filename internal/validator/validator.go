// Package validator statically screens analysis scripts before they run.
//
// It is a syntactic filter: it rejects denied imports and calls that appear
// literally in the source. Indirection is not caught. A script can still reach
// a denied capability through an alias, a value held in a container, or a
// function returned by another call. The executors, not this package, bound
// what a script can actually do.
package validator

import (
	"fmt"

	"go.starlark.net/syntax"

	"safe-analysis-sandbox/internal/script"
)

// Kind classifies a verdict.
type Kind string

const (
	KindOK        Kind = "ok"
	KindMalformed Kind = "malformed"
	KindDenied    Kind = "denied"
)

// Verdict is the outcome of validating one script.
type Verdict struct {
	OK     bool   `json:"ok"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Module string `json:"module,omitempty"`
	Call   string `json:"call,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// Validate parses code and walks its syntax tree. It holds no state, so the
// same code always gets the same verdict.
func Validate(code string) Verdict {
	f, err := script.Parse(script.DefaultFilename, code)
	if err != nil {
		v := Verdict{Kind: KindMalformed, Reason: fmt.Sprintf("syntax error: %v", err)}
		if se, ok := err.(syntax.Error); ok {
			v.Line = int(se.Pos.Line)
			v.Reason = fmt.Sprintf("syntax error: %s", se.Msg)
		}
		return v
	}

	var verdict *Verdict
	syntax.Walk(f, func(n syntax.Node) bool {
		if verdict != nil {
			return false
		}
		switch n := n.(type) {
		case *syntax.LoadStmt:
			module := n.ModuleName()
			if denied, ok := script.DeniedModule(module); ok {
				verdict = &Verdict{
					Kind:   KindDenied,
					Reason: fmt.Sprintf("import of module %q is not allowed", denied),
					Module: denied,
					Line:   int(n.Load.Line),
				}
			}
		case *syntax.CallExpr:
			if name := calleeName(n.Fn); name != "" && script.DeniedCall(name) {
				start, _ := n.Span()
				verdict = &Verdict{
					Kind:   KindDenied,
					Reason: fmt.Sprintf("call to %s() is not allowed", name),
					Call:   name,
					Line:   int(start.Line),
				}
			}
		}
		return true
	})
	if verdict != nil {
		return *verdict
	}
	return Verdict{OK: true, Kind: KindOK}
}

// calleeName returns the identifier being called: x for x(...) and the
// attribute tail for a.b.x(...).
func calleeName(fn syntax.Expr) string {
	switch fn := fn.(type) {
	case *syntax.Ident:
		return fn.Name
	case *syntax.DotExpr:
		return fn.Name.Name
	case *syntax.ParenExpr:
		return calleeName(fn.X)
	}
	return ""
}
