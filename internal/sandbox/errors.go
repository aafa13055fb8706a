package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout         = errors.New("execution timed out")
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrBackendClosed   = errors.New("sandbox backend closed")
	ErrContainerdDown  = errors.New("containerd unavailable")
	ErrHarnessProtocol = errors.New("malformed harness result")
)

// ExecutionError wraps infrastructure errors with execution context. Script
// errors never surface as ExecutionError; they live in the result.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ErrorType is the Python-style category of a script failure.
type ErrorType string

const (
	ZeroDivisionError   ErrorType = "ZeroDivisionError"
	NameError           ErrorType = "NameError"
	KeyError            ErrorType = "KeyError"
	AttributeError      ErrorType = "AttributeError"
	IndexError          ErrorType = "IndexError"
	SyntaxError         ErrorType = "SyntaxError"
	ValueError          ErrorType = "ValueError"
	TypeError           ErrorType = "TypeError"
	ModuleNotFoundError ErrorType = "ModuleNotFoundError"
	TimeoutError        ErrorType = "TimeoutError"
	RuntimeError        ErrorType = "RuntimeError"
	SandboxError        ErrorType = "SandboxError"
)

// scriptError lets builtins raise a specific category.
type scriptError struct {
	kind ErrorType
	msg  string
}

func (e *scriptError) Error() string { return e.msg }

func valueErrorf(format string, args ...any) error {
	return &scriptError{kind: ValueError, msg: fmt.Sprintf(format, args...)}
}

func keyErrorf(format string, args ...any) error {
	return &scriptError{kind: KeyError, msg: fmt.Sprintf(format, args...)}
}

func typeErrorf(format string, args ...any) error {
	return &scriptError{kind: TypeError, msg: fmt.Sprintf(format, args...)}
}

const (
	cancelTimeout = "timeout"
	cancelCaller  = "cancelled by caller"
)

var messageKinds = []struct {
	re   *regexp.Regexp
	kind ErrorType
}{
	{regexp.MustCompile(`division by zero|modulo by zero`), ZeroDivisionError},
	{regexp.MustCompile(`cancelled: (` + cancelTimeout + `|too many steps)`), TimeoutError},
	{regexp.MustCompile(`cannot load |no module named`), ModuleNotFoundError},
	{regexp.MustCompile(`^key .* not in |not in dict|no column named`), KeyError},
	{regexp.MustCompile(`has no \.\w+ field or method`), AttributeError},
	{regexp.MustCompile(`out of range`), IndexError},
	{regexp.MustCompile(`undefined: |referenced before assignment|not defined`), NameError},
	{regexp.MustCompile(`invalid literal|invalid syntax for|could not convert`), ValueError},
	{regexp.MustCompile(`got \w+, want|(unknown|unsupported) (binary|unary) op|unsupported comparison| not implemented$|unhashable|not callable|not iterable|missing argument|unexpected keyword|takes (exactly|at most|no)|invalid type`), TypeError},
}

// classify maps an execution error to its category and a one-line message.
func classify(err error) (ErrorType, string) {
	var se *scriptError
	if errors.As(err, &se) {
		return se.kind, se.msg
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return SyntaxError, synErr.Error()
	}

	var resErrs resolve.ErrorList
	if errors.As(err, &resErrs) && len(resErrs) > 0 {
		msgs := make([]string, len(resErrs))
		for i, e := range resErrs {
			msgs[i] = e.Error()
		}
		msg := strings.Join(msgs, "\n")
		if strings.Contains(resErrs[0].Msg, "undefined: ") {
			return NameError, msg
		}
		return SyntaxError, msg
	}

	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
	}
	for _, mk := range messageKinds {
		if mk.re.MatchString(msg) {
			return mk.kind, msg
		}
	}
	return RuntimeError, msg
}

// formatError renders a traceback ending in "<Type>: <message>".
func formatError(err error, kind ErrorType, msg string) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Sprintf("%s%s: %s", evalErr.CallStack.String(), kind, msg)
	}
	return fmt.Sprintf("%s: %s", kind, msg)
}
