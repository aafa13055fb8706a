package sandbox

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"safe-analysis-sandbox/internal/profile"
)

const (
	DefaultBinding        = "df"
	DefaultTimeout        = 30 * time.Second
	DefaultMemoryMB       = 500
	DefaultMaxOutputBytes = 100 * 1024

	truncatedMarker = "\n... [output truncated]"
	maxVariableLen  = 200
)

// Limits bounds a single execution.
type Limits struct {
	Timeout        time.Duration `json:"timeout"`
	MemoryMB       int64         `json:"memory_mb"`
	MaxOutputBytes int           `json:"max_output_bytes"`
}

// DefaultLimits returns the limits applied when a request leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        DefaultTimeout,
		MemoryMB:       DefaultMemoryMB,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// ExecutionRequest is one script run against one table.
type ExecutionRequest struct {
	Code    string         `json:"code"`
	Table   *profile.Table `json:"-"`
	Binding string         `json:"binding"`
	Limits  Limits         `json:"limits"`
}

// withDefaults fills unset fields.
func (r ExecutionRequest) withDefaults() ExecutionRequest {
	d := DefaultLimits()
	if r.Binding == "" {
		r.Binding = DefaultBinding
	}
	if r.Limits.Timeout <= 0 {
		r.Limits.Timeout = d.Timeout
	}
	if r.Limits.MemoryMB <= 0 {
		r.Limits.MemoryMB = d.MemoryMB
	}
	if r.Limits.MaxOutputBytes <= 0 {
		r.Limits.MaxOutputBytes = d.MaxOutputBytes
	}
	return r
}

// ExecutionResult captures everything a script run produced. Error is
// non-empty if and only if the script raised, a timeout included.
type ExecutionResult struct {
	ID             string            `json:"id"`
	Backend        string            `json:"backend"`
	Stdout         string            `json:"stdout"`
	Stderr         string            `json:"stderr"`
	Charts         []json.RawMessage `json:"charts"`
	Variables      []Variable        `json:"variables,omitempty"`
	FiguresCreated int               `json:"figures_created"`
	Duration       time.Duration     `json:"-"`
	DurationMS     int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
	ErrorType      ErrorType         `json:"error_type,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	SecurityEvents []SecurityEvent   `json:"security_events,omitempty"`
	CodeHash       string            `json:"code_hash"`
}

// Failed reports whether the script raised.
func (r *ExecutionResult) Failed() bool {
	return r.Error != ""
}

// Variable is one entry of the post-run global snapshot.
type Variable struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	IsFigure bool   `json:"is_figure,omitempty"`
}

// SecurityEvent is a detector finding attached to a result.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// Hint is a remediation suggestion produced by Analyze.
type Hint struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func newResult(id, backend, code string) *ExecutionResult {
	return &ExecutionResult{
		ID:       id,
		Backend:  backend,
		Charts:   []json.RawMessage{},
		CodeHash: hashCode(code),
	}
}

func (r *ExecutionResult) finish(start time.Time) {
	r.Duration = time.Since(start)
	r.DurationMS = r.Duration.Milliseconds()
}

func (r *ExecutionResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func hashCode(code string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
}

// truncateOutput caps s at maxBytes and reports whether it cut anything.
func truncateOutput(s string, maxBytes int) (string, bool) {
	if len(s) <= maxBytes {
		return s, false
	}
	return s[:maxBytes] + truncatedMarker, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
