package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/script"
)

//go:embed harness.py
var harnessScript []byte

const (
	harnessMarker   = "__SANDBOX_RESULT__"
	harnessFile     = "harness.py"
	harnessRequest  = "request.json"
	workspaceMount  = "/workspace"
)

// harnessInput is the request.json document read by the harness.
type harnessInput struct {
	Code          string   `json:"code"`
	Binding       string   `json:"binding"`
	Columns       []string `json:"columns"`
	Rows          [][]any  `json:"rows"`
	DeniedModules []string `json:"denied_modules"`
}

// harnessOutput is the JSON the harness prints after the marker.
type harnessOutput struct {
	Stdout         string            `json:"stdout"`
	Stderr         string            `json:"stderr"`
	Charts         []json.RawMessage `json:"charts"`
	Variables      []Variable        `json:"variables"`
	FiguresCreated int               `json:"figures_created"`
	Error          string            `json:"error"`
	ErrorType      string            `json:"error_type"`
	Warnings       []string          `json:"warnings"`
}

func buildHarnessInput(req ExecutionRequest) ([]byte, error) {
	in := harnessInput{
		Code:          req.Code,
		Binding:       req.Binding,
		Columns:       []string{},
		Rows:          [][]any{},
		DeniedModules: script.DeniedModules(),
	}
	if req.Table != nil {
		in.Columns = req.Table.Columns
		in.Rows = make([][]any, len(req.Table.Rows))
		for i, row := range req.Table.Rows {
			out := make([]any, len(row))
			for j, cell := range row {
				out[j] = jsonCell(cell)
			}
			in.Rows[i] = out
		}
	}
	return json.Marshal(in)
}

// jsonCell makes a table cell JSON-safe. NaN becomes null, times become
// ISO strings.
func jsonCell(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		if profile.IsNull(v) {
			return nil
		}
		return v
	}
}

// parseHarnessOutput finds the last marker line in the container's stdout.
// Anything else the process wrote outside the harness capture is returned
// as stray output.
func parseHarnessOutput(stdout string) (*harnessOutput, string, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(line, harnessMarker) {
			continue
		}
		var out harnessOutput
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, harnessMarker)), &out); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrHarnessProtocol, err)
		}
		stray := strings.TrimSpace(strings.Join(append(lines[:i:i], lines[i+1:]...), "\n"))
		return &out, stray, nil
	}
	return nil, strings.TrimSpace(stdout), fmt.Errorf("%w: no result marker in output", ErrHarnessProtocol)
}

// pythonErrorType maps an exception class name onto the error categories.
func pythonErrorType(name string) ErrorType {
	switch name {
	case "":
		return ""
	case "ZeroDivisionError", "FloatingPointError":
		return ZeroDivisionError
	case "NameError", "UnboundLocalError":
		return NameError
	case "KeyError":
		return KeyError
	case "AttributeError":
		return AttributeError
	case "IndexError":
		return IndexError
	case "SyntaxError", "IndentationError", "TabError":
		return SyntaxError
	case "ValueError":
		return ValueError
	case "TypeError":
		return TypeError
	case "ModuleNotFoundError", "ImportError":
		return ModuleNotFoundError
	case "TimeoutError":
		return TimeoutError
	}
	return RuntimeError
}

// apply copies the harness report into res, applying the output limit.
func (o *harnessOutput) apply(res *ExecutionResult, maxOutput int) {
	var cut bool
	if res.Stdout, cut = truncateOutput(o.Stdout, maxOutput); cut {
		res.warn("stdout truncated at %d bytes", maxOutput)
	}
	if res.Stderr, cut = truncateOutput(o.Stderr, maxOutput); cut {
		res.warn("stderr truncated at %d bytes", maxOutput)
	}
	if o.Charts != nil {
		res.Charts = o.Charts
	}
	res.Variables = o.Variables
	res.FiguresCreated = o.FiguresCreated
	res.Warnings = append(res.Warnings, o.Warnings...)
	if o.ErrorType != "" {
		res.ErrorType = pythonErrorType(o.ErrorType)
		res.Error = strings.TrimRight(o.Error, "\n")
		if res.Error == "" {
			res.Error = o.ErrorType
		}
	}
}
