package sandbox

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-analysis-sandbox/internal/profile"
)

func TestBuildHarnessInput(t *testing.T) {
	table, err := profile.NewTable(
		[]string{"city", "sales", "day"},
		[][]any{
			{"Paris", 10.5, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
			{"Rome", math.NaN(), nil},
		},
	)
	require.NoError(t, err)

	data, err := buildHarnessInput(ExecutionRequest{Code: "print(1)", Binding: "df", Table: table})
	require.NoError(t, err)

	var in harnessInput
	require.NoError(t, json.Unmarshal(data, &in))
	assert.Equal(t, "print(1)", in.Code)
	assert.Equal(t, []string{"city", "sales", "day"}, in.Columns)
	require.Len(t, in.Rows, 2)
	assert.Equal(t, "2024-01-02T00:00:00Z", in.Rows[0][2])
	assert.Nil(t, in.Rows[1][1])
	assert.Contains(t, in.DeniedModules, "subprocess")
}

func TestBuildHarnessInput_NoTable(t *testing.T) {
	data, err := buildHarnessInput(ExecutionRequest{Code: "x = 1", Binding: "df"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"columns":[]`)
	assert.Contains(t, string(data), `"rows":[]`)
}

func TestParseHarnessOutput(t *testing.T) {
	stdout := "noise before\n" + harnessMarker +
		`{"stdout":"3\n","stderr":"","charts":[{"data":[]}],"variables":[{"name":"x","type":"int","value":"3"}],"figures_created":1,"error":"","error_type":"","warnings":[]}` + "\n"

	out, stray, err := parseHarnessOutput(stdout)
	require.NoError(t, err)
	assert.Equal(t, "3\n", out.Stdout)
	assert.Len(t, out.Charts, 1)
	assert.Equal(t, 1, out.FiguresCreated)
	assert.Equal(t, "noise before", stray)
}

func TestParseHarnessOutput_Malformed(t *testing.T) {
	tests := []string{
		"",
		"just output\n",
		harnessMarker + "{not json",
	}
	for _, stdout := range tests {
		_, _, err := parseHarnessOutput(stdout)
		assert.True(t, errors.Is(err, ErrHarnessProtocol), "stdout %q: err = %v", stdout, err)
	}
}

func TestHarnessOutputApply(t *testing.T) {
	out := &harnessOutput{
		Stdout:    strings.Repeat("a", 50),
		ErrorType: "ZeroDivisionError",
		Error:     "Traceback (most recent call last):\nZeroDivisionError: division by zero\n",
		Warnings:  []string{"chart 0 is not a valid figure"},
	}
	res := newResult("id", BackendContainer, "1/0")
	out.apply(res, 10)

	assert.Equal(t, ZeroDivisionError, res.ErrorType)
	assert.True(t, strings.HasSuffix(res.Error, "ZeroDivisionError: division by zero"))
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.Contains(t, res.Warnings, "stdout truncated at 10 bytes")
	assert.Contains(t, res.Warnings, "chart 0 is not a valid figure")
	assert.NotNil(t, res.Charts)
}

func TestPythonErrorType(t *testing.T) {
	tests := map[string]ErrorType{
		"":                    "",
		"ZeroDivisionError":   ZeroDivisionError,
		"UnboundLocalError":   NameError,
		"ImportError":         ModuleNotFoundError,
		"IndentationError":    SyntaxError,
		"KeyError":            KeyError,
		"RecursionError":      RuntimeError,
		"MemoryError":         RuntimeError,
		"ModuleNotFoundError": ModuleNotFoundError,
	}
	for name, want := range tests {
		assert.Equal(t, want, pythonErrorType(name), name)
	}
}

func TestHarnessScript_BuiltinsAllowList(t *testing.T) {
	src := string(harnessScript)
	block := regexp.MustCompile(`(?s)SAFE_BUILTINS = \((.*?)\n\)`).FindStringSubmatch(src)
	require.Len(t, block, 2, "SAFE_BUILTINS tuple not found")

	names := map[string]bool{}
	for _, m := range regexp.MustCompile(`"(\w+)"`).FindAllStringSubmatch(block[1], -1) {
		names[m[1]] = true
	}
	for _, want := range []string{"print", "len", "sorted", "isinstance", "ValueError"} {
		assert.True(t, names[want], "%s should be allowed", want)
	}
	for _, banned := range []string{"open", "eval", "exec", "compile", "input", "globals", "locals", "vars", "getattr", "setattr", "delattr", "breakpoint", "__import__"} {
		assert.False(t, names[banned], "%s should not be allowed", banned)
	}
	assert.Contains(t, src, `"__builtins__": script_builtins(`)
}

// runHarness executes the embedded harness with the local python3, which
// may or may not have the analysis libraries installed.
func runHarness(t *testing.T, code string) *harnessOutput {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, harnessFile)
	require.NoError(t, os.WriteFile(script, harnessScript, 0o644))
	input, err := buildHarnessInput(ExecutionRequest{Code: code, Binding: "df"})
	require.NoError(t, err)
	request := filepath.Join(dir, harnessRequest)
	require.NoError(t, os.WriteFile(request, input, 0o644))

	stdout, err := exec.Command(python, "-I", "-B", script, request).Output()
	require.NoError(t, err)
	out, _, err := parseHarnessOutput(string(stdout))
	require.NoError(t, err)
	return out
}

func hasPandas() bool {
	python, err := exec.LookPath("python3")
	if err != nil {
		return false
	}
	return exec.Command(python, "-I", "-c", "import numpy, pandas").Run() == nil
}

func TestHarnessScript_OpenIsUndefined(t *testing.T) {
	out := runHarness(t, "open('/etc/passwd')")
	if !hasPandas() {
		assert.Equal(t, "ModuleNotFoundError", out.ErrorType)
		return
	}
	assert.Equal(t, "NameError", out.ErrorType)
	assert.Contains(t, out.Error, "'open' is not defined")
}

func TestHarnessScript_DeniedImport(t *testing.T) {
	if !hasPandas() {
		t.Skip("pandas not available")
	}
	out := runHarness(t, "import subprocess")
	assert.Equal(t, "ModuleNotFoundError", out.ErrorType)
}

func TestHarnessScript_MissingLibrariesReported(t *testing.T) {
	if hasPandas() {
		t.Skip("pandas is installed")
	}
	out := runHarness(t, "print(1)")
	assert.Equal(t, "ModuleNotFoundError", out.ErrorType)
	assert.Contains(t, out.Error, "lacks the analysis libraries")
	assert.Equal(t, ModuleNotFoundError, pythonErrorType(out.ErrorType))
}
