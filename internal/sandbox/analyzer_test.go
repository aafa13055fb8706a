package sandbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hintCategories(hints []Hint) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = h.Category
	}
	return out
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name string
		res  *ExecutionResult
		want []string
	}{
		{
			name: "clean run",
			res:  &ExecutionResult{Charts: []json.RawMessage{json.RawMessage(`{"data":[]}`)}, FiguresCreated: 1},
			want: []string{},
		},
		{
			name: "error hint",
			res:  &ExecutionResult{Error: "KeyError: no column", ErrorType: KeyError},
			want: []string{"KeyError"},
		},
		{
			name: "figure never appended",
			res:  &ExecutionResult{FiguresCreated: 2},
			want: []string{"charts"},
		},
		{
			name: "slow and verbose",
			res:  &ExecutionResult{DurationMS: 6000, Stdout: strings.Repeat("x", verboseStdout+1)},
			want: []string{"performance", "output"},
		},
		{
			name: "timeout",
			res:  &ExecutionResult{Error: "TimeoutError: timeout", ErrorType: TimeoutError, DurationMS: 30000},
			want: []string{"TimeoutError", "performance"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hintCategories(Analyze(tt.res)))
		})
	}
}

func TestAnalyze_Nil(t *testing.T) {
	assert.Nil(t, Analyze(nil))
}

func TestAnalyze_EveryErrorTypeHasHint(t *testing.T) {
	for _, kind := range []ErrorType{
		ZeroDivisionError, NameError, KeyError, AttributeError, IndexError, SyntaxError,
		ValueError, TypeError, ModuleNotFoundError, TimeoutError, RuntimeError, SandboxError,
	} {
		hints := Analyze(&ExecutionResult{Error: "x", ErrorType: kind})
		if assert.Len(t, hints, 1, kind) {
			assert.NotEmpty(t, hints[0].Message)
		}
	}
}
