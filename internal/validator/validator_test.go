package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"safe-analysis-sandbox/internal/script"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		kind   Kind
		module string
		call   string
		line   int
	}{
		{"plain analysis", "import plotly.express as px\nfig = px.bar(df, x='a', y='b')\ncharts.append(fig.to_json())\nprint(df.shape)", KindOK, "", "", 0},
		{"division", "print(1/0)", KindOK, "", "", 0},
		{"import os", "import os\nprint(1)", KindDenied, "os", "", 1},
		{"dotted import", "x = 1\nimport os.path", KindDenied, "os", "", 2},
		{"from import", "from subprocess import run", KindDenied, "subprocess", "", 1},
		{"aliased import", "import socket as s", KindDenied, "socket", "", 1},
		{"import before semicolon", "import os; print(1)", KindDenied, "os", "", 1},
		{"import after semicolon", "x = 1; import subprocess", KindDenied, "subprocess", "", 1},
		{"eval", "x = eval('1+1')", KindDenied, "", "eval", 1},
		{"method tail", "x = builtins_ref.exec('1')", KindDenied, "", "exec", 1},
		{"nested call", "def f():\n    return open('x')\n", KindDenied, "", "open", 2},
		{"getattr", "getattr(df, 'x')", KindDenied, "", "getattr", 1},
		{"dunder import", "m = __import__('os')", KindDenied, "", "__import__", 1},
		{"malformed", "def f(:\n  pass", KindMalformed, "", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.code)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.kind == KindOK, v.OK)
			assert.Equal(t, tt.module, v.Module)
			assert.Equal(t, tt.call, v.Call)
			if tt.line > 0 {
				assert.Equal(t, tt.line, v.Line)
			}
			if tt.module != "" {
				assert.Contains(t, v.Reason, tt.module)
			}
		})
	}
}

func TestValidateEveryDeniedModule(t *testing.T) {
	for _, m := range script.DeniedModules() {
		v := Validate("import " + m)
		if v.OK || v.Kind != KindDenied || !strings.Contains(v.Reason, m) {
			t.Errorf("Validate(import %s) = %+v, want denied naming %s", m, v, m)
		}
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	codes := []string{
		"import os",
		"print(sum([1, 2, 3]))",
		"def f(:",
		"eval('x')",
	}
	for _, code := range codes {
		first := Validate(code)
		for i := 0; i < 3; i++ {
			if got := Validate(code); got != first {
				t.Errorf("Validate(%q) run %d = %+v, want %+v", code, i, got, first)
			}
		}
	}
}

// Indirection is out of reach for a syntactic filter.
func TestValidateMissesIndirection(t *testing.T) {
	v := Validate("f = {'g': print}\nf['g']('hi')")
	assert.True(t, v.OK)
}
