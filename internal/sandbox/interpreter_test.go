package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-analysis-sandbox/internal/profile"
)

func salesTable(t *testing.T) *profile.Table {
	t.Helper()
	table, err := profile.NewTable(
		[]string{"region", "product", "sales", "units"},
		[][]any{
			{"East", "A", 100.0, 1.0},
			{"West", "B", 200.0, 2.0},
			{"East", "B", 300.0, 3.0},
			{"North", "A", nil, 4.0},
		},
	)
	require.NoError(t, err)
	return table
}

func runScript(t *testing.T, code string) *ExecutionResult {
	t.Helper()
	return runRequest(t, ExecutionRequest{Code: code, Table: salesTable(t)})
}

func runRequest(t *testing.T, req ExecutionRequest) *ExecutionResult {
	t.Helper()
	res, err := NewInterpreter().Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestInterpreter_PrintsAnalysis(t *testing.T) {
	res := runScript(t, `
print(df.shape)
print(df["sales"].sum())
print(df["sales"].mean())
`)
	require.Empty(t, res.Error)
	assert.Equal(t, "(4, 4)\n600\n200.0\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, BackendInterpreter, res.Backend)
	assert.NotEmpty(t, res.ID)
	assert.Len(t, res.CodeHash, 64)
}

func TestInterpreter_ZeroDivisionStopsScript(t *testing.T) {
	res := runScript(t, "print(1/0)")

	assert.Equal(t, ZeroDivisionError, res.ErrorType)
	assert.Contains(t, res.Error, "ZeroDivisionError: ")
	assert.Empty(t, res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.True(t, res.Failed())
}

func TestInterpreter_OutputBeforeErrorIsKept(t *testing.T) {
	res := runScript(t, "print(\"before\")\nx = 1 // 0\nprint(\"after\")")

	assert.Equal(t, ZeroDivisionError, res.ErrorType)
	assert.Equal(t, "before\n", res.Stdout)
	assert.Contains(t, res.Error, "analysis.py:2")
}

func TestInterpreter_ErrorCategories(t *testing.T) {
	tests := []struct {
		name string
		code string
		want ErrorType
	}{
		{"syntax", "def f(:\n    pass", SyntaxError},
		{"undefined name", "print(undefined_total)", NameError},
		{"missing column", `x = df["profit"]`, KeyError},
		{"missing method", "df.pivot_everything()", AttributeError},
		{"index", "x = [1, 2][5]", IndexError},
		{"unknown module", "import scipy", ModuleNotFoundError},
		{"type", `x = "a" + 1`, TypeError},
		{"value", `x = int("abc")`, ValueError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runScript(t, tt.code)
			assert.Equal(t, tt.want, res.ErrorType, "error: %s", res.Error)
			assert.True(t, strings.Contains(res.Error, string(tt.want)+": "), res.Error)
		})
	}
}

func TestInterpreter_Timeout(t *testing.T) {
	start := time.Now()
	res := runRequest(t, ExecutionRequest{
		Code:   "while True:\n    pass",
		Table:  salesTable(t),
		Limits: Limits{Timeout: 200 * time.Millisecond},
	})

	assert.Equal(t, TimeoutError, res.ErrorType)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInterpreter_MemoryLimit(t *testing.T) {
	res := runRequest(t, ExecutionRequest{
		Code:   "kept = []\nfor i in range(10000):\n    kept.append(df[\"sales\"] * 2)",
		Table:  salesTable(t),
		Limits: Limits{Timeout: time.Minute, MemoryMB: 1},
	})
	assert.Equal(t, RuntimeError, res.ErrorType)
	assert.Contains(t, res.Error, "MemoryError")
	assert.Contains(t, res.Error, "1 MB memory limit")
}

func TestInterpreter_MemoryLimitAllowsSmallWork(t *testing.T) {
	res := runRequest(t, ExecutionRequest{
		Code:   "kept = []\nfor i in range(100):\n    kept.append(df[\"sales\"] * 2)\nprint(len(kept))",
		Table:  salesTable(t),
		Limits: Limits{Timeout: time.Minute, MemoryMB: 1},
	})
	require.Empty(t, res.Error)
	assert.Equal(t, "100\n", res.Stdout)
}

func TestInterpreter_ImportsAreTranslated(t *testing.T) {
	res := runScript(t, `
import pandas as pd
import numpy as np
from plotly import express as px
import plotly.graph_objects as go
print(np.mean([1, 2, 3]))
`)
	require.Empty(t, res.Error)
	assert.Equal(t, "2.0\n", res.Stdout)
}

func TestInterpreter_Charts(t *testing.T) {
	res := runScript(t, `
fig = px.bar(df, x="region", y="sales", title="Sales by region")
charts.append(fig.to_json())
`)
	require.Empty(t, res.Error)
	require.Len(t, res.Charts, 1)
	assert.Equal(t, 1, res.FiguresCreated)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(res.Charts[0], &doc))
	assert.Contains(t, doc, "data")
	assert.Contains(t, doc, "layout")

	for _, v := range res.Variables {
		if v.Name == "fig" {
			assert.True(t, v.IsFigure)
		}
	}
}

func TestInterpreter_FigureObjectsAreAccepted(t *testing.T) {
	res := runScript(t, `
charts.append(px.pie(df, names="region"))
charts.append({"data": [], "layout": {}})
`)
	require.Empty(t, res.Error)
	assert.Len(t, res.Charts, 2)
	assert.Empty(t, res.Warnings)
}

func TestInterpreter_MalformedCharts(t *testing.T) {
	res := runScript(t, `charts.append("not a chart")`)
	require.Empty(t, res.Error)
	require.Len(t, res.Charts, 1)
	assert.JSONEq(t, `"not a chart"`, string(res.Charts[0]))
	assert.Contains(t, res.Warnings, "chart 0 is not a valid figure")

	res = runScript(t, `charts = 5`)
	assert.Empty(t, res.Charts)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "not a list")
}

func TestInterpreter_Variables(t *testing.T) {
	res := runScript(t, `
total = df["sales"].sum()
label = "sales"
_hidden = 1
def helper():
    return 1
`)
	require.Empty(t, res.Error)

	names := make(map[string]Variable)
	for _, v := range res.Variables {
		names[v.Name] = v
	}
	assert.Contains(t, names, "total")
	assert.Contains(t, names, "label")
	assert.NotContains(t, names, "df")
	assert.NotContains(t, names, "charts")
	assert.NotContains(t, names, "_hidden")
	assert.NotContains(t, names, "helper")
	assert.Equal(t, "600", names["total"].Value)
	assert.Equal(t, "sales", names["label"].Value)
}

func TestInterpreter_OutputTruncation(t *testing.T) {
	res := runRequest(t, ExecutionRequest{
		Code:   `print("a" * 5000)`,
		Limits: Limits{MaxOutputBytes: 1024},
	})
	require.Empty(t, res.Error)
	assert.True(t, strings.HasSuffix(res.Stdout, truncatedMarker))
	assert.Equal(t, 1024+len(truncatedMarker), len(res.Stdout))
	assert.Contains(t, res.Warnings, "stdout truncated at 1024 bytes")
}

func TestInterpreter_WarnWritesStderr(t *testing.T) {
	res := runScript(t, `warn("check", "units")`)
	require.Empty(t, res.Error)
	assert.Equal(t, "check units\n", res.Stderr)
}

func TestInterpreter_CustomBinding(t *testing.T) {
	res := runRequest(t, ExecutionRequest{
		Code:    "print(len(data))",
		Binding: "data",
		Table:   salesTable(t),
	})
	require.Empty(t, res.Error)
	assert.Equal(t, "4\n", res.Stdout)
}

func TestInterpreter_ShowWarns(t *testing.T) {
	res := runScript(t, `px.line(df, x="units", y="sales").show()`)
	require.Empty(t, res.Error)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "fig.show()")
	assert.Empty(t, res.Charts)
}

func TestInterpreter_ScriptCannotMutateTable(t *testing.T) {
	table := salesTable(t)
	res := runRequest(t, ExecutionRequest{
		Code:  `df["margin"] = df["sales"] * 0.2` + "\nprint(df.shape)",
		Table: table,
	})
	require.Empty(t, res.Error)
	assert.Equal(t, "(4, 5)\n", res.Stdout)
	assert.Len(t, table.Columns, 4)
}
