package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-analysis-sandbox/internal/llm"
	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/validator"
)

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) CompleteText(_ context.Context, prompt string, _ ...llm.Option) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		code  string
		tier  Tier
	}{
		{
			name:  "tags",
			reply: "Here you go:\n<python>\nprint(1)\n</python>\nDone.",
			code:  "print(1)",
			tier:  TierTag,
		},
		{
			name:  "tags are case-insensitive",
			reply: "<PYTHON>print(2)</Python>",
			code:  "print(2)",
			tier:  TierTag,
		},
		{
			name:  "tags win over fences",
			reply: "```python\nprint('fence')\n```\n<python>print('tag')</python>",
			code:  "print('tag')",
			tier:  TierTag,
		},
		{
			name:  "python fence",
			reply: "Sure.\n```python\nx = 1\nprint(x)\n```",
			code:  "x = 1\nprint(x)",
			tier:  TierPythonFence,
		},
		{
			name:  "bare fence",
			reply: "```\ntotal = 3\n```",
			code:  "total = 3",
			tier:  TierAnyFence,
		},
		{
			name:  "fence with other language tag",
			reply: "```py\nx = 2\n```",
			code:  "x = 2",
			tier:  TierAnyFence,
		},
		{
			name:  "fence with one-letter tag",
			reply: "```r\nprint(3)\n```",
			code:  "print(3)",
			tier:  TierAnyFence,
		},
		{
			name:  "python3 fence",
			reply: "```python3\nprint(4)\n```",
			code:  "print(4)",
			tier:  TierPythonFence,
		},
		{
			name:  "pythonic is not a python fence",
			reply: "```pythonic\ny = 5\n```",
			code:  "y = 5",
			tier:  TierAnyFence,
		},
		{
			name:  "keyword heuristic strips tagged fence",
			reply: "```python3\nprint(df.shape)",
			code:  "print(df.shape)",
			tier:  TierKeyword,
		},
		{
			name:  "keyword heuristic strips unterminated fence",
			reply: "```python\nprint(df.shape)",
			code:  "print(df.shape)",
			tier:  TierKeyword,
		},
		{
			name:  "raw reply",
			reply: "  x = 1  \n",
			code:  "x = 1",
			tier:  TierRaw,
		},
		{
			name:  "empty",
			reply: "   \n",
			code:  "",
			tier:  TierNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, tier := ExtractCode(tt.reply)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.tier, tier, "tier %s", tier)
		})
	}
}

func TestFixCommonErrors(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		want  string
		fixes int
	}{
		{
			name:  "clean code is untouched",
			code:  "charts = []\nprint(1)",
			want:  "charts = []\nprint(1)",
			fixes: 0,
		},
		{
			name:  "fig.show becomes charts.append",
			code:  "charts = []\nfig.show()",
			want:  "charts = []\ncharts.append(fig.to_json())",
			fixes: 1,
		},
		{
			name:  "charts initialized when appended without definition",
			code:  "charts.append(x)",
			want:  "charts = []\ncharts.append(x)",
			fixes: 1,
		},
		{
			name:  "python 2 print",
			code:  "charts = []\nprint \"total\"\n    print total",
			want:  "charts = []\nprint(\"total\")\n    print(total)",
			fixes: 1,
		},
		{
			name:  "legacy chart list name",
			code:  "plotly_figures_json = []\nplotly_figures_json.append(f)",
			want:  "charts = []\ncharts.append(f)",
			fixes: 1,
		},
		{
			name:  "missing plotly import",
			code:  "charts = []\nfig = px.bar(df, x=\"a\")",
			want:  "import plotly.express as px\ncharts = []\nfig = px.bar(df, x=\"a\")",
			fixes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fixes := FixCommonErrors(tt.code)
			assert.Equal(t, tt.want, got)
			assert.Len(t, fixes, tt.fixes, "fixes: %v", fixes)
		})
	}
}

func TestGuessNumericColumns(t *testing.T) {
	assert.Equal(t, []string{"Sales", "unit_price", "销售额"},
		GuessNumericColumns([]string{"region", "Sales", "unit_price", "销售额"}))
	assert.Equal(t, []string{"a", "b"}, GuessNumericColumns([]string{"a", "b", "c"}))
	assert.Equal(t, []string{"only"}, GuessNumericColumns([]string{"only"}))
	assert.Empty(t, GuessNumericColumns(nil))
}

func TestFallbackVisualizationCode(t *testing.T) {
	code := FallbackVisualizationCode([]string{"region", "sales", "profit"}, "bar")
	assert.Equal(t, code, FallbackVisualizationCode([]string{"region", "sales", "profit"}, "bar"))
	assert.Contains(t, code, `first_numeric = "sales"`)
	assert.Contains(t, code, `x_col, y_col = "sales", "profit"`)

	v := validator.Validate(code)
	assert.True(t, v.OK, "verdict: %+v", v)

	single := FallbackVisualizationCode([]string{"region", "sales"}, "")
	assert.NotContains(t, single, "px.scatter")
}

func fallbackTable(t *testing.T) *profile.Table {
	t.Helper()
	tbl, err := profile.NewTable(
		[]string{"region", "sales", "profit"},
		[][]any{
			{"East", 100.0, 10.0},
			{"West", 200.0, 30.0},
			{"North", 150.0, 12.0},
		},
	)
	require.NoError(t, err)
	return tbl
}

func TestFallbackVisualizationCode_Runs(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		charts  int
	}{
		{"two measures", []string{"region", "sales", "profit"}, 3},
		{"one measure", []string{"region", "sales"}, 2},
		{"no measure names", []string{"region", "zone"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := FallbackVisualizationCode(tt.columns, "")
			res, err := sandbox.NewInterpreter().Execute(context.Background(), sandbox.ExecutionRequest{
				Code:  code,
				Table: fallbackTable(t),
			})
			require.NoError(t, err)
			require.Empty(t, res.Error)
			assert.Len(t, res.Charts, tt.charts)
			assert.Contains(t, res.Stdout, "generated")
		})
	}
}

func TestSynthesizeAnalysisCode(t *testing.T) {
	fc := &fakeCompleter{reply: "<python>\nprint(sales.sum())\n</python>"}
	s := New(fc)

	code, err := s.SynthesizeAnalysisCode(context.Background(), "total sales?", "rows: 4", "sales")
	require.NoError(t, err)
	assert.Equal(t, "print(sales.sum())", code)

	require.Len(t, fc.prompts, 1)
	p := fc.prompts[0]
	assert.Contains(t, p, "total sales?")
	assert.Contains(t, p, "rows: 4")
	assert.Contains(t, p, "DataFrame sales")
	assert.Contains(t, p, "charts.append(fig.to_json())")
	assert.Contains(t, p, "<python>")
	assert.Contains(t, p, "f-strings")
}

func TestSynthesizeAnalysisCode_Errors(t *testing.T) {
	gatewayErr := &llm.APIError{Kind: llm.ErrServer, StatusCode: 503}
	_, err := New(&fakeCompleter{err: gatewayErr}).SynthesizeAnalysisCode(context.Background(), "q", "p", "")
	assert.ErrorIs(t, err, ErrSynthesis)
	assert.ErrorIs(t, err, llm.ErrServer)

	_, err = New(&fakeCompleter{reply: "  "}).SynthesizeAnalysisCode(context.Background(), "q", "p", "")
	assert.True(t, errors.Is(err, ErrNoCode))
}

func TestSynthesizeVisualizationCode(t *testing.T) {
	fc := &fakeCompleter{reply: "```python\ncharts.append(px.bar(df, x=\"a\").to_json())\n```"}
	code, err := New(fc).SynthesizeVisualizationCode(context.Background(), []string{"a", "b"}, "bar")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "charts.append"))
	assert.Contains(t, fc.prompts[0], "Columns: a, b")
	assert.Contains(t, fc.prompts[0], "Chart type: bar")
}

func TestSynthesizeVisualizationCode_FallsBack(t *testing.T) {
	columns := []string{"region", "amount"}
	code, err := New(&fakeCompleter{err: llm.ErrTimeout}).SynthesizeVisualizationCode(context.Background(), columns, "")
	require.NoError(t, err)
	assert.Equal(t, FallbackVisualizationCode(columns, ""), code)
}
