package synth

import (
	"fmt"
	"strings"
)

// numericKeywords mark column names that usually hold measures.
var numericKeywords = []string{
	"amount", "price", "sales", "revenue", "cost", "profit",
	"score", "quantity", "count", "total", "value",
	"金额", "价格", "销售", "收入", "成本", "利润", "数量",
}

// GuessNumericColumns picks measure-like columns by name. When no name
// matches it falls back to the first two columns.
func GuessNumericColumns(columns []string) []string {
	var out []string
	for _, c := range columns {
		lower := strings.ToLower(c)
		for _, k := range numericKeywords {
			if strings.Contains(lower, k) {
				out = append(out, c)
				break
			}
		}
	}
	if len(out) == 0 {
		n := min(len(columns), 2)
		out = append(out, columns[:n]...)
	}
	return out
}

// FallbackVisualizationCode renders a deterministic chart script for the
// given columns: a row-count overview, a bar chart of the first measure
// column, and a scatter of the first two measure columns when there are
// two. It only relies on the columns existing.
func FallbackVisualizationCode(columns []string, hint string) string {
	numeric := GuessNumericColumns(columns)

	var b strings.Builder
	w := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	w("import plotly.express as px")
	w("import plotly.graph_objects as go")
	w("")
	if hint = strings.TrimSpace(hint); hint != "" {
		w("print(%q)", "chart hint: "+hint)
	}
	w(`print("building overview charts")`)
	w(`print("shape: {}".format(df.shape))`)
	w(`print("columns: {}".format(", ".join(df.columns)))`)
	w("")
	w("fig1 = go.Figure()")
	w(`fig1.add_trace(go.Bar(x=list(range(len(df))), y=[1] * len(df), name="rows"))`)
	w(`fig1.update_layout(title="Row count overview", xaxis_title="row", yaxis_title="count")`)
	w("charts.append(fig1.to_json())")

	if len(numeric) > 0 && len(columns) > 0 {
		w("")
		w("first_numeric = %q", numeric[0])
		w("if first_numeric in df.columns:")
		w(`    fig2 = px.bar(df.head(10), x=%q, y=first_numeric, title="{} (first 10 rows)".format(first_numeric))`, columns[0])
		w("    charts.append(fig2.to_json())")
	}
	if len(numeric) >= 2 {
		w("")
		w("x_col, y_col = %q, %q", numeric[0], numeric[1])
		w("if x_col in df.columns and y_col in df.columns:")
		w(`    fig3 = px.scatter(df.head(20), x=x_col, y=y_col, title="{} vs {} (first 20 rows)".format(y_col, x_col))`)
		w("    charts.append(fig3.to_json())")
	}
	w("")
	w(`print("generated {} charts".format(len(charts)))`)
	return b.String()
}
