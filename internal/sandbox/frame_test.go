package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdout runs code against the sales table and requires it to succeed.
func stdout(t *testing.T, code string) string {
	t.Helper()
	res := runScript(t, code)
	require.Empty(t, res.Error, "script failed: %s", res.Error)
	return res.Stdout
}

func TestDataFrame_Selection(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"columns", `print(df.columns)`, `["region", "product", "sales", "units"]` + "\n"},
		{"len", `print(len(df))`, "4\n"},
		{"sub frame", `print(df[["region", "units"]].shape)`, "(4, 2)\n"},
		{"mask", `print(len(df[df["sales"].gt(150)]))`, "2\n"},
		{"combined mask", `print(len(df[df["sales"].gt(150) & df["region"].eq("East")]))`, "1\n"},
		{"isin", `print(len(df[df["region"].isin(["East", "North"])]))`, "3\n"},
		{"head", `print(len(df.head(2)))`, "2\n"},
		{"null count", `print(df["sales"].isnull().sum())`, "1\n"},
		{"count skips nulls", `print(df["sales"].count())`, "3\n"},
		{"nunique", `print(df["region"].nunique())`, "3\n"},
		{"dropna", `print(len(df.dropna()))`, "3\n"},
		{"positional get", `print(df["units"][0])`, "1\n"},
		{"negative get", `print(df["units"][-1])`, "4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stdout(t, tt.code))
		})
	}
}

func TestDataFrame_ColumnArithmetic(t *testing.T) {
	out := stdout(t, `
per_unit = df["sales"] / df["units"]
print(per_unit.tolist())
print((df["units"] * 2).sum())
`)
	assert.Equal(t, "[100, 100, 100, None]\n20\n", out)
}

func TestDataFrame_DivisionByZeroColumnIsNull(t *testing.T) {
	out := stdout(t, `print((df["units"] / 0).count())`)
	assert.Equal(t, "0\n", out)
}

func TestDataFrame_ValueCounts(t *testing.T) {
	out := stdout(t, `
vc = df["region"].value_counts()
print(vc["East"])
print(vc.index[0])
`)
	assert.Equal(t, "2\nEast\n", out)
}

func TestDataFrame_GroupBy(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"column sum", `print(df.groupby("region")["sales"].sum()["East"])`, "400\n"},
		{"ngroups", `print(df.groupby("region").ngroups)`, "3\n"},
		{"size", `print(df.groupby("product").size()["A"])`, "2\n"},
		{"agg dict shape", `print(df.groupby("region").agg({"sales": "sum", "units": "max"}).shape)`, "(3, 3)\n"},
		{"multi key", `print(df.groupby(["region", "product"]).ngroups)`, "4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stdout(t, tt.code))
		})
	}
}

func TestDataFrame_GroupByEmptyAggIsError(t *testing.T) {
	res := runScript(t, `df.groupby("region").agg([])`)
	assert.Equal(t, ValueError, res.ErrorType)
}

func TestDataFrame_SortAndRank(t *testing.T) {
	out := stdout(t, `
top = df.sort_values("sales", ascending=False)
print(top["region"].tolist())
print(df.nlargest(1, "units")["region"].tolist())
`)
	assert.Equal(t, `["East", "West", "East", "North"]`+"\n"+`["North"]`+"\n", out)
}

func TestDataFrame_Describe(t *testing.T) {
	out := stdout(t, `
d = df.describe()
print(d.columns)
print(df["units"].describe()["max"])
`)
	assert.Equal(t, `["statistic", "sales", "units"]`+"\n4\n", out)
}

func TestDataFrame_ToDictRecords(t *testing.T) {
	out := stdout(t, `print(df[["region", "units"]].head(1).to_dict(orient="records"))`)
	assert.Equal(t, `[{"region": "East", "units": 1}]`+"\n", out)
}

func TestPandasConstructors(t *testing.T) {
	out := stdout(t, `
frame = pd.DataFrame({"a": [1, 2, 3], "b": ["x", "y", "z"]})
print(frame.shape)
s = pd.Series([1, None, 3], name="s")
print(s.count())
print(pd.to_numeric(["1", "bad", "3"], errors="coerce").tolist())
`)
	assert.Equal(t, "(3, 2)\n2\n[1, None, 3]\n", out)
}

func TestPandasDataFrame_MismatchedLengths(t *testing.T) {
	res := runScript(t, `pd.DataFrame({"a": [1, 2], "b": [1]})`)
	assert.Equal(t, ValueError, res.ErrorType)
}

func TestStatsModule(t *testing.T) {
	out := stdout(t, `
print(stats.median([3, 1, 2]))
fit = stats.linear_regression([1, 2, 3], [2, 4, 6])
print(round(fit.slope, 3))
print(round(np.corrcoef([1, 2, 3], [2, 4, 6])[0][1], 3))
`)
	assert.Equal(t, "2.0\n2.0\n1.0\n", out)
}

func TestStatsModule_EmptyInput(t *testing.T) {
	res := runScript(t, `stats.mean([])`)
	assert.Equal(t, ValueError, res.ErrorType)
}
