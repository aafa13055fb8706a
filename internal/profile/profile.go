package profile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

const (
	highCorrelation = 0.7
	topValues       = 10
	maxOutlierIdx   = 100
	headRows        = 5
)

// Profile is an immutable statistical snapshot of a Table.
type Profile struct {
	Rows        int                           `json:"rows"`
	Columns     []string                      `json:"columns"`
	Types       map[string]ColumnType         `json:"types"`
	Nulls       map[string]NullStat           `json:"nulls"`
	Numeric     map[string]NumericSummary     `json:"numeric"`
	Categorical map[string]CategoricalSummary `json:"categorical"`
	Correlation map[string]map[string]float64 `json:"correlation,omitempty"`
	HighCorr    []CorrelationPair             `json:"high_correlations,omitempty"`
	Outliers    map[string]OutlierSummary     `json:"outliers,omitempty"`

	head string
}

// NullStat counts missing cells of one column.
type NullStat struct {
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// NumericSummary mirrors a describe() row plus shape statistics.
type NumericSummary struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Min      float64 `json:"min"`
	Q25      float64 `json:"q25"`
	Median   float64 `json:"median"`
	Q75      float64 `json:"q75"`
	Max      float64 `json:"max"`
	MAD      float64 `json:"mad"`
	Skew     float64 `json:"skew"`
	Kurtosis float64 `json:"kurtosis"`
}

// ValueCount is one entry of a frequency table.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// CategoricalSummary describes a text or boolean column.
type CategoricalSummary struct {
	Unique   int          `json:"unique"`
	Top      []ValueCount `json:"top"`
	Coverage float64      `json:"coverage_percent"`
}

// CorrelationPair is a strongly correlated pair of numeric columns.
type CorrelationPair struct {
	A string  `json:"a"`
	B string  `json:"b"`
	R float64 `json:"r"`
}

// OutlierSummary reports values outside the detection bounds.
type OutlierSummary struct {
	Method  string  `json:"method"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
	Lower   float64 `json:"lower"`
	Upper   float64 `json:"upper"`
	Indices []int   `json:"indices,omitempty"`
}

// Compute profiles every column of t. Per-column work runs concurrently.
func Compute(ctx context.Context, t *Table) (*Profile, error) {
	if t == nil {
		return nil, fmt.Errorf("nil table")
	}

	p := &Profile{
		Rows:        t.NumRows(),
		Columns:     append([]string(nil), t.Columns...),
		Types:       make(map[string]ColumnType, len(t.Columns)),
		Nulls:       make(map[string]NullStat, len(t.Columns)),
		Numeric:     make(map[string]NumericSummary),
		Categorical: make(map[string]CategoricalSummary),
		Outliers:    make(map[string]OutlierSummary),
		head:        t.Format(headRows),
	}

	type columnResult struct {
		nulls   NullStat
		numeric *NumericSummary
		cat     *CategoricalSummary
		outlier *OutlierSummary
	}
	results := make([]columnResult, len(t.Columns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, col := range t.Columns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cells, _ := t.Column(col)
			res := columnResult{nulls: nullStat(cells)}

			switch t.Types[col] {
			case TypeNumber:
				vals, idx := t.Floats(col)
				if len(vals) > 0 {
					ns := describe(vals)
					res.numeric = &ns
					if o, err := DetectOutliers(vals, "iqr", 1.5); err == nil && o.Count > 0 {
						o.Indices = mapIndices(o.Indices, idx)
						o.Percent = round(float64(o.Count)/float64(len(t.Rows))*100, 2)
						res.outlier = &o
					}
				}
			case TypeString, TypeBool:
				cs := categorical(cells)
				res.cat = &cs
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, col := range t.Columns {
		r := results[i]
		p.Types[col] = t.Types[col]
		p.Nulls[col] = r.nulls
		if r.numeric != nil {
			p.Numeric[col] = *r.numeric
		}
		if r.cat != nil {
			p.Categorical[col] = *r.cat
		}
		if r.outlier != nil {
			p.Outliers[col] = *r.outlier
		}
	}

	p.Correlation, p.HighCorr = correlations(t)
	return p, nil
}

// NumericColumns returns profiled numeric columns in table order.
func (p *Profile) NumericColumns() []string {
	var out []string
	for _, c := range p.Columns {
		if _, ok := p.Numeric[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// OutlierColumns returns the columns with at least one IQR outlier.
func (p *Profile) OutlierColumns() []string {
	var out []string
	for _, c := range p.Columns {
		if _, ok := p.Outliers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func nullStat(cells []any) NullStat {
	var n int
	for _, v := range cells {
		if IsNull(v) {
			n++
		}
	}
	ns := NullStat{Count: n}
	if len(cells) > 0 {
		ns.Percent = round(float64(n)/float64(len(cells))*100, 2)
	}
	return ns
}

func describe(vals []float64) NumericSummary {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	mean, _ := stats.Mean(vals)
	std, _ := stats.StandardDeviationSample(vals)
	mad, _ := stats.MedianAbsoluteDeviation(vals)
	median, _ := stats.Median(vals)

	ns := NumericSummary{
		Count:  len(vals),
		Mean:   finite(mean),
		Std:    finite(std),
		Min:    sorted[0],
		Q25:    Quantile(sorted, 0.25),
		Median: finite(median),
		Q75:    Quantile(sorted, 0.75),
		Max:    sorted[len(sorted)-1],
		MAD:    finite(mad),
	}
	if len(vals) >= 3 {
		ns.Skew = finite(stat.Skew(vals, nil))
	}
	if len(vals) >= 4 {
		ns.Kurtosis = finite(stat.ExKurtosis(vals, nil))
	}
	return ns
}

func categorical(cells []any) CategoricalSummary {
	counts := make(map[string]int)
	var nonNull int
	for _, v := range cells {
		if IsNull(v) {
			continue
		}
		nonNull++
		counts[FormatCell(v)]++
	}

	vcs := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		vcs = append(vcs, ValueCount{Value: v, Count: c})
	}
	sortValueCounts(vcs)

	cs := CategoricalSummary{Unique: len(counts)}
	if len(vcs) > topValues {
		vcs = vcs[:topValues]
	}
	cs.Top = vcs
	if nonNull > 0 {
		var covered int
		for _, vc := range vcs {
			covered += vc.Count
		}
		cs.Coverage = round(float64(covered)/float64(nonNull)*100, 2)
	}
	return cs
}

// sortValueCounts orders by descending count, then by value.
func sortValueCounts(vcs []ValueCount) {
	sort.Slice(vcs, func(i, j int) bool {
		if vcs[i].Count != vcs[j].Count {
			return vcs[i].Count > vcs[j].Count
		}
		return vcs[i].Value < vcs[j].Value
	})
}

// ValueCounts returns the full frequency table of a column.
func ValueCounts(cells []any) []ValueCount {
	counts := make(map[string]int)
	for _, v := range cells {
		if IsNull(v) {
			continue
		}
		counts[FormatCell(v)]++
	}
	vcs := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		vcs = append(vcs, ValueCount{Value: v, Count: c})
	}
	sortValueCounts(vcs)
	return vcs
}

func correlations(t *Table) (map[string]map[string]float64, []CorrelationPair) {
	cols := t.NumericColumns()
	if len(cols) < 2 {
		return nil, nil
	}

	matrix := make(map[string]map[string]float64, len(cols))
	for _, c := range cols {
		matrix[c] = make(map[string]float64, len(cols))
		matrix[c][c] = 1
	}

	var pairs []CorrelationPair
	for i := 0; i < len(cols); i++ {
		for j := i + 1; j < len(cols); j++ {
			r := Correlation(t, cols[i], cols[j])
			matrix[cols[i]][cols[j]] = r
			matrix[cols[j]][cols[i]] = r
			if math.Abs(r) > highCorrelation {
				pairs = append(pairs, CorrelationPair{A: cols[i], B: cols[j], R: r})
			}
		}
	}
	return matrix, pairs
}

// Correlation is the Pearson coefficient of two columns over rows where both
// are present, rounded to two decimals. Constant columns correlate as 0.
func Correlation(t *Table, a, b string) float64 {
	ia, okA := t.ColumnIndex(a)
	ib, okB := t.ColumnIndex(b)
	if !okA || !okB {
		return 0
	}
	var xs, ys []float64
	for _, row := range t.Rows {
		x, ok1 := AsFloat(row[ia])
		y, ok2 := AsFloat(row[ib])
		if ok1 && ok2 {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 {
		return 0
	}
	return round(finite(stat.Correlation(xs, ys, nil)), 2)
}

// DetectOutliers flags values outside IQR fences (q1-k*iqr, q3+k*iqr) or
// beyond k standard deviations for the "zscore" method. Indices refer to
// positions in values.
func DetectOutliers(values []float64, method string, threshold float64) (OutlierSummary, error) {
	out := OutlierSummary{Method: method}
	if len(values) == 0 {
		return out, nil
	}

	switch method {
	case "iqr", "":
		out.Method = "iqr"
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		q1 := Quantile(sorted, 0.25)
		q3 := Quantile(sorted, 0.75)
		iqr := q3 - q1
		out.Lower = q1 - threshold*iqr
		out.Upper = q3 + threshold*iqr
	case "zscore":
		mean, err := stats.Mean(values)
		if err != nil {
			return out, err
		}
		std, err := stats.StandardDeviationSample(values)
		if err != nil || std == 0 || math.IsNaN(std) {
			return out, nil
		}
		out.Lower = mean - threshold*std
		out.Upper = mean + threshold*std
	default:
		return out, fmt.Errorf("unknown outlier method %q", method)
	}

	for i, v := range values {
		if v < out.Lower || v > out.Upper {
			out.Count++
			if len(out.Indices) < maxOutlierIdx {
				out.Indices = append(out.Indices, i)
			}
		}
	}
	out.Percent = round(float64(out.Count)/float64(len(values))*100, 2)
	return out, nil
}

// Quantile uses linear interpolation between closest ranks, matching the
// default of dataframe libraries. sorted must be ascending.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func mapIndices(local, rows []int) []int {
	out := make([]int, len(local))
	for i, li := range local {
		out[i] = rows[li]
	}
	return out
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// Text renders the profile as the plain-text data summary that prompts embed.
func (p *Profile) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Data shape: %d rows x %d columns\n", p.Rows, len(p.Columns))
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(p.Columns, ", "))

	typeCounts := make(map[ColumnType]int)
	for _, c := range p.Columns {
		typeCounts[p.Types[c]]++
	}
	var types []string
	for _, ct := range []ColumnType{TypeNumber, TypeString, TypeDatetime, TypeBool} {
		if n := typeCounts[ct]; n > 0 {
			types = append(types, fmt.Sprintf("%s: %d", ct, n))
		}
	}
	fmt.Fprintf(&b, "Column types: %s\n", strings.Join(types, ", "))

	var missing []string
	for _, c := range p.Columns {
		if ns := p.Nulls[c]; ns.Count > 0 {
			missing = append(missing, fmt.Sprintf("%s=%d (%.1f%%)", c, ns.Count, ns.Percent))
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "Missing values: %s\n", strings.Join(missing, ", "))
	}

	if num := p.NumericColumns(); len(num) > 0 {
		b.WriteString("\nNumeric summary:\n")
		fmt.Fprintf(&b, "%-20s %8s %12s %12s %12s %12s %12s\n", "column", "count", "mean", "std", "min", "median", "max")
		for _, c := range num {
			s := p.Numeric[c]
			fmt.Fprintf(&b, "%-20s %8d %12.4g %12.4g %12.4g %12.4g %12.4g\n", truncate(c, 20), s.Count, s.Mean, s.Std, s.Min, s.Median, s.Max)
		}
	}

	var text []string
	for _, c := range p.Columns {
		if p.Types[c] == TypeString {
			text = append(text, c)
		}
	}
	if len(text) > 0 {
		b.WriteString("\nText columns:\n")
		for i, c := range text {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s: %d unique values\n", c, p.Categorical[c].Unique)
		}
	}

	if len(p.HighCorr) > 0 {
		b.WriteString("\nStrong correlations:\n")
		for _, pair := range p.HighCorr {
			fmt.Fprintf(&b, "- %s ~ %s: %.2f\n", pair.A, pair.B, pair.R)
		}
	}

	if cols := p.OutlierColumns(); len(cols) > 0 {
		fmt.Fprintf(&b, "\nColumns with outliers (IQR): %s\n", strings.Join(cols, ", "))
	}

	if p.head != "" {
		fmt.Fprintf(&b, "\nFirst %d rows:\n%s\n", headRows, p.head)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
