package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"gonum.org/v1/gonum/stat"

	"safe-analysis-sandbox/internal/profile"
)

const previewRows = 10

// Column is a one-dimensional labeled array, the script-side view of a
// table column or of an aggregation result.
type Column struct {
	name   string
	kind   profile.ColumnType
	cells  []any
	labels []any // nil means positional
	frozen bool
	b      *budget
}

var (
	_ starlark.HasAttrs  = (*Column)(nil)
	_ starlark.Mapping   = (*Column)(nil)
	_ starlark.Sequence  = (*Column)(nil)
	_ starlark.HasBinary = (*Column)(nil)
)

func newColumn(name string, kind profile.ColumnType, cells []any) *Column {
	return &Column{name: name, kind: kind, cells: cells}
}

// labeledColumn builds a column over derived values, inferring its type.
func labeledColumn(name string, labels, cells []any) *Column {
	return &Column{name: name, kind: inferKind(cells), cells: cells, labels: labels}
}

func inferKind(cells []any) profile.ColumnType {
	kind := profile.ColumnType("")
	for _, v := range cells {
		var k profile.ColumnType
		switch v.(type) {
		case nil:
			continue
		case float64:
			k = profile.TypeNumber
		case bool:
			k = profile.TypeBool
		default:
			k = profile.TypeString
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return profile.TypeString
		}
	}
	if kind == "" {
		return profile.TypeNumber
	}
	return kind
}

func (c *Column) String() string {
	var b strings.Builder
	n := len(c.cells)
	shown := n
	if shown > previewRows {
		shown = previewRows
	}
	width := 0
	for i := 0; i < shown; i++ {
		if w := len(profile.FormatCell(c.label(i))); w > width {
			width = w
		}
	}
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&b, "%-*s    %s\n", width, profile.FormatCell(c.label(i)), profile.FormatCell(c.cells[i]))
	}
	if n > shown {
		fmt.Fprintf(&b, "... (%d more)\n", n-shown)
	}
	fmt.Fprintf(&b, "Name: %s, Length: %d, dtype: %s", c.name, n, dtypeName(c.kind))
	return b.String()
}

func (c *Column) Type() string         { return "Column" }
func (c *Column) Freeze()              { c.frozen = true }
func (c *Column) Truth() starlark.Bool { return len(c.cells) > 0 }
func (c *Column) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: Column")
}
func (c *Column) Len() int { return len(c.cells) }

func (c *Column) Iterate() starlark.Iterator {
	return &cellIterator{cells: c.cells}
}

type cellIterator struct {
	cells []any
	i     int
}

func (it *cellIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.cells) {
		return false
	}
	*p = cellToStarlark(it.cells[it.i])
	it.i++
	return true
}

func (it *cellIterator) Done() {}

// Get looks up by label when the column is labeled and by position
// otherwise.
func (c *Column) Get(k starlark.Value) (starlark.Value, bool, error) {
	if c.labels != nil {
		want := starlarkToCell(k)
		for i, l := range c.labels {
			if cellsEqual(l, want) {
				return cellToStarlark(c.cells[i]), true, nil
			}
		}
		if _, isInt := k.(starlark.Int); !isInt {
			return nil, false, keyErrorf("%s", k)
		}
	}
	i, err := starlark.AsInt32(k)
	if err != nil {
		return nil, false, typeErrorf("Column index: got %s, want int", k.Type())
	}
	if i < 0 {
		i += len(c.cells)
	}
	if i < 0 || i >= len(c.cells) {
		return nil, false, fmt.Errorf("index %s out of range [0:%d]", k, len(c.cells))
	}
	return cellToStarlark(c.cells[i]), true, nil
}

func (c *Column) label(i int) any {
	if c.labels == nil {
		return i
	}
	return c.labels[i]
}

func (c *Column) labelsOrPositions() []any {
	out := make([]any, len(c.cells))
	for i := range c.cells {
		out[i] = c.label(i)
	}
	return out
}

// floats returns the non-null numeric cells and their positions.
func (c *Column) floats() ([]float64, []int) {
	vals := make([]float64, 0, len(c.cells))
	idx := make([]int, 0, len(c.cells))
	for i, v := range c.cells {
		if f, ok := profile.AsFloat(v); ok {
			vals = append(vals, f)
			idx = append(idx, i)
		}
	}
	return vals, idx
}

func (c *Column) goValues() []any {
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		g, _ := toGo(cellToStarlark(v))
		out[i] = g
	}
	return out
}

func (c *Column) derive(cells []any, labels []any) *Column {
	return &Column{name: c.name, kind: inferKind(cells), cells: cells, labels: labels, b: c.b}
}

func (c *Column) subset(positions []int) *Column {
	cells := make([]any, len(positions))
	var labels []any
	if c.labels != nil {
		labels = make([]any, len(positions))
	}
	for i, p := range positions {
		cells[i] = c.cells[p]
		if labels != nil {
			labels[i] = c.labels[p]
		}
	}
	out := &Column{name: c.name, kind: c.kind, cells: cells, labels: labels, b: c.b}
	if labels == nil {
		out.labels = make([]any, len(positions))
		for i, p := range positions {
			out.labels[i] = p
		}
	}
	return out
}

func (c *Column) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(c.name), nil
	case "dtype":
		return starlark.String(dtypeName(c.kind)), nil
	case "size":
		return starlark.MakeInt(len(c.cells)), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(len(c.cells))}, nil
	case "empty":
		return starlark.Bool(len(c.cells) == 0), nil
	case "values":
		return c.list(), nil
	case "index":
		return cellList(c.labelsOrPositions()), nil
	}
	if m, ok := columnMethods[name]; ok {
		return bindMethod(c, name, m), nil
	}
	return nil, nil
}

func (c *Column) AttrNames() []string {
	names := []string{"dtype", "empty", "index", "name", "shape", "size", "values"}
	for k := range columnMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (c *Column) list() *starlark.List {
	return cellList(c.cells)
}

func cellList(cells []any) *starlark.List {
	elems := make([]starlark.Value, len(cells))
	for i, v := range cells {
		elems[i] = cellToStarlark(v)
	}
	return starlark.NewList(elems)
}

// Binary implements elementwise arithmetic and mask combination.
func (c *Column) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	switch op {
	case syntax.AMP, syntax.PIPE:
		other, ok := y.(*Column)
		if !ok || len(other.cells) != len(c.cells) {
			return nil, nil
		}
		if err := c.b.charge(len(c.cells)); err != nil {
			return nil, err
		}
		out := make([]any, len(c.cells))
		for i := range c.cells {
			if err := c.b.poll(i); err != nil {
				return nil, err
			}
			a, b := truthy(c.cells[i]), truthy(other.cells[i])
			if op == syntax.AMP {
				out[i] = a && b
			} else {
				out[i] = a || b
			}
		}
		return &Column{name: c.name, kind: profile.TypeBool, cells: out, labels: c.labels, b: c.b}, nil
	case syntax.PLUS, syntax.MINUS, syntax.STAR, syntax.SLASH:
	default:
		return nil, nil
	}

	operand := func(i int) (float64, bool) { return 0, false }
	switch v := y.(type) {
	case *Column:
		if len(v.cells) != len(c.cells) {
			return nil, valueErrorf("columns have different lengths: %d and %d", len(c.cells), len(v.cells))
		}
		operand = func(i int) (float64, bool) { return profile.AsFloat(v.cells[i]) }
	default:
		f, ok := starlark.AsFloat(y)
		if !ok {
			return nil, nil
		}
		operand = func(int) (float64, bool) { return f, true }
	}

	if err := c.b.charge(len(c.cells)); err != nil {
		return nil, err
	}
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		if err := c.b.poll(i); err != nil {
			return nil, err
		}
		a, okA := profile.AsFloat(v)
		b, okB := operand(i)
		if !okA || !okB {
			continue
		}
		if side == starlark.Right {
			a, b = b, a
		}
		switch op {
		case syntax.PLUS:
			out[i] = a + b
		case syntax.MINUS:
			out[i] = a - b
		case syntax.STAR:
			out[i] = a * b
		case syntax.SLASH:
			if b != 0 {
				out[i] = a / b
			}
		}
	}
	return &Column{name: c.name, kind: profile.TypeNumber, cells: out, labels: c.labels, b: c.b}, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	case nil:
		return false
	}
	return true
}

type methodFunc[T any] func(thread *starlark.Thread, recv T, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

func bindMethod[T any](recv T, name string, m methodFunc[T]) *starlark.Builtin {
	return starlark.NewBuiltin(name, charged(func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return m(thread, recv, b.Name(), args, kwargs)
	}))
}

var columnMethods map[string]methodFunc[*Column]

func init() {
	columnMethods = map[string]methodFunc[*Column]{
		"mean":         columnReduce(func(v []float64) (float64, error) { return stats.Mean(v) }),
		"sum":          columnSum,
		"min":          columnReduce(func(v []float64) (float64, error) { return stats.Min(v) }),
		"max":          columnReduce(func(v []float64) (float64, error) { return stats.Max(v) }),
		"median":       columnReduce(func(v []float64) (float64, error) { return stats.Median(v) }),
		"std":          columnReduce(func(v []float64) (float64, error) { return stats.StandardDeviationSample(v) }),
		"var":          columnReduce(func(v []float64) (float64, error) { return stats.SampleVariance(v) }),
		"quantile":     columnQuantile,
		"count":        columnCount,
		"nunique":      columnNunique,
		"unique":       columnUnique,
		"value_counts": columnValueCounts,
		"tolist":       columnToList,
		"to_list":      columnToList,
		"to_dict":      columnToDict,
		"items":        columnItems,
		"describe":     columnDescribe,
		"dropna":       columnDropna,
		"fillna":       columnFillna,
		"head":         columnHead,
		"tail":         columnTail,
		"sort_values":  columnSortValues,
		"idxmax":       columnIdx(1),
		"idxmin":       columnIdx(-1),
		"corr":         columnCorr,
		"apply":        columnApply,
		"round":        columnRound,
		"abs":          columnAbs,
		"cumsum":       columnCumsum,
		"gt":           columnCompare(func(c int) bool { return c > 0 }),
		"ge":           columnCompare(func(c int) bool { return c >= 0 }),
		"lt":           columnCompare(func(c int) bool { return c < 0 }),
		"le":           columnCompare(func(c int) bool { return c <= 0 }),
		"eq":           columnCompare(func(c int) bool { return c == 0 }),
		"ne":           columnCompare(func(c int) bool { return c != 0 }),
		"between":      columnBetween,
		"isin":         columnIsin,
		"isnull":       columnNullMask(true),
		"isna":         columnNullMask(true),
		"notnull":      columnNullMask(false),
		"notna":        columnNullMask(false),
	}
}

func columnReduce(fn func([]float64) (float64, error)) methodFunc[*Column] {
	return func(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		if c.kind == profile.TypeString {
			return nil, typeErrorf("%s: column %q is not numeric", name, c.name)
		}
		vals, _ := c.floats()
		if len(vals) == 0 {
			return starlark.Float(math.NaN()), nil
		}
		f, err := fn(vals)
		if err != nil {
			return starlark.Float(math.NaN()), nil
		}
		return starlark.Float(f), nil
	}
}

func columnSum(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	if c.kind == profile.TypeString {
		return nil, typeErrorf("sum: column %q is not numeric", c.name)
	}
	vals, _ := c.floats()
	s, _ := stats.Sum(vals)
	return cellToStarlark(s), nil
}

func columnQuantile(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	q := numberArg{f: 0.5}
	if err := starlark.UnpackArgs(name, args, kwargs, "q?", &q); err != nil {
		return nil, err
	}
	if q.f < 0 || q.f > 1 {
		return nil, valueErrorf("quantile: q must be between 0 and 1, got %g", q.f)
	}
	vals, _ := c.floats()
	if len(vals) == 0 {
		return starlark.Float(math.NaN()), nil
	}
	sort.Float64s(vals)
	return starlark.Float(profile.Quantile(vals, q.f)), nil
}

func columnCount(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	n := 0
	for _, v := range c.cells {
		if !profile.IsNull(v) {
			n++
		}
	}
	return starlark.MakeInt(n), nil
}

func distinct(cells []any) []any {
	seen := make(map[string]bool)
	var out []any
	for _, v := range cells {
		if profile.IsNull(v) {
			continue
		}
		k := profile.FormatCell(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func columnNunique(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt(len(distinct(c.cells))), nil
}

func columnUnique(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return cellList(distinct(c.cells)), nil
}

func columnValueCounts(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var normalize bool
	if err := starlark.UnpackArgs(name, args, kwargs, "normalize?", &normalize); err != nil {
		return nil, err
	}
	vcs := profile.ValueCounts(c.cells)
	total := 0
	for _, vc := range vcs {
		total += vc.Count
	}
	labels := make([]any, len(vcs))
	cells := make([]any, len(vcs))
	for i, vc := range vcs {
		labels[i] = vc.Value
		if normalize {
			cells[i] = float64(vc.Count) / float64(total)
		} else {
			cells[i] = float64(vc.Count)
		}
	}
	out := labeledColumn(c.name, labels, cells)
	return out, nil
}

func columnToList(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return c.list(), nil
}

func columnToDict(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	d := starlark.NewDict(len(c.cells))
	for i, v := range c.cells {
		if err := d.SetKey(cellToStarlark(c.label(i)), cellToStarlark(v)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func columnItems(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(c.cells))
	for i, v := range c.cells {
		elems[i] = starlark.Tuple{cellToStarlark(c.label(i)), cellToStarlark(v)}
	}
	return starlark.NewList(elems), nil
}

// describeColumn mirrors a dataframe describe(): numeric columns get the
// eight-number summary, others count/unique/top/freq.
func describeColumn(c *Column) *Column {
	vals, _ := c.floats()
	if c.kind != profile.TypeString && len(vals) > 0 {
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		mean, _ := stats.Mean(vals)
		std := math.NaN()
		if len(vals) > 1 {
			std = stat.StdDev(vals, nil)
		}
		return labeledColumn(c.name,
			[]any{"count", "mean", "std", "min", "25%", "50%", "75%", "max"},
			[]any{
				float64(len(vals)), mean, std, sorted[0],
				profile.Quantile(sorted, 0.25), profile.Quantile(sorted, 0.5),
				profile.Quantile(sorted, 0.75), sorted[len(sorted)-1],
			})
	}
	vcs := profile.ValueCounts(c.cells)
	count := 0
	for _, vc := range vcs {
		count += vc.Count
	}
	var top any
	var freq any
	if len(vcs) > 0 {
		top, freq = vcs[0].Value, float64(vcs[0].Count)
	}
	return &Column{
		name:   c.name,
		kind:   profile.TypeString,
		labels: []any{"count", "unique", "top", "freq"},
		cells:  []any{float64(count), float64(len(vcs)), top, freq},
	}
}

func columnDescribe(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return describeColumn(c), nil
}

func columnDropna(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	var keep []int
	for i, v := range c.cells {
		if !profile.IsNull(v) {
			keep = append(keep, i)
		}
	}
	return c.subset(keep), nil
}

func columnFillna(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	fill := starlarkToCell(value)
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		if profile.IsNull(v) {
			out[i] = fill
		} else {
			out[i] = v
		}
	}
	return c.derive(out, c.labels), nil
}

func headArg(name string, args starlark.Tuple, kwargs []starlark.Tuple) (int, error) {
	n := 5
	if err := starlark.UnpackArgs(name, args, kwargs, "n?", &n); err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func columnHead(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := headArg(name, args, kwargs)
	if err != nil {
		return nil, err
	}
	if n > len(c.cells) {
		n = len(c.cells)
	}
	return c.subset(positions(0, n)), nil
}

func columnTail(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := headArg(name, args, kwargs)
	if err != nil {
		return nil, err
	}
	if n > len(c.cells) {
		n = len(c.cells)
	}
	return c.subset(positions(len(c.cells)-n, len(c.cells))), nil
}

func positions(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func columnSortValues(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ascending := true
	if err := starlark.UnpackArgs(name, args, kwargs, "ascending?", &ascending); err != nil {
		return nil, err
	}
	order := positions(0, len(c.cells))
	sort.SliceStable(order, func(i, j int) bool {
		return lessCells(c.cells[order[i]], c.cells[order[j]], ascending)
	})
	return c.subset(order), nil
}

// lessCells orders cells with nulls last in either direction.
func lessCells(a, b any, ascending bool) bool {
	na, nb := profile.IsNull(a), profile.IsNull(b)
	if na || nb {
		return !na && nb
	}
	cmp := compareCells(a, b)
	if ascending {
		return cmp < 0
	}
	return cmp > 0
}

// compareCells orders numbers numerically and everything else by its
// printed form.
func compareCells(a, b any) int {
	fa, okA := profile.AsFloat(a)
	fb, okB := profile.AsFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(profile.FormatCell(a), profile.FormatCell(b))
}

func cellsEqual(a, b any) bool {
	if ia, ok := a.(int); ok {
		a = float64(ia)
	}
	if ib, ok := b.(int); ok {
		b = float64(ib)
	}
	if profile.IsNull(a) || profile.IsNull(b) {
		return false
	}
	return compareCells(a, b) == 0
}

func columnIdx(sign int) methodFunc[*Column] {
	return func(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		vals, idx := c.floats()
		if len(vals) == 0 {
			return nil, valueErrorf("%s: column %q has no numeric values", name, c.name)
		}
		best := 0
		for i := range vals {
			if (sign > 0 && vals[i] > vals[best]) || (sign < 0 && vals[i] < vals[best]) {
				best = i
			}
		}
		return cellToStarlark(c.label(idx[best])), nil
	}
}

func columnCorr(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var other *Column
	if err := starlark.UnpackArgs(name, args, kwargs, "other", &other); err != nil {
		return nil, err
	}
	if len(other.cells) != len(c.cells) {
		return nil, valueErrorf("corr: columns have different lengths: %d and %d", len(c.cells), len(other.cells))
	}
	var xs, ys []float64
	for i := range c.cells {
		x, ok1 := profile.AsFloat(c.cells[i])
		y, ok2 := profile.AsFloat(other.cells[i])
		if ok1 && ok2 {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 {
		return starlark.Float(math.NaN()), nil
	}
	return starlark.Float(stat.Correlation(xs, ys, nil)), nil
}

func columnApply(thread *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackArgs(name, args, kwargs, "func", &fn); err != nil {
		return nil, err
	}
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		r, err := starlark.Call(thread, fn, starlark.Tuple{cellToStarlark(v)}, nil)
		if err != nil {
			return nil, err
		}
		out[i] = starlarkToCell(r)
	}
	return c.derive(out, c.labels), nil
}

func columnRound(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	decimals := 0
	if err := starlark.UnpackArgs(name, args, kwargs, "decimals?", &decimals); err != nil {
		return nil, err
	}
	p := math.Pow(10, float64(decimals))
	return c.mapFloats(func(f float64) float64 { return math.Round(f*p) / p }), nil
}

func columnAbs(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return c.mapFloats(math.Abs), nil
}

func columnCumsum(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	var total float64
	return c.mapFloats(func(f float64) float64 {
		total += f
		return total
	}), nil
}

func (c *Column) mapFloats(fn func(float64) float64) *Column {
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		if f, ok := profile.AsFloat(v); ok {
			out[i] = fn(f)
		}
	}
	return &Column{name: c.name, kind: profile.TypeNumber, cells: out, labels: c.labels}
}

func (c *Column) mask(pred func(v any) bool) *Column {
	out := make([]any, len(c.cells))
	for i, v := range c.cells {
		out[i] = pred(v)
	}
	return &Column{name: c.name, kind: profile.TypeBool, cells: out, labels: c.labels}
}

func columnCompare(test func(int) bool) methodFunc[*Column] {
	return func(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var other starlark.Value
		if err := starlark.UnpackArgs(name, args, kwargs, "other", &other); err != nil {
			return nil, err
		}
		want := starlarkToCell(other)
		return c.mask(func(v any) bool {
			if profile.IsNull(v) || profile.IsNull(want) {
				return false
			}
			return test(compareCells(v, want))
		}), nil
	}
}

func columnBetween(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var left, right starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "left", &left, "right", &right); err != nil {
		return nil, err
	}
	lo, hi := starlarkToCell(left), starlarkToCell(right)
	return c.mask(func(v any) bool {
		if profile.IsNull(v) {
			return false
		}
		return compareCells(v, lo) >= 0 && compareCells(v, hi) <= 0
	}), nil
}

func columnIsin(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "values", &values); err != nil {
		return nil, err
	}
	elems, err := valuesOf(values)
	if err != nil {
		return nil, err
	}
	wanted := make([]any, len(elems))
	for i, e := range elems {
		wanted[i] = starlarkToCell(e)
	}
	return c.mask(func(v any) bool {
		for _, w := range wanted {
			if cellsEqual(v, w) {
				return true
			}
		}
		return false
	}), nil
}

func columnNullMask(null bool) methodFunc[*Column] {
	return func(_ *starlark.Thread, c *Column, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		return c.mask(func(v any) bool { return profile.IsNull(v) == null }), nil
	}
}

func dtypeName(kind profile.ColumnType) string {
	switch kind {
	case profile.TypeNumber:
		return "float64"
	case profile.TypeBool:
		return "bool"
	case profile.TypeDatetime:
		return "datetime64"
	default:
		return "object"
	}
}
