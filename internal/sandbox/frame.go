package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"safe-analysis-sandbox/internal/profile"
)

// DataFrame is the script-side handle on a table. It copies rows on the
// first write so the caller's table is never mutated.
type DataFrame struct {
	t      *profile.Table
	owned  bool
	frozen bool
	b      *budget
}

var (
	_ starlark.HasAttrs  = (*DataFrame)(nil)
	_ starlark.Mapping   = (*DataFrame)(nil)
	_ starlark.HasSetKey = (*DataFrame)(nil)
	_ starlark.Sequence  = (*DataFrame)(nil)
)

func newDataFrame(t *profile.Table) *DataFrame {
	return &DataFrame{t: t}
}

func (df *DataFrame) String() string {
	rows, cols := df.t.Shape()
	s := df.t.Format(previewRows)
	if rows > previewRows {
		s += fmt.Sprintf("\n\n[%d rows x %d columns]", rows, cols)
	}
	return s
}

func (df *DataFrame) Type() string         { return "DataFrame" }
func (df *DataFrame) Freeze()              { df.frozen = true }
func (df *DataFrame) Truth() starlark.Bool { return df.t.NumRows() > 0 }
func (df *DataFrame) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: DataFrame")
}

// Len is the row count; iteration yields column names.
func (df *DataFrame) Len() int { return df.t.NumRows() }

func (df *DataFrame) Iterate() starlark.Iterator {
	cells := make([]any, len(df.t.Columns))
	for i, c := range df.t.Columns {
		cells[i] = c
	}
	return &cellIterator{cells: cells}
}

func (df *DataFrame) column(name string) (*Column, error) {
	cells, ok := df.t.Column(name)
	if !ok {
		return nil, keyErrorf("no column named %q; columns are %s", name, strings.Join(df.t.Columns, ", "))
	}
	c := newColumn(name, df.t.Types[name], cells)
	c.b = df.b
	return c, nil
}

// Get selects a column by name, several columns by a list of names, or
// rows by a boolean mask.
func (df *DataFrame) Get(k starlark.Value) (starlark.Value, bool, error) {
	switch key := k.(type) {
	case starlark.String:
		c, err := df.column(string(key))
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	case *starlark.List:
		names := make([]string, key.Len())
		for i := range names {
			s, ok := starlark.AsString(key.Index(i))
			if !ok {
				return nil, false, typeErrorf("column selector: got %s, want string", key.Index(i).Type())
			}
			names[i] = s
		}
		sub, err := df.selectColumns(names)
		if err != nil {
			return nil, false, err
		}
		return sub, true, nil
	case *Column:
		if len(key.cells) != df.t.NumRows() {
			return nil, false, valueErrorf("boolean mask has %d entries, want %d", len(key.cells), df.t.NumRows())
		}
		var rows [][]any
		for i, v := range key.cells {
			if err := df.b.poll(i); err != nil {
				return nil, false, err
			}
			if truthy(v) {
				rows = append(rows, df.t.Rows[i])
			}
		}
		if err := df.b.charge(len(rows)); err != nil {
			return nil, false, err
		}
		out := newDataFrame(df.t.WithRows(rows))
		out.b = df.b
		return out, true, nil
	}
	return nil, false, typeErrorf("DataFrame index: got %s, want string, list or Column", k.Type())
}

// SetKey assigns a column from a Column, a list or a scalar.
func (df *DataFrame) SetKey(k, v starlark.Value) error {
	if df.frozen {
		return fmt.Errorf("cannot assign to frozen DataFrame")
	}
	name, ok := starlark.AsString(k)
	if !ok {
		return typeErrorf("column name: got %s, want string", k.Type())
	}
	n := df.t.NumRows()
	if err := df.b.charge(n); err != nil {
		return err
	}
	cells := make([]any, n)
	switch x := v.(type) {
	case *Column:
		if len(x.cells) != n {
			return valueErrorf("length of values (%d) does not match length of index (%d)", len(x.cells), n)
		}
		copy(cells, x.cells)
	case *starlark.List, starlark.Tuple:
		elems, err := valuesOf(x)
		if err != nil {
			return err
		}
		if len(elems) != n {
			return valueErrorf("length of values (%d) does not match length of index (%d)", len(elems), n)
		}
		for i, e := range elems {
			cells[i] = starlarkToCell(e)
		}
	default:
		fill := starlarkToCell(v)
		for i := range cells {
			cells[i] = fill
		}
	}
	if err := df.own(); err != nil {
		return err
	}
	idx, exists := df.t.ColumnIndex(name)
	if !exists {
		columns := append(append([]string(nil), df.t.Columns...), name)
		rows := make([][]any, n)
		for i, row := range df.t.Rows {
			rows[i] = append(row, cells[i])
		}
		t, err := profile.NewTable(columns, rows)
		if err != nil {
			return err
		}
		df.t = t
		return nil
	}
	for i, row := range df.t.Rows {
		row[idx] = cells[i]
	}
	df.t.Types[name] = inferKind(cells)
	return nil
}

func (df *DataFrame) own() error {
	if df.owned {
		return nil
	}
	rows, cols := df.t.Shape()
	if err := df.b.charge(rows * cols); err != nil {
		return err
	}
	copied := make([][]any, len(df.t.Rows))
	for i, row := range df.t.Rows {
		if err := df.b.poll(i); err != nil {
			return err
		}
		copied[i] = append(make([]any, 0, len(row)+1), row...)
	}
	df.t = df.t.WithRows(copied)
	df.owned = true
	return nil
}

func (df *DataFrame) selectColumns(names []string) (*DataFrame, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		j, ok := df.t.ColumnIndex(n)
		if !ok {
			return nil, keyErrorf("no column named %q; columns are %s", n, strings.Join(df.t.Columns, ", "))
		}
		idx[i] = j
	}
	if err := df.b.charge(len(df.t.Rows) * len(idx)); err != nil {
		return nil, err
	}
	rows := make([][]any, len(df.t.Rows))
	for r, row := range df.t.Rows {
		if err := df.b.poll(r); err != nil {
			return nil, err
		}
		out := make([]any, len(idx))
		for i, j := range idx {
			out[i] = row[j]
		}
		rows[r] = out
	}
	t, err := profile.NewTable(names, rows)
	if err != nil {
		return nil, valueErrorf("%v", err)
	}
	sub := newDataFrame(t)
	sub.b = df.b
	return sub, nil
}

func (df *DataFrame) records() []map[string]any {
	out := make([]map[string]any, len(df.t.Rows))
	for r, row := range df.t.Rows {
		rec := make(map[string]any, len(row))
		for i, c := range df.t.Columns {
			g, _ := toGo(cellToStarlark(row[i]))
			rec[c] = g
		}
		out[r] = rec
	}
	return out
}

func (df *DataFrame) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		return stringList(df.t.Columns), nil
	case "shape":
		rows, cols := df.t.Shape()
		return starlark.Tuple{starlark.MakeInt(rows), starlark.MakeInt(cols)}, nil
	case "dtypes":
		labels := make([]any, len(df.t.Columns))
		cells := make([]any, len(df.t.Columns))
		for i, c := range df.t.Columns {
			labels[i] = c
			cells[i] = dtypeName(df.t.Types[c])
		}
		return labeledColumn("dtypes", labels, cells), nil
	case "empty":
		return starlark.Bool(df.t.NumRows() == 0), nil
	case "size":
		rows, cols := df.t.Shape()
		return starlark.MakeInt(rows * cols), nil
	case "index":
		cells := make([]any, df.t.NumRows())
		for i := range cells {
			cells[i] = i
		}
		return cellList(cells), nil
	}
	if m, ok := frameMethods[name]; ok {
		return bindMethod(df, name, m), nil
	}
	if _, ok := df.t.ColumnIndex(name); ok {
		return df.column(name)
	}
	return nil, nil
}

func (df *DataFrame) AttrNames() []string {
	names := []string{"columns", "dtypes", "empty", "index", "shape", "size"}
	for k := range frameMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var frameMethods map[string]methodFunc[*DataFrame]

func init() {
	frameMethods = map[string]methodFunc[*DataFrame]{
		"head":          frameHead,
		"tail":          frameTail,
		"describe":      frameDescribe,
		"info":          frameInfo,
		"to_dict":       frameToDict,
		"sort_values":   frameSortValues,
		"groupby":       frameGroupBy,
		"corr":          frameCorr,
		"isnull":        frameNullMask,
		"isna":          frameNullMask,
		"sum":           frameReduce("sum"),
		"mean":          frameReduce("mean"),
		"median":        frameReduce("median"),
		"min":           frameReduce("min"),
		"max":           frameReduce("max"),
		"std":           frameReduce("std"),
		"count":         frameReduce("count"),
		"nunique":       frameReduce("nunique"),
		"select_dtypes": frameSelectDtypes,
		"dropna":        frameDropna,
		"drop":          frameDrop,
		"rename":        frameRename,
		"copy":          frameCopy,
		"iterrows":      frameIterrows,
		"nlargest":      frameNth(false),
		"nsmallest":     frameNth(true),
		"duplicated":    frameDuplicated,
	}
}

func frameHead(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := headArg(name, args, kwargs)
	if err != nil {
		return nil, err
	}
	return newDataFrame(df.t.Head(n)), nil
}

func frameTail(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := headArg(name, args, kwargs)
	if err != nil {
		return nil, err
	}
	return newDataFrame(df.t.Tail(n)), nil
}

// frameDescribe summarizes numeric columns, or every column when the
// table has none.
func frameDescribe(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	cols := df.t.NumericColumns()
	if len(cols) == 0 {
		cols = df.t.Columns
	}
	if len(cols) == 0 {
		return nil, valueErrorf("describe: table has no columns")
	}
	summaries := make([]*Column, len(cols))
	for i, c := range cols {
		col, _ := df.column(c)
		summaries[i] = describeColumn(col)
	}
	stats := summaries[0].labels
	columns := append([]string{""}, cols...)
	rows := make([][]any, len(stats))
	for r, s := range stats {
		row := make([]any, len(columns))
		row[0] = s
		for i, sum := range summaries {
			if r < len(sum.cells) {
				row[i+1] = sum.cells[r]
			}
		}
		rows[r] = row
	}
	columns[0] = "statistic"
	t, err := profile.NewTable(columns, rows)
	if err != nil {
		return nil, valueErrorf("describe: %v", err)
	}
	return newDataFrame(t), nil
}

func frameInfo(thread *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	rows, cols := df.t.Shape()
	var b strings.Builder
	fmt.Fprintf(&b, "DataFrame: %d entries, %d columns\n", rows, cols)
	for i, c := range df.t.Columns {
		cells, _ := df.t.Column(c)
		nonNull := 0
		for _, v := range cells {
			if !profile.IsNull(v) {
				nonNull++
			}
		}
		fmt.Fprintf(&b, " %d  %s  %d non-null  %s\n", i, c, nonNull, dtypeName(df.t.Types[c]))
	}
	if thread.Print != nil {
		thread.Print(thread, strings.TrimRight(b.String(), "\n"))
	}
	return starlark.None, nil
}

func frameToDict(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	orient := "dict"
	if err := starlark.UnpackArgs(name, args, kwargs, "orient?", &orient); err != nil {
		return nil, err
	}
	switch orient {
	case "records":
		recs := df.records()
		elems := make([]starlark.Value, len(recs))
		for i, r := range recs {
			sv, err := toStarlark(r)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case "list", "dict":
		d := starlark.NewDict(len(df.t.Columns))
		for _, c := range df.t.Columns {
			col, _ := df.column(c)
			var v starlark.Value = col.list()
			if orient == "dict" {
				var err error
				if v, err = columnToDict(nil, col, name, nil, nil); err != nil {
					return nil, err
				}
			}
			if err := d.SetKey(starlark.String(c), v); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, valueErrorf("to_dict: unsupported orient %q", orient)
}

// byArg accepts a column name or a list of names.
func byArg(v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	elems, err := valuesOf(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(elems))
	for i, e := range elems {
		s, ok := starlark.AsString(e)
		if !ok {
			return nil, typeErrorf("by: got %s, want string", e.Type())
		}
		out[i] = s
	}
	return out, nil
}

func frameSortValues(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	ascending := true
	if err := starlark.UnpackArgs(name, args, kwargs, "by", &by, "ascending?", &ascending); err != nil {
		return nil, err
	}
	keys, err := byArg(by)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(keys))
	for i, k := range keys {
		j, ok := df.t.ColumnIndex(k)
		if !ok {
			return nil, keyErrorf("no column named %q", k)
		}
		idx[i] = j
	}
	rows := append([][]any(nil), df.t.Rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		for _, j := range idx {
			if cellsEqual(rows[a][j], rows[b][j]) {
				continue
			}
			return lessCells(rows[a][j], rows[b][j], ascending)
		}
		return false
	})
	return newDataFrame(df.t.WithRows(rows)), nil
}

func frameCorr(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	cols := df.t.NumericColumns()
	rows := make([][]any, len(cols))
	for i, a := range cols {
		row := make([]any, len(cols)+1)
		row[0] = a
		for j, b := range cols {
			if i == j {
				row[j+1] = 1.0
				continue
			}
			row[j+1] = profile.Correlation(df.t, a, b)
		}
		rows[i] = row
	}
	t, err := profile.NewTable(append([]string{"column"}, cols...), rows)
	if err != nil {
		return nil, valueErrorf("corr: %v", err)
	}
	return newDataFrame(t), nil
}

func frameNullMask(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	rows := make([][]any, len(df.t.Rows))
	for r, row := range df.t.Rows {
		out := make([]any, len(row))
		for i, v := range row {
			out[i] = profile.IsNull(v)
		}
		rows[r] = out
	}
	t, err := profile.NewTable(df.t.Columns, rows)
	if err != nil {
		return nil, err
	}
	return newDataFrame(t), nil
}

// frameReduce applies a column reduction to every applicable column and
// returns the results labeled by column name.
func frameReduce(op string) methodFunc[*DataFrame] {
	return func(thread *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		m := columnMethods[op]
		var labels, cells []any
		for _, c := range df.t.Columns {
			col, _ := df.column(c)
			if col.kind == profile.TypeString && op != "count" && op != "nunique" {
				continue
			}
			v, err := m(thread, col, op, nil, nil)
			if err != nil {
				return nil, err
			}
			labels = append(labels, c)
			cells = append(cells, starlarkToCell(v))
		}
		return labeledColumn(op, labels, cells), nil
	}
}

func frameSelectDtypes(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var include starlark.Value = starlark.String("number")
	if err := starlark.UnpackArgs(name, args, kwargs, "include?", &include); err != nil {
		return nil, err
	}
	kinds, err := byArg(include)
	if err != nil {
		return nil, err
	}
	want := make(map[profile.ColumnType]bool)
	for _, k := range kinds {
		switch k {
		case "number", "float", "float64", "int", "int64", "numeric":
			want[profile.TypeNumber] = true
		case "object", "string", "str", "category":
			want[profile.TypeString] = true
		case "bool":
			want[profile.TypeBool] = true
		case "datetime", "datetime64":
			want[profile.TypeDatetime] = true
		default:
			return nil, valueErrorf("select_dtypes: unknown dtype %q", k)
		}
	}
	var names []string
	for _, c := range df.t.Columns {
		if want[df.t.Types[c]] {
			names = append(names, c)
		}
	}
	if len(names) == 0 {
		return newDataFrame(&profile.Table{Types: map[string]profile.ColumnType{}}), nil
	}
	return df.selectColumns(names)
}

func frameDropna(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var subset starlark.Value = starlark.None
	if err := starlark.UnpackArgs(name, args, kwargs, "subset?", &subset); err != nil {
		return nil, err
	}
	idx := positions(0, len(df.t.Columns))
	if subset != starlark.None {
		names, err := byArg(subset)
		if err != nil {
			return nil, err
		}
		idx = idx[:0]
		for _, n := range names {
			j, ok := df.t.ColumnIndex(n)
			if !ok {
				return nil, keyErrorf("no column named %q", n)
			}
			idx = append(idx, j)
		}
	}
	var rows [][]any
	for _, row := range df.t.Rows {
		keep := true
		for _, j := range idx {
			if profile.IsNull(row[j]) {
				keep = false
				break
			}
		}
		if keep {
			rows = append(rows, row)
		}
	}
	return newDataFrame(df.t.WithRows(rows)), nil
}

func frameDrop(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var columns starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "columns", &columns); err != nil {
		return nil, err
	}
	drop, err := byArg(columns)
	if err != nil {
		return nil, err
	}
	dropped := make(map[string]bool, len(drop))
	for _, d := range drop {
		if _, ok := df.t.ColumnIndex(d); !ok {
			return nil, keyErrorf("no column named %q", d)
		}
		dropped[d] = true
	}
	var keep []string
	for _, c := range df.t.Columns {
		if !dropped[c] {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		return newDataFrame(&profile.Table{Types: map[string]profile.ColumnType{}}), nil
	}
	return df.selectColumns(keep)
}

func frameRename(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var mapping *starlark.Dict
	if err := starlark.UnpackArgs(name, args, kwargs, "columns", &mapping); err != nil {
		return nil, err
	}
	columns := append([]string(nil), df.t.Columns...)
	for i, c := range columns {
		v, found, err := mapping.Get(starlark.String(c))
		if err != nil {
			return nil, err
		}
		if found {
			s, ok := starlark.AsString(v)
			if !ok {
				return nil, typeErrorf("rename: got %s, want string", v.Type())
			}
			columns[i] = s
		}
	}
	t, err := profile.NewTable(columns, df.t.Rows)
	if err != nil {
		return nil, valueErrorf("rename: %v", err)
	}
	return newDataFrame(t), nil
}

func frameCopy(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	out := newDataFrame(df.t)
	if err := out.own(); err != nil {
		return nil, err
	}
	return out, nil
}

func frameIterrows(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	rows, cols := df.t.Shape()
	if err := df.b.charge(rows * cols * 2); err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(df.t.Rows))
	for r, row := range df.t.Rows {
		if err := df.b.poll(r); err != nil {
			return nil, err
		}
		d := starlark.NewDict(len(row))
		for i, c := range df.t.Columns {
			if err := d.SetKey(starlark.String(c), cellToStarlark(row[i])); err != nil {
				return nil, err
			}
		}
		elems[r] = starlark.Tuple{starlark.MakeInt(r), d}
	}
	return starlark.NewList(elems), nil
}

func frameNth(smallest bool) methodFunc[*DataFrame] {
	return func(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		var column string
		if err := starlark.UnpackArgs(name, args, kwargs, "n", &n, "columns", &column); err != nil {
			return nil, err
		}
		j, ok := df.t.ColumnIndex(column)
		if !ok {
			return nil, keyErrorf("no column named %q", column)
		}
		rows := append([][]any(nil), df.t.Rows...)
		sort.SliceStable(rows, func(a, b int) bool {
			return lessCells(rows[a][j], rows[b][j], smallest)
		})
		if n < 0 {
			n = 0
		}
		if n > len(rows) {
			n = len(rows)
		}
		return newDataFrame(df.t.WithRows(rows[:n])), nil
	}
}

func frameDuplicated(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(df.t.Rows))
	out := make([]any, len(df.t.Rows))
	for r, row := range df.t.Rows {
		if err := df.b.poll(r); err != nil {
			return nil, err
		}
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = profile.FormatCell(v)
		}
		key := strings.Join(parts, "\x1f")
		out[r] = seen[key]
		seen[key] = true
	}
	return &Column{name: "duplicated", kind: profile.TypeBool, cells: out}, nil
}
