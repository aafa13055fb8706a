package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"safe-analysis-sandbox/internal/profile"
)

// GroupBy is the result of DataFrame.groupby. Groups are ordered by key.
type GroupBy struct {
	df       *DataFrame
	keys     []string
	selected []string
	single   bool // selected with a plain string
	groups   []group
}

type group struct {
	key  []any
	rows []int
}

var (
	_ starlark.HasAttrs = (*GroupBy)(nil)
	_ starlark.Mapping  = (*GroupBy)(nil)
	_ starlark.Iterable = (*GroupBy)(nil)
)

func frameGroupBy(_ *starlark.Thread, df *DataFrame, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "by", &by); err != nil {
		return nil, err
	}
	keys, err := byArg(by)
	if err != nil {
		return nil, err
	}
	return newGroupBy(df, keys)
}

func newGroupBy(df *DataFrame, keys []string) (*GroupBy, error) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		j, ok := df.t.ColumnIndex(k)
		if !ok {
			return nil, keyErrorf("no column named %q; columns are %s", k, strings.Join(df.t.Columns, ", "))
		}
		idx[i] = j
	}

	byKey := make(map[string]int)
	var groups []group
	for r, row := range df.t.Rows {
		if err := df.b.poll(r); err != nil {
			return nil, err
		}
		key := make([]any, len(idx))
		parts := make([]string, len(idx))
		skip := false
		for i, j := range idx {
			if profile.IsNull(row[j]) {
				skip = true
				break
			}
			key[i] = row[j]
			parts[i] = profile.FormatCell(row[j])
		}
		if skip {
			continue
		}
		k := strings.Join(parts, "\x1f")
		g, ok := byKey[k]
		if !ok {
			g = len(groups)
			byKey[k] = g
			groups = append(groups, group{key: key})
		}
		groups[g].rows = append(groups[g].rows, r)
	}
	sort.SliceStable(groups, func(a, b int) bool {
		for i := range groups[a].key {
			if c := compareCells(groups[a].key[i], groups[b].key[i]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	return &GroupBy{df: df, keys: keys, groups: groups}, nil
}

func (g *GroupBy) String() string {
	return fmt.Sprintf("<GroupBy by=%s groups=%d>", strings.Join(g.keys, ","), len(g.groups))
}
func (g *GroupBy) Type() string         { return "GroupBy" }
func (g *GroupBy) Freeze()              {}
func (g *GroupBy) Truth() starlark.Bool { return len(g.groups) > 0 }
func (g *GroupBy) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: GroupBy")
}

// Get narrows the aggregation to one column or a list of columns.
func (g *GroupBy) Get(k starlark.Value) (starlark.Value, bool, error) {
	names, err := byArg(k)
	if err != nil {
		return nil, false, err
	}
	for _, n := range names {
		if _, ok := g.df.t.ColumnIndex(n); !ok {
			return nil, false, keyErrorf("no column named %q", n)
		}
	}
	_, single := k.(starlark.String)
	return &GroupBy{df: g.df, keys: g.keys, selected: names, single: single, groups: g.groups}, true, nil
}

// Iterate yields (key, DataFrame) pairs.
func (g *GroupBy) Iterate() starlark.Iterator {
	elems := make([]starlark.Value, len(g.groups))
	for i, gr := range g.groups {
		rows := make([][]any, len(gr.rows))
		for j, r := range gr.rows {
			rows[j] = g.df.t.Rows[r]
		}
		elems[i] = starlark.Tuple{cellToStarlark(g.label(gr)), newDataFrame(g.df.t.WithRows(rows))}
	}
	return starlark.NewList(elems).Iterate()
}

func (g *GroupBy) label(gr group) any {
	if len(gr.key) == 1 {
		return gr.key[0]
	}
	parts := make([]string, len(gr.key))
	for i, k := range gr.key {
		parts[i] = profile.FormatCell(k)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// valueColumns are the columns an aggregation applies to.
func (g *GroupBy) valueColumns(op string) []string {
	if g.selected != nil {
		return g.selected
	}
	isKey := make(map[string]bool, len(g.keys))
	for _, k := range g.keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range g.df.t.Columns {
		if isKey[c] {
			continue
		}
		if g.df.t.Types[c] == profile.TypeString && op != "count" && op != "nunique" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (g *GroupBy) reduce(thread *starlark.Thread, column, op string, gr group) (any, error) {
	m, ok := columnMethods[op]
	if !ok {
		return nil, valueErrorf("unknown aggregation %q", op)
	}
	j, _ := g.df.t.ColumnIndex(column)
	cells := make([]any, len(gr.rows))
	for i, r := range gr.rows {
		if err := g.df.b.poll(i); err != nil {
			return nil, err
		}
		cells[i] = g.df.t.Rows[r][j]
	}
	v, err := m(thread, newColumn(column, g.df.t.Types[column], cells), op, nil, nil)
	if err != nil {
		return nil, err
	}
	return starlarkToCell(v), nil
}

// aggregate evaluates ops per column. A single string selection yields a
// Column labeled by group key; anything else yields a DataFrame with the
// key columns first.
func (g *GroupBy) aggregate(thread *starlark.Thread, columns, ops []string) (starlark.Value, error) {
	if g.single && len(columns) == 1 && len(ops) == 1 {
		labels := make([]any, len(g.groups))
		cells := make([]any, len(g.groups))
		for i, gr := range g.groups {
			v, err := g.reduce(thread, columns[0], ops[0], gr)
			if err != nil {
				return nil, err
			}
			labels[i] = g.label(gr)
			cells[i] = v
		}
		return labeledColumn(columns[0], labels, cells), nil
	}

	header := append([]string(nil), g.keys...)
	for i, c := range columns {
		if len(ops) > 1 && len(columns) == len(ops) && g.hasDuplicate(columns) {
			header = append(header, c+"_"+ops[i])
		} else {
			header = append(header, c)
		}
	}
	rows := make([][]any, len(g.groups))
	for r, gr := range g.groups {
		row := append([]any(nil), gr.key...)
		for i, c := range columns {
			op := ops[0]
			if len(ops) == len(columns) {
				op = ops[i]
			}
			v, err := g.reduce(thread, c, op, gr)
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		rows[r] = row
	}
	t, err := profile.NewTable(header, rows)
	if err != nil {
		return nil, valueErrorf("aggregate: %v", err)
	}
	return newDataFrame(t), nil
}

func (g *GroupBy) hasDuplicate(columns []string) bool {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if seen[c] {
			return true
		}
		seen[c] = true
	}
	return false
}

func (g *GroupBy) Attr(name string) (starlark.Value, error) {
	switch name {
	case "ngroups":
		return starlark.MakeInt(len(g.groups)), nil
	case "size":
		return bindMethod(g, name, groupSize), nil
	case "agg", "aggregate":
		return bindMethod(g, name, groupAgg), nil
	}
	if _, ok := groupOps[name]; ok {
		return bindMethod(g, name, groupReduce), nil
	}
	return nil, nil
}

func (g *GroupBy) AttrNames() []string {
	names := []string{"agg", "aggregate", "ngroups", "size"}
	for k := range groupOps {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var groupOps = map[string]bool{
	"sum": true, "mean": true, "median": true, "min": true, "max": true,
	"std": true, "var": true, "count": true, "nunique": true,
}

func groupReduce(thread *starlark.Thread, g *GroupBy, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	return g.aggregate(thread, g.valueColumns(name), []string{name})
}

func groupSize(_ *starlark.Thread, g *GroupBy, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	labels := make([]any, len(g.groups))
	cells := make([]any, len(g.groups))
	for i, gr := range g.groups {
		labels[i] = g.label(gr)
		cells[i] = float64(len(gr.rows))
	}
	return labeledColumn("size", labels, cells), nil
}

// groupAgg accepts an operation name, a list of names applied to the
// selection, or a dict of column to operation.
func groupAgg(thread *starlark.Thread, g *GroupBy, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "func", &spec); err != nil {
		return nil, err
	}
	switch s := spec.(type) {
	case starlark.String:
		return g.aggregate(thread, g.valueColumns(string(s)), []string{string(s)})
	case *starlark.Dict:
		var columns, ops []string
		for _, item := range s.Items() {
			col, ok1 := starlark.AsString(item[0])
			op, ok2 := starlark.AsString(item[1])
			if !ok1 || !ok2 {
				return nil, typeErrorf("agg: want dict of column name to operation name")
			}
			columns = append(columns, col)
			ops = append(ops, op)
		}
		sel := &GroupBy{df: g.df, keys: g.keys, groups: g.groups}
		return sel.aggregate(thread, columns, ops)
	case *starlark.List, starlark.Tuple:
		names, err := byArg(s)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, valueErrorf("agg: no operations given")
		}
		base := g.valueColumns(names[0])
		var columns, ops []string
		for _, c := range base {
			for _, op := range names {
				columns = append(columns, c)
				ops = append(ops, op)
			}
		}
		sel := &GroupBy{df: g.df, keys: g.keys, groups: g.groups}
		return sel.aggregate(thread, columns, ops)
	}
	return nil, typeErrorf("agg: got %s, want string, list or dict", spec.Type())
}
