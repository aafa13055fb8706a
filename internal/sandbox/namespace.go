package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"safe-analysis-sandbox/internal/profile"
)

// moduleRegistry resolves load() targets. Dotted names are also reachable
// through their root so both "import plotly.express" and
// "from plotly import express" work after translation.
type moduleRegistry map[string]*starlarkstruct.Module

func newModuleRegistry() moduleRegistry {
	express := expressModule()
	objects := graphObjectsModule()
	reg := moduleRegistry{
		"plotly.express":       express,
		"plotly.graph_objects": objects,
		"plot":                 express,
		"stats":                statsModule("stats"),
		"numpy":                statsModule("numpy"),
		"statistics":           statsModule("statistics"),
		"pandas":               pandasModule(),
		"math":                 starmath.Module,
		"json":                 starjson.Module,
		"time":                 startime.Module,
	}
	reg["plotly"] = &starlarkstruct.Module{
		Name: "plotly",
		Members: starlark.StringDict{
			"express":       express,
			"graph_objects": objects,
		},
	}
	return reg
}

// Names lists the loadable module names.
func (r moduleRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// load returns the module's members plus bindings for the module itself
// under its full name and its root name.
func (r moduleRegistry) load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	m, ok := r[module]
	if !ok {
		return nil, fmt.Errorf("no module named %q", module)
	}
	out := make(starlark.StringDict, len(m.Members)+2)
	for k, v := range m.Members {
		out[k] = v
	}
	out[module] = m
	root, _, _ := strings.Cut(module, ".")
	if rm, ok := r[root]; ok {
		out[root] = rm
	}
	return out, nil
}

// predeclared builds the global environment a script starts with.
func predeclared(reg moduleRegistry, binding string, df *DataFrame) starlark.StringDict {
	env := starlark.StringDict{
		"charts": starlark.NewList(nil),
		"sum":    starlark.NewBuiltin("sum", builtinSum),
		"round":  starlark.NewBuiltin("round", builtinRound),
		"warn":   starlark.NewBuiltin("warn", builtinWarn),
		"pd":     reg["pandas"],
		"np":     reg["numpy"],
		"px":     reg["plotly.express"],
		"go":     reg["plotly.graph_objects"],
		"plot":   reg["plot"],
		"stats":  reg["stats"],
		"math":   reg["math"],
		"json":   reg["json"],
	}
	if df != nil {
		env[binding] = df
	}
	return env
}

func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	it := iterable.Iterate()
	defer it.Done()
	acc := start
	var x starlark.Value
	for it.Next(&x) {
		if x == starlark.None {
			continue
		}
		next, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, err
		}
		acc = next
	}
	return acc, nil
}

func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x numberArg
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	if ndigits == starlark.None {
		if math.IsNaN(x.f) || math.IsInf(x.f, 0) {
			return nil, valueErrorf("cannot convert float %v to integer", x.f)
		}
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(x.f)))
	}
	n, err := starlark.AsInt32(ndigits)
	if err != nil {
		return nil, typeErrorf("round: ndigits: got %s, want int", ndigits.Type())
	}
	p := math.Pow(10, float64(n))
	return starlark.Float(math.Round(x.f*p) / p), nil
}

func builtinWarn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts[i] = s
		} else {
			parts[i] = a.String()
		}
	}
	if c := captureOf(thread); c != nil {
		fmt.Fprintln(&c.stderr, strings.Join(parts, " "))
	}
	return starlark.None, nil
}

func pandasModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "pandas",
		Members: starlark.StringDict{
			"DataFrame":  starlark.NewBuiltin("DataFrame", charged(pandasDataFrame)),
			"Series":     starlark.NewBuiltin("Series", charged(pandasSeries)),
			"isna":       starlark.NewBuiltin("isna", pandasIsNull(true)),
			"isnull":     starlark.NewBuiltin("isnull", pandasIsNull(true)),
			"notna":      starlark.NewBuiltin("notna", pandasIsNull(false)),
			"notnull":    starlark.NewBuiltin("notnull", pandasIsNull(false)),
			"to_numeric": starlark.NewBuiltin("to_numeric", pandasToNumeric),
		},
	}
}

// pandasDataFrame accepts a dict of columns, a list of dict records, or a
// list of rows with explicit columns.
func pandasDataFrame(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, columns starlark.Value = starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data, "columns?", &columns); err != nil {
		return nil, err
	}
	var names []string
	var rows [][]any

	switch d := data.(type) {
	case *DataFrame:
		out := newDataFrame(d.t)
		if err := out.own(); err != nil {
			return nil, err
		}
		return out, nil
	case *starlark.Dict:
		n := -1
		var cols [][]any
		for _, item := range d.Items() {
			name, ok := starlark.AsString(item[0])
			if !ok {
				return nil, typeErrorf("DataFrame: column name: got %s, want string", item[0].Type())
			}
			elems, err := valuesOf(item[1])
			if err != nil {
				return nil, err
			}
			if n >= 0 && len(elems) != n {
				return nil, valueErrorf("DataFrame: all arrays must be of the same length")
			}
			n = len(elems)
			cells := make([]any, len(elems))
			for i, e := range elems {
				cells[i] = starlarkToCell(e)
			}
			names = append(names, name)
			cols = append(cols, cells)
		}
		for r := 0; r < n; r++ {
			row := make([]any, len(cols))
			for c := range cols {
				row[c] = cols[c][r]
			}
			rows = append(rows, row)
		}
	case starlark.NoneType:
	default:
		elems, err := valuesOf(d)
		if err != nil {
			return nil, err
		}
		if columns != starlark.None {
			if names, err = byArg(columns); err != nil {
				return nil, err
			}
		}
		index := make(map[string]int)
		for _, n := range names {
			index[n] = len(index)
		}
		for _, e := range elems {
			switch rec := e.(type) {
			case *starlark.Dict:
				row := make([]any, len(names), len(names)+rec.Len())
				for _, item := range rec.Items() {
					k, _ := starlark.AsString(item[0])
					i, ok := index[k]
					if !ok {
						i = len(names)
						index[k] = i
						names = append(names, k)
						row = append(row, nil)
					}
					row[i] = starlarkToCell(item[1])
				}
				rows = append(rows, row)
			default:
				vals, err := valuesOf(rec)
				if err != nil {
					return nil, err
				}
				row := make([]any, len(vals))
				for i, v := range vals {
					row[i] = starlarkToCell(v)
				}
				rows = append(rows, row)
			}
		}
		for i := range rows {
			for len(rows[i]) < len(names) {
				rows[i] = append(rows[i], nil)
			}
		}
	}
	if len(names) == 0 {
		return newDataFrame(&profile.Table{Types: map[string]profile.ColumnType{}}), nil
	}
	t, err := profile.NewTable(names, rows)
	if err != nil {
		return nil, valueErrorf("DataFrame: %v", err)
	}
	return newDataFrame(t), nil
}

func pandasSeries(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	name := ""
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data, "name?", &name); err != nil {
		return nil, err
	}
	if d, ok := data.(*starlark.Dict); ok {
		labels := make([]any, 0, d.Len())
		cells := make([]any, 0, d.Len())
		for _, item := range d.Items() {
			labels = append(labels, starlarkToCell(item[0]))
			cells = append(cells, starlarkToCell(item[1]))
		}
		return labeledColumn(name, labels, cells), nil
	}
	elems, err := valuesOf(data)
	if err != nil {
		return nil, err
	}
	cells := make([]any, len(elems))
	for i, e := range elems {
		cells[i] = starlarkToCell(e)
	}
	return newColumn(name, inferKind(cells), cells), nil
}

func pandasIsNull(null bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "obj", &v); err != nil {
			return nil, err
		}
		if c, ok := v.(*Column); ok {
			return c.mask(func(x any) bool { return profile.IsNull(x) == null }), nil
		}
		isNull := v == starlark.None
		if f, ok := v.(starlark.Float); ok && math.IsNaN(float64(f)) {
			isNull = true
		}
		return starlark.Bool(isNull == null), nil
	}
}

func pandasToNumeric(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	errorsMode := "raise"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "arg", &v, "errors?", &errorsMode); err != nil {
		return nil, err
	}
	convert := func(x any) (any, error) {
		switch c := x.(type) {
		case nil, float64:
			return c, nil
		case bool:
			if c {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			trimmed := strings.TrimSpace(c)
			if trimmed == "" {
				return nil, nil
			}
			if f, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64); err == nil {
				return f, nil
			}
			if errorsMode == "coerce" {
				return nil, nil
			}
			return nil, valueErrorf("unable to parse string %q", c)
		}
		return nil, valueErrorf("unable to convert %v", x)
	}
	var cells []any
	name := ""
	if c, ok := v.(*Column); ok {
		cells, name = c.cells, c.name
	} else if _, isStr := v.(starlark.String); isStr {
		out, err := convert(starlarkToCell(v))
		if err != nil {
			return nil, err
		}
		return cellToStarlark(out), nil
	} else {
		elems, err := valuesOf(v)
		if err != nil {
			return nil, err
		}
		for _, e := range elems {
			cells = append(cells, starlarkToCell(e))
		}
	}
	out := make([]any, len(cells))
	for i, x := range cells {
		conv, err := convert(x)
		if err != nil {
			return nil, err
		}
		out[i] = conv
	}
	return newColumn(name, profile.TypeNumber, out), nil
}
