package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"safe-analysis-sandbox/internal/profile"
)

// Figure is a chart description in the {"data": [...], "layout": {...}}
// shape that plotly-compatible front ends render.
type Figure struct {
	data   []map[string]any
	layout map[string]any
	frozen bool
}

var _ starlark.HasAttrs = (*Figure)(nil)

func newFigure(thread *starlark.Thread) *Figure {
	recordFigure(thread)
	return &Figure{layout: map[string]any{}}
}

func (f *Figure) String() string {
	return fmt.Sprintf("Figure(traces=%d)", len(f.data))
}
func (f *Figure) Type() string         { return "Figure" }
func (f *Figure) Freeze()              { f.frozen = true }
func (f *Figure) Truth() starlark.Bool { return true }
func (f *Figure) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: Figure")
}

func (f *Figure) toMap() (map[string]any, error) {
	data := make([]any, len(f.data))
	for i, d := range f.data {
		data[i] = d
	}
	return map[string]any{"data": data, "layout": f.layout}, nil
}

func (f *Figure) json() (string, error) {
	m, _ := f.toMap()
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f *Figure) Attr(name string) (starlark.Value, error) {
	switch name {
	case "data":
		data := make([]any, len(f.data))
		for i, d := range f.data {
			data[i] = d
		}
		return toStarlark(normalizeJSON(data))
	case "layout":
		return toStarlark(normalizeJSON(f.layout))
	}
	if m, ok := figureMethods[name]; ok {
		return bindMethod(f, name, m), nil
	}
	return nil, nil
}

func (f *Figure) AttrNames() []string {
	names := []string{"data", "layout"}
	for k := range figureMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var figureMethods = map[string]methodFunc[*Figure]{
	"to_json":       figureToJSON,
	"to_dict":       figureToDict,
	"update_layout": figureUpdateLayout,
	"update_traces": figureUpdateTraces,
	"add_trace":     figureAddTrace,
	"show":          figureShow,
}

func figureToJSON(_ *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	s, err := f.json()
	if err != nil {
		return nil, valueErrorf("to_json: %v", err)
	}
	return starlark.String(s), nil
}

func figureToDict(_ *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
		return nil, err
	}
	m, _ := f.toMap()
	return toStarlark(normalizeJSON(m))
}

// normalizeJSON turns typed slices and maps into the []any / map[string]any
// shapes toStarlark understands.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// nestedKeys are the layout and trace properties that accept the
// underscore shorthand, e.g. title_text -> title.text.
var nestedKeys = map[string]bool{
	"title": true, "xaxis": true, "yaxis": true, "legend": true,
	"font": true, "marker": true, "line": true, "margin": true,
}

func mergeProps(dst map[string]any, kwargs []starlark.Tuple) error {
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val, err := toGo(kv[1])
		if err != nil {
			return typeErrorf("%s: %v", key, err)
		}
		if prefix, rest, ok := strings.Cut(key, "_"); ok && nestedKeys[prefix] {
			sub, _ := dst[prefix].(map[string]any)
			if sub == nil {
				sub = map[string]any{}
				if s, isStr := dst[prefix].(string); isStr {
					sub["text"] = s
				}
			}
			sub[rest] = val
			dst[prefix] = sub
			continue
		}
		if key == "title" {
			if s, isStr := val.(string); isStr {
				val = map[string]any{"text": s}
			}
		}
		dst[key] = val
	}
	return nil
}

func figureUpdateLayout(_ *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		d, ok := args[0].(*starlark.Dict)
		if !ok {
			return nil, typeErrorf("update_layout: got %s, want dict", args[0].Type())
		}
		for _, item := range d.Items() {
			kwargs = append(kwargs, starlark.Tuple{item[0], item[1]})
		}
	}
	if err := mergeProps(f.layout, kwargs); err != nil {
		return nil, err
	}
	return f, nil
}

func figureUpdateTraces(_ *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: unexpected positional arguments", name)
	}
	for _, d := range f.data {
		if err := mergeProps(d, kwargs); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func figureAddTrace(_ *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var trace starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "trace", &trace); err != nil {
		return nil, err
	}
	m, err := traceMap(trace)
	if err != nil {
		return nil, err
	}
	f.data = append(f.data, m)
	return f, nil
}

func figureShow(thread *starlark.Thread, f *Figure, name string, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if c := captureOf(thread); c != nil {
		c.warn("fig.show() has no display here; append fig.to_json() to charts instead")
	}
	return starlark.None, nil
}

func traceMap(v starlark.Value) (map[string]any, error) {
	g, err := toGo(v)
	if err != nil {
		return nil, typeErrorf("trace: %v", err)
	}
	m, ok := g.(map[string]any)
	if !ok {
		return nil, typeErrorf("trace: got %s, want dict", v.Type())
	}
	return m, nil
}

// expressArgs is the subset of express keyword arguments the chart
// builders understand. Unknown keywords are ignored.
type expressArgs struct {
	frame   *DataFrame
	x, y    starlark.Value
	color   string
	names   starlark.Value
	values  starlark.Value
	title   string
	nbins   int
	orient  string
	labels  map[string]any
	layout  map[string]any
	markers bool
}

func parseExpressArgs(args starlark.Tuple, kwargs []starlark.Tuple) (*expressArgs, error) {
	a := &expressArgs{layout: map[string]any{}}
	set := func(key string, v starlark.Value) error {
		switch key {
		case "data_frame":
			if v == starlark.None {
				return nil
			}
			df, ok := v.(*DataFrame)
			if !ok {
				return typeErrorf("data_frame: got %s, want DataFrame", v.Type())
			}
			a.frame = df
		case "x":
			a.x = v
		case "y":
			a.y = v
		case "names":
			a.names = v
		case "values":
			a.values = v
		case "color":
			a.color, _ = starlark.AsString(v)
		case "title":
			a.title, _ = starlark.AsString(v)
		case "orientation":
			a.orient, _ = starlark.AsString(v)
		case "nbins":
			n, err := starlark.AsInt32(v)
			if err != nil {
				return typeErrorf("nbins: got %s, want int", v.Type())
			}
			a.nbins = n
		case "markers":
			a.markers = bool(v.Truth())
		case "labels":
			g, err := toGo(v)
			if err != nil {
				return err
			}
			a.labels, _ = g.(map[string]any)
		case "height", "width", "template", "barmode":
			g, err := toGo(v)
			if err != nil {
				return err
			}
			a.layout[key] = g
		}
		return nil
	}
	positional := []string{"data_frame", "x", "y"}
	if len(args) > len(positional) {
		return nil, fmt.Errorf("got %d positional arguments, want at most %d", len(args), len(positional))
	}
	for i, v := range args {
		if err := set(positional[i], v); err != nil {
			return nil, err
		}
	}
	for _, kv := range kwargs {
		if err := set(string(kv[0].(starlark.String)), kv[1]); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// series resolves x/y style arguments: a column name of the frame, a
// Column, or a list of values.
func (a *expressArgs) series(v starlark.Value) ([]any, string, error) {
	if v == nil || v == starlark.None {
		return nil, "", nil
	}
	if s, ok := v.(starlark.String); ok {
		if a.frame == nil {
			return nil, "", valueErrorf("column %q given without data_frame", string(s))
		}
		cells, ok := a.frame.t.Column(string(s))
		if !ok {
			return nil, "", keyErrorf("no column named %q; columns are %s", string(s), strings.Join(a.frame.t.Columns, ", "))
		}
		return cells, string(s), nil
	}
	if c, ok := v.(*Column); ok {
		return c.cells, c.name, nil
	}
	elems, err := valuesOf(v)
	if err != nil {
		return nil, "", err
	}
	cells := make([]any, len(elems))
	for i, e := range elems {
		cells[i] = starlarkToCell(e)
	}
	return cells, "", nil
}

func (a *expressArgs) axisTitle(name string) string {
	if l, ok := a.labels[name].(string); ok {
		return l
	}
	return name
}

func goCells(cells []any) []any {
	out := make([]any, len(cells))
	for i, v := range cells {
		out[i], _ = toGo(cellToStarlark(v))
	}
	return out
}

// buildXY creates one trace, or one per distinct color value.
func (a *expressArgs) buildXY(thread *starlark.Thread, base map[string]any, xs, ys []any, xName, yName string) (*Figure, error) {
	fig := newFigure(thread)
	if a.color == "" {
		t := cloneProps(base)
		if xs != nil {
			t["x"] = goCells(xs)
		}
		if ys != nil {
			t["y"] = goCells(ys)
		}
		fig.data = append(fig.data, t)
	} else {
		if a.frame == nil {
			return nil, valueErrorf("color %q given without data_frame", a.color)
		}
		groups, ok := a.frame.t.Column(a.color)
		if !ok {
			return nil, keyErrorf("no column named %q", a.color)
		}
		for _, g := range distinct(groups) {
			t := cloneProps(base)
			t["name"] = profile.FormatCell(g)
			var gx, gy []any
			for i, v := range groups {
				if !cellsEqual(v, g) {
					continue
				}
				if xs != nil {
					gx = append(gx, xs[i])
				}
				if ys != nil {
					gy = append(gy, ys[i])
				}
			}
			if xs != nil {
				t["x"] = goCells(gx)
			}
			if ys != nil {
				t["y"] = goCells(gy)
			}
			fig.data = append(fig.data, t)
		}
	}
	a.applyLayout(fig, xName, yName)
	return fig, nil
}

func (a *expressArgs) applyLayout(fig *Figure, xName, yName string) {
	if a.title != "" {
		fig.layout["title"] = map[string]any{"text": a.title}
	}
	if xName != "" {
		fig.layout["xaxis"] = map[string]any{"title": map[string]any{"text": a.axisTitle(xName)}}
	}
	if yName != "" {
		fig.layout["yaxis"] = map[string]any{"title": map[string]any{"text": a.axisTitle(yName)}}
	}
	for k, v := range a.layout {
		fig.layout[k] = v
	}
}

func cloneProps(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

type expressBuilder func(thread *starlark.Thread, a *expressArgs) (*Figure, error)

func expressFunc(name string, build expressBuilder) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		a, err := parseExpressArgs(args, kwargs)
		if err != nil {
			return nil, err
		}
		return build(thread, a)
	})
}

func expressBar(thread *starlark.Thread, a *expressArgs) (*Figure, error) {
	xs, xName, err := a.series(a.x)
	if err != nil {
		return nil, err
	}
	ys, yName, err := a.series(a.y)
	if err != nil {
		return nil, err
	}
	if ys == nil && xs != nil && a.color == "" {
		vcs := profile.ValueCounts(xs)
		xs, ys = make([]any, len(vcs)), make([]any, len(vcs))
		for i, vc := range vcs {
			xs[i], ys[i] = vc.Value, float64(vc.Count)
		}
		yName = "count"
	}
	base := map[string]any{"type": "bar"}
	if a.orient == "h" {
		base["orientation"] = "h"
	}
	return a.buildXY(thread, base, xs, ys, xName, yName)
}

func expressScatter(mode string) expressBuilder {
	return func(thread *starlark.Thread, a *expressArgs) (*Figure, error) {
		xs, xName, err := a.series(a.x)
		if err != nil {
			return nil, err
		}
		ys, yName, err := a.series(a.y)
		if err != nil {
			return nil, err
		}
		m := mode
		if m == "lines" && a.markers {
			m = "lines+markers"
		}
		return a.buildXY(thread, map[string]any{"type": "scatter", "mode": m}, xs, ys, xName, yName)
	}
}

func expressHistogram(thread *starlark.Thread, a *expressArgs) (*Figure, error) {
	xs, xName, err := a.series(a.x)
	if err != nil {
		return nil, err
	}
	base := map[string]any{"type": "histogram"}
	if a.nbins > 0 {
		base["nbinsx"] = a.nbins
	}
	return a.buildXY(thread, base, xs, nil, xName, "count")
}

func expressBox(thread *starlark.Thread, a *expressArgs) (*Figure, error) {
	xs, xName, err := a.series(a.x)
	if err != nil {
		return nil, err
	}
	ys, yName, err := a.series(a.y)
	if err != nil {
		return nil, err
	}
	return a.buildXY(thread, map[string]any{"type": "box"}, xs, ys, xName, yName)
}

func expressPie(thread *starlark.Thread, a *expressArgs) (*Figure, error) {
	names, _, err := a.series(a.names)
	if err != nil {
		return nil, err
	}
	values, _, err := a.series(a.values)
	if err != nil {
		return nil, err
	}
	if values == nil && names != nil {
		vcs := profile.ValueCounts(names)
		names, values = make([]any, len(vcs)), make([]any, len(vcs))
		for i, vc := range vcs {
			names[i], values[i] = vc.Value, float64(vc.Count)
		}
	}
	fig := newFigure(thread)
	fig.data = append(fig.data, map[string]any{
		"type":   "pie",
		"labels": goCells(names),
		"values": goCells(values),
	})
	a.applyLayout(fig, "", "")
	return fig, nil
}

// traceConstructor returns a dict trace of the given type, the way
// graph-object constructors do.
func traceConstructor(name, kind string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s: unexpected positional arguments", b.Name())
		}
		props := map[string]any{"type": kind}
		if err := mergeProps(props, kwargs); err != nil {
			return nil, err
		}
		return toStarlark(normalizeJSON(props))
	})
}

func graphFigure(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, layout starlark.Value = starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data, "layout?", &layout); err != nil {
		return nil, err
	}
	fig := newFigure(thread)
	switch d := data.(type) {
	case starlark.NoneType:
	case *starlark.Dict:
		m, err := traceMap(d)
		if err != nil {
			return nil, err
		}
		fig.data = append(fig.data, m)
	default:
		elems, err := valuesOf(d)
		if err != nil {
			return nil, err
		}
		for _, e := range elems {
			m, err := traceMap(e)
			if err != nil {
				return nil, err
			}
			fig.data = append(fig.data, m)
		}
	}
	if layout != starlark.None {
		g, err := toGo(layout)
		if err != nil {
			return nil, err
		}
		m, ok := g.(map[string]any)
		if !ok {
			return nil, typeErrorf("layout: got %s, want dict", layout.Type())
		}
		fig.layout = m
	}
	return fig, nil
}

func expressModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plotly.express",
		Members: starlark.StringDict{
			"bar":       expressFunc("bar", expressBar),
			"line":      expressFunc("line", expressScatter("lines")),
			"scatter":   expressFunc("scatter", expressScatter("markers")),
			"histogram": expressFunc("histogram", expressHistogram),
			"box":       expressFunc("box", expressBox),
			"pie":       expressFunc("pie", expressPie),
		},
	}
}

func graphObjectsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plotly.graph_objects",
		Members: starlark.StringDict{
			"Figure":    starlark.NewBuiltin("Figure", graphFigure),
			"Bar":       traceConstructor("Bar", "bar"),
			"Scatter":   traceConstructor("Scatter", "scatter"),
			"Pie":       traceConstructor("Pie", "pie"),
			"Histogram": traceConstructor("Histogram", "histogram"),
			"Box":       traceConstructor("Box", "box"),
			"Heatmap":   traceConstructor("Heatmap", "heatmap"),
		},
	}
}
