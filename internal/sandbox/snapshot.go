package sandbox

import (
	"encoding/json"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// snapshot lists the script's top-level variables, leaving out modules,
// callables, the data binding, the chart list and private names.
func snapshot(globals starlark.StringDict, binding string) []Variable {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)

	var vars []Variable
	for _, name := range names {
		if name == binding || name == "charts" || strings.HasPrefix(name, "_") {
			continue
		}
		v := globals[name]
		switch v.(type) {
		case *starlarkstruct.Module, starlark.Callable:
			continue
		}
		text := v.String()
		if s, ok := v.(starlark.String); ok {
			text = string(s)
		}
		_, isFigure := v.(*Figure)
		vars = append(vars, Variable{
			Name:     name,
			Type:     v.Type(),
			Value:    truncateRunes(text, maxVariableLen),
			IsFigure: isFigure,
		})
	}
	return vars
}

// collectCharts normalizes the chart list to JSON documents. Entries that
// are not valid figures are kept as JSON strings with a warning.
func collectCharts(v starlark.Value, res *ExecutionResult) []json.RawMessage {
	charts := []json.RawMessage{}
	if v == nil || v == starlark.None {
		return charts
	}
	elems, err := valuesOf(v)
	if err != nil {
		res.warn("charts is a %s, not a list; no charts collected", v.Type())
		return charts
	}
	for i, e := range elems {
		raw, ok := chartJSON(e)
		if !ok {
			res.warn("chart %d is not a valid figure", i)
			raw = malformedChart(e)
		}
		charts = append(charts, raw)
	}
	return charts
}

func chartJSON(v starlark.Value) (json.RawMessage, bool) {
	var raw []byte
	switch x := v.(type) {
	case starlark.String:
		raw = []byte(string(x))
	case *Figure:
		s, err := x.json()
		if err != nil {
			return nil, false
		}
		raw = []byte(s)
	case *starlark.Dict:
		b, err := marshalValue(x)
		if err != nil {
			return nil, false
		}
		raw = b
	default:
		return nil, false
	}
	var fig map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fig); err != nil {
		return nil, false
	}
	if _, ok := fig["data"]; !ok {
		return nil, false
	}
	return json.RawMessage(raw), true
}

func malformedChart(v starlark.Value) json.RawMessage {
	text := v.String()
	if s, ok := v.(starlark.String); ok {
		text = string(s)
	}
	b, _ := json.Marshal(text)
	return b
}
