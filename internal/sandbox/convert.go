package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// cellToStarlark converts a table cell. Whole floats become ints so counts
// and identifiers print naturally.
func cellToStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case int:
		return starlark.MakeInt(x)
	case float64:
		if math.IsNaN(x) {
			return starlark.None
		}
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return starlark.MakeInt64(int64(x))
		}
		return starlark.Float(x)
	case bool:
		return starlark.Bool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return starlark.String(x.Format("2006-01-02"))
		}
		return starlark.String(x.Format("2006-01-02 15:04:05"))
	case string:
		return starlark.String(x)
	default:
		return starlark.String(fmt.Sprint(x))
	}
}

// starlarkToCell converts a script value back into a table cell.
func starlarkToCell(v starlark.Value) any {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Int:
		f, _ := starlark.AsFloat(x)
		return f
	case starlark.Tuple:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprint(starlarkToCell(e))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case starlark.Float:
		return float64(x)
	case starlark.Bool:
		return bool(x)
	case starlark.String:
		return string(x)
	default:
		return x.String()
	}
}

// toGo converts a Starlark value into plain Go data suitable for JSON.
func toGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return x.String(), nil
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return f, nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			gv, err := toGo(x.Index(i))
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = gv
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			gv, err := toGo(e)
			if err != nil {
				return nil, fmt.Errorf("tuple index %d: %w", i, err)
			}
			out[i] = gv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			gv, err := toGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", key, err)
			}
			out[key] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		d := make(starlark.StringDict)
		x.ToStringDict(d)
		out := make(map[string]any, len(d))
		for k, fv := range d {
			gv, err := toGo(fv)
			if err != nil {
				return nil, err
			}
			out[k] = gv
		}
		return out, nil
	case *Figure:
		return x.toMap()
	case *Column:
		return x.goValues(), nil
	case *DataFrame:
		return x.records(), nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", v.Type())
	}
}

// toStarlark converts plain Go data into Starlark values.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// marshalValue renders a Starlark value as JSON.
func marshalValue(v starlark.Value) ([]byte, error) {
	g, err := toGo(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// floatsOf collects the numeric elements of a list, tuple or column,
// skipping None.
func floatsOf(v starlark.Value) ([]float64, error) {
	if c, ok := v.(*Column); ok {
		vals, _ := c.floats()
		return vals, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, typeErrorf("got %s, want a sequence of numbers", v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()

	var out []float64
	var x starlark.Value
	for it.Next(&x) {
		if x == starlark.None {
			continue
		}
		f, ok := starlark.AsFloat(x)
		if !ok {
			if b, isBool := x.(starlark.Bool); isBool {
				f, ok = 0, true
				if b {
					f = 1
				}
			}
		}
		if !ok {
			return nil, typeErrorf("got %s element, want number", x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// valuesOf collects the elements of any iterable.
func valuesOf(v starlark.Value) ([]starlark.Value, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, typeErrorf("got %s, want iterable", v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()
	var out []starlark.Value
	var x starlark.Value
	for it.Next(&x) {
		out = append(out, x)
	}
	return out, nil
}

func floatList(vals []float64) *starlark.List {
	elems := make([]starlark.Value, len(vals))
	for i, f := range vals {
		elems[i] = starlark.Float(f)
	}
	return starlark.NewList(elems)
}

func stringList(vals []string) *starlark.List {
	elems := make([]starlark.Value, len(vals))
	for i, s := range vals {
		elems[i] = starlark.String(s)
	}
	return starlark.NewList(elems)
}

// numberArg reads an int or float argument.
type numberArg struct{ f float64 }

func (n *numberArg) Unpack(v starlark.Value) error {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return fmt.Errorf("got %s, want float", v.Type())
	}
	n.f = f
	return nil
}
