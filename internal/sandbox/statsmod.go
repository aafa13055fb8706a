package sandbox

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"gonum.org/v1/gonum/stat"

	"safe-analysis-sandbox/internal/profile"
)

type numericFunc func(vals []float64, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// numeric wraps a function over the numbers of its first argument.
func numeric(name string, fn numericFunc) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) == 0 {
			return nil, typeErrorf("%s: missing argument for data", b.Name())
		}
		vals, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		return fn(vals, args[1:], kwargs)
	})
}

// simple adapts a reduction that takes no extra arguments. Empty input is
// a ValueError, as in the statistics module.
func simple(name string, fn func([]float64) (float64, error)) *starlark.Builtin {
	return numeric(name, func(vals []float64, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(name, args, kwargs); err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, valueErrorf("%s requires at least one data point", name)
		}
		f, err := fn(vals)
		if err != nil {
			return nil, valueErrorf("%s: %v", name, err)
		}
		return starlark.Float(f), nil
	})
}

func deviation(name string, sample bool) *starlark.Builtin {
	return numeric(name, func(vals []float64, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ddof := 0
		if sample {
			ddof = 1
		}
		if err := starlark.UnpackArgs(name, args, kwargs, "ddof?", &ddof); err != nil {
			return nil, err
		}
		if len(vals) <= ddof {
			return nil, valueErrorf("%s requires at least %d data points", name, ddof+1)
		}
		var v float64
		if ddof == 1 {
			v, _ = stats.SampleVariance(vals)
		} else {
			v, _ = stats.PopulationVariance(vals)
		}
		if name == "std" || name == "stdev" || name == "pstdev" {
			v = math.Sqrt(v)
		}
		return starlark.Float(v), nil
	})
}

func quantileFunc(name string, scale float64) *starlark.Builtin {
	return numeric(name, func(vals []float64, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var q starlark.Value
		if err := starlark.UnpackArgs(name, args, kwargs, "q", &q); err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, valueErrorf("%s of empty data", name)
		}
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		at := func(p float64) (starlark.Value, error) {
			p /= scale
			if p < 0 || p > 1 {
				return nil, valueErrorf("%s: q out of bounds", name)
			}
			return starlark.Float(profile.Quantile(sorted, p)), nil
		}
		if p, ok := starlark.AsFloat(q); ok {
			return at(p)
		}
		qs, err := floatsOf(q)
		if err != nil {
			return nil, err
		}
		out := make([]starlark.Value, len(qs))
		for i, p := range qs {
			if out[i], err = at(p); err != nil {
				return nil, err
			}
		}
		return starlark.NewList(out), nil
	})
}

func pairArgs(name string, args starlark.Tuple, kwargs []starlark.Tuple) ([]float64, []float64, error) {
	var xv, yv starlark.Value
	if err := starlark.UnpackArgs(name, args, kwargs, "x", &xv, "y", &yv); err != nil {
		return nil, nil, err
	}
	x, err := floatsOf(xv)
	if err != nil {
		return nil, nil, err
	}
	y, err := floatsOf(yv)
	if err != nil {
		return nil, nil, err
	}
	if len(x) != len(y) {
		return nil, nil, valueErrorf("%s: x and y must have the same length, got %d and %d", name, len(x), len(y))
	}
	if len(x) < 2 {
		return nil, nil, valueErrorf("%s requires at least two data points", name)
	}
	return x, y, nil
}

func statsCorrelation(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	x, y, err := pairArgs(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	r, err := stats.Correlation(x, y)
	if err != nil {
		return nil, valueErrorf("%s: %v", b.Name(), err)
	}
	return starlark.Float(r), nil
}

// statsCorrcoef returns the 2x2 correlation matrix as nested lists.
func statsCorrcoef(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	x, y, err := pairArgs(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	r := stat.Correlation(x, y, nil)
	return starlark.NewList([]starlark.Value{
		floatList([]float64{1, r}),
		floatList([]float64{r, 1}),
	}), nil
}

func statsLinearRegression(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	x, y, err := pairArgs(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	intercept, slope := stat.LinearRegression(x, y, nil, false)
	if math.IsNaN(slope) {
		return nil, valueErrorf("%s: x is constant", b.Name())
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"slope":     starlark.Float(slope),
		"intercept": starlark.Float(intercept),
		"r_squared": starlark.Float(stat.RSquared(x, y, nil, intercept, slope)),
	}), nil
}

// statsPolyfit supports degree 1 and returns [slope, intercept].
func statsPolyfit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, yv starlark.Value
	deg := 1
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "y", &yv, "deg?", &deg); err != nil {
		return nil, err
	}
	if deg != 1 {
		return nil, valueErrorf("polyfit: only deg=1 is supported, got %d", deg)
	}
	x, y, err := pairArgs(b.Name(), starlark.Tuple{xv, yv}, nil)
	if err != nil {
		return nil, err
	}
	intercept, slope := stat.LinearRegression(x, y, nil, false)
	return floatList([]float64{slope, intercept}), nil
}

func statsMode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data); err != nil {
		return nil, err
	}
	elems, err := valuesOf(data)
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, valueErrorf("mode of empty data")
	}
	if vals, err := floatsOf(data); err == nil && len(vals) == len(elems) {
		modes, _ := stats.Mode(vals)
		if len(modes) > 0 {
			return cellToStarlark(modes[0]), nil
		}
		return elems[0], nil
	}
	cells := make([]any, len(elems))
	for i, e := range elems {
		cells[i] = starlarkToCell(e)
	}
	top := profile.ValueCounts(cells)
	if len(top) == 0 {
		return starlark.None, nil
	}
	return starlark.String(top[0].Value), nil
}

func statsArray(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data); err != nil {
		return nil, err
	}
	elems, err := valuesOf(data)
	if err != nil {
		return nil, err
	}
	return starlark.NewList(elems), nil
}

func elementwise(name string, fn func(float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
			return nil, err
		}
		if f, ok := starlark.AsFloat(x); ok {
			return starlark.Float(fn(f)), nil
		}
		vals, err := floatsOf(x)
		if err != nil {
			return nil, err
		}
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = fn(v)
		}
		return floatList(out), nil
	})
}

func statsModule(name string) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: name,
		Members: starlark.StringDict{
			"mean":              simple("mean", func(v []float64) (float64, error) { return stats.Mean(v) }),
			"median":            simple("median", func(v []float64) (float64, error) { return stats.Median(v) }),
			"min":               simple("min", func(v []float64) (float64, error) { return stats.Min(v) }),
			"max":               simple("max", func(v []float64) (float64, error) { return stats.Max(v) }),
			"sum":               numeric("sum", func(v []float64, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) { s, _ := stats.Sum(v); return starlark.Float(s), nil }),
			"std":               deviation("std", false),
			"var":               deviation("var", false),
			"stdev":             deviation("stdev", true),
			"pstdev":            deviation("pstdev", false),
			"variance":          deviation("variance", true),
			"pvariance":         deviation("pvariance", false),
			"percentile":        quantileFunc("percentile", 100),
			"quantile":          quantileFunc("quantile", 1),
			"correlation":       starlark.NewBuiltin("correlation", statsCorrelation),
			"corrcoef":          starlark.NewBuiltin("corrcoef", statsCorrcoef),
			"linear_regression": starlark.NewBuiltin("linear_regression", statsLinearRegression),
			"polyfit":           starlark.NewBuiltin("polyfit", statsPolyfit),
			"mode":              starlark.NewBuiltin("mode", statsMode),
			"array":             starlark.NewBuiltin("array", statsArray),
			"sqrt":              elementwise("sqrt", math.Sqrt),
			"log":               elementwise("log", math.Log),
			"exp":               elementwise("exp", math.Exp),
			"abs":               elementwise("abs", math.Abs),
			"nan":               starlark.Float(math.NaN()),
			"pi":                starlark.Float(math.Pi),
		},
	}
}
