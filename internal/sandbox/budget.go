package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

const budgetKey = "sandbox.budget"

const (
	// cellBytes approximates the heap cost of one materialized table cell:
	// an interface header plus a boxed float64 or short string.
	cellBytes = 48

	// pollEvery is how many loop iterations a builtin runs between
	// cancellation checks.
	pollEvery = 4096

	// stepsPerSecond is roughly what one core executes; the step ceiling
	// lets a CPU-bound loop stop near its timeout even if the watchdog is
	// late.
	stepsPerSecond = 20_000_000
	minSteps       = 1_000_000
)

// budget bounds what the table builtins of one execution may allocate
// and lets their row loops notice a cancelled execution. It is only used
// from the goroutine running the script.
type budget struct {
	ctx      context.Context
	memoryMB int64
	maxCells int64
	cells    int64
}

func newBudget(ctx context.Context, memoryMB int64) *budget {
	return &budget{ctx: ctx, memoryMB: memoryMB, maxCells: (memoryMB << 20) / cellBytes}
}

func budgetOf(thread *starlark.Thread) *budget {
	if thread == nil {
		return nil
	}
	b, _ := thread.Local(budgetKey).(*budget)
	return b
}

// charge accounts for n newly materialized cells.
func (b *budget) charge(n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	if err := b.poll(0); err != nil {
		return err
	}
	b.cells += int64(n)
	if b.cells > b.maxCells {
		return &scriptError{
			kind: RuntimeError,
			msg:  fmt.Sprintf("MemoryError: tables built by the script exceed the %d MB memory limit", b.memoryMB),
		}
	}
	return nil
}

// poll reports cancellation on every pollEvery-th iteration i. The error
// reads like the interpreter's own cancellation so it classifies the same.
func (b *budget) poll(i int) error {
	if b == nil || i%pollEvery != 0 {
		return nil
	}
	err := b.ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("Starlark computation cancelled: %s", cancelTimeout)
	default:
		return fmt.Errorf("Starlark computation cancelled: %s", cancelCaller)
	}
}

// chargeValue charges a builtin's result and ties derived tables to the
// budget so their own operators are charged too.
func (b *budget) chargeValue(v starlark.Value) error {
	if b == nil {
		return nil
	}
	switch x := v.(type) {
	case *Column:
		if x.b == nil {
			x.b = b
		}
		n := len(x.cells)
		if x.labels != nil {
			n *= 2
		}
		return b.charge(n)
	case *DataFrame:
		if x.b == nil {
			x.b = b
		}
		rows, cols := x.t.Shape()
		return b.charge(rows * cols)
	case *GroupBy:
		return b.charge(x.df.t.NumRows())
	case *starlark.List:
		return b.charge(x.Len())
	case *starlark.Dict:
		return b.charge(2 * x.Len())
	}
	return nil
}

type builtinFunc = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// charged wraps a table-building builtin so its result is charged.
func charged(fn builtinFunc) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		v, err := fn(thread, b, args, kwargs)
		if err != nil {
			return nil, err
		}
		if err := budgetOf(thread).chargeValue(v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// stepBudget is the execution step ceiling for a script with the given
// timeout.
func stepBudget(timeout time.Duration) uint64 {
	steps := uint64(timeout.Seconds() * stepsPerSecond)
	if steps < minSteps {
		return minSteps
	}
	return steps
}
