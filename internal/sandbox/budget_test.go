package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

func TestBudgetCharge(t *testing.T) {
	b := newBudget(context.Background(), 1)
	require.NoError(t, b.charge(int(b.maxCells)))

	err := b.charge(1)
	require.Error(t, err)
	kind, msg := classify(err)
	assert.Equal(t, RuntimeError, kind)
	assert.Contains(t, msg, "MemoryError")

	var nilBudget *budget
	assert.NoError(t, nilBudget.charge(1<<40))
	assert.NoError(t, nilBudget.poll(0))
}

func TestBudgetPoll(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	b := newBudget(expired, 500)

	assert.NoError(t, b.poll(1), "only every pollEvery-th iteration checks")
	err := b.poll(pollEvery)
	require.Error(t, err)
	kind, _ := classify(err)
	assert.Equal(t, TimeoutError, kind)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	err = newBudget(cancelled, 500).poll(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), cancelCaller)
}

func TestBudget_RowLoopsStopOnDeadline(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	df := newDataFrame(salesTable(t))
	df.b = newBudget(expired, 500)

	_, err := newGroupBy(df, []string{"region"})
	require.Error(t, err)
	kind, _ := classify(err)
	assert.Equal(t, TimeoutError, kind)

	sales, err := df.column("sales")
	require.NoError(t, err)
	_, err = sales.Binary(syntax.STAR, sales, starlark.Left)
	require.Error(t, err)
	kind, _ = classify(err)
	assert.Equal(t, TimeoutError, kind)
}

func TestStepBudget(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    uint64
	}{
		{0, minSteps},
		{10 * time.Millisecond, minSteps},
		{time.Second, stepsPerSecond},
		{30 * time.Second, 30 * stepsPerSecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stepBudget(tt.timeout), tt.timeout.String())
	}
}
