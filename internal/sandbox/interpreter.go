package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"

	"safe-analysis-sandbox/internal/script"
)

const BackendInterpreter = "interpreter"

// Interpreter runs analysis scripts in-process on the Starlark dialect.
// It has no file, process or network primitives to offer, so isolation
// comes from what the namespace does not contain. MemoryMB bounds the
// cells the table builtins materialize; plain Starlark lists and strings
// are only held to the interpreter's per-value allocation cap.
type Interpreter struct{}

// NewInterpreter creates the in-process backend.
func NewInterpreter() *Interpreter {
	return &Interpreter{}
}

func (i *Interpreter) Name() string { return BackendInterpreter }

func (i *Interpreter) Close() error { return nil }

// Execute runs one script. Script failures, timeouts included, are
// reported in the result; the error return is reserved for the sandbox
// itself failing.
func (i *Interpreter) Execute(ctx context.Context, req ExecutionRequest) (res *ExecutionResult, err error) {
	req = req.withDefaults()
	execID := uuid.New().String()
	res = newResult(execID, i.Name(), req.Code)
	start := time.Now()
	defer res.finish(start)

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", BackendInterpreter).
		Str("code_hash", res.CodeHash[:16]).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("interpreter panicked")
			res.ErrorType = SandboxError
			res.Error = fmt.Sprintf("%s: internal error: %v", SandboxError, p)
			err = nil
		}
	}()

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	capt := newCapture(req.Limits.MaxOutputBytes)
	reg := newModuleRegistry()
	thread := &starlark.Thread{
		Name: "analysis-" + execID[:8],
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(&capt.stdout, msg)
		},
		Load: reg.load,
	}
	bud := newBudget(execCtx, req.Limits.MemoryMB)
	thread.SetLocal(captureKey, capt)
	thread.SetLocal(budgetKey, bud)
	thread.SetMaxExecutionSteps(stepBudget(req.Limits.Timeout))

	done := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			reason := cancelTimeout
			if errors.Is(execCtx.Err(), context.Canceled) {
				reason = cancelCaller
			}
			thread.Cancel(reason)
		case <-done:
		}
	}()

	var df *DataFrame
	if req.Table != nil {
		df = newDataFrame(req.Table)
		df.b = bud
	}
	env := predeclared(reg, req.Binding, df)

	logger.Debug().Int("code_bytes", len(req.Code)).Msg("execution started")

	globals, execErr := starlark.ExecFileOptions(script.FileOptions, thread, script.DefaultFilename, script.Translate(req.Code), env)
	close(done)

	res.Stdout = capt.stdout.String()
	res.Stderr = capt.stderr.String()
	if capt.stdout.truncated {
		res.warn("stdout truncated at %d bytes", req.Limits.MaxOutputBytes)
	}
	if capt.stderr.truncated {
		res.warn("stderr truncated at %d bytes", req.Limits.MaxOutputBytes)
	}
	res.Warnings = append(res.Warnings, capt.warnings...)
	res.FiguresCreated = capt.figures

	if execErr != nil {
		kind, msg := classify(execErr)
		res.ErrorType = kind
		res.Error = formatError(execErr, kind, msg)
		logger.Info().Str("error_type", string(kind)).Msg("script raised")
	}

	chartsVal := globals["charts"]
	if chartsVal == nil {
		chartsVal = env["charts"]
	}
	res.Charts = collectCharts(chartsVal, res)
	res.Variables = snapshot(globals, req.Binding)

	logger.Info().
		Int("charts", len(res.Charts)).
		Int("stdout_bytes", len(res.Stdout)).
		Dur("duration", time.Since(start)).
		Msg("execution completed")

	return res, nil
}
