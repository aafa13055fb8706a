package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/monitor"
)

// Backend runs one script against one table.
type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Name() string
	Close() error
}

// NewBackend builds the backend named by the configuration.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Sandbox.Backend {
	case "", BackendInterpreter:
		return NewInterpreter(), nil
	case BackendContainer:
		return newContainerBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be interpreter or container", cfg.Sandbox.Backend)
	}
}

func newContainerBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	cc := cfg.Sandbox.Container
	client, err := NewClient(ctx, cc.Socket, cc.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewContainerRunner(client, ContainerOptions{
		Image:     cc.Image,
		CPUShares: cc.CPUShares,
		PidsLimit: cc.PidsLimit,
		DiskMB:    cc.DiskMB,
	})

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

// Executor fronts a Backend with the concurrency limit, request defaults,
// escape detection, metrics and tracing. Execute never fails out of band:
// sandbox failures come back as results with ErrorType SandboxError.
type Executor struct {
	backend  Backend
	limits   Limits
	maxLimit time.Duration
	metrics  *monitor.Metrics
	detector *monitor.EscapeDetector
	tracer   *monitor.Tracer

	sem    chan struct{}
	active atomic.Int64
	mu     sync.Mutex
	closed bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMetrics records execution metrics.
func WithMetrics(m *monitor.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer wraps executions in spans.
func WithTracer(t *monitor.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithDefaultLimits sets the limits for requests that leave them unset.
func WithDefaultLimits(l Limits) ExecutorOption {
	return func(e *Executor) { e.limits = l }
}

// WithMaxTimeout caps any requested timeout.
func WithMaxTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.maxLimit = d }
}

// NewExecutor wraps backend. maxConcurrent below 1 means 16.
func NewExecutor(backend Backend, maxConcurrent int, opts ...ExecutorOption) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	e := &Executor{
		backend:  backend,
		limits:   DefaultLimits(),
		detector: monitor.NewEscapeDetector(),
		sem:      make(chan struct{}, maxConcurrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutorFromConfig builds the configured backend and wraps it.
func ExecutorFromConfig(ctx context.Context, cfg *config.Config, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Executor, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sc := cfg.Sandbox
	return NewExecutor(backend, sc.MaxConcurrent,
		WithMetrics(metrics),
		WithTracer(tracer),
		WithMaxTimeout(sc.MaxTimeout),
		WithDefaultLimits(Limits{
			Timeout:        sc.DefaultTimeout,
			MemoryMB:       sc.MemoryMB,
			MaxOutputBytes: sc.MaxOutputBytes,
		}),
	), nil
}

// Backend returns the wrapped backend's name.
func (e *Executor) Backend() string {
	return e.backend.Name()
}

// ActiveCount returns the number of running executions.
func (e *Executor) ActiveCount() int64 {
	return e.active.Load()
}

// Execute runs req and always returns a result.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	req = e.applyLimits(req)
	start := time.Now()

	ctx, span := e.tracer.StartSpan(ctx, "sandbox.execute",
		monitor.AttrBackend.String(e.backend.Name()),
		monitor.AttrCodeHash.String(hashCode(req.Code)[:16]),
	)

	res, err := e.run(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("backend", e.backend.Name()).Msg("sandbox failure")
		res = sandboxFailure(e.backend.Name(), req.Code, err, start)
	}

	e.inspect(req.Code, res)
	e.record(req, res)

	span.SetAttributes(
		monitor.AttrExecID.String(res.ID),
		monitor.AttrDurationMS.Int64(res.DurationMS),
		attribute.Int("analysis.charts", len(res.Charts)),
	)
	if res.Failed() {
		span.SetAttributes(monitor.AttrErrorType.String(string(res.ErrorType)))
	}
	monitor.EndSpan(span, err)
	return res
}

func (e *Executor) run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrBackendClosed
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{Op: "acquire_slot", Err: ctx.Err()}
	}

	e.active.Add(1)
	defer e.active.Add(-1)
	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	res, err := e.backend.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &ExecutionError{Op: "execute", Err: fmt.Errorf("backend %s returned no result", e.backend.Name())}
	}
	return res, nil
}

func (e *Executor) applyLimits(req ExecutionRequest) ExecutionRequest {
	if req.Limits.Timeout <= 0 {
		req.Limits.Timeout = e.limits.Timeout
	}
	if req.Limits.MemoryMB <= 0 {
		req.Limits.MemoryMB = e.limits.MemoryMB
	}
	if req.Limits.MaxOutputBytes <= 0 {
		req.Limits.MaxOutputBytes = e.limits.MaxOutputBytes
	}
	if e.maxLimit > 0 && req.Limits.Timeout > e.maxLimit {
		req.Limits.Timeout = e.maxLimit
	}
	return req.withDefaults()
}

// inspect runs the escape detector over the code and everything the
// script printed.
func (e *Executor) inspect(code string, res *ExecutionResult) {
	dets := e.detector.AnalyzeCode(code)
	dets = append(dets, e.detector.AnalyzeOutput(res.Stdout+"\n"+res.Stderr)...)
	for _, d := range dets {
		res.SecurityEvents = append(res.SecurityEvents, SecurityEvent{
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
		if e.metrics != nil {
			e.metrics.RecordSecurityEvent(d.Pattern)
		}
	}
}

func (e *Executor) record(req ExecutionRequest, res *ExecutionResult) {
	status := "success"
	switch {
	case res.ErrorType == SandboxError:
		status = "sandbox_error"
	case res.ErrorType == TimeoutError:
		status = "timeout"
	case res.Failed():
		status = "error"
	}

	log.Info().
		Str("exec_id", res.ID).
		Str("backend", res.Backend).
		Str("status", status).
		Int64("duration_ms", res.DurationMS).
		Int("security_events", len(res.SecurityEvents)).
		Msg("execution recorded")

	if e.metrics == nil {
		return
	}
	e.metrics.RecordExecution(res.Backend, status, res.Duration.Seconds())
	if res.Failed() {
		e.metrics.RecordError(string(res.ErrorType))
	}
	e.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	e.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
}

// Close stops accepting work and closes the backend.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.backend.Close()
}

func sandboxFailure(backend, code string, err error, start time.Time) *ExecutionResult {
	res := newResult(uuid.New().String(), backend, code)
	res.ErrorType = SandboxError
	res.Error = fmt.Sprintf("%s: %v", SandboxError, err)
	if IsTimeout(err) {
		res.ErrorType = TimeoutError
		res.Error = fmt.Sprintf("%s: %v", TimeoutError, err)
	}
	res.finish(start)
	return res
}
