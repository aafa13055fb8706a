// Package pipeline sequences the three analysis stages of a session:
// Summary, Preanalysis and DeepAnalysis. Each stage is gated on the one
// before it, and every component failure comes back as a failed
// StageResult rather than an error.
package pipeline

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/report"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/storage"
	"safe-analysis-sandbox/internal/synth"
	"safe-analysis-sandbox/internal/validator"
)

// stage2SummaryChars bounds the stage-2 context quoted into stage 3.
const stage2SummaryChars = 500

// CodeSynthesizer produces scripts.
type CodeSynthesizer interface {
	SynthesizeAnalysisCode(ctx context.Context, question, profileText, binding string) (string, error)
	SynthesizeVisualizationCode(ctx context.Context, columns []string, chartHint string) (string, error)
}

// Executor runs scripts. It reports every failure inside the result.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult
}

// ReportSynthesizer writes narratives.
type ReportSynthesizer interface {
	Summarize(ctx context.Context, question, code string, exec *sandbox.ExecutionResult) (string, error)
	DeepAnalysis(ctx context.Context, ev report.Evidence) (string, error)
}

// Auditor receives security events for persistence.
type Auditor interface {
	Log(event *storage.SecurityEvent)
}

// Orchestrator runs stages against session states.
type Orchestrator struct {
	synth    CodeSynthesizer
	exec     Executor
	reporter ReportSynthesizer
	validate func(code string) validator.Verdict

	binding  string
	limits   sandbox.Limits
	auditor  Auditor
	observer Observer
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
}

type Option func(*Orchestrator)

func WithBinding(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.binding = name
		}
	}
}

// WithLimits sets the execution limits of stage-2 scripts. Zero fields
// keep the executor defaults.
func WithLimits(l sandbox.Limits) Option {
	return func(o *Orchestrator) { o.limits = l }
}

func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithObserver sets an observer for every stage run. A per-call observer
// can be attached with ContextWithObserver.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithValidator replaces the safety validator.
func WithValidator(fn func(code string) validator.Verdict) Option {
	return func(o *Orchestrator) { o.validate = fn }
}

func New(s CodeSynthesizer, e Executor, r ReportSynthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		synth:    s,
		exec:     e,
		reporter: r,
		validate: validator.Validate,
		binding:  sandbox.DefaultBinding,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type observerKey struct{}

// ContextWithObserver attaches an observer to the stage runs made with ctx.
func ContextWithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

type emitFunc func(kind EventKind, msg string, data any)

func (o *Orchestrator) emitter(ctx context.Context, sessionID string, stage Stage) emitFunc {
	var observers []Observer
	if o.observer != nil {
		observers = append(observers, o.observer)
	}
	if obs, ok := ctx.Value(observerKey{}).(Observer); ok && obs != nil {
		observers = append(observers, obs)
	}
	return func(kind EventKind, msg string, data any) {
		e := Event{SessionID: sessionID, Stage: stage, Kind: kind, Message: msg, Data: data, Time: time.Now()}
		for _, obs := range observers {
			obs.OnEvent(e)
		}
	}
}

// runStage serializes fn with the session's other stages, converts panics
// into failures and records the result.
func (o *Orchestrator) runStage(ctx context.Context, state *SessionState, stage Stage, question string, fn func(context.Context, zerolog.Logger, emitFunc) *StageResult) (res *StageResult) {
	state.run.Lock()
	defer state.run.Unlock()

	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, "pipeline."+stage.String(),
		monitor.AttrSessionID.String(state.ID),
		monitor.AttrStage.String(stage.String()),
	)
	logger := log.With().Str("session_id", state.ID).Str("stage", stage.String()).Logger()
	emit := o.emitter(ctx, state.ID, stage)
	emit(EventStageStarted, question, nil)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("stage panicked")
			res = failure(stage, fmt.Sprintf("stage %d failed unexpectedly", stage), fmt.Errorf("panic: %v", p))
		}
		state.complete(stage, question, res)

		elapsed := time.Since(start)
		if o.metrics != nil {
			o.metrics.RecordStage(stage.String(), string(res.Status), elapsed.Seconds())
		}
		span.SetAttributes(monitor.AttrStatus.String(string(res.Status)))
		monitor.EndSpan(span, res.Err())
		emit(EventStageFinished, res.Message, res.Status)

		ev := logger.Info()
		if res.Status == StatusFailure {
			ev = logger.Warn().Str("error", res.Error)
		}
		ev.Str("status", string(res.Status)).Dur("duration", elapsed).Msg("stage finished")
	}()

	return fn(ctx, logger, emit)
}

// RunSummary is stage 1: profile the table and run the quality checks.
// A nil table reuses the session's table.
func (o *Orchestrator) RunSummary(ctx context.Context, state *SessionState, table *profile.Table) *StageResult {
	return o.runStage(ctx, state, StageSummary, "", func(ctx context.Context, logger zerolog.Logger, emit emitFunc) *StageResult {
		if table == nil {
			table = state.Table()
		}
		if table == nil {
			return failure(StageSummary, "no dataset loaded", fmt.Errorf("%w: table", ErrMissingArtifact))
		}
		state.setTable(table)

		p, err := profile.Compute(ctx, table)
		if err != nil {
			return failure(StageSummary, "profiling failed", err)
		}
		state.setProfile(p)
		checks := profile.CheckQuality(table, p)

		rows, cols := table.Shape()
		return &StageResult{
			Stage:   StageSummary,
			Status:  StatusSuccess,
			Message: fmt.Sprintf("stage 1 complete, %d rows and %d columns profiled", rows, cols),
			Payload: Payload{
				Narrative: p.Text(),
				Profile:   p,
				Quality:   checks,
			},
			CompletedAt: time.Now(),
		}
	})
}

// RunPreanalysis is stage 2 with model-written code: synthesize, repair,
// validate and execute.
func (o *Orchestrator) RunPreanalysis(ctx context.Context, state *SessionState, question string) *StageResult {
	question = strings.TrimSpace(question)
	return o.runStage(ctx, state, StagePreanalysis, question, func(ctx context.Context, logger zerolog.Logger, emit emitFunc) *StageResult {
		p, res := o.stage2Inputs(state)
		if res != nil {
			return res
		}
		if question == "" {
			return failure(StagePreanalysis, "a question is required", fmt.Errorf("%w: question", ErrEmptyInput))
		}

		code, err := o.synth.SynthesizeAnalysisCode(ctx, question, p.Text(), o.binding)
		if err != nil {
			return failure(StagePreanalysis, "code synthesis failed", err)
		}
		code, fixes := synth.FixCommonErrors(code)
		if len(fixes) > 0 {
			logger.Debug().Strs("fixes", fixes).Msg("repaired generated code")
		}
		emit(EventCodeGenerated, fmt.Sprintf("%d bytes", len(code)), code)

		return o.validateAndRun(ctx, state, code, fixes, emit)
	})
}

// RunCharts is stage 2 with model-written chart code for the table's
// columns. It falls back to deterministic charts when the model is
// unavailable.
func (o *Orchestrator) RunCharts(ctx context.Context, state *SessionState, chartHint string) *StageResult {
	question := "charts"
	if h := strings.TrimSpace(chartHint); h != "" {
		question = "charts: " + h
	}
	return o.runStage(ctx, state, StagePreanalysis, question, func(ctx context.Context, logger zerolog.Logger, emit emitFunc) *StageResult {
		if _, res := o.stage2Inputs(state); res != nil {
			return res
		}
		code, err := o.synth.SynthesizeVisualizationCode(ctx, state.Table().Columns, chartHint)
		if err != nil {
			return failure(StagePreanalysis, "chart synthesis failed", err)
		}
		code, fixes := synth.FixCommonErrors(code)
		emit(EventCodeGenerated, fmt.Sprintf("%d bytes", len(code)), code)
		return o.validateAndRun(ctx, state, code, fixes, emit)
	})
}

// RunCustomCode is stage 2 with user code: validate and execute, no
// synthesis.
func (o *Orchestrator) RunCustomCode(ctx context.Context, state *SessionState, code string) *StageResult {
	return o.runStage(ctx, state, StagePreanalysis, "", func(ctx context.Context, logger zerolog.Logger, emit emitFunc) *StageResult {
		if _, res := o.stage2Inputs(state); res != nil {
			return res
		}
		if strings.TrimSpace(code) == "" {
			return failure(StagePreanalysis, "no code given", fmt.Errorf("%w: code", ErrEmptyInput))
		}
		return o.validateAndRun(ctx, state, code, nil, emit)
	})
}

func (o *Orchestrator) stage2Inputs(state *SessionState) (*profile.Profile, *StageResult) {
	if !state.Completed(StageSummary) {
		return nil, failure(StagePreanalysis, "stage 1 must complete first", fmt.Errorf("%w: stage 1 has not completed", ErrStageNotReady))
	}
	p := state.Profile()
	if p == nil || state.Table() == nil {
		return nil, failure(StagePreanalysis, "the stage 1 profile is missing", fmt.Errorf("%w: profile", ErrMissingArtifact))
	}
	return p, nil
}

func (o *Orchestrator) validateAndRun(ctx context.Context, state *SessionState, code string, fixes []string, emit emitFunc) *StageResult {
	state.setCode(code)

	verdict := o.validate(code)
	if o.metrics != nil {
		o.metrics.RecordValidation(string(verdict.Kind))
	}
	emit(EventValidated, verdict.Reason, verdict)

	if !verdict.OK {
		o.auditRejection(state.ID, code, verdict)
		res := failure(StagePreanalysis, "code rejected: "+verdict.Reason, fmt.Errorf("%w: %s", ErrCodeRejected, verdict.Reason))
		res.Payload.Code = code
		res.Payload.Fixes = fixes
		res.Payload.Rejection = &verdict
		return res
	}

	exec := o.exec.Execute(ctx, sandbox.ExecutionRequest{
		Code:    code,
		Table:   state.Table(),
		Binding: o.binding,
		Limits:  o.limits,
	})
	emit(EventExecuted, string(exec.ErrorType), exec)
	o.auditDetections(state.ID, exec)

	res := &StageResult{
		Stage:  StagePreanalysis,
		Status: StatusSuccess,
		Payload: Payload{
			Code:      code,
			Fixes:     fixes,
			Execution: exec,
			Hints:     sandbox.Analyze(exec),
		},
		CompletedAt: time.Now(),
	}
	switch {
	case exec.Failed():
		res.Status = StatusFailure
		res.Message = fmt.Sprintf("stage 2 failed: %s", exec.ErrorType)
		res.Error = exec.Error
		res.err = fmt.Errorf("%w: %s", ErrExecutionFailed, exec.ErrorType)
	case exec.Stderr != "" || len(exec.Warnings) > 0:
		res.Status = StatusPartial
		res.Message = fmt.Sprintf("stage 2 complete with warnings, generated %d charts", len(exec.Charts))
	default:
		res.Message = fmt.Sprintf("stage 2 complete, generated %d charts", len(exec.Charts))
	}
	return res
}

// RunDeepAnalysis is stage 3: one report over the stage-2 evidence. It
// runs no code.
func (o *Orchestrator) RunDeepAnalysis(ctx context.Context, state *SessionState, question string) *StageResult {
	question = strings.TrimSpace(question)
	return o.runStage(ctx, state, StageDeepAnalysis, question, func(ctx context.Context, logger zerolog.Logger, emit emitFunc) *StageResult {
		prev := state.Result(StagePreanalysis)
		if !state.Completed(StagePreanalysis) || prev == nil || !prev.Status.Succeeded() {
			res := failure(StageDeepAnalysis, "stage 2 must succeed first", fmt.Errorf("%w: stage 2 has not succeeded", ErrStageNotReady))
			if prev != nil {
				res.Payload.Stage2Status = prev.Status
			}
			return res
		}
		exec := prev.Payload.Execution
		if exec == nil {
			return failure(StageDeepAnalysis, "the stage 2 execution result is missing", fmt.Errorf("%w: execution", ErrMissingArtifact))
		}
		if question == "" {
			return failure(StageDeepAnalysis, "a question is required", fmt.Errorf("%w: question", ErrEmptyInput))
		}

		stage2Question := state.Question(StagePreanalysis)
		summary := stage2Summary(prev)
		payload := Payload{
			Stage2Question:   stage2Question,
			Stage3Question:   question,
			Stage2Summary:    summary,
			Stage2ChartCount: len(exec.Charts),
			Stage2Status:     prev.Status,
		}

		var dataSummary string
		if s1 := state.Result(StageSummary); s1 != nil {
			dataSummary = s1.Payload.Narrative
		}

		text, err := o.reporter.DeepAnalysis(ctx, report.Evidence{
			Stage2Question: stage2Question,
			Stage3Question: enrichQuestion(question, stage2Question, summary),
			Stage2Code:     prev.Payload.Code,
			Stage2Exec:     exec,
			DataSummary:    dataSummary,
		})
		if err != nil {
			res := failure(StageDeepAnalysis, "deep analysis failed", err)
			res.Payload = payload
			return res
		}
		emit(EventReportDone, fmt.Sprintf("%d chars", len(text)), nil)

		payload.Narrative = text
		return &StageResult{
			Stage:       StageDeepAnalysis,
			Status:      StatusSuccess,
			Message:     "stage 3 complete",
			Payload:     payload,
			CompletedAt: time.Now(),
		}
	})
}

// Explain writes a narrative for the current stage-2 result and attaches
// it to that result. Stage status does not change.
func (o *Orchestrator) Explain(ctx context.Context, state *SessionState) (*StageResult, error) {
	state.run.Lock()
	defer state.run.Unlock()

	prev := state.Result(StagePreanalysis)
	if prev == nil || prev.Payload.Execution == nil {
		return nil, fmt.Errorf("%w: stage 2 has no execution result", ErrStageNotReady)
	}
	question := state.Question(StagePreanalysis)
	if question == "" {
		question = "What does this analysis show?"
	}
	text, err := o.reporter.Summarize(ctx, question, prev.Payload.Code, prev.Payload.Execution)
	if err != nil {
		return nil, err
	}
	return state.setNarrative(StagePreanalysis, text), nil
}

// Reset clears stage and all later stages. It is idempotent.
func (o *Orchestrator) Reset(state *SessionState, stage Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStage, int(stage))
	}
	state.run.Lock()
	defer state.run.Unlock()
	state.reset(stage)
	log.Info().Str("session_id", state.ID).Str("stage", stage.String()).Msg("stage reset")
	return nil
}

func stage2Summary(res *StageResult) string {
	s := res.Payload.Narrative
	if s == "" && res.Payload.Execution != nil {
		s = res.Payload.Execution.Stdout
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > stage2SummaryChars {
		s = string(r[:stage2SummaryChars])
	}
	return s
}

func enrichQuestion(question, stage2Question, summary string) string {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n\n[Earlier analysis]\n")
	if stage2Question != "" {
		fmt.Fprintf(&b, "Stage 2 answered: %q, with statistics and charts.\n", stage2Question)
	} else {
		b.WriteString("Stage 2 ran user-supplied code.\n")
	}
	if summary != "" {
		fmt.Fprintf(&b, "Stage 2 summary (excerpt): %s\n", summary)
	}
	b.WriteString("\nBuild on these findings. Focus on business meaning, open problems and actionable recommendations.")
	return b.String()
}

func (o *Orchestrator) auditRejection(sessionID, code string, v validator.Verdict) {
	if o.metrics != nil && v.Kind == validator.KindDenied {
		o.metrics.RecordSecurityEvent("validator_denied")
	}
	if o.auditor == nil || v.Kind != validator.KindDenied {
		return
	}
	typ := "denied_call"
	if v.Module != "" {
		typ = "denied_import"
	}
	o.auditor.Log(&storage.SecurityEvent{
		SessionID: sessionID,
		CodeHash:  fmt.Sprintf("%x", sha256.Sum256([]byte(code))),
		Source:    storage.SourceValidator,
		Type:      typ,
		Severity:  "high",
		Reason:    v.Reason,
		Line:      v.Line,
	})
}

func (o *Orchestrator) auditDetections(sessionID string, exec *sandbox.ExecutionResult) {
	if o.auditor == nil {
		return
	}
	for _, ev := range exec.SecurityEvents {
		o.auditor.Log(&storage.SecurityEvent{
			SessionID:   sessionID,
			ExecutionID: exec.ID,
			CodeHash:    exec.CodeHash,
			Source:      storage.SourceDetector,
			Type:        ev.Type,
			Severity:    ev.Severity,
			Reason:      ev.Detail,
			Line:        ev.Line,
		})
	}
}

// IsNotReady reports whether res failed because a prerequisite stage had
// not completed.
func IsNotReady(res *StageResult) bool {
	return res != nil && errors.Is(res.Err(), ErrStageNotReady)
}
