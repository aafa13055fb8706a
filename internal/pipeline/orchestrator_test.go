package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/report"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/storage"
)

type fakeSynth struct {
	code      string
	err       error
	calls     int
	questions []string
}

func (f *fakeSynth) SynthesizeAnalysisCode(_ context.Context, question, profileText, binding string) (string, error) {
	f.calls++
	f.questions = append(f.questions, question)
	return f.code, f.err
}

func (f *fakeSynth) SynthesizeVisualizationCode(_ context.Context, columns []string, hint string) (string, error) {
	f.calls++
	return f.code, f.err
}

type fakeExec struct {
	res   *sandbox.ExecutionResult
	calls int
	last  sandbox.ExecutionRequest
}

func (f *fakeExec) Execute(_ context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	f.calls++
	f.last = req
	if f.res == nil {
		return &sandbox.ExecutionResult{ID: "exec-1", Stdout: "ok\n"}
	}
	return f.res
}

type panicExec struct{}

func (panicExec) Execute(context.Context, sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	panic("backend exploded")
}

type fakeReporter struct {
	text      string
	err       error
	deepCalls int
	sumCalls  int
	evidence  report.Evidence
}

func (f *fakeReporter) Summarize(_ context.Context, question, code string, exec *sandbox.ExecutionResult) (string, error) {
	f.sumCalls++
	return "summary: " + question, f.err
}

func (f *fakeReporter) DeepAnalysis(_ context.Context, ev report.Evidence) (string, error) {
	f.deepCalls++
	f.evidence = ev
	return f.text, f.err
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []*storage.SecurityEvent
}

func (r *recordingAuditor) Log(e *storage.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func salesTable(t *testing.T) *profile.Table {
	t.Helper()
	tbl, err := profile.NewTable(
		[]string{"region", "sales", "profit"},
		[][]any{
			{"north", 120.0, 30.0},
			{"south", 80.0, 12.0},
			{"east", 150.0, 41.0},
			{"west", 95.0, 18.0},
		},
	)
	require.NoError(t, err)
	return tbl
}

func newTestOrchestrator(s *fakeSynth, e Executor, r *fakeReporter, opts ...Option) *Orchestrator {
	return New(s, e, r, opts...)
}

func TestRunSummary(t *testing.T) {
	state := NewSessionState(salesTable(t))
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{})

	res := o.RunSummary(context.Background(), state, nil)

	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, StageSummary, res.Stage)
	assert.NotEmpty(t, res.Payload.Narrative)
	assert.NotNil(t, res.Payload.Profile)
	assert.Contains(t, res.Message, "4 rows")
	assert.True(t, state.Completed(StageSummary))
	assert.NotNil(t, state.Profile())
}

func TestRunSummary_NoTable(t *testing.T) {
	state := NewSessionState(nil)
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{})

	res := o.RunSummary(context.Background(), state, nil)

	assert.Equal(t, StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err(), ErrMissingArtifact)
	assert.False(t, state.Completed(StageSummary))
}

// Full three-stage run: profile, generated code, deep report.
func TestPipeline_HappyPath(t *testing.T) {
	synth := &fakeSynth{code: "print(df.shape)"}
	exec := &fakeExec{res: &sandbox.ExecutionResult{
		ID:     "exec-1",
		Stdout: "(4, 3)\n",
		Charts: []json.RawMessage{json.RawMessage(`{"data":[]}`)},
	}}
	rep := &fakeReporter{text: "## Direct answer\nSales lead in the east."}
	o := newTestOrchestrator(synth, exec, rep, WithBinding("data"))
	state := NewSessionState(salesTable(t))
	ctx := context.Background()

	require.Equal(t, StatusSuccess, o.RunSummary(ctx, state, nil).Status)

	res2 := o.RunPreanalysis(ctx, state, "  Which region sells most?  ")
	require.Equal(t, StatusSuccess, res2.Status, res2.Error)
	assert.Equal(t, "stage 2 complete, generated 1 charts", res2.Message)
	assert.Equal(t, "data", exec.last.Binding)
	assert.Same(t, state.Table(), exec.last.Table)
	assert.Equal(t, "Which region sells most?", state.Question(StagePreanalysis))
	assert.Equal(t, res2.Payload.Code, state.Code())

	res3 := o.RunDeepAnalysis(ctx, state, "What should we do next?")
	require.Equal(t, StatusSuccess, res3.Status, res3.Error)
	assert.Equal(t, rep.text, res3.Payload.Narrative)
	assert.Equal(t, 1, rep.deepCalls)
	assert.Equal(t, "Which region sells most?", res3.Payload.Stage2Question)
	assert.Equal(t, "What should we do next?", res3.Payload.Stage3Question)
	assert.Equal(t, 1, res3.Payload.Stage2ChartCount)
	assert.Equal(t, "(4, 3)", res3.Payload.Stage2Summary)
	assert.Equal(t, StatusSuccess, res3.Payload.Stage2Status)

	assert.Contains(t, rep.evidence.Stage3Question, "What should we do next?")
	assert.Contains(t, rep.evidence.Stage3Question, "Which region sells most?")
	assert.Equal(t, res2.Payload.Code, rep.evidence.Stage2Code)
	assert.NotEmpty(t, rep.evidence.DataSummary)
	assert.Same(t, exec.res, rep.evidence.Stage2Exec)
}

func TestRunPreanalysis_RequiresStage1(t *testing.T) {
	synth := &fakeSynth{code: "print(1)"}
	exec := &fakeExec{}
	o := newTestOrchestrator(synth, exec, &fakeReporter{})
	state := NewSessionState(salesTable(t))

	res := o.RunPreanalysis(context.Background(), state, "anything")

	assert.Equal(t, StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err(), ErrStageNotReady)
	assert.True(t, IsNotReady(res))
	assert.Zero(t, synth.calls)
	assert.Zero(t, exec.calls)
}

func TestRunPreanalysis_EmptyQuestion(t *testing.T) {
	synth := &fakeSynth{code: "print(1)"}
	o := newTestOrchestrator(synth, &fakeExec{}, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunPreanalysis(context.Background(), state, "   ")

	assert.ErrorIs(t, res.Err(), ErrEmptyInput)
	assert.Zero(t, synth.calls)
}

func TestRunPreanalysis_SynthesisFails(t *testing.T) {
	synth := &fakeSynth{err: errors.New("gateway down")}
	exec := &fakeExec{}
	o := newTestOrchestrator(synth, exec, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunPreanalysis(context.Background(), state, "q")

	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.Error, "gateway down")
	assert.Zero(t, exec.calls)
	assert.False(t, state.Completed(StagePreanalysis))
}

func TestRunPreanalysis_AppliesFixes(t *testing.T) {
	synth := &fakeSynth{code: "fig = px.bar(df, x='region', y='sales')\nfig.show()"}
	exec := &fakeExec{}
	o := newTestOrchestrator(synth, exec, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunPreanalysis(context.Background(), state, "q")

	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.NotEmpty(t, res.Payload.Fixes)
	assert.Contains(t, exec.last.Code, "charts.append(fig.to_json())")
	assert.NotContains(t, exec.last.Code, "fig.show()")
}

// A denied script never reaches the executor and is audited.
func TestRunCustomCode_Rejected(t *testing.T) {
	exec := &fakeExec{}
	audit := &recordingAuditor{}
	o := newTestOrchestrator(&fakeSynth{}, exec, &fakeReporter{}, WithAuditor(audit))
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	code := "import os\nos.system('rm -rf /')"
	res := o.RunCustomCode(context.Background(), state, code)

	assert.Equal(t, StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err(), ErrCodeRejected)
	require.NotNil(t, res.Payload.Rejection)
	assert.Equal(t, "os", res.Payload.Rejection.Module)
	assert.Equal(t, code, res.Payload.Code)
	assert.Zero(t, exec.calls)
	assert.False(t, state.Completed(StagePreanalysis))

	require.Len(t, audit.events, 1)
	ev := audit.events[0]
	assert.Equal(t, storage.SourceValidator, ev.Source)
	assert.Equal(t, "denied_import", ev.Type)
	assert.Equal(t, "high", ev.Severity)
	assert.Equal(t, state.ID, ev.SessionID)
	assert.Len(t, ev.CodeHash, 64)
}

func TestRunCustomCode_MalformedNotAudited(t *testing.T) {
	audit := &recordingAuditor{}
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{}, WithAuditor(audit))
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunCustomCode(context.Background(), state, "def broken(:\n")

	assert.ErrorIs(t, res.Err(), ErrCodeRejected)
	assert.Empty(t, audit.events)
}

func TestRunCustomCode_Empty(t *testing.T) {
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunCustomCode(context.Background(), state, "\n  \n")
	assert.ErrorIs(t, res.Err(), ErrEmptyInput)
}

func TestRunCustomCode_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		res       *sandbox.ExecutionResult
		want      Status
		completed bool
	}{
		{
			name:      "clean",
			res:       &sandbox.ExecutionResult{Stdout: "42\n"},
			want:      StatusSuccess,
			completed: true,
		},
		{
			name:      "stderr output",
			res:       &sandbox.ExecutionResult{Stdout: "42\n", Stderr: "column has nulls\n"},
			want:      StatusPartial,
			completed: true,
		},
		{
			name:      "warnings",
			res:       &sandbox.ExecutionResult{Warnings: []string{"stdout truncated at 10 bytes"}},
			want:      StatusPartial,
			completed: true,
		},
		{
			name: "script raised",
			res: &sandbox.ExecutionResult{
				Error:     "ZeroDivisionError: division by zero",
				ErrorType: sandbox.ZeroDivisionError,
			},
			want: StatusFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(&fakeSynth{}, &fakeExec{res: tt.res}, &fakeReporter{})
			state := NewSessionState(salesTable(t))
			o.RunSummary(context.Background(), state, nil)

			res := o.RunCustomCode(context.Background(), state, "x = 1 / 0")

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.completed, state.Completed(StagePreanalysis))
			assert.Same(t, tt.res, res.Payload.Execution)
			if tt.want == StatusFailure {
				assert.ErrorIs(t, res.Err(), ErrExecutionFailed)
				assert.NotEmpty(t, res.Payload.Hints)
			}
		})
	}
}

func TestRunCustomCode_AuditsDetections(t *testing.T) {
	exec := &fakeExec{res: &sandbox.ExecutionResult{
		ID:       "exec-9",
		CodeHash: "abc",
		SecurityEvents: []sandbox.SecurityEvent{
			{Type: "sensitive_path", Severity: "high", Detail: "/etc/passwd", Line: 1},
		},
	}}
	audit := &recordingAuditor{}
	o := newTestOrchestrator(&fakeSynth{}, exec, &fakeReporter{}, WithAuditor(audit))
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	o.RunCustomCode(context.Background(), state, "print('/etc/passwd')")

	require.Len(t, audit.events, 1)
	assert.Equal(t, storage.SourceDetector, audit.events[0].Source)
	assert.Equal(t, "exec-9", audit.events[0].ExecutionID)
	assert.Equal(t, "sensitive_path", audit.events[0].Type)
}

// Stage 3 refuses to run after a failed stage 2 and never calls the model.
func TestRunDeepAnalysis_AfterFailedStage2(t *testing.T) {
	exec := &fakeExec{res: &sandbox.ExecutionResult{Error: "NameError: x", ErrorType: sandbox.NameError}}
	rep := &fakeReporter{text: "never"}
	o := newTestOrchestrator(&fakeSynth{}, exec, rep)
	state := NewSessionState(salesTable(t))
	ctx := context.Background()
	o.RunSummary(ctx, state, nil)
	require.Equal(t, StatusFailure, o.RunCustomCode(ctx, state, "print(x)").Status)

	res := o.RunDeepAnalysis(ctx, state, "why?")

	assert.Equal(t, StatusFailure, res.Status)
	assert.ErrorIs(t, res.Err(), ErrStageNotReady)
	assert.Equal(t, StatusFailure, res.Payload.Stage2Status)
	assert.Zero(t, rep.deepCalls)
}

func TestRunDeepAnalysis_AfterPartialStage2(t *testing.T) {
	exec := &fakeExec{res: &sandbox.ExecutionResult{Stdout: "total 12", Stderr: "note"}}
	rep := &fakeReporter{text: "report"}
	o := newTestOrchestrator(&fakeSynth{}, exec, rep)
	state := NewSessionState(salesTable(t))
	ctx := context.Background()
	o.RunSummary(ctx, state, nil)
	require.Equal(t, StatusPartial, o.RunCustomCode(ctx, state, "print(1)").Status)

	res := o.RunDeepAnalysis(ctx, state, "why?")

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, StatusPartial, res.Payload.Stage2Status)
	assert.Empty(t, res.Payload.Stage2Question)
	assert.Contains(t, rep.evidence.Stage3Question, "user-supplied code")
}

func TestRunDeepAnalysis_ReporterError(t *testing.T) {
	rep := &fakeReporter{err: errors.New("quota exhausted")}
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, rep)
	state := NewSessionState(salesTable(t))
	ctx := context.Background()
	o.RunSummary(ctx, state, nil)
	o.RunCustomCode(ctx, state, "print(1)")

	res := o.RunDeepAnalysis(ctx, state, "why?")

	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.Error, "quota exhausted")
	assert.False(t, state.Completed(StageDeepAnalysis))
	assert.True(t, state.Completed(StagePreanalysis))
}

func TestStage2Summary_Truncates(t *testing.T) {
	long := strings.Repeat("é", stage2SummaryChars+50)
	res := &StageResult{Payload: Payload{Execution: &sandbox.ExecutionResult{Stdout: long}}}
	got := stage2Summary(res)
	assert.Equal(t, stage2SummaryChars, len([]rune(got)))

	res.Payload.Narrative = "narrative wins"
	assert.Equal(t, "narrative wins", stage2Summary(res))
}

func TestRerunClearsDownstream(t *testing.T) {
	rep := &fakeReporter{text: "report"}
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, rep)
	state := NewSessionState(salesTable(t))
	ctx := context.Background()
	o.RunSummary(ctx, state, nil)
	o.RunCustomCode(ctx, state, "print(1)")
	o.RunDeepAnalysis(ctx, state, "why?")
	require.True(t, state.Completed(StageDeepAnalysis))

	o.RunCustomCode(ctx, state, "print(2)")

	assert.True(t, state.Completed(StagePreanalysis))
	assert.False(t, state.Completed(StageDeepAnalysis))
	assert.Nil(t, state.Result(StageDeepAnalysis))
}

func TestReset(t *testing.T) {
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{text: "r"})
	ctx := context.Background()

	tests := []struct {
		stage Stage
		want  [3]bool
	}{
		{StageDeepAnalysis, [3]bool{true, true, false}},
		{StagePreanalysis, [3]bool{true, false, false}},
		{StageSummary, [3]bool{false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			state := NewSessionState(salesTable(t))
			o.RunSummary(ctx, state, nil)
			o.RunCustomCode(ctx, state, "print(1)")
			o.RunDeepAnalysis(ctx, state, "why?")

			require.NoError(t, o.Reset(state, tt.stage))
			// Resetting twice leaves the same state.
			require.NoError(t, o.Reset(state, tt.stage))

			got := [3]bool{
				state.Completed(StageSummary),
				state.Completed(StagePreanalysis),
				state.Completed(StageDeepAnalysis),
			}
			assert.Equal(t, tt.want, got)
			if tt.stage <= StagePreanalysis {
				assert.Empty(t, state.Code())
			}
			if tt.stage == StageSummary {
				assert.Nil(t, state.Profile())
				assert.NotNil(t, state.Table())
			}
		})
	}
}

func TestReset_InvalidStage(t *testing.T) {
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{})
	state := NewSessionState(salesTable(t))

	assert.ErrorIs(t, o.Reset(state, 0), ErrInvalidStage)
	assert.ErrorIs(t, o.Reset(state, 4), ErrInvalidStage)
}

func TestExplain(t *testing.T) {
	rep := &fakeReporter{}
	o := newTestOrchestrator(&fakeSynth{code: "print(1)"}, &fakeExec{}, rep)
	state := NewSessionState(salesTable(t))
	ctx := context.Background()

	_, err := o.Explain(ctx, state)
	require.ErrorIs(t, err, ErrStageNotReady)

	o.RunSummary(ctx, state, nil)
	o.RunPreanalysis(ctx, state, "top region")

	res, err := o.Explain(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "summary: top region", res.Payload.Narrative)
	assert.Equal(t, "summary: top region", state.Result(StagePreanalysis).Payload.Narrative)
	assert.True(t, state.Completed(StagePreanalysis))
	assert.Equal(t, 1, rep.sumCalls)
}

func TestRunCharts(t *testing.T) {
	synth := &fakeSynth{code: "fig = px.bar(df, x='region', y='sales')\ncharts.append(fig.to_json())"}
	exec := &fakeExec{}
	o := newTestOrchestrator(synth, exec, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunCharts(context.Background(), state, "by region")

	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "charts: by region", state.Question(StagePreanalysis))
	assert.Equal(t, 1, exec.calls)
}

func TestRunStage_RecoversPanic(t *testing.T) {
	o := newTestOrchestrator(&fakeSynth{}, panicExec{}, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)

	res := o.RunCustomCode(context.Background(), state, "print(1)")

	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.Error, "backend exploded")
	assert.Same(t, res, state.Result(StagePreanalysis))
}

func TestObserverEvents(t *testing.T) {
	var mu sync.Mutex
	var global, local []EventKind
	o := newTestOrchestrator(&fakeSynth{code: "print(1)"}, &fakeExec{}, &fakeReporter{},
		WithObserver(ObserverFunc(func(e Event) {
			mu.Lock()
			global = append(global, e.Kind)
			mu.Unlock()
		})),
	)
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)
	global = nil

	ctx := ContextWithObserver(context.Background(), ObserverFunc(func(e Event) {
		assert.Equal(t, state.ID, e.SessionID)
		assert.Equal(t, StagePreanalysis, e.Stage)
		local = append(local, e.Kind)
	}))
	o.RunPreanalysis(ctx, state, "q")

	want := []EventKind{EventStageStarted, EventCodeGenerated, EventValidated, EventExecuted, EventStageFinished}
	assert.Equal(t, want, local)
	assert.Equal(t, want, global)
}

func TestPipeline_Interpreter(t *testing.T) {
	exec := sandbox.NewExecutor(sandbox.NewInterpreter(), 2)
	o := newTestOrchestrator(&fakeSynth{}, exec, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	ctx := context.Background()
	o.RunSummary(ctx, state, nil)

	res := o.RunCustomCode(ctx, state, "print('rows', len(df))")

	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, "rows 4\n", res.Payload.Execution.Stdout)
}

func TestNewSessionID(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	id := NewSessionID(now)
	assert.Regexp(t, regexp.MustCompile(`^session_20240309140507_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewSessionID(now))
}

func TestSessionHistory(t *testing.T) {
	o := newTestOrchestrator(&fakeSynth{}, &fakeExec{}, &fakeReporter{})
	state := NewSessionState(salesTable(t))
	o.RunSummary(context.Background(), state, nil)
	require.NoError(t, o.Reset(state, StageSummary))

	h := state.History()
	require.Len(t, h, 3)
	assert.Equal(t, "created", h[0].Action)
	assert.Equal(t, "run", h[1].Action)
	assert.Equal(t, "success", h[1].Detail)
	assert.Equal(t, "reset", h[2].Action)

	h[0].Action = "mutated"
	assert.Equal(t, "created", state.History()[0].Action)
}
