package pipeline

import (
	"fmt"
	"time"

	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/validator"
)

// Stage is one phase of the analysis pipeline.
type Stage int

const (
	StageSummary Stage = iota + 1
	StagePreanalysis
	StageDeepAnalysis
)

func (s Stage) String() string {
	switch s {
	case StageSummary:
		return "summary"
	case StagePreanalysis:
		return "preanalysis"
	case StageDeepAnalysis:
		return "deep_analysis"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is one of the three stages.
func (s Stage) Valid() bool {
	return s >= StageSummary && s <= StageDeepAnalysis
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial_success"
	StatusFailure Status = "failure"
)

// Succeeded reports whether downstream stages may build on the result.
func (s Status) Succeeded() bool {
	return s == StatusSuccess || s == StatusPartial
}

// Payload carries a stage's artifacts. Fields not produced by the stage
// are left empty.
type Payload struct {
	Narrative string                   `json:"narrative,omitempty"`
	Code      string                   `json:"code,omitempty"`
	Fixes     []string                 `json:"fixes,omitempty"`
	Execution *sandbox.ExecutionResult `json:"execution,omitempty"`
	Hints     []sandbox.Hint           `json:"hints,omitempty"`
	Rejection *validator.Verdict       `json:"rejection,omitempty"`

	Profile *profile.Profile       `json:"profile,omitempty"`
	Quality []profile.QualityCheck `json:"quality,omitempty"`

	Stage2Question   string `json:"stage2_question,omitempty"`
	Stage3Question   string `json:"stage3_question,omitempty"`
	Stage2Summary    string `json:"stage2_summary,omitempty"`
	Stage2ChartCount int    `json:"stage2_chart_count,omitempty"`
	Stage2Status     Status `json:"stage2_status,omitempty"`
}

// StageResult is the outcome of one stage run.
type StageResult struct {
	Stage       Stage     `json:"stage"`
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	Payload     Payload   `json:"payload"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`

	err error
}

// Err returns the error behind a failure, for errors.Is checks.
func (r *StageResult) Err() error {
	return r.err
}

func failure(stage Stage, msg string, err error) *StageResult {
	return &StageResult{
		Stage:       stage,
		Status:      StatusFailure,
		Message:     msg,
		Error:       err.Error(),
		CompletedAt: time.Now(),
		err:         err,
	}
}
