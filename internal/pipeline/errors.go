package pipeline

import "errors"

var (
	// ErrStageNotReady means a stage ran before the stage it depends on
	// completed.
	ErrStageNotReady = errors.New("stage not ready")
	// ErrMissingArtifact means an upstream artifact the stage needs is gone.
	ErrMissingArtifact = errors.New("missing upstream artifact")
	// ErrSessionNotFound means the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCodeRejected means the validator refused the script; it never ran.
	ErrCodeRejected = errors.New("code rejected by validator")
	// ErrInvalidStage means a stage number outside 1..3.
	ErrInvalidStage = errors.New("invalid stage")
)

var (
	// ErrEmptyInput means a required question or script was blank.
	ErrEmptyInput = errors.New("empty input")
	// ErrExecutionFailed means the script raised inside the sandbox.
	ErrExecutionFailed = errors.New("execution failed")
)
