package api

import (
	"time"

	"safe-analysis-sandbox/internal/pipeline"
)

// CreateSessionRequest is the JSON form of a dataset upload. Rows are
// row-major and may be shorter than Columns.
type CreateSessionRequest struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SessionResponse is returned when a session is created. Summary is the
// stage-1 result, run as part of creation.
type SessionResponse struct {
	SessionID string                `json:"session_id"`
	Rows      int                   `json:"rows"`
	Columns   []string              `json:"columns"`
	IdleTTL   Duration              `json:"idle_ttl"`
	Summary   *pipeline.StageResult `json:"summary"`
}

type QuestionRequest struct {
	Question string `json:"question"`
}

type CodeRequest struct {
	Code string `json:"code"`
}

// ChartsRequest asks for generated charts, optionally steered by a hint
// such as "bar chart of sales by region".
type ChartsRequest struct {
	Hint string `json:"hint,omitempty"`
}

// ModelsResponse lists the models the gateway can use. Fallback is set
// when the endpoint could not be queried and the built-in list is shown.
type ModelsResponse struct {
	Models   []string `json:"models"`
	Fallback bool     `json:"fallback"`
	Error    string   `json:"error,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database bool   `json:"database"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}
