package storage

import "time"

// Event sources.
const (
	SourceValidator = "validator"
	SourceDetector  = "detector"
)

// SecurityEvent is one audited security finding: a validator rejection or
// an escape-detector match. It never carries script output.
type SecurityEvent struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	ExecutionID string    `json:"execution_id,omitempty" db:"execution_id"`
	CodeHash    string    `json:"code_hash" db:"code_hash"`
	Source      string    `json:"source" db:"source"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Reason      string    `json:"reason" db:"reason"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// EventFilter provides criteria for querying security events.
type EventFilter struct {
	SessionID string
	Severity  string
	Source    string
	Since     *time.Time
	Limit     int
	Offset    int
}
