package pipeline

import "time"

// EventKind names a progress event.
type EventKind string

const (
	EventStageStarted  EventKind = "stage_started"
	EventCodeGenerated EventKind = "code_generated"
	EventValidated     EventKind = "validated"
	EventExecuted      EventKind = "executed"
	EventReportDone    EventKind = "report_done"
	EventStageFinished EventKind = "stage_finished"
)

// Event reports progress inside a stage run.
type Event struct {
	SessionID string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Observer receives progress events. Calls are synchronous, on the
// goroutine running the stage.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
