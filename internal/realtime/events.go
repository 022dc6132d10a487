package realtime

import "github.com/google/uuid"

// EventKind enumerates the SSE event types a provisioning run emits (spec
// §6.3: "log, stage_started, stage_completed, stage_failed, progress,
// heartbeat, done").
type EventKind string

const (
	EventLog            EventKind = "log"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventProgress       EventKind = "progress"
	EventHeartbeat      EventKind = "heartbeat"
	EventDone           EventKind = "done"
)

// Event is one SSE frame. Fields not relevant to Kind are left zero-valued
// and omitted from the wire encoding.
type Event struct {
	Kind     EventKind `json:"kind"`
	JobID    uuid.UUID `json:"job_id"`
	Stage    string    `json:"stage,omitempty"`
	Index    int       `json:"index,omitempty"`
	Level    string    `json:"level,omitempty"`
	Source   string    `json:"source,omitempty"`
	Message  string    `json:"message,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Result   any       `json:"result,omitempty"`
}

// terminal reports whether this event ends a job's event stream.
func (e Event) terminal() bool {
	return e.Kind == EventDone || e.Kind == EventStageFailed
}
