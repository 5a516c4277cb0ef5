package job

import (
	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/planner"
)

// EventType discriminates the events on a job's stream.
type EventType string

const (
	// EventProgress announces a phase transition or intra-phase count.
	EventProgress EventType = "progress"

	// EventLog carries a human-readable log line from the job.
	EventLog EventType = "log"

	// EventCompletion is the terminal event. Exactly one is delivered
	// per job, always last, after which the stream closes.
	EventCompletion EventType = "completion"
)

// Event is one message on a job's stream. Fields beyond Type and JobID
// are populated per event type.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`

	// Progress fields. Total == 0 means the phase extent is unknown.
	Phase   planner.Phase `json:"phase,omitempty"`
	Current int           `json:"current,omitempty"`
	Total   int           `json:"total,omitempty"`

	// Log fields.
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// Completion fields.
	State     State                     `json:"state,omitempty"`
	Report    *entity.SyncPreviewReport `json:"report,omitempty"`
	Summary   *entity.ApplySummary      `json:"summary,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Retryable bool                      `json:"retryable,omitempty"`
}

// completionEvent builds the terminal event from a job snapshot.
func completionEvent(j Job) Event {
	return Event{
		Type:      EventCompletion,
		JobID:     j.ID,
		State:     j.State,
		Report:    j.Report,
		Summary:   j.Summary,
		Error:     j.Error,
		Retryable: j.Retryable,
	}
}
