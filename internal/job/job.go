// Package job runs preview and execute work asynchronously and exposes
// their lifecycle to callers: submission returns a job ID immediately,
// progress streams over per-job event channels, and a polling snapshot
// is always available for callers that miss events.
//
// Ordering contract: a job performs no observable work before its
// submission call returns, and the completion event is always the last
// event on a job's stream.
package job

import (
	"time"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/planner"
)

// Kind is what a job does.
type Kind string

const (
	// KindPreview computes a sync preview report. Previews are
	// side-effect-free and any number may run concurrently.
	KindPreview Kind = "preview"

	// KindExecute applies a resolved preview. At most one execute job
	// runs per workspace at a time.
	KindExecute Kind = "execute"
)

// State is a job's lifecycle state. queued and running are transient;
// succeeded and failed are terminal.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job is a point-in-time snapshot of one job. Snapshots are value
// copies; callers never observe fields changing underneath them.
type Job struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Kind        Kind   `json:"kind"`
	State       State  `json:"state"`

	// Phase is the currently running sub-stage. Empty unless running.
	Phase planner.Phase `json:"phase,omitempty"`

	// Report is the preview result. Set only for succeeded previews.
	Report *entity.SyncPreviewReport `json:"report,omitempty"`

	// Summary is the apply result. Set for finished execute jobs,
	// including partial failures.
	Summary *entity.ApplySummary `json:"summary,omitempty"`

	// Error describes the failure. Empty unless failed.
	Error string `json:"error,omitempty"`

	// Retryable hints whether resubmitting the same job could succeed.
	// Meaningful only when failed.
	Retryable bool `json:"retryable,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
