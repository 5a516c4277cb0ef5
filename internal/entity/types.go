// Package entity defines the value types exchanged by the sync engine:
// path-level change candidates, conflicts, orphan reports, preview
// reports, and the caller-supplied resolution request.
//
// These are plain value types. They carry no references to one another;
// actions, conflicts and orphans are correlated only by Path and
// ParentSlug string keys, resolved at grouping time. This keeps a
// report safe to hand across goroutines and trivially supersedable by
// the next preview run.
package entity

// Type classifies what kind of platform entity a repository path
// belongs to.
type Type string

const (
	// TypeWorkflow is an automation definition (workflows/<slug>.yaml).
	TypeWorkflow Type = "workflow"

	// TypeForm is a UI form definition (forms/<slug>.yaml).
	TypeForm Type = "form"

	// TypeAgent is a conversational agent definition (agents/<slug>.yaml).
	TypeAgent Type = "agent"

	// TypeApp is the primary file of a multi-file application
	// (apps/<slug>/app.yaml).
	TypeApp Type = "app"

	// TypeAppFile is a non-primary file belonging to an app
	// (apps/<slug>/...).
	TypeAppFile Type = "app_file"

	// TypeUnknown is a tracked path that matches no entity convention.
	TypeUnknown Type = "unknown"
)

// String returns the string representation of the entity type.
func (t Type) String() string {
	return string(t)
}

// Action is the kind of change a SyncAction proposes.
type Action string

const (
	// ActionAdd creates a path that does not exist on the receiving side.
	ActionAdd Action = "add"

	// ActionModify overwrites an existing path.
	ActionModify Action = "modify"

	// ActionDelete removes a path.
	ActionDelete Action = "delete"
)

// SyncAction is one path-level change candidate in a preview report.
type SyncAction struct {
	// Path is the repository-relative path. Unique within one report.
	Path string `json:"path"`

	// Action is what applying this change would do.
	Action Action `json:"action"`

	// EntityType classifies the path.
	EntityType Type `json:"entity_type"`

	// DisplayName is for presentation only, never identity.
	DisplayName string `json:"display_name"`

	// ParentSlug identifies the owning multi-file app. Set only for
	// app and app_file entity types.
	ParentSlug string `json:"parent_slug,omitempty"`
}

// SyncConflict is a path where both sides changed since the baseline.
//
// LocalContent and RemoteContent are lazily populated; they stay nil
// until a caller explicitly fetches them, since most conflicts in a
// session are never inspected and remote reads are expensive.
type SyncConflict struct {
	Path        string `json:"path"`
	EntityType  Type   `json:"entity_type"`
	DisplayName string `json:"display_name"`
	ParentSlug  string `json:"parent_slug,omitempty"`

	LocalContent  *string `json:"local_content,omitempty"`
	RemoteContent *string `json:"remote_content,omitempty"`
}

// OrphanInfo reports a workflow that would lose its last referencing
// entity if the pending incoming changes were applied.
type OrphanInfo struct {
	// WorkflowID identifies the referenced workflow.
	WorkflowID string `json:"workflow_id"`

	// WorkflowName is the workflow's display name.
	WorkflowName string `json:"workflow_name"`

	// FunctionName is the callable symbol inside the workflow,
	// disambiguating workflows whose display names collide.
	FunctionName string `json:"function_name"`
}

// SyncPreviewReport is the immutable result of one preview run.
// It is created once on preview completion and superseded, never
// mutated, by the next preview.
type SyncPreviewReport struct {
	ToPull     []SyncAction   `json:"to_pull"`
	ToPush     []SyncAction   `json:"to_push"`
	Conflicts  []SyncConflict `json:"conflicts"`
	WillOrphan []OrphanInfo   `json:"will_orphan"`

	// UnresolvedRefs lists cross-entity references in the incoming set
	// that would not resolve after apply. They never block preview,
	// only execute (behind ConfirmUnresolvedRefs).
	UnresolvedRefs []string `json:"unresolved_refs,omitempty"`
}

// IsEmpty reports whether the preview found nothing to do.
func (r *SyncPreviewReport) IsEmpty() bool {
	return len(r.ToPull) == 0 && len(r.ToPush) == 0 &&
		len(r.Conflicts) == 0 && len(r.WillOrphan) == 0
}

// Resolution picks which side wins for one conflicted path.
type Resolution string

const (
	// KeepLocal keeps the database version entirely.
	KeepLocal Resolution = "keep_local"

	// KeepRemote keeps the repository version entirely.
	KeepRemote Resolution = "keep_remote"
)

// ResolutionRequest is the caller input to an execute job.
type ResolutionRequest struct {
	// ConflictResolutions maps conflicted paths to the winning side.
	// Every conflict in the report must have an entry.
	ConflictResolutions map[string]Resolution `json:"conflict_resolutions"`

	// ConfirmOrphans acknowledges the will-orphan list.
	ConfirmOrphans bool `json:"confirm_orphans"`

	// ConfirmUnresolvedRefs acknowledges references that will dangle
	// after apply.
	ConfirmUnresolvedRefs bool `json:"confirm_unresolved_refs"`
}

// EntityResult records the apply outcome for a single entity.
type EntityResult struct {
	// Path is the primary path of the entity.
	Path string `json:"path"`

	// Error is empty on success.
	Error string `json:"error,omitempty"`
}

// ApplySummary is the result of an execute job. Apply is per-entity
// atomic, not report atomic: a failed entity does not roll back the
// entities already written, so the summary always names which
// succeeded.
type ApplySummary struct {
	Applied []EntityResult `json:"applied"`
	Failed  []EntityResult `json:"failed"`

	// Skipped counts entities that were already in the target state
	// (idempotent re-run of a partially applied sync).
	Skipped int `json:"skipped"`
}

// Succeeded reports whether every entity applied cleanly.
func (s *ApplySummary) Succeeded() bool {
	return len(s.Failed) == 0
}
