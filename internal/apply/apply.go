// Package apply executes a validated sync resolution: for every
// entity-level group in the report, the winning side is written to the
// losing side's store.
//
// Apply is per-entity atomic, not report atomic. A failed entity does
// not roll back entities already written, since cross-store rollback
// over a relational store and a git tree is not achievable; the summary
// always names which entities succeeded. Re-running after a partial
// failure is safe: a path whose stores already agree is skipped.
//
// The comparator is re-run per path before each write. A side that
// changed after the preview was taken fails that entity with ErrStale
// instead of being overwritten; only an explicit conflict resolution
// waives the check for its path.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/fingerprint"
	"github.com/loomworks/entsync/internal/grouping"
	"github.com/loomworks/entsync/internal/repo"
	"github.com/loomworks/entsync/internal/store"
)

// Progress is called after each entity-level group is processed.
type Progress = func(current, total int)

// ErrStale marks an entity whose losing side changed between preview
// and execute. Overwriting it would discard an edit the caller never
// saw, so the entity fails into the summary and a fresh preview is
// required.
var ErrStale = errors.New("changed since preview")

// Applier writes resolved changes to the entity store and the
// repository.
type Applier struct {
	store  *store.DB
	repo   repo.Client
	logger *log.Logger
}

// New creates an applier. If logger is nil, a default logger writing
// to stderr is used.
func New(db *store.DB, rc repo.Client, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Applier{store: db, repo: rc, logger: logger}
}

// direction is which side wins for a unit of work.
type direction int

const (
	pullRemote direction = iota // remote wins, write into the store
	pushLocal                   // local wins, write into the repository
)

// unit is one entity-level group plus the direction to apply it in.
type unit struct {
	group grouping.GroupedEntity
	dir   direction
}

// Apply executes the report under the given resolutions. The request
// must already have passed the resolution gate.
//
// Cancellation is honored between entities, never mid-entity: once a
// unit's first write lands, the unit runs to completion, and the
// context is consulted again before the next one.
func (a *Applier) Apply(ctx context.Context, report *entity.SyncPreviewReport, req entity.ResolutionRequest, progress Progress) (*entity.ApplySummary, error) {
	units := a.buildUnits(report, req)

	// Paths the caller explicitly resolved: divergence on the losing
	// side is already acknowledged there, so the staleness re-check is
	// waived for them.
	resolved := make(map[string]bool, len(req.ConflictResolutions))
	for path := range req.ConflictResolutions {
		resolved[path] = true
	}

	summary := &entity.ApplySummary{
		Applied: []entity.EntityResult{},
		Failed:  []entity.EntityResult{},
	}

	for i, u := range units {
		if err := ctx.Err(); err != nil {
			// Remaining entities are reported as not attempted.
			for _, rest := range units[i:] {
				summary.Failed = append(summary.Failed, entity.EntityResult{
					Path:  rest.group.Primary.Path,
					Error: "cancelled before apply",
				})
			}
			return summary, err
		}

		changed, err := a.applyUnit(ctx, u, resolved)
		switch {
		case err != nil:
			a.logger.Printf("Failed to apply %s: %v", u.group.Primary.Path, err)
			summary.Failed = append(summary.Failed, entity.EntityResult{
				Path:  u.group.Primary.Path,
				Error: err.Error(),
			})
		case !changed:
			summary.Skipped++
		default:
			summary.Applied = append(summary.Applied, entity.EntityResult{
				Path: u.group.Primary.Path,
			})
		}

		if progress != nil {
			progress(i+1, len(units))
		}
	}

	return summary, nil
}

// buildUnits folds the report and resolutions into entity-level apply
// units. Conflicts join the pull or push direction per their
// resolution; the gate guarantees every conflict has one.
func (a *Applier) buildUnits(report *entity.SyncPreviewReport, req entity.ResolutionRequest) []unit {
	var pull, push []entity.SyncAction
	pull = append(pull, report.ToPull...)
	push = append(push, report.ToPush...)

	for _, c := range report.Conflicts {
		action := entity.SyncAction{
			Path:        c.Path,
			Action:      entity.ActionModify,
			EntityType:  c.EntityType,
			DisplayName: c.DisplayName,
			ParentSlug:  c.ParentSlug,
		}
		switch req.ConflictResolutions[c.Path] {
		case entity.KeepRemote:
			pull = append(pull, action)
		case entity.KeepLocal:
			push = append(push, action)
		}
	}

	var units []unit
	for _, g := range grouping.Group(pull) {
		units = append(units, unit{group: g, dir: pullRemote})
	}
	for _, g := range grouping.Group(push) {
		units = append(units, unit{group: g, dir: pushLocal})
	}
	return units
}

// applyUnit applies one entity group. Returns changed=false when every
// path in the group was already in the target state.
//
// A synthesized placeholder primary is not a report action, so only the
// children are written for such a group; writing the placeholder would
// drag the app's primary file along with a change nobody previewed.
func (a *Applier) applyUnit(ctx context.Context, u unit, resolved map[string]bool) (bool, error) {
	actions := u.group.Children
	if !u.group.PlaceholderPrimary {
		actions = append([]entity.SyncAction{u.group.Primary}, u.group.Children...)
	}

	changed := false
	for _, action := range actions {
		var (
			didChange bool
			err       error
		)
		if u.dir == pullRemote {
			didChange, err = a.pullPath(ctx, action, resolved[action.Path])
		} else {
			didChange, err = a.pushPath(ctx, action, resolved[action.Path])
		}
		if err != nil {
			return changed, err
		}
		changed = changed || didChange
	}

	if u.dir == pushLocal && changed {
		msg := fmt.Sprintf("sync: %s %s", u.group.Primary.EntityType, u.group.Primary.DisplayName)
		if err := repo.WithRetry(ctx, repo.DefaultRetryAttempts, repo.DefaultRetryBackoff, func() error {
			return a.repo.Commit(ctx, msg)
		}); err != nil {
			return changed, fmt.Errorf("failed to commit %s: %w", u.group.Primary.Path, err)
		}
	}

	return changed, nil
}

// pullPath writes the remote version of one path into the entity
// store. No-op when the store already matches the remote content, so a
// re-run after a partial failure skips entities an earlier run pulled.
//
// Unless the path carries a resolution, the comparator is re-run
// against the current fingerprints first: a local edit made after the
// preview means the report is stale, and the entity fails with ErrStale
// instead of being overwritten.
func (a *Applier) pullPath(ctx context.Context, action entity.SyncAction, resolved bool) (bool, error) {
	if action.Action == entity.ActionDelete {
		return a.pullDelete(ctx, action)
	}

	blob, err := a.repo.ReadBlob(ctx, action.Path)
	if err != nil {
		return false, fmt.Errorf("failed to read remote %s: %w", action.Path, err)
	}
	remoteFP := fingerprint.Sum(blob)

	// A resolved path may hold local content that cannot be serialized
	// (that is what forced the conflict); the resolution overwrites it,
	// so the fingerprint failure only matters for unresolved paths.
	localFP, fpErr := a.localFingerprint(ctx, action)
	if fpErr != nil && !resolved {
		return false, fpErr
	}
	if fpErr == nil && localFP == remoteFP {
		return false, a.store.SetBaseline(ctx, action.Path, remoteFP)
	}

	if !resolved {
		baseFP, err := a.store.BaselineFor(ctx, action.Path)
		if err != nil {
			return false, err
		}
		if out := fingerprint.Compare(localFP, remoteFP, baseFP); out != fingerprint.RemoteOnly {
			return false, fmt.Errorf("local %s: %w", action.Path, ErrStale)
		}
	}

	switch action.EntityType {
	case entity.TypeAppFile:
		if err := a.pullAppFile(ctx, action, string(blob)); err != nil {
			return false, err
		}

	default:
		if err := a.pullEntity(ctx, action, string(blob)); err != nil {
			return false, err
		}
	}

	if err := a.store.SetBaseline(ctx, action.Path, remoteFP); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Applier) pullEntity(ctx context.Context, action entity.SyncAction, content string) error {
	doc, err := store.Deserialize(content)
	if err != nil {
		return fmt.Errorf("failed to parse incoming %s: %w", action.Path, err)
	}

	rec, err := a.store.FindBySlug(ctx, doc.Type, doc.Slug)
	switch {
	case err == nil:
		doc.ID = rec.ID
	case errors.Is(err, store.ErrNotFound):
		doc.ID = uuid.NewString()
	default:
		return err
	}

	if err := a.store.WriteEntity(ctx, doc); err != nil {
		return err
	}
	return a.syncRefs(ctx, doc)
}

func (a *Applier) pullAppFile(ctx context.Context, action entity.SyncAction, content string) error {
	owner, err := a.ensureApp(ctx, action.ParentSlug)
	if err != nil {
		return err
	}
	rel := strings.TrimPrefix(action.Path, entity.AppDir+"/"+action.ParentSlug+"/")
	return a.store.WriteAppFile(ctx, owner.ID, rel, content)
}

// ensureApp resolves the owning app record, creating a minimal one if
// the app's primary file has not arrived yet (placeholder promotion at
// apply time mirrors grouping's placeholder primary).
func (a *Applier) ensureApp(ctx context.Context, slug string) (*store.Record, error) {
	rec, err := a.store.FindBySlug(ctx, entity.TypeApp, slug)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rec = &store.Record{
		ID:      uuid.NewString(),
		Type:    entity.TypeApp,
		Slug:    slug,
		Name:    slug,
		Content: "{}\n",
	}
	if err := a.store.WriteEntity(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (a *Applier) pullDelete(ctx context.Context, action entity.SyncAction) (bool, error) {
	switch action.EntityType {
	case entity.TypeAppFile:
		owner, err := a.store.FindBySlug(ctx, entity.TypeApp, action.ParentSlug)
		if errors.Is(err, store.ErrNotFound) {
			// Already gone; just forget the baseline.
			return false, a.store.DeleteBaseline(ctx, action.Path)
		}
		if err != nil {
			return false, err
		}
		rel := strings.TrimPrefix(action.Path, entity.AppDir+"/"+action.ParentSlug+"/")
		if err := a.store.DeleteAppFile(ctx, owner.ID, rel); err != nil {
			return false, err
		}

	default:
		typ, _ := entity.ClassifyPath(action.Path)
		rec, err := a.store.FindBySlug(ctx, typ, entity.Slug(action.Path))
		if errors.Is(err, store.ErrNotFound) {
			return false, a.store.DeleteBaseline(ctx, action.Path)
		}
		if err != nil {
			return false, err
		}
		if err := a.store.DeleteEntity(ctx, rec.ID); err != nil {
			return false, err
		}
	}

	if err := a.store.DeleteBaseline(ctx, action.Path); err != nil {
		return false, err
	}
	return true, nil
}

// pushPath writes the local version of one path into the repository.
// No-op when the mirror already matches the local content.
//
// The same staleness re-check as pullPath applies on the remote side:
// a blob that changed after the preview fails with ErrStale rather
// than being clobbered by the local version.
func (a *Applier) pushPath(ctx context.Context, action entity.SyncAction, resolved bool) (bool, error) {
	if action.Action == entity.ActionDelete {
		if err := a.repo.RemoveBlob(ctx, action.Path); err != nil {
			return false, err
		}
		return true, a.store.DeleteBaseline(ctx, action.Path)
	}

	content, err := a.localContent(ctx, action)
	if err != nil {
		return false, err
	}
	localFP := fingerprint.SumString(content)

	// Idempotence: skip the write when the mirror already carries the
	// local content.
	remoteFP := fingerprint.Empty
	if blob, err := a.repo.ReadBlob(ctx, action.Path); err == nil {
		remoteFP = fingerprint.Sum(blob)
		if remoteFP == localFP {
			return false, a.store.SetBaseline(ctx, action.Path, localFP)
		}
	} else if !errors.Is(err, repo.ErrBlobNotFound) {
		return false, err
	}

	if !resolved {
		baseFP, err := a.store.BaselineFor(ctx, action.Path)
		if err != nil {
			return false, err
		}
		if out := fingerprint.Compare(localFP, remoteFP, baseFP); out != fingerprint.LocalOnly {
			return false, fmt.Errorf("remote %s: %w", action.Path, ErrStale)
		}
	}

	if err := a.repo.WriteBlob(ctx, action.Path, []byte(content)); err != nil {
		return false, err
	}
	if err := a.store.SetBaseline(ctx, action.Path, localFP); err != nil {
		return false, err
	}
	return true, nil
}

// localFingerprint returns the fingerprint of the path's current local
// serialization, or fingerprint.Empty when no local counterpart exists.
func (a *Applier) localFingerprint(ctx context.Context, action entity.SyncAction) (string, error) {
	content, err := a.localContent(ctx, action)
	if errors.Is(err, store.ErrNotFound) {
		return fingerprint.Empty, nil
	}
	if err != nil {
		return "", err
	}
	return fingerprint.SumString(content), nil
}

func (a *Applier) localContent(ctx context.Context, action entity.SyncAction) (string, error) {
	if action.EntityType == entity.TypeAppFile {
		owner, err := a.store.FindBySlug(ctx, entity.TypeApp, action.ParentSlug)
		if err != nil {
			return "", fmt.Errorf("failed to load owning app of %s: %w", action.Path, err)
		}
		files, err := a.store.AppFiles(ctx, owner.ID)
		if err != nil {
			return "", err
		}
		rel := strings.TrimPrefix(action.Path, entity.AppDir+"/"+action.ParentSlug+"/")
		content, ok := files[rel]
		if !ok {
			return "", fmt.Errorf("app file %s: %w", action.Path, store.ErrNotFound)
		}
		return content, nil
	}

	typ, _ := entity.ClassifyPath(action.Path)
	rec, err := a.store.FindBySlug(ctx, typ, entity.Slug(action.Path))
	if err != nil {
		return "", fmt.Errorf("failed to load local %s: %w", action.Path, err)
	}
	text, err := store.Serialize(rec)
	if err != nil {
		return "", err
	}
	return text, nil
}

// syncRefs replaces an entity's outgoing reference edges with the ones
// named in its incoming document. Edges to workflows that do not exist
// yet are skipped; the resolution gate has already made the caller
// confirm unresolved references.
func (a *Applier) syncRefs(ctx context.Context, rec *store.Record) error {
	if err := a.store.RemoveRefsFrom(ctx, rec.ID); err != nil {
		return err
	}
	for _, ref := range rec.References {
		wf, err := a.store.FindBySlug(ctx, entity.TypeWorkflow, ref.Workflow)
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Printf("Skipping dangling ref %s -> workflow %q", rec.Slug, ref.Workflow)
			continue
		}
		if err != nil {
			return err
		}
		if err := a.store.AddRef(ctx, rec.ID, wf.ID, ref.Function); err != nil {
			return err
		}
	}
	return nil
}
