// Package planner computes a workspace's sync preview: the difference
// between the entity store and the remote repository tree, classified
// into incoming changes, outgoing changes and conflicts, with orphan
// and unresolved-reference analysis on the incoming set.
//
// A plan run is side-effect-free and executes as a fixed sequence of
// named phases, each announced through the Reporter before it starts.
// Cancellation is cooperative: the context is checked between phases,
// never mid-phase.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/fingerprint"
	"github.com/loomworks/entsync/internal/orphan"
	"github.com/loomworks/entsync/internal/repo"
	"github.com/loomworks/entsync/internal/store"
)

// Phase names one sub-stage of a plan run, used for progress reporting.
type Phase string

const (
	PhaseCloning          Phase = "cloning"
	PhaseScanning         Phase = "scanning"
	PhaseLoadingLocal     Phase = "loading_local"
	PhaseSerializing      Phase = "serializing"
	PhaseComparing        Phase = "comparing"
	PhaseAnalyzingOrphans Phase = "analyzing_orphans"
	PhaseAnalyzingRefs    Phase = "analyzing_refs"
)

// Phases lists every phase in execution order.
var Phases = []Phase{
	PhaseCloning, PhaseScanning, PhaseLoadingLocal, PhaseSerializing,
	PhaseComparing, PhaseAnalyzingOrphans, PhaseAnalyzingRefs,
}

// Reporter receives progress and log events during a plan run.
// total == 0 means the phase's extent is indeterminate.
type Reporter interface {
	Progress(phase Phase, current, total int)
	Log(level, message string)
}

// nopReporter discards all events.
type nopReporter struct{}

func (nopReporter) Progress(Phase, int, int) {}
func (nopReporter) Log(string, string)       {}

// NopReporter returns a Reporter that discards everything.
func NopReporter() Reporter { return nopReporter{} }

// Store is the entity-store surface the planner consumes.
type Store interface {
	ListEntities(ctx context.Context) ([]*store.Record, error)
	FindBySlug(ctx context.Context, typ entity.Type, slug string) (*store.Record, error)
	AppFiles(ctx context.Context, entityID string) (map[string]string, error)
	Baseline(ctx context.Context) (map[string]string, error)
	Graph(ctx context.Context) orphan.Graph
}

// Planner orchestrates comparator, grouper inputs and the analyzers
// into a single preview report.
type Planner struct {
	store Store
	repo  repo.Client

	// RetryAttempts and RetryBackoff bound automatic retries of
	// transient repository failures during the cloning phase.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// New creates a planner over the given collaborators.
func New(st Store, rc repo.Client) *Planner {
	return &Planner{
		store:         st,
		repo:          rc,
		RetryAttempts: repo.DefaultRetryAttempts,
		RetryBackoff:  repo.DefaultRetryBackoff,
	}
}

// localFile is the serialized local state of one repository path.
type localFile struct {
	fp  string
	rec *store.Record

	// serializeErr marks a local entity whose canonical form could not
	// be produced. Such paths are reported as conflicts requiring
	// manual inspection, never silently excluded.
	serializeErr error
}

// Plan computes the preview report. reporter may be nil.
func (p *Planner) Plan(ctx context.Context, reporter Reporter) (*entity.SyncPreviewReport, error) {
	if reporter == nil {
		reporter = NopReporter()
	}

	// Phase: cloning.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reporter.Progress(PhaseCloning, 0, 0)
	err := repo.WithRetry(ctx, p.RetryAttempts, p.RetryBackoff, func() error {
		return p.repo.Refresh(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("cloning failed: %w", err)
	}

	// Phase: scanning.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reporter.Progress(PhaseScanning, 0, 0)
	tree, err := p.repo.ListTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning failed: %w", err)
	}
	remote := make(map[string]string, len(tree))
	for _, e := range tree {
		if entity.IsTracked(e.Path) {
			remote[e.Path] = e.Fingerprint
		}
	}

	// Phase: loading_local.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reporter.Progress(PhaseLoadingLocal, 0, 0)
	records, err := p.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading local entities failed: %w", err)
	}
	baseline, err := p.store.Baseline(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading baseline failed: %w", err)
	}

	// Phase: serializing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local := make(map[string]localFile)
	for i, rec := range records {
		reporter.Progress(PhaseSerializing, i+1, len(records))

		text, serr := store.Serialize(rec)
		primary := rec.Path()
		if serr != nil {
			reporter.Log("warning", fmt.Sprintf("cannot serialize %s: %v", primary, serr))
			local[primary] = localFile{rec: rec, serializeErr: serr}
			continue
		}
		local[primary] = localFile{fp: fingerprint.SumString(text), rec: rec}

		if rec.Type == entity.TypeApp {
			files, err := p.store.AppFiles(ctx, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("loading app files of %s failed: %w", rec.ID, err)
			}
			for rel, content := range files {
				path := entity.AppDir + "/" + rec.Slug + "/" + rel
				local[path] = localFile{fp: fingerprint.SumString(content), rec: rec}
			}
		}
	}

	// Phase: comparing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &entity.SyncPreviewReport{
		ToPull:     []entity.SyncAction{},
		ToPush:     []entity.SyncAction{},
		Conflicts:  []entity.SyncConflict{},
		WillOrphan: []entity.OrphanInfo{},
	}

	paths := unionPaths(local, remote, baseline)
	for i, path := range paths {
		reporter.Progress(PhaseComparing, i+1, len(paths))

		lf := local[path]
		if lf.serializeErr != nil {
			report.Conflicts = append(report.Conflicts, p.conflictFor(path, lf.rec))
			continue
		}

		outcome := fingerprint.Compare(lf.fp, remote[path], baseline[path])
		switch outcome {
		case fingerprint.Unchanged:
			// Nothing to reconcile.

		case fingerprint.RemoteOnly:
			report.ToPull = append(report.ToPull,
				p.actionFor(path, lf.rec, changeAction(remote[path], baseline[path])))

		case fingerprint.LocalOnly:
			report.ToPush = append(report.ToPush,
				p.actionFor(path, lf.rec, changeAction(lf.fp, baseline[path])))

		case fingerprint.Diverged:
			report.Conflicts = append(report.Conflicts, p.conflictFor(path, lf.rec))
		}
	}

	// Phase: analyzing_orphans.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reporter.Progress(PhaseAnalyzingOrphans, 0, 0)
	pending := p.pendingPullSet(report.ToPull, local)
	orphans, err := orphan.Analyze(pending, p.store.Graph(ctx))
	if err != nil {
		return nil, fmt.Errorf("orphan analysis failed: %w", err)
	}
	report.WillOrphan = orphans

	// Phase: analyzing_refs.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reporter.Progress(PhaseAnalyzingRefs, 0, 0)
	unresolved, err := p.analyzeRefs(ctx, report.ToPull)
	if err != nil {
		return nil, fmt.Errorf("reference analysis failed: %w", err)
	}
	report.UnresolvedRefs = unresolved

	return report, nil
}

// changeAction picks add/modify/delete given the changed side's
// fingerprint and the baseline.
func changeAction(side, baseline string) entity.Action {
	switch {
	case side == fingerprint.Empty:
		return entity.ActionDelete
	case baseline == fingerprint.Empty:
		return entity.ActionAdd
	default:
		return entity.ActionModify
	}
}

// actionFor builds a SyncAction for a path, preferring the local
// record's display name when the entity is known locally.
func (p *Planner) actionFor(path string, rec *store.Record, action entity.Action) entity.SyncAction {
	typ, parent := entity.ClassifyPath(path)

	name := displayName(path, typ, rec)
	return entity.SyncAction{
		Path:        path,
		Action:      action,
		EntityType:  typ,
		DisplayName: name,
		ParentSlug:  parent,
	}
}

func (p *Planner) conflictFor(path string, rec *store.Record) entity.SyncConflict {
	typ, parent := entity.ClassifyPath(path)
	return entity.SyncConflict{
		Path:        path,
		EntityType:  typ,
		DisplayName: displayName(path, typ, rec),
		ParentSlug:  parent,
	}
}

func displayName(path string, typ entity.Type, rec *store.Record) string {
	if rec != nil && typ != entity.TypeAppFile {
		return rec.Name
	}
	return entity.Slug(path)
}

// pendingPullSet maps incoming overwrite/delete actions back to the
// local entity IDs they would affect. Adds overwrite nothing.
func (p *Planner) pendingPullSet(toPull []entity.SyncAction, local map[string]localFile) map[string]bool {
	pending := make(map[string]bool)
	for _, a := range toPull {
		if a.Action == entity.ActionAdd {
			continue
		}
		if lf, ok := local[a.Path]; ok && lf.rec != nil {
			pending[lf.rec.ID] = true
		}
	}
	return pending
}

// analyzeRefs validates that every cross-entity reference in the
// incoming set resolves to an entity that will exist after apply.
// Unresolved references never block preview, only execute.
func (p *Planner) analyzeRefs(ctx context.Context, toPull []entity.SyncAction) ([]string, error) {
	// Workflows added or kept by the pull set, by slug.
	incomingWorkflows := make(map[string]bool)
	deletedPaths := make(map[string]bool)
	for _, a := range toPull {
		if a.Action == entity.ActionDelete {
			deletedPaths[a.Path] = true
			continue
		}
		if a.EntityType == entity.TypeWorkflow {
			incomingWorkflows[entity.Slug(a.Path)] = true
		}
	}

	var unresolved []string
	for _, a := range toPull {
		if a.Action == entity.ActionDelete || a.EntityType == entity.TypeAppFile ||
			a.EntityType == entity.TypeUnknown {
			continue
		}

		blob, err := p.repo.ReadBlob(ctx, a.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read incoming %s: %w", a.Path, err)
		}
		doc, err := store.Deserialize(string(blob))
		if err != nil {
			// A malformed incoming document already surfaces as a
			// conflict or apply failure; skip it here.
			continue
		}

		for _, ref := range doc.References {
			ok, err := p.refResolves(ctx, ref.Workflow, incomingWorkflows, deletedPaths)
			if err != nil {
				return nil, err
			}
			if !ok {
				unresolved = append(unresolved,
					fmt.Sprintf("%s references workflow %q which will not exist after apply",
						a.Path, ref.Workflow))
			}
		}
	}

	sort.Strings(unresolved)
	return unresolved, nil
}

// refResolves reports whether a workflow slug will exist after the
// incoming set is applied.
func (p *Planner) refResolves(ctx context.Context, slug string, incoming map[string]bool, deleted map[string]bool) (bool, error) {
	if deleted[entity.PrimaryPath(entity.TypeWorkflow, slug)] {
		return false, nil
	}
	if incoming[slug] {
		return true, nil
	}

	_, err := p.store.FindBySlug(ctx, entity.TypeWorkflow, slug)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to resolve workflow %q: %w", slug, err)
}

// unionPaths returns the sorted union of all path keys.
func unionPaths(local map[string]localFile, remote, baseline map[string]string) []string {
	seen := make(map[string]bool)
	for p := range local {
		seen[p] = true
	}
	for p := range remote {
		seen[p] = true
	}
	for p := range baseline {
		seen[p] = true
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
