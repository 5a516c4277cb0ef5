package apply

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/fingerprint"
	"github.com/loomworks/entsync/internal/planner"
	"github.com/loomworks/entsync/internal/repo"
	"github.com/loomworks/entsync/internal/store"
)

// fakeRepo is an in-memory repo.Client that can be told to fail
// specific writes.
type fakeRepo struct {
	blobs      map[string]string
	failWrites map[string]error
	commits    []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		blobs:      make(map[string]string),
		failWrites: make(map[string]error),
	}
}

func (f *fakeRepo) Refresh(context.Context) error { return nil }

func (f *fakeRepo) ListTree(context.Context) ([]repo.TreeEntry, error) {
	var entries []repo.TreeEntry
	for path, content := range f.blobs {
		entries = append(entries, repo.TreeEntry{
			Path:        path,
			Fingerprint: fingerprint.SumString(content),
		})
	}
	return entries, nil
}

func (f *fakeRepo) ReadBlob(_ context.Context, path string) ([]byte, error) {
	content, ok := f.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, repo.ErrBlobNotFound)
	}
	return []byte(content), nil
}

func (f *fakeRepo) WriteBlob(_ context.Context, path string, content []byte) error {
	if err := f.failWrites[path]; err != nil {
		return err
	}
	f.blobs[path] = string(content)
	return nil
}

func (f *fakeRepo) RemoveBlob(_ context.Context, path string) error {
	delete(f.blobs, path)
	return nil
}

func (f *fakeRepo) Commit(_ context.Context, message string) error {
	f.commits = append(f.commits, message)
	return nil
}

func setup(t *testing.T) (*store.DB, *fakeRepo, *Applier) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })

	rp := newFakeRepo()
	return db, rp, New(db, rp, log.New(io.Discard, "", 0))
}

func workflowRecord(id, slug, name string) *store.Record {
	return &store.Record{
		ID:           id,
		Type:         entity.TypeWorkflow,
		Slug:         slug,
		Name:         name,
		FunctionName: slug + "_fn",
		Content:      "steps: []\n",
	}
}

func mustSerialize(t *testing.T, rec *store.Record) string {
	t.Helper()
	text, err := store.Serialize(rec)
	require.NoError(t, err)
	return text
}

func pullAction(path string, action entity.Action) entity.SyncAction {
	typ, parent := entity.ClassifyPath(path)
	return entity.SyncAction{
		Path: path, Action: action, EntityType: typ,
		DisplayName: entity.Slug(path), ParentSlug: parent,
	}
}

func TestApplyPullAdd(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	rp.blobs["workflows/billing.yaml"] = mustSerialize(t, workflowRecord("", "billing", "Billing"))

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction("workflows/billing.yaml", entity.ActionAdd)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())
	require.Len(t, summary.Applied, 1)

	rec, err := db.FindBySlug(ctx, entity.TypeWorkflow, "billing")
	require.NoError(t, err)
	assert.Equal(t, "Billing", rec.Name)
	assert.NotEmpty(t, rec.ID)

	baseline, err := db.Baseline(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		fingerprint.SumString(rp.blobs["workflows/billing.yaml"]),
		baseline["workflows/billing.yaml"])
}

func TestApplyPushAdd(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	rec := workflowRecord("w1", "billing", "Billing")
	require.NoError(t, db.WriteEntity(ctx, rec))

	report := &entity.SyncPreviewReport{
		ToPush: []entity.SyncAction{pullAction("workflows/billing.yaml", entity.ActionAdd)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())

	assert.Equal(t, mustSerialize(t, rec), rp.blobs["workflows/billing.yaml"])
	require.Len(t, rp.commits, 1)
	assert.Contains(t, rp.commits[0], "billing")
}

func TestApplyConflictResolutions(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	local := workflowRecord("w1", "billing", "Billing Local")
	require.NoError(t, db.WriteEntity(ctx, local))

	remote := workflowRecord("", "billing", "Billing Remote")
	remote.Content = "steps:\n  - charge\n"
	rp.blobs["workflows/billing.yaml"] = mustSerialize(t, remote)

	conflict := entity.SyncConflict{
		Path:        "workflows/billing.yaml",
		EntityType:  entity.TypeWorkflow,
		DisplayName: "billing",
	}

	t.Run("keep_remote overwrites the store", func(t *testing.T) {
		report := &entity.SyncPreviewReport{Conflicts: []entity.SyncConflict{conflict}}
		req := entity.ResolutionRequest{
			ConflictResolutions: map[string]entity.Resolution{
				"workflows/billing.yaml": entity.KeepRemote,
			},
		}
		summary, err := applier.Apply(ctx, report, req, nil)
		require.NoError(t, err)
		assert.True(t, summary.Succeeded())

		rec, err := db.FindBySlug(ctx, entity.TypeWorkflow, "billing")
		require.NoError(t, err)
		assert.Equal(t, "Billing Remote", rec.Name)
		assert.Equal(t, "w1", rec.ID, "resolution must preserve the entity ID")
	})

	t.Run("keep_local overwrites the repository", func(t *testing.T) {
		require.NoError(t, db.WriteEntity(ctx, local))

		report := &entity.SyncPreviewReport{Conflicts: []entity.SyncConflict{conflict}}
		req := entity.ResolutionRequest{
			ConflictResolutions: map[string]entity.Resolution{
				"workflows/billing.yaml": entity.KeepLocal,
			},
		}
		summary, err := applier.Apply(ctx, report, req, nil)
		require.NoError(t, err)
		assert.True(t, summary.Succeeded())

		assert.Equal(t, mustSerialize(t, local), rp.blobs["workflows/billing.yaml"])
	})
}

func TestApplyPullDelete(t *testing.T) {
	db, _, applier := setup(t)
	ctx := context.Background()

	rec := workflowRecord("w1", "billing", "Billing")
	require.NoError(t, db.WriteEntity(ctx, rec))
	require.NoError(t, db.SetBaseline(ctx, rec.Path(), "fp"))

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction(rec.Path(), entity.ActionDelete)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())

	_, err = db.FindBySlug(ctx, entity.TypeWorkflow, "billing")
	require.ErrorIs(t, err, store.ErrNotFound)

	baseline, err := db.Baseline(ctx)
	require.NoError(t, err)
	assert.NotContains(t, baseline, rec.Path())
}

func TestApplyAppGroupPull(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	app := &store.Record{Type: entity.TypeApp, Slug: "crm", Name: "CRM", Content: "title: CRM\n"}
	rp.blobs["apps/crm/app.yaml"] = mustSerialize(t, app)
	rp.blobs["apps/crm/pages/home.yaml"] = "layout: grid\n"

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{
			pullAction("apps/crm/pages/home.yaml", entity.ActionAdd),
			pullAction("apps/crm/app.yaml", entity.ActionAdd),
		},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())
	assert.Len(t, summary.Applied, 1, "an app and its files apply as one entity")

	rec, err := db.FindBySlug(ctx, entity.TypeApp, "crm")
	require.NoError(t, err)
	files, err := db.AppFiles(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "layout: grid\n", files["pages/home.yaml"])
}

func TestApplyPartialFailure(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	a := workflowRecord("w1", "alpha", "Alpha")
	b := workflowRecord("w2", "beta", "Beta")
	require.NoError(t, db.WriteEntity(ctx, a))
	require.NoError(t, db.WriteEntity(ctx, b))
	rp.failWrites["workflows/beta.yaml"] = fmt.Errorf("remote hung up: %w", repo.ErrTransient)

	report := &entity.SyncPreviewReport{
		ToPush: []entity.SyncAction{
			pullAction("workflows/alpha.yaml", entity.ActionAdd),
			pullAction("workflows/beta.yaml", entity.ActionAdd),
		},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)

	assert.False(t, summary.Succeeded())
	require.Len(t, summary.Applied, 1)
	assert.Equal(t, "workflows/alpha.yaml", summary.Applied[0].Path)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "workflows/beta.yaml", summary.Failed[0].Path)
	assert.NotEmpty(t, summary.Failed[0].Error)

	// The successful entity's baseline advanced; the failed one's did not.
	baseline, err := db.Baseline(ctx)
	require.NoError(t, err)
	assert.Contains(t, baseline, "workflows/alpha.yaml")
	assert.NotContains(t, baseline, "workflows/beta.yaml")
}

func TestApplyIdempotentRerun(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	rec := workflowRecord("w1", "billing", "Billing")
	require.NoError(t, db.WriteEntity(ctx, rec))

	report := &entity.SyncPreviewReport{
		ToPush: []entity.SyncAction{pullAction(rec.Path(), entity.ActionAdd)},
	}

	first, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	require.Len(t, first.Applied, 1)

	second, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, rp.commits, 1, "a no-op re-run must not commit again")
}

// TestApplyPlaceholderPrimaryNotWritten covers a group whose app.yaml
// appears on the other side of the report than its app files: the pull
// group's synthesized primary must not drag the stale remote app.yaml
// over the local edit.
func TestApplyPlaceholderPrimaryNotWritten(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	app := &store.Record{ID: "app1", Type: entity.TypeApp, Slug: "crm", Name: "CRM Local Edit", Content: "title: CRM\n"}
	require.NoError(t, db.WriteEntity(ctx, app))
	require.NoError(t, db.WriteAppFile(ctx, app.ID, "scripts/util.js", "console.log('old')\n"))

	staleApp := &store.Record{Type: entity.TypeApp, Slug: "crm", Name: "CRM", Content: "title: CRM\n"}
	rp.blobs["apps/crm/app.yaml"] = mustSerialize(t, staleApp)
	rp.blobs["apps/crm/scripts/util.js"] = "console.log('new')\n"

	// Baselines as the preview saw them: app.yaml changed locally only,
	// util.js changed remotely only.
	require.NoError(t, db.SetBaseline(ctx, "apps/crm/app.yaml",
		fingerprint.SumString(rp.blobs["apps/crm/app.yaml"])))
	require.NoError(t, db.SetBaseline(ctx, "apps/crm/scripts/util.js",
		fingerprint.SumString("console.log('old')\n")))

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction("apps/crm/scripts/util.js", entity.ActionModify)},
		ToPush: []entity.SyncAction{pullAction("apps/crm/app.yaml", entity.ActionModify)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded(), "apply failed: %+v", summary.Failed)

	rec, err := db.FindBySlug(ctx, entity.TypeApp, "crm")
	require.NoError(t, err)
	assert.Equal(t, "CRM Local Edit", rec.Name, "pull must only write paths named in the report")

	files, err := db.AppFiles(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "console.log('new')\n", files["scripts/util.js"])

	// The push side still ran: the repository carries the local app.yaml.
	assert.Equal(t, mustSerialize(t, rec), rp.blobs["apps/crm/app.yaml"])
}

func TestApplyPushStaleRemoteFails(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	local := workflowRecord("w1", "deploy", "Deploy Local")
	require.NoError(t, db.WriteEntity(ctx, local))

	// The preview classified the push against this remote version...
	previewRemote := mustSerialize(t, workflowRecord("", "deploy", "Deploy"))
	require.NoError(t, db.SetBaseline(ctx, local.Path(), fingerprint.SumString(previewRemote)))

	// ...but the blob changed before execute ran.
	freshRemote := mustSerialize(t, workflowRecord("", "deploy", "Deploy Fresh Remote Edit"))
	rp.blobs[local.Path()] = freshRemote

	report := &entity.SyncPreviewReport{
		ToPush: []entity.SyncAction{pullAction(local.Path(), entity.ActionModify)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)

	assert.False(t, summary.Succeeded())
	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Failed[0].Error, "changed since preview")

	// The fresh remote edit survives and nothing was committed.
	assert.Equal(t, freshRemote, rp.blobs[local.Path()])
	assert.Empty(t, rp.commits)
}

func TestApplyPullStaleLocalFails(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	// The preview classified the pull against this local version...
	previewLocal := workflowRecord("w1", "billing", "Billing")
	require.NoError(t, db.SetBaseline(ctx, previewLocal.Path(),
		fingerprint.SumString(mustSerialize(t, previewLocal))))

	// ...which was edited after the preview.
	edited := workflowRecord("w1", "billing", "Billing Edited After Preview")
	require.NoError(t, db.WriteEntity(ctx, edited))

	rp.blobs[previewLocal.Path()] = mustSerialize(t, workflowRecord("", "billing", "Billing Remote"))

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction(previewLocal.Path(), entity.ActionModify)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)

	assert.False(t, summary.Succeeded())
	require.Len(t, summary.Failed, 1)
	assert.Contains(t, summary.Failed[0].Error, "changed since preview")

	rec, err := db.FindBySlug(ctx, entity.TypeWorkflow, "billing")
	require.NoError(t, err)
	assert.Equal(t, "Billing Edited After Preview", rec.Name)
}

// TestApplyIdempotentPullRerun mirrors TestApplyIdempotentRerun for the
// pull direction: a re-run over an already-pulled entity is skipped,
// not re-applied.
func TestApplyIdempotentPullRerun(t *testing.T) {
	_, rp, applier := setup(t)
	ctx := context.Background()

	rp.blobs["workflows/billing.yaml"] = mustSerialize(t, workflowRecord("", "billing", "Billing"))

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction("workflows/billing.yaml", entity.ActionAdd)},
	}

	first, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	require.Len(t, first.Applied, 1)

	second, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, 1, second.Skipped)
}

func TestApplyRecordsIncomingReferences(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	wf := workflowRecord("w1", "billing", "Billing")
	require.NoError(t, db.WriteEntity(ctx, wf))

	form := &store.Record{
		Type: entity.TypeForm, Slug: "intake", Name: "Intake", Content: "fields: []\n",
		References: []store.RefSpec{{Workflow: "billing", Function: "billing_fn"}},
	}
	rp.blobs["forms/intake.yaml"] = mustSerialize(t, form)

	report := &entity.SyncPreviewReport{
		ToPull: []entity.SyncAction{pullAction("forms/intake.yaml", entity.ActionAdd)},
	}
	summary, err := applier.Apply(ctx, report, entity.ResolutionRequest{}, nil)
	require.NoError(t, err)
	assert.True(t, summary.Succeeded())

	rec, err := db.FindBySlug(ctx, entity.TypeForm, "intake")
	require.NoError(t, err)

	refs, err := db.Graph(ctx).ReferencesOf(rec.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "w1", refs[0].WorkflowID)
	assert.Equal(t, "billing_fn", refs[0].FunctionName)
}

// TestApplyThenPlanIsEmpty is the round-trip property: after a fully
// resolved apply, the next preview finds nothing to do.
func TestApplyThenPlanIsEmpty(t *testing.T) {
	db, rp, applier := setup(t)
	ctx := context.Background()

	// Local-only entity, remote-only entity, and a conflict.
	local := workflowRecord("w1", "alpha", "Alpha")
	require.NoError(t, db.WriteEntity(ctx, local))

	remote := &store.Record{Type: entity.TypeForm, Slug: "intake", Name: "Intake", Content: "fields: []\n"}
	rp.blobs["forms/intake.yaml"] = mustSerialize(t, remote)

	conflicted := workflowRecord("w2", "beta", "Beta Local")
	require.NoError(t, db.WriteEntity(ctx, conflicted))
	require.NoError(t, db.SetBaseline(ctx, conflicted.Path(), "stale"))
	remoteBeta := workflowRecord("", "beta", "Beta Remote")
	rp.blobs[conflicted.Path()] = mustSerialize(t, remoteBeta)

	p := planner.New(db, rp)
	report, err := p.Plan(ctx, nil)
	require.NoError(t, err)
	require.False(t, report.IsEmpty())

	req := entity.ResolutionRequest{
		ConflictResolutions: map[string]entity.Resolution{
			conflicted.Path(): entity.KeepRemote,
		},
		ConfirmOrphans:        true,
		ConfirmUnresolvedRefs: true,
	}
	summary, err := applier.Apply(ctx, report, req, nil)
	require.NoError(t, err)
	require.True(t, summary.Succeeded(), "apply failed: %+v", summary.Failed)

	after, err := p.Plan(ctx, nil)
	require.NoError(t, err)
	assert.True(t, after.IsEmpty(),
		"preview after apply should be empty, got pull=%v push=%v conflicts=%v",
		after.ToPull, after.ToPush, after.Conflicts)
}
