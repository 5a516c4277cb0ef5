package orphan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph is an in-memory adjacency structure keyed by entity ID.
type fakeGraph struct {
	refs map[string][]WorkflowRef // entity -> workflows it references
}

func (g *fakeGraph) ReferencesOf(entityID string) ([]WorkflowRef, error) {
	return g.refs[entityID], nil
}

func (g *fakeGraph) ReferrersOf(workflowID string) ([]string, error) {
	var out []string
	for from, refs := range g.refs {
		for _, r := range refs {
			if r.WorkflowID == workflowID {
				out = append(out, from)
			}
		}
	}
	return out, nil
}

func wf(id string) WorkflowRef {
	return WorkflowRef{WorkflowID: id, WorkflowName: "Workflow " + id, FunctionName: id + ".run"}
}

func pendingSet(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestAnalyzeReportsSoleReferrerRemoval(t *testing.T) {
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
	}}

	orphans, err := Analyze(pendingSet("form-a"), g)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "wf-1", orphans[0].WorkflowID)
	assert.Equal(t, "wf-1.run", orphans[0].FunctionName)
}

func TestAnalyzePrecision(t *testing.T) {
	// wf-1 is referenced by a pending entity and by a surviving one:
	// never reported.
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
		"app-b":  {wf("wf-1")},
	}}

	orphans, err := Analyze(pendingSet("form-a"), g)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Remove both referrers and it is reported.
	orphans, err = Analyze(pendingSet("form-a", "app-b"), g)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "wf-1", orphans[0].WorkflowID)
}

func TestAnalyzeFollowsChains(t *testing.T) {
	// form-a -> wf-1 -> wf-2. Removing form-a orphans wf-1, which was
	// wf-2's only referrer, so wf-2 is reported as well.
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
		"wf-1":   {wf("wf-2")},
	}}

	orphans, err := Analyze(pendingSet("form-a", "wf-1"), g)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, "wf-1", orphans[0].WorkflowID)
	assert.Equal(t, "wf-2", orphans[1].WorkflowID)
}

func TestAnalyzeTerminatesOnCycles(t *testing.T) {
	// wf-1 and wf-2 reference each other; form-a references wf-1.
	// Cyclic self-support does not keep them alive once form-a and the
	// cycle members are in the pending set, and traversal terminates.
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
		"wf-1":   {wf("wf-2")},
		"wf-2":   {wf("wf-1")},
	}}

	orphans, err := Analyze(pendingSet("form-a", "wf-1", "wf-2"), g)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestAnalyzeOwnRemovalIsNotAReference(t *testing.T) {
	// wf-1 references itself. A self-edge must not count as a live
	// referrer once the sole external referrer is removed.
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
		"wf-1":   {wf("wf-1")},
	}}

	orphans, err := Analyze(pendingSet("form-a"), g)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "wf-1", orphans[0].WorkflowID)
}

func TestAnalyzeEmptyPendingSet(t *testing.T) {
	g := &fakeGraph{refs: map[string][]WorkflowRef{
		"form-a": {wf("wf-1")},
	}}

	orphans, err := Analyze(pendingSet(), g)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
