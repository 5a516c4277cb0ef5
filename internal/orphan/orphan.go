// Package orphan determines which workflow callables would lose their
// last inbound reference if a pending set of incoming changes were
// applied.
//
// The reference graph (forms/apps/agents -> workflow callables) is
// represented by stable entity identifiers, never live references, and
// may contain cycles: an app can reference a workflow that triggers
// another app. Traversal therefore uses an explicit visited set and a
// worklist rather than recursion.
package orphan

import (
	"fmt"
	"sort"

	"github.com/loomworks/entsync/internal/entity"
)

// WorkflowRef is one outgoing edge from an entity to a workflow
// callable.
type WorkflowRef struct {
	// WorkflowID identifies the referenced workflow.
	WorkflowID string

	// WorkflowName is the workflow's display name.
	WorkflowName string

	// FunctionName is the callable symbol inside the workflow.
	FunctionName string
}

// Graph provides reference-graph lookups by stable entity ID.
type Graph interface {
	// ReferencesOf returns the workflow callables the entity refers to.
	ReferencesOf(entityID string) ([]WorkflowRef, error)

	// ReferrersOf returns the IDs of entities referring to the workflow.
	ReferrersOf(workflowID string) ([]string, error)
}

// Analyze reports every workflow callable whose only remaining
// referrers are removed or overwritten by the pending incoming set.
//
// pending is the set of entity IDs that applying to_pull would remove
// or overwrite. A workflow referenced by at least one entity outside
// pending is never reported, even if some of its referrers are inside.
// A workflow's own membership in pending does not count as a reference
// to itself.
func Analyze(pending map[string]bool, graph Graph) ([]entity.OrphanInfo, error) {
	visited := make(map[string]bool)
	orphaned := make(map[string]entity.OrphanInfo)

	// Worklist of entity IDs whose outgoing references still need
	// examination. Seeded with the pending set; grows when an orphaned
	// workflow's own references come into question.
	work := make([]string, 0, len(pending))
	for id := range pending {
		work = append(work, id)
	}
	sort.Strings(work)

	examined := make(map[string]bool)

	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if examined[id] {
			continue
		}
		examined[id] = true

		refs, err := graph.ReferencesOf(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load references of %s: %w", id, err)
		}

		for _, ref := range refs {
			if visited[ref.WorkflowID] {
				continue
			}
			visited[ref.WorkflowID] = true

			alive, err := hasLiveReferrer(ref.WorkflowID, pending, graph)
			if err != nil {
				return nil, err
			}
			if alive {
				continue
			}

			orphaned[ref.WorkflowID] = entity.OrphanInfo{
				WorkflowID:   ref.WorkflowID,
				WorkflowName: ref.WorkflowName,
				FunctionName: ref.FunctionName,
			}

			// An orphaned workflow may itself trigger other entities;
			// follow its outgoing edges so chains (and cycles) of
			// references are fully accounted for. The visited set
			// guarantees termination on cyclic graphs.
			work = append(work, ref.WorkflowID)
		}
	}

	result := make([]entity.OrphanInfo, 0, len(orphaned))
	for _, info := range orphaned {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WorkflowName != result[j].WorkflowName {
			return result[i].WorkflowName < result[j].WorkflowName
		}
		return result[i].WorkflowID < result[j].WorkflowID
	})
	return result, nil
}

// hasLiveReferrer reports whether any referrer of the workflow survives
// the pending removal. The workflow itself never counts.
func hasLiveReferrer(workflowID string, pending map[string]bool, graph Graph) (bool, error) {
	referrers, err := graph.ReferrersOf(workflowID)
	if err != nil {
		return false, fmt.Errorf("failed to load referrers of %s: %w", workflowID, err)
	}

	for _, r := range referrers {
		if r == workflowID {
			continue
		}
		if !pending[r] {
			return true, nil
		}
	}
	return false, nil
}
