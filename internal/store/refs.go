package store

import (
	"context"
	"fmt"

	"github.com/loomworks/entsync/internal/orphan"
)

// AddRef records that an entity references a workflow callable.
// Idempotent: re-adding an existing edge is a no-op.
func (db *DB) AddRef(ctx context.Context, fromID, workflowID, functionName string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO refs (from_id, to_workflow_id, function_name)
		VALUES (?, ?, ?)
		ON CONFLICT (from_id, to_workflow_id, function_name) DO NOTHING`,
		fromID, workflowID, functionName)
	if err != nil {
		return fmt.Errorf("failed to add ref %s -> %s: %w", fromID, workflowID, err)
	}
	return nil
}

// RemoveRefsFrom deletes all outgoing edges of an entity. Used when an
// entity is rewritten and its references re-extracted.
func (db *DB) RemoveRefsFrom(ctx context.Context, fromID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM refs WHERE from_id = ?`, fromID); err != nil {
		return fmt.Errorf("failed to remove refs from %s: %w", fromID, err)
	}
	return nil
}

// loadRefs returns an entity's outgoing references in canonical form,
// resolving workflow IDs back to slugs. Edges whose target workflow no
// longer exists are omitted.
func (db *DB) loadRefs(ctx context.Context, fromID string) ([]RefSpec, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.slug, r.function_name
		FROM refs r
		JOIN entities e ON e.id = r.to_workflow_id
		WHERE r.from_id = ?
		ORDER BY e.slug, r.function_name`, fromID)
	if err != nil {
		return nil, fmt.Errorf("failed to load refs of %s: %w", fromID, err)
	}
	defer rows.Close()

	var refs []RefSpec
	for rows.Next() {
		var ref RefSpec
		if err := rows.Scan(&ref.Workflow, &ref.Function); err != nil {
			return nil, fmt.Errorf("failed to scan ref spec: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// graph adapts the refs table to the orphan.Graph interface.
type graph struct {
	db  *DB
	ctx context.Context
}

// Graph returns a reference-graph view over the refs table, bound to
// ctx for the duration of one analysis run.
func (db *DB) Graph(ctx context.Context) orphan.Graph {
	return &graph{db: db, ctx: ctx}
}

// ReferencesOf implements orphan.Graph.
func (g *graph) ReferencesOf(entityID string) ([]orphan.WorkflowRef, error) {
	rows, err := g.db.conn.QueryContext(g.ctx, `
		SELECT r.to_workflow_id, COALESCE(e.name, r.to_workflow_id), r.function_name
		FROM refs r
		LEFT JOIN entities e ON e.id = r.to_workflow_id
		WHERE r.from_id = ?
		ORDER BY r.to_workflow_id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query references of %s: %w", entityID, err)
	}
	defer rows.Close()

	var refs []orphan.WorkflowRef
	for rows.Next() {
		var ref orphan.WorkflowRef
		if err := rows.Scan(&ref.WorkflowID, &ref.WorkflowName, &ref.FunctionName); err != nil {
			return nil, fmt.Errorf("failed to scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ReferrersOf implements orphan.Graph.
func (g *graph) ReferrersOf(workflowID string) ([]string, error) {
	rows, err := g.db.conn.QueryContext(g.ctx, `
		SELECT DISTINCT from_id FROM refs
		WHERE to_workflow_id = ?
		ORDER BY from_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrers of %s: %w", workflowID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan referrer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
