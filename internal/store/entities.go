package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/entsync/internal/entity"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Record is one entity row.
type Record struct {
	// ID is the stable entity identifier.
	ID string

	// Type classifies the entity.
	Type entity.Type

	// Slug is the URL-safe identifier used in repository paths.
	Slug string

	// Name is the display name.
	Name string

	// FunctionName is the callable symbol exposed by a workflow.
	// Empty for other entity types.
	FunctionName string

	// Content is the entity definition body (YAML).
	Content string

	// References lists the workflow callables this entity refers to,
	// by workflow slug. Persisted in the refs table and carried in the
	// canonical document so the repository side is self-describing.
	References []RefSpec

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefSpec is one cross-entity reference in an entity's canonical form.
type RefSpec struct {
	// Workflow is the referenced workflow's slug.
	Workflow string `yaml:"workflow"`

	// Function is the callable symbol, when the workflow exposes more
	// than one.
	Function string `yaml:"function,omitempty"`
}

// Path returns the entity's primary repository path.
func (r *Record) Path() string {
	return entity.PrimaryPath(r.Type, r.Slug)
}

// document is the canonical serialized form written to the repository.
// Field order is fixed so serialization is byte-stable for identical
// content.
type document struct {
	Kind       string     `yaml:"kind"`
	Slug       string     `yaml:"slug"`
	Name       string     `yaml:"name"`
	Function   string     `yaml:"function,omitempty"`
	References []RefSpec  `yaml:"references,omitempty"`
	Spec       *yaml.Node `yaml:"spec"`
}

// Serialize produces the canonical text form of an entity. It is a
// pure function of the record's identity fields and content bytes: no
// timestamps, so two runs over the same record always agree.
//
// Returns an error when Content is not valid YAML; callers report such
// entities as conflicts requiring manual inspection rather than
// silently excluding them, since an excluded entity would be
// indistinguishable from "already in sync".
func Serialize(r *Record) (string, error) {
	var spec yaml.Node
	if err := yaml.Unmarshal([]byte(r.Content), &spec); err != nil {
		return "", fmt.Errorf("entity %s has unserializable content: %w", r.ID, err)
	}

	// References are sorted so the canonical form does not depend on
	// extraction order.
	refs := make([]RefSpec, len(r.References))
	copy(refs, r.References)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Workflow != refs[j].Workflow {
			return refs[i].Workflow < refs[j].Workflow
		}
		return refs[i].Function < refs[j].Function
	})

	doc := document{
		Kind:       r.Type.String(),
		Slug:       r.Slug,
		Name:       r.Name,
		Function:   r.FunctionName,
		References: refs,
	}
	if len(spec.Content) > 0 {
		doc.Spec = spec.Content[0]
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize entity %s: %w", r.ID, err)
	}
	return string(out), nil
}

// Deserialize parses a canonical document back into a record. The ID
// is not part of the serialized form; callers resolve it by (type,
// slug) against the store.
func Deserialize(content string) (*Record, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse entity document: %w", err)
	}

	spec := ""
	if doc.Spec != nil && doc.Spec.Kind != 0 {
		raw, err := yaml.Marshal(doc.Spec)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal spec: %w", err)
		}
		spec = string(raw)
	}

	return &Record{
		Type:         entity.Type(doc.Kind),
		Slug:         doc.Slug,
		Name:         doc.Name,
		FunctionName: doc.Function,
		References:   doc.References,
		Content:      spec,
	}, nil
}

// ListEntities returns all entities ordered by type then slug.
func (db *DB) ListEntities(ctx context.Context) ([]*Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, type, slug, name, COALESCE(function_name, ''), content, created_at, updated_at
		FROM entities ORDER BY type, slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.References, err = db.loadRefs(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// ReadEntity returns the entity with the given ID.
func (db *DB) ReadEntity(ctx context.Context, id string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, type, slug, name, COALESCE(function_name, ''), content, created_at, updated_at
		FROM entities WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec.References, err = db.loadRefs(ctx, rec.ID)
	return rec, err
}

// FindBySlug returns the entity with the given type and slug.
func (db *DB) FindBySlug(ctx context.Context, typ entity.Type, slug string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, type, slug, name, COALESCE(function_name, ''), content, created_at, updated_at
		FROM entities WHERE type = ? AND slug = ?`, typ.String(), slug)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s/%s: %w", typ, slug, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec.References, err = db.loadRefs(ctx, rec.ID)
	return rec, err
}

// WriteEntity inserts or updates an entity by (type, slug).
func (db *DB) WriteEntity(ctx context.Context, rec *Record) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO entities (id, type, slug, name, function_name, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, slug) DO UPDATE SET
			name = excluded.name,
			function_name = excluded.function_name,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Type.String(), rec.Slug, rec.Name, rec.FunctionName, rec.Content, now, now)
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteEntity removes an entity and, via cascade, its outgoing refs.
// Deleting a missing entity is a no-op.
func (db *DB) DeleteEntity(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (*Record, error) {
	var rec Record
	var typ, created, updated string

	if err := s.Scan(&rec.ID, &typ, &rec.Slug, &rec.Name, &rec.FunctionName,
		&rec.Content, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	rec.Type = entity.Type(typ)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &rec, nil
}
