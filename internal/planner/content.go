package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/store"
)

// Source selects which side of a conflict to fetch content from.
type Source string

const (
	// SourceLocal reads the entity store's serialized form.
	SourceLocal Source = "local"

	// SourceRemote reads the repository blob.
	SourceRemote Source = "remote"
)

// FetchContent lazily populates conflict content for one path. Callers
// fetch on demand rather than eagerly for every conflict, since remote
// reads are expensive and most conflicts in a session are never
// inspected.
func (p *Planner) FetchContent(ctx context.Context, path string, source Source) (string, error) {
	switch source {
	case SourceRemote:
		blob, err := p.repo.ReadBlob(ctx, path)
		if err != nil {
			return "", fmt.Errorf("failed to fetch remote content of %s: %w", path, err)
		}
		return string(blob), nil

	case SourceLocal:
		return p.localContent(ctx, path)

	default:
		return "", fmt.Errorf("unknown content source %q", source)
	}
}

func (p *Planner) localContent(ctx context.Context, path string) (string, error) {
	typ, parent := entity.ClassifyPath(path)

	switch typ {
	case entity.TypeWorkflow, entity.TypeForm, entity.TypeAgent, entity.TypeApp:
		slug := entity.Slug(path)
		rec, err := p.store.FindBySlug(ctx, typ, slug)
		if err != nil {
			return "", fmt.Errorf("failed to load local %s: %w", path, err)
		}
		text, err := store.Serialize(rec)
		if err != nil {
			return "", fmt.Errorf("failed to serialize local %s: %w", path, err)
		}
		return text, nil

	case entity.TypeAppFile:
		rec, err := p.store.FindBySlug(ctx, entity.TypeApp, parent)
		if err != nil {
			return "", fmt.Errorf("failed to load owning app of %s: %w", path, err)
		}
		files, err := p.store.AppFiles(ctx, rec.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load app files of %s: %w", parent, err)
		}
		rel := strings.TrimPrefix(path, entity.AppDir+"/"+parent+"/")
		content, ok := files[rel]
		if !ok {
			return "", fmt.Errorf("app file %s not found locally", path)
		}
		return content, nil

	default:
		return "", fmt.Errorf("path %s is not a tracked entity", path)
	}
}
