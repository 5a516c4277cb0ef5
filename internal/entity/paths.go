package entity

import (
	"path"
	"strings"
)

// Repository layout conventions for tracked entities.
//
//	workflows/<slug>.yaml   -> workflow
//	forms/<slug>.yaml       -> form
//	agents/<slug>.yaml      -> agent
//	apps/<slug>/app.yaml    -> app (the primary file)
//	apps/<slug>/<anything>  -> app_file
//
// Paths outside these trees are not tracked by the sync engine.
const (
	WorkflowDir = "workflows"
	FormDir     = "forms"
	AgentDir    = "agents"
	AppDir      = "apps"

	// AppPrimaryFile is the filename of an app's primary definition
	// inside its apps/<slug>/ directory.
	AppPrimaryFile = "app.yaml"
)

// ClassifyPath maps a repository-relative path to its entity type and,
// for app paths, the owning slug. Returns TypeUnknown for paths that
// match no convention.
func ClassifyPath(p string) (Type, string) {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	parts := strings.Split(p, "/")

	switch parts[0] {
	case WorkflowDir, FormDir, AgentDir:
		if len(parts) != 2 || !strings.HasSuffix(parts[1], ".yaml") {
			return TypeUnknown, ""
		}
		switch parts[0] {
		case WorkflowDir:
			return TypeWorkflow, ""
		case FormDir:
			return TypeForm, ""
		default:
			return TypeAgent, ""
		}

	case AppDir:
		if len(parts) < 3 {
			return TypeUnknown, ""
		}
		slug := parts[1]
		if len(parts) == 3 && parts[2] == AppPrimaryFile {
			return TypeApp, slug
		}
		return TypeAppFile, slug
	}

	return TypeUnknown, ""
}

// IsTracked reports whether the path belongs to an entity tree the
// sync engine manages.
func IsTracked(p string) bool {
	t, _ := ClassifyPath(p)
	return t != TypeUnknown
}

// Slug extracts the entity slug from a tracked path: the basename
// without extension for standalone entities, the app slug for app
// paths. Returns "" for unknown paths.
func Slug(p string) string {
	t, parent := ClassifyPath(p)
	switch t {
	case TypeApp, TypeAppFile:
		return parent
	case TypeWorkflow, TypeForm, TypeAgent:
		base := path.Base(p)
		return strings.TrimSuffix(base, path.Ext(base))
	default:
		return ""
	}
}

// PrimaryPath returns the repository path of an entity's primary file
// given its type and slug.
func PrimaryPath(t Type, slug string) string {
	switch t {
	case TypeWorkflow:
		return path.Join(WorkflowDir, slug+".yaml")
	case TypeForm:
		return path.Join(FormDir, slug+".yaml")
	case TypeAgent:
		return path.Join(AgentDir, slug+".yaml")
	case TypeApp:
		return path.Join(AppDir, slug, AppPrimaryFile)
	default:
		return ""
	}
}
