// Package grouping folds flat path-level change lists into entity-level
// groups. A multi-file app spans many repository paths; its app.yaml
// action becomes the group primary and every app_file action becomes a
// child, keyed by the shared parent slug. All other entity types are
// singleton groups.
package grouping

import (
	"sort"

	"github.com/loomworks/entsync/internal/entity"
)

// GroupedEntity is one entity-level group: the primary action plus any
// child-file actions belonging to the same app.
type GroupedEntity struct {
	Primary  entity.SyncAction   `json:"primary"`
	Children []entity.SyncAction `json:"children"`

	// PlaceholderPrimary is true when Primary was synthesized because
	// the group holds only app_file actions. A placeholder exists for
	// display and ordering; it is not a change from the report, so
	// consumers that write changes must not apply it.
	PlaceholderPrimary bool `json:"placeholder_primary,omitempty"`
}

// GroupedConflict mirrors GroupedEntity for conflict lists.
type GroupedConflict struct {
	Primary  entity.SyncConflict   `json:"primary"`
	Children []entity.SyncConflict `json:"children"`
}

// Group maps a flat action list into entity-level groups.
//
// Arrival order does not matter: an app_file seen before its app action
// creates a placeholder primary (entity type forced to app, display
// name set to the parent slug) which is upgraded in place if the real
// app action arrives later. A group whose primary was never upgraded
// keeps PlaceholderPrimary set. An app with zero children still yields
// a group with an empty, non-nil children list.
//
// Output ordering: app groups sorted by primary display name ascending,
// then standalone entities sorted by display name ascending.
// Case-sensitive lexicographic, ties broken by path.
func Group(actions []entity.SyncAction) []GroupedEntity {
	apps := make(map[string]*GroupedEntity)
	var standalone []GroupedEntity

	for _, a := range actions {
		switch a.EntityType {
		case entity.TypeApp:
			g := ensureAppGroup(apps, a.ParentSlug)
			g.Primary = a
			g.PlaceholderPrimary = false

		case entity.TypeAppFile:
			g := ensureAppGroup(apps, a.ParentSlug)
			g.Children = append(g.Children, a)

		default:
			standalone = append(standalone, GroupedEntity{
				Primary:  a,
				Children: []entity.SyncAction{},
			})
		}
	}

	grouped := make([]GroupedEntity, 0, len(apps)+len(standalone))
	for _, g := range apps {
		sortActions(g.Children)
		grouped = append(grouped, *g)
	}
	sortGroups(grouped)

	sort.SliceStable(standalone, func(i, j int) bool {
		return lessAction(standalone[i].Primary, standalone[j].Primary)
	})

	return append(grouped, standalone...)
}

// GroupConflicts applies the same grouping algorithm to conflicts,
// with identical placeholder-promotion and ordering rules.
func GroupConflicts(conflicts []entity.SyncConflict) []GroupedConflict {
	apps := make(map[string]*GroupedConflict)
	var standalone []GroupedConflict

	for _, c := range conflicts {
		switch c.EntityType {
		case entity.TypeApp:
			g := ensureAppConflictGroup(apps, c.ParentSlug)
			g.Primary = c

		case entity.TypeAppFile:
			g := ensureAppConflictGroup(apps, c.ParentSlug)
			g.Children = append(g.Children, c)

		default:
			standalone = append(standalone, GroupedConflict{
				Primary:  c,
				Children: []entity.SyncConflict{},
			})
		}
	}

	grouped := make([]GroupedConflict, 0, len(apps)+len(standalone))
	for _, g := range apps {
		sort.SliceStable(g.Children, func(i, j int) bool {
			return lessConflict(g.Children[i], g.Children[j])
		})
		grouped = append(grouped, *g)
	}
	sort.SliceStable(grouped, func(i, j int) bool {
		return lessConflict(grouped[i].Primary, grouped[j].Primary)
	})

	sort.SliceStable(standalone, func(i, j int) bool {
		return lessConflict(standalone[i].Primary, standalone[j].Primary)
	})

	return append(grouped, standalone...)
}

// ensureAppGroup returns the group for slug, creating one with a
// placeholder primary if the app action has not been seen yet.
func ensureAppGroup(apps map[string]*GroupedEntity, slug string) *GroupedEntity {
	if g, ok := apps[slug]; ok {
		return g
	}
	g := &GroupedEntity{
		Primary: entity.SyncAction{
			Path:        entity.PrimaryPath(entity.TypeApp, slug),
			Action:      entity.ActionModify,
			EntityType:  entity.TypeApp,
			DisplayName: slug,
			ParentSlug:  slug,
		},
		Children:           []entity.SyncAction{},
		PlaceholderPrimary: true,
	}
	apps[slug] = g
	return g
}

func ensureAppConflictGroup(apps map[string]*GroupedConflict, slug string) *GroupedConflict {
	if g, ok := apps[slug]; ok {
		return g
	}
	g := &GroupedConflict{
		Primary: entity.SyncConflict{
			Path:        entity.PrimaryPath(entity.TypeApp, slug),
			EntityType:  entity.TypeApp,
			DisplayName: slug,
			ParentSlug:  slug,
		},
		Children: []entity.SyncConflict{},
	}
	apps[slug] = g
	return g
}

func lessAction(a, b entity.SyncAction) bool {
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.Path < b.Path
}

func lessConflict(a, b entity.SyncConflict) bool {
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.Path < b.Path
}

func sortActions(actions []entity.SyncAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return lessAction(actions[i], actions[j])
	})
}

func sortGroups(groups []GroupedEntity) {
	sort.SliceStable(groups, func(i, j int) bool {
		return lessAction(groups[i].Primary, groups[j].Primary)
	})
}
