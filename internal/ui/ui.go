// Package ui holds the terminal styles and preview rendering used by
// the CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/grouping"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderPass renders text as a success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders text as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders text as a failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders emphasized text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim renders de-emphasized text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// actionGlyph maps change kinds to their one-character markers.
func actionGlyph(a entity.Action) string {
	switch a {
	case entity.ActionAdd:
		return RenderPass("+")
	case entity.ActionDelete:
		return RenderFail("-")
	default:
		return RenderWarn("~")
	}
}

// RenderReport renders a preview report grouped by entity, apps first
// with their files indented beneath the primary.
func RenderReport(report *entity.SyncPreviewReport) string {
	if report.IsEmpty() {
		return RenderPass("Workspace is in sync.") + "\n"
	}

	var b strings.Builder

	renderSection(&b, "Incoming (repository -> workspace)", report.ToPull)
	renderSection(&b, "Outgoing (workspace -> repository)", report.ToPush)

	if len(report.Conflicts) > 0 {
		fmt.Fprintln(&b, headerStyle.Render("Conflicts"))
		for _, g := range grouping.GroupConflicts(report.Conflicts) {
			fmt.Fprintf(&b, "  %s %s %s\n",
				RenderFail("!"), g.Primary.Path, RenderDim(g.Primary.DisplayName))
			for _, c := range g.Children {
				fmt.Fprintf(&b, "      %s %s\n", RenderFail("!"), c.Path)
			}
		}
		fmt.Fprintln(&b)
	}

	if len(report.WillOrphan) > 0 {
		fmt.Fprintln(&b, headerStyle.Render("Workflows losing their last reference"))
		for _, o := range report.WillOrphan {
			fmt.Fprintf(&b, "  %s %s %s\n",
				RenderWarn("*"), o.WorkflowName, RenderDim(o.FunctionName))
		}
		fmt.Fprintln(&b)
	}

	if len(report.UnresolvedRefs) > 0 {
		fmt.Fprintln(&b, headerStyle.Render("Unresolved references"))
		for _, u := range report.UnresolvedRefs {
			fmt.Fprintf(&b, "  %s %s\n", RenderWarn("?"), u)
		}
		fmt.Fprintln(&b)
	}

	return b.String()
}

func renderSection(b *strings.Builder, title string, actions []entity.SyncAction) {
	if len(actions) == 0 {
		return
	}

	fmt.Fprintln(b, headerStyle.Render(title))
	for _, g := range grouping.Group(actions) {
		fmt.Fprintf(b, "  %s %s %s\n",
			actionGlyph(g.Primary.Action), g.Primary.Path, RenderDim(g.Primary.DisplayName))
		for _, c := range g.Children {
			fmt.Fprintf(b, "      %s %s\n", actionGlyph(c.Action), c.Path)
		}
	}
	fmt.Fprintln(b)
}

// RenderSummary renders an apply outcome.
func RenderSummary(summary *entity.ApplySummary) string {
	var b strings.Builder

	for _, r := range summary.Applied {
		fmt.Fprintf(&b, "  %s %s\n", RenderPass("ok"), r.Path)
	}
	for _, r := range summary.Failed {
		fmt.Fprintf(&b, "  %s %s: %s\n", RenderFail("failed"), r.Path, r.Error)
	}
	if summary.Skipped > 0 {
		fmt.Fprintf(&b, "  %s\n", RenderDim(fmt.Sprintf("%d already in sync", summary.Skipped)))
	}

	if summary.Succeeded() {
		fmt.Fprintf(&b, "%s\n", RenderPass(fmt.Sprintf("Applied %d entit(ies).", len(summary.Applied))))
	} else {
		fmt.Fprintf(&b, "%s\n", RenderFail(fmt.Sprintf("%d entit(ies) failed; re-run to retry the remainder.",
			len(summary.Failed))))
	}
	return b.String()
}
