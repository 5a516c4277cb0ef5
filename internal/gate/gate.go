// Package gate validates a caller-supplied resolution request against
// a preview report before an execute job is allowed to apply changes.
//
// Rejections are never retried: they are surfaced synchronously at
// submission time with a reason naming the first unmet rule, so the
// caller can present targeted feedback instead of a bare boolean.
package gate

import (
	"errors"
	"fmt"

	"github.com/loomworks/entsync/internal/entity"
)

// ErrRejected is the sentinel wrapped by every gate rejection. Check
// with errors.Is.
var ErrRejected = errors.New("resolution rejected")

// Rule identifies which validation rule a rejection violated.
type Rule string

const (
	// RuleConflictsResolved requires a resolution for every conflict
	// path in the report.
	RuleConflictsResolved Rule = "conflicts_resolved"

	// RuleOrphansConfirmed requires confirm_orphans when the report
	// carries a non-empty will-orphan list.
	RuleOrphansConfirmed Rule = "orphans_confirmed"

	// RuleUnresolvedRefsConfirmed requires confirm_unresolved_refs when
	// the preview surfaced unresolved cross-entity references.
	RuleUnresolvedRefsConfirmed Rule = "unresolved_refs_confirmed"

	// RuleKnownResolution requires every supplied resolution value to
	// be keep_local or keep_remote.
	RuleKnownResolution Rule = "known_resolution"
)

// RejectionError describes the first unmet rule.
type RejectionError struct {
	// Rule is the violated rule.
	Rule Rule

	// Detail is a human-readable explanation, naming the offending
	// path where one exists.
	Detail string
}

// Error implements error.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("resolution rejected (%s): %s", e.Rule, e.Detail)
}

// Unwrap lets errors.Is(err, ErrRejected) succeed.
func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Validate checks the request against the report. It returns nil when
// every rule holds, or a *RejectionError naming the first unmet rule.
//
// Rules, in order:
//  1. every conflict path has a resolution, and every resolution value
//     is a known side;
//  2. a non-empty will-orphan list requires ConfirmOrphans;
//  3. unresolved references require ConfirmUnresolvedRefs.
func Validate(report *entity.SyncPreviewReport, req entity.ResolutionRequest) error {
	for _, c := range report.Conflicts {
		res, ok := req.ConflictResolutions[c.Path]
		if !ok {
			return &RejectionError{
				Rule:   RuleConflictsResolved,
				Detail: fmt.Sprintf("conflict %q has no resolution", c.Path),
			}
		}
		if res != entity.KeepLocal && res != entity.KeepRemote {
			return &RejectionError{
				Rule:   RuleKnownResolution,
				Detail: fmt.Sprintf("conflict %q has unknown resolution %q", c.Path, res),
			}
		}
	}

	if len(report.WillOrphan) > 0 && !req.ConfirmOrphans {
		return &RejectionError{
			Rule: RuleOrphansConfirmed,
			Detail: fmt.Sprintf("%d workflow(s) would be orphaned; confirm_orphans is required",
				len(report.WillOrphan)),
		}
	}

	if len(report.UnresolvedRefs) > 0 && !req.ConfirmUnresolvedRefs {
		return &RejectionError{
			Rule: RuleUnresolvedRefsConfirmed,
			Detail: fmt.Sprintf("%d unresolved reference(s); confirm_unresolved_refs is required",
				len(report.UnresolvedRefs)),
		}
	}

	return nil
}
