// Package fingerprint computes stable content fingerprints and
// classifies how a path changed relative to the last synced baseline.
//
// A fingerprint is a pure function of content bytes. It carries no
// timestamps or metadata, so two independent runs over identical
// content always agree. Every other sync component relies on this to
// decide "changed" vs "unchanged".
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Empty is the fingerprint value used for a side on which the path
// does not exist.
const Empty = ""

// Sum returns the hex-encoded SHA-256 fingerprint of content.
func Sum(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// SumString is Sum over a string, avoiding a copy at call sites that
// already hold serialized text.
func SumString(content string) string {
	return Sum([]byte(content))
}

// Outcome classifies a path's state across local, remote and baseline.
type Outcome int

const (
	// Unchanged means neither side differs from the baseline.
	Unchanged Outcome = iota

	// LocalOnly means only the local side changed since baseline.
	LocalOnly

	// RemoteOnly means only the remote side changed since baseline.
	RemoteOnly

	// Diverged means both sides changed since baseline. With no
	// baseline at all, a path present on both sides with different
	// content is also Diverged: there is nothing to reconcile against,
	// so the safe classification is a conflict.
	Diverged
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case LocalOnly:
		return "local-only"
	case RemoteOnly:
		return "remote-only"
	case Diverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// Compare classifies a path given the local, remote and baseline
// fingerprints. Empty ("") means the path is absent on that side.
//
// Tie-break rules:
//   - equal on both sides: Unchanged (regardless of baseline)
//   - differs from baseline on one side only: LocalOnly / RemoteOnly
//   - differs from baseline on both sides: Diverged
//   - absent from baseline, present on one side: an add on that side
//   - absent from baseline, present on both sides with different
//     content: Diverged
func Compare(local, remote, baseline string) Outcome {
	if local == remote {
		return Unchanged
	}

	localChanged := local != baseline
	remoteChanged := remote != baseline

	switch {
	case localChanged && remoteChanged:
		return Diverged
	case localChanged:
		return LocalOnly
	default:
		return RemoteOnly
	}
}
