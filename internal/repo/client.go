// Package repo provides the version-control client consumed by the
// sync engine: tree listing, blob reads and writes, and commits
// against the workspace's remote mirror.
//
// The interface is transport-agnostic; the git subpackage implements
// it by shelling out to the git binary over a dedicated local clone.
package repo

import "context"

// TreeEntry is one file in the remote tree.
type TreeEntry struct {
	// Path is the repository-relative file path.
	Path string

	// Fingerprint is the stable content fingerprint of the blob.
	Fingerprint string
}

// Client is the version-control collaborator used by the planner and
// the applier.
type Client interface {
	// Refresh brings the local mirror up to date with the remote
	// (clone on first use, fetch afterwards).
	Refresh(ctx context.Context) error

	// ListTree enumerates the files of the current remote tree.
	ListTree(ctx context.Context) ([]TreeEntry, error)

	// ReadBlob returns the content of a file in the remote tree.
	ReadBlob(ctx context.Context, path string) ([]byte, error)

	// WriteBlob stages new content for a file in the mirror.
	WriteBlob(ctx context.Context, path string, content []byte) error

	// RemoveBlob stages the removal of a file in the mirror.
	RemoveBlob(ctx context.Context, path string) error

	// Commit commits all staged changes and pushes them to the remote.
	// A commit with nothing staged is a no-op.
	Commit(ctx context.Context, message string) error
}
