// Package git implements the repo.Client interface by shelling out to
// the git binary over a dedicated local clone of the workspace's
// remote mirror.
//
// The clone lives outside any user working directory; the sync engine
// is its only writer, so staging and committing never disturb user
// state.
package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/fingerprint"
	"github.com/loomworks/entsync/internal/repo"
)

// Git implements repo.Client against a local clone.
type Git struct {
	// remoteURL is the remote repository URL.
	remoteURL string

	// branch is the mirror branch to sync against.
	branch string

	// cloneDir is the local clone directory.
	cloneDir string
}

// New creates a git client for the given remote, branch and clone
// directory. No network access happens until Refresh.
func New(remoteURL, branch, cloneDir string) *Git {
	if branch == "" {
		branch = "main"
	}
	return &Git{
		remoteURL: remoteURL,
		branch:    branch,
		cloneDir:  cloneDir,
	}
}

// Dir returns the local clone directory.
func (g *Git) Dir() string {
	return g.cloneDir
}

// Refresh clones the remote on first use, or fetches and resets the
// mirror branch afterwards.
func (g *Git) Refresh(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.cloneDir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(g.cloneDir), 0755); err != nil {
			return fmt.Errorf("failed to create clone parent: %w", err)
		}
		_, err := g.run(ctx, "", "clone", "--branch", g.branch, "--single-branch",
			g.remoteURL, g.cloneDir)
		if err != nil {
			return fmt.Errorf("failed to clone %s: %w", g.remoteURL, err)
		}
		return nil
	}

	if _, err := g.run(ctx, g.cloneDir, "fetch", "origin", g.branch); err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	if _, err := g.run(ctx, g.cloneDir, "reset", "--hard", "origin/"+g.branch); err != nil {
		return fmt.Errorf("failed to reset to origin/%s: %w", g.branch, err)
	}
	return nil
}

// ListTree enumerates tracked entity files in the checkout, computing
// a content fingerprint for each.
func (g *Git) ListTree(ctx context.Context) ([]repo.TreeEntry, error) {
	out, err := g.run(ctx, g.cloneDir, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("failed to list tree: %w", err)
	}

	var entries []repo.TreeEntry
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		path := strings.TrimSpace(line)
		if path == "" || !entity.IsTracked(path) {
			continue
		}

		content, err := os.ReadFile(filepath.Join(g.cloneDir, filepath.FromSlash(path)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		entries = append(entries, repo.TreeEntry{
			Path:        path,
			Fingerprint: fingerprint.Sum(content),
		})
	}
	return entries, nil
}

// ReadBlob returns the content of a file in the checkout.
func (g *Git) ReadBlob(ctx context.Context, path string) ([]byte, error) {
	content, err := os.ReadFile(filepath.Join(g.cloneDir, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, repo.ErrBlobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return content, nil
}

// WriteBlob writes content into the checkout and stages it.
func (g *Git) WriteBlob(ctx context.Context, path string, content []byte) error {
	abs := filepath.Join(g.cloneDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", path, err)
	}
	if _, err := g.run(ctx, g.cloneDir, "add", "--", path); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	return nil
}

// RemoveBlob deletes a file from the checkout and stages the removal.
// Removing an absent file is a no-op.
func (g *Git) RemoveBlob(ctx context.Context, path string) error {
	abs := filepath.Join(g.cloneDir, filepath.FromSlash(path))
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil
	}
	if _, err := g.run(ctx, g.cloneDir, "rm", "--quiet", "--", path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Commit commits staged changes and pushes the mirror branch. With
// nothing staged it returns nil without creating a commit.
func (g *Git) Commit(ctx context.Context, message string) error {
	out, err := g.run(ctx, g.cloneDir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check status: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return nil
	}

	if _, err := g.run(ctx, g.cloneDir, "commit", "-m", message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if _, err := g.run(ctx, g.cloneDir, "push", "origin", g.branch); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// run executes a git command, classifying failures into the repo error
// taxonomy by inspecting the combined output.
func (g *Git) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return output, fmt.Errorf("git %s: %w", args[0], repo.ErrTimeout)
		}
		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), classify(string(output)), string(output))
	}
	return output, nil
}

// classify maps git's stderr text onto the error taxonomy. Unknown
// failures default to transient so that the bounded retry gets a
// chance before the job fails.
func classify(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "403"):
		return repo.ErrAuth
	default:
		return repo.ErrTransient
	}
}
