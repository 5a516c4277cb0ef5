package repo

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Mirror wraps a Client with a cached tree listing that is invalidated
// when the underlying clone directory is modified, whether by the
// client's own writes or by anything else touching the checkout.
//
// Preview jobs list the tree once per phase run; the cache spares
// repeated filesystem walks when several previews run back to back
// against an unchanged mirror.
type Mirror struct {
	client Client
	dir    string
	logger *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	tree  []TreeEntry
	valid bool
	gen   uint64
}

// NewMirror creates a mirror cache over the client, watching dir for
// external modifications. If logger is nil, a default logger writing
// to stderr is used.
func NewMirror(client Client, dir string, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	m := &Mirror{
		client:  client,
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}

	// The clone may not exist until the first Refresh; watching is
	// best effort until then.
	if err := watcher.Add(dir); err != nil {
		logger.Printf("Not watching %s yet: %v", dir, err)
	}

	m.wg.Add(1)
	go m.watchEvents()

	return m, nil
}

// Close stops the watcher.
func (m *Mirror) Close() error {
	close(m.done)
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}

// Refresh delegates to the client and invalidates the cache, then
// (re-)arms the directory watch in case the clone was just created.
func (m *Mirror) Refresh(ctx context.Context) error {
	if err := m.client.Refresh(ctx); err != nil {
		return err
	}
	m.Invalidate()
	if err := m.watcher.Add(m.dir); err != nil {
		m.logger.Printf("Failed to watch %s: %v", m.dir, err)
	}
	return nil
}

// ListTree returns the cached tree listing, repopulating it from the
// client when invalid. An invalidation that fires while the client walk
// is in flight bumps the generation, so the stale result is returned to
// this caller but never cached.
func (m *Mirror) ListTree(ctx context.Context) ([]TreeEntry, error) {
	m.mu.Lock()
	if m.valid {
		tree := m.tree
		m.mu.Unlock()
		return tree, nil
	}
	gen := m.gen
	m.mu.Unlock()

	tree, err := m.client.ListTree(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.gen == gen {
		m.tree = tree
		m.valid = true
	}
	m.mu.Unlock()
	return tree, nil
}

// ReadBlob delegates to the client.
func (m *Mirror) ReadBlob(ctx context.Context, path string) ([]byte, error) {
	return m.client.ReadBlob(ctx, path)
}

// WriteBlob delegates and invalidates the cache.
func (m *Mirror) WriteBlob(ctx context.Context, path string, content []byte) error {
	m.Invalidate()
	return m.client.WriteBlob(ctx, path, content)
}

// RemoveBlob delegates and invalidates the cache.
func (m *Mirror) RemoveBlob(ctx context.Context, path string) error {
	m.Invalidate()
	return m.client.RemoveBlob(ctx, path)
}

// Commit delegates to the client.
func (m *Mirror) Commit(ctx context.Context, message string) error {
	return m.client.Commit(ctx, message)
}

// Invalidate drops the cached tree listing.
func (m *Mirror) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.tree = nil
	m.gen++
	m.mu.Unlock()
}

// watchEvents invalidates the cache on any filesystem event under the
// clone directory.
func (m *Mirror) watchEvents() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.Invalidate()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("Watcher error: %v", err)
		}
	}
}
