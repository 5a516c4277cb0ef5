package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Baseline returns the per-path fingerprints recorded at the last
// successful sync, keyed by repository-relative path.
func (db *DB) Baseline(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path, fingerprint FROM baseline`)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}
	defer rows.Close()

	baseline := make(map[string]string)
	for rows.Next() {
		var path, fp string
		if err := rows.Scan(&path, &fp); err != nil {
			return nil, fmt.Errorf("failed to scan baseline row: %w", err)
		}
		baseline[path] = fp
	}
	return baseline, rows.Err()
}

// BaselineFor returns the recorded fingerprint for one path, or the
// empty string when the path has never been synced.
func (db *DB) BaselineFor(ctx context.Context, path string) (string, error) {
	var fp string
	err := db.conn.QueryRowContext(ctx,
		`SELECT fingerprint FROM baseline WHERE path = ?`, path).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load baseline for %s: %w", path, err)
	}
	return fp, nil
}

// SetBaseline records the fingerprint both sides agreed on for a path.
// Called per entity as apply succeeds, so a partial failure leaves the
// already-applied entities with an advanced baseline and the rest
// untouched.
func (db *DB) SetBaseline(ctx context.Context, path, fingerprint string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO baseline (path, fingerprint, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			synced_at = excluded.synced_at`,
		path, fingerprint, now)
	if err != nil {
		return fmt.Errorf("failed to set baseline for %s: %w", path, err)
	}
	return nil
}

// DeleteBaseline forgets a path, typically after a tracked file is
// deleted on both sides.
func (db *DB) DeleteBaseline(ctx context.Context, path string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM baseline WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete baseline for %s: %w", path, err)
	}
	return nil
}
