package store

import (
	"context"
	"fmt"
)

// AppFiles returns the non-primary files of a multi-file app entity,
// keyed by path relative to the app's apps/<slug>/ directory.
func (db *DB) AppFiles(ctx context.Context, entityID string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT rel_path, content FROM app_files
		WHERE entity_id = ? ORDER BY rel_path`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list app files of %s: %w", entityID, err)
	}
	defer rows.Close()

	files := make(map[string]string)
	for rows.Next() {
		var relPath, content string
		if err := rows.Scan(&relPath, &content); err != nil {
			return nil, fmt.Errorf("failed to scan app file: %w", err)
		}
		files[relPath] = content
	}
	return files, rows.Err()
}

// WriteAppFile inserts or updates one app file.
func (db *DB) WriteAppFile(ctx context.Context, entityID, relPath, content string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO app_files (entity_id, rel_path, content)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_id, rel_path) DO UPDATE SET content = excluded.content`,
		entityID, relPath, content)
	if err != nil {
		return fmt.Errorf("failed to write app file %s/%s: %w", entityID, relPath, err)
	}
	return nil
}

// DeleteAppFile removes one app file. Missing files are a no-op.
func (db *DB) DeleteAppFile(ctx context.Context, entityID, relPath string) error {
	_, err := db.conn.ExecContext(ctx, `
		DELETE FROM app_files WHERE entity_id = ? AND rel_path = ?`, entityID, relPath)
	if err != nil {
		return fmt.Errorf("failed to delete app file %s/%s: %w", entityID, relPath, err)
	}
	return nil
}
