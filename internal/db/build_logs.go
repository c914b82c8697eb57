package db

import (
	"fmt"
	"time"

	"github.com/devdeploy/orchestrator/internal/models"
)

// AppendBuildLog appends one log entry for a build and fills in its id.
// Entries are insert-only; nothing in this package updates or deletes
// them.
func (db *DB) AppendBuildLog(entry *models.BuildLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO build_logs (build_id, stage, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := db.Exec(query, entry.BuildID, entry.Stage, entry.Level, entry.Message, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert build log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	entry.ID = id

	return nil
}

// GetBuildLogs returns all log entries of a build in append order
func (db *DB) GetBuildLogs(buildID string) ([]*models.BuildLogEntry, error) {
	query := `
		SELECT id, build_id, stage, level, message, created_at
		FROM build_logs
		WHERE build_id = ?
		ORDER BY id ASC
	`

	rows, err := db.Query(query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query build logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.BuildLogEntry
	for rows.Next() {
		var e models.BuildLogEntry
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Stage, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
