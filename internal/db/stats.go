package db

import (
	"fmt"
	"time"

	"github.com/devdeploy/orchestrator/internal/models"
)

// RecordBuildStat records a statistical event
func (db *DB) RecordBuildStat(stat *models.BuildStat) error {
	query := `
		INSERT INTO build_stats (timestamp, event_type, project_id, trigger_type, duration_seconds)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		stat.Timestamp,
		stat.EventType,
		stat.ProjectID,
		stat.TriggerType,
		stat.DurationSecs,
	)

	if err != nil {
		return fmt.Errorf("failed to insert build stat: %w", err)
	}

	return nil
}

// GetBuildStatsPerDay returns build statistics grouped by day
func (db *DB) GetBuildStatsPerDay(days int) (map[string]map[string]int, error) {
	query := `
		SELECT DATE(timestamp) as day, event_type, COUNT(*) as count
		FROM build_stats
		WHERE timestamp >= ?
		GROUP BY day, event_type
		ORDER BY day DESC
	`

	cutoff := time.Now().AddDate(0, 0, -days)
	rows, err := db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query build stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]map[string]int)
	for rows.Next() {
		var day, eventType string
		var count int

		if err := rows.Scan(&day, &eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}

		if stats[day] == nil {
			stats[day] = make(map[string]int)
		}
		stats[day][eventType] = count
	}

	return stats, rows.Err()
}

// CleanOldStats removes statistics older than the specified number of days
func (db *DB) CleanOldStats(daysToKeep int) error {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	query := `DELETE FROM build_stats WHERE timestamp < ?`
	_, err := db.Exec(query, cutoff)
	return err
}

// RecordEvent is a convenience function to record a build event
func (db *DB) RecordEvent(eventType models.StatEventType, projectID string, triggerType models.TriggerType, durationSecs int) error {
	stat := &models.BuildStat{
		Timestamp:    time.Now(),
		EventType:    eventType,
		ProjectID:    projectID,
		TriggerType:  string(triggerType),
		DurationSecs: durationSecs,
	}
	return db.RecordBuildStat(stat)
}
