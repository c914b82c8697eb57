package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/devdeploy/orchestrator/internal/models"
)

const webhookEventColumns = `id, delivery_id, event_type, signature, payload,
	status, error_message, delivery_attempts, next_retry_at,
	project_id, build_id, created_at, processed_at, last_attempt_at`

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var nextRetryAt, processedAt, lastAttemptAt sql.NullTime
	var projectID, buildID sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.DeliveryID,
		&ev.EventType,
		&ev.Signature,
		&ev.Payload,
		&ev.Status,
		&ev.ErrorMessage,
		&ev.DeliveryAttempts,
		&nextRetryAt,
		&projectID,
		&buildID,
		&ev.CreatedAt,
		&processedAt,
		&lastAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	if nextRetryAt.Valid {
		ev.NextRetryAt = &nextRetryAt.Time
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	if lastAttemptAt.Valid {
		ev.LastAttemptAt = &lastAttemptAt.Time
	}
	if projectID.Valid {
		ev.ProjectID = &projectID.String
	}
	if buildID.Valid {
		ev.BuildID = &buildID.String
	}

	return &ev, nil
}

// InsertWebhookEvent records a received delivery. The unique constraint
// on delivery_id is the idempotency barrier: a redelivered event is
// ignored and false is returned.
func (db *DB) InsertWebhookEvent(ev *models.WebhookEvent) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := `
		INSERT OR IGNORE INTO webhook_events (id, delivery_id, event_type,
			signature, payload, status, error_message, delivery_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.Exec(query,
		ev.ID,
		ev.DeliveryID,
		ev.EventType,
		ev.Signature,
		ev.Payload,
		ev.Status,
		ev.ErrorMessage,
		ev.DeliveryAttempts,
		ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows > 0, nil
}

// GetWebhookEvent retrieves a webhook event by id
func (db *DB) GetWebhookEvent(id string) (*models.WebhookEvent, error) {
	query := "SELECT " + webhookEventColumns + " FROM webhook_events WHERE id = ?"

	ev, err := scanWebhookEvent(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook event: %w", err)
	}

	return ev, nil
}

// GetWebhookEventByDeliveryID retrieves a webhook event by the
// provider's delivery id
func (db *DB) GetWebhookEventByDeliveryID(deliveryID string) (*models.WebhookEvent, error) {
	query := "SELECT " + webhookEventColumns + " FROM webhook_events WHERE delivery_id = ?"

	ev, err := scanWebhookEvent(db.QueryRow(query, deliveryID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook event: %w", err)
	}

	return ev, nil
}

// MarkWebhookProcessing claims an event for processing. Only events in
// received or failed state can be claimed; the guard means two workers
// can never process the same delivery at once.
func (db *DB) MarkWebhookProcessing(id string) (bool, error) {
	query := `
		UPDATE webhook_events
		SET status = ?, last_attempt_at = ?, next_retry_at = NULL
		WHERE id = ? AND status IN (?, ?)
	`

	result, err := db.Exec(query, models.WebhookStatusProcessing, time.Now(), id,
		models.WebhookStatusReceived, models.WebhookStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark webhook processing: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows > 0, nil
}

// FinishWebhookEvent records the processing outcome. Resolved project
// and build links are only written when non-nil so an earlier
// resolution is never erased.
func (db *DB) FinishWebhookEvent(id string, status models.WebhookStatus, errorMessage string, projectID, buildID *string) error {
	query := `
		UPDATE webhook_events
		SET status = ?, error_message = ?, processed_at = ?,
			project_id = COALESCE(?, project_id),
			build_id = COALESCE(?, build_id)
		WHERE id = ?
	`

	_, err := db.Exec(query, status, errorMessage, time.Now(), projectID, buildID, id)
	if err != nil {
		return fmt.Errorf("failed to finish webhook event: %w", err)
	}

	return nil
}

// ScheduleWebhookRetry arms a failed event for another attempt,
// incrementing the attempt counter. The guard enforces both the failed
// precondition and the retry cap.
func (db *DB) ScheduleWebhookRetry(id string, nextRetryAt time.Time, maxRetries int) (bool, error) {
	query := `
		UPDATE webhook_events
		SET next_retry_at = ?, delivery_attempts = delivery_attempts + 1
		WHERE id = ? AND status = ? AND delivery_attempts < ?
	`

	result, err := db.Exec(query, nextRetryAt, id, models.WebhookStatusFailed, maxRetries)
	if err != nil {
		return false, fmt.Errorf("failed to schedule webhook retry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows > 0, nil
}

// DueWebhookRetries returns ids of failed events whose retry time has
// arrived
func (db *DB) DueWebhookRetries(now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM webhook_events
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`

	rows, err := db.Query(query, models.WebhookStatusFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// StaleReceivedWebhookEvents returns ids of events still in received
// beyond the cutoff. These were dropped on worker queue overflow or
// orphaned by a restart and need re-queueing.
func (db *DB) StaleReceivedWebhookEvents(olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM webhook_events
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := db.Query(query, models.WebhookStatusReceived, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale webhook events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ResetStuckWebhookEvents returns events abandoned mid-processing to
// received so they can be claimed again. Happens when a worker dies
// between claim and settle.
func (db *DB) ResetStuckWebhookEvents(olderThan time.Time) (int64, error) {
	query := `
		UPDATE webhook_events
		SET status = ?
		WHERE status = ? AND last_attempt_at < ?
	`

	result, err := db.Exec(query, models.WebhookStatusReceived, models.WebhookStatusProcessing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck webhook events: %w", err)
	}

	return result.RowsAffected()
}

// ListProjectWebhookEvents returns a page of a project's events, newest
// first
func (db *DB) ListProjectWebhookEvents(projectID string, limit, offset int) ([]*models.WebhookEvent, error) {
	query := "SELECT " + webhookEventColumns + `
		FROM webhook_events
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := db.Query(query, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event row: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// CountWebhookEventsByStatus returns per-status event counts for a
// project
func (db *DB) CountWebhookEventsByStatus(projectID string) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM webhook_events
		WHERE project_id = ?
		GROUP BY status
	`

	rows, err := db.Query(query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
