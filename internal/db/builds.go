package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devdeploy/orchestrator/internal/models"
)

const buildColumns = `id, project_id, build_number, status, trigger_type,
	commit_hash, commit_message, branch, user_id, error_message,
	external_url, archived, metadata, created_at, started_at,
	completed_at, duration_seconds`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBuild(row rowScanner) (*models.Build, error) {
	var b models.Build
	var metadata string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&b.ID,
		&b.ProjectID,
		&b.BuildNumber,
		&b.Status,
		&b.TriggerType,
		&b.CommitHash,
		&b.CommitMessage,
		&b.Branch,
		&b.UserID,
		&b.ErrorMessage,
		&b.ExternalURL,
		&b.Archived,
		&metadata,
		&b.CreatedAt,
		&startedAt,
		&completedAt,
		&b.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode build metadata: %w", err)
		}
	}

	return &b, nil
}

// NextBuildNumber allocates the next build number for a project. The
// counter upsert is a single atomic statement, so concurrent
// allocations for the same project never see the same sequence value.
func (db *DB) NextBuildNumber(projectID, projectName string) (string, error) {
	query := `
		INSERT INTO build_counters (project_id, seq)
		VALUES (?, 1)
		ON CONFLICT(project_id) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`

	var seq int
	if err := db.QueryRow(query, projectID).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to allocate build number: %w", err)
	}

	return fmt.Sprintf("%s-%03d", buildNumberPrefix(projectName), seq), nil
}

func buildNumberPrefix(name string) string {
	runes := []rune(name)
	if len(runes) == 0 {
		return "PRJ"
	}
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return strings.ToUpper(string(runes))
}

// CreateBuild inserts a new build
func (db *DB) CreateBuild(build *models.Build) error {
	metadata := "{}"
	if len(build.Metadata) > 0 {
		data, err := json.Marshal(build.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode build metadata: %w", err)
		}
		metadata = string(data)
	}

	query := `
		INSERT INTO builds (id, project_id, build_number, status, trigger_type,
			commit_hash, commit_message, branch, user_id, error_message,
			external_url, archived, metadata, created_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	_, err := db.Exec(query,
		build.ID,
		build.ProjectID,
		build.BuildNumber,
		build.Status,
		build.TriggerType,
		build.CommitHash,
		build.CommitMessage,
		build.Branch,
		build.UserID,
		build.ErrorMessage,
		build.ExternalURL,
		build.Archived,
		metadata,
		build.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}

	return nil
}

// GetBuild retrieves a build by id
func (db *DB) GetBuild(id string) (*models.Build, error) {
	query := "SELECT " + buildColumns + " FROM builds WHERE id = ?"

	build, err := scanBuild(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build: %w", err)
	}

	return build, nil
}

// NextPendingBuild returns the oldest pending build, or nil when the
// queue is empty. Admission order is creation time, ties broken by id.
func (db *DB) NextPendingBuild() (*models.Build, error) {
	query := "SELECT " + buildColumns + `
		FROM builds
		WHERE status = ? AND archived = 0
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`

	build, err := scanBuild(db.QueryRow(query, models.BuildStatusPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending build: %w", err)
	}

	return build, nil
}

// StartBuild moves a pending build to running and records the start
// time. Returns false if the build was no longer pending, meaning
// another writer got there first.
func (db *DB) StartBuild(id string) (bool, error) {
	query := `
		UPDATE builds
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := db.Exec(query, models.BuildStatusRunning, time.Now(), id, models.BuildStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to start build: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows > 0, nil
}

// FinishBuild moves a non-terminal build to the given terminal status.
// The status guard makes the terminal write exactly-once: the first
// writer wins and all later writers get false.
func (db *DB) FinishBuild(id string, status models.BuildStatus, errorMessage string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	build, err := db.GetBuild(id)
	if err != nil {
		return false, err
	}
	if build == nil {
		return false, nil
	}

	// started_at and created_at are written once and stable by now
	now := time.Now()
	start := build.CreatedAt
	if build.StartedAt != nil {
		start = *build.StartedAt
	}
	duration := int(now.Sub(start).Seconds())

	query := `
		UPDATE builds
		SET status = ?, error_message = ?, completed_at = ?, duration_seconds = ?
		WHERE id = ? AND status IN (?, ?)
	`

	result, err := db.Exec(query, status, errorMessage, now, duration, id,
		models.BuildStatusPending, models.BuildStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finish build: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows > 0, nil
}

// SetBuildExternalURL records the link to an externally-reported run
func (db *DB) SetBuildExternalURL(id, url string) error {
	query := `UPDATE builds SET external_url = ? WHERE id = ?`
	if _, err := db.Exec(query, url, id); err != nil {
		return fmt.Errorf("failed to set external url: %w", err)
	}
	return nil
}

// ListProjectBuilds returns a page of a project's builds, newest first,
// optionally filtered by status.
func (db *DB) ListProjectBuilds(projectID string, status models.BuildStatus, limit, offset int) ([]*models.Build, error) {
	query := "SELECT " + buildColumns + `
		FROM builds
		WHERE project_id = ? AND archived = 0
	`
	args := []interface{}{projectID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		builds = append(builds, build)
	}

	return builds, rows.Err()
}

// FindReconcilableBuild returns the most recent non-terminal build of a
// project for the given commit, or nil if there is nothing to reconcile.
func (db *DB) FindReconcilableBuild(projectID, commitHash string) (*models.Build, error) {
	query := "SELECT " + buildColumns + `
		FROM builds
		WHERE project_id = ? AND commit_hash = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	build, err := scanBuild(db.QueryRow(query, projectID, commitHash,
		models.BuildStatusPending, models.BuildStatusRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcilable build: %w", err)
	}

	return build, nil
}

// CountBuildsByStatus returns how many builds are in the given status
func (db *DB) CountBuildsByStatus(status models.BuildStatus) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM builds WHERE status = ? AND archived = 0", status).Scan(&count)
	return count, err
}

// RunningBuildIDs returns the ids of all builds currently marked
// running. Used at startup to fail builds a previous process left
// behind.
func (db *DB) RunningBuildIDs() ([]string, error) {
	rows, err := db.Query("SELECT id FROM builds WHERE status = ?", models.BuildStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan build id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ArchiveOldBuilds flags terminal builds created before the cutoff
func (db *DB) ArchiveOldBuilds(cutoff time.Time) (int64, error) {
	query := `
		UPDATE builds
		SET archived = 1
		WHERE archived = 0
			AND status IN (?, ?, ?, ?)
			AND created_at < ?
	`

	result, err := db.Exec(query,
		models.BuildStatusSuccess,
		models.BuildStatusFailed,
		models.BuildStatusCancelled,
		models.BuildStatusTimeout,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive builds: %w", err)
	}

	return result.RowsAffected()
}
