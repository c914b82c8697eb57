package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/devdeploy/orchestrator/internal/models"
)

// CreateProject inserts a new project
func (db *DB) CreateProject(project *models.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO projects (id, name, repository_url, branch, status,
			webhook_secret, webhook_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		project.ID,
		project.Name,
		project.RepositoryURL,
		project.Branch,
		project.Status,
		project.WebhookSecret,
		project.WebhookEnabled,
		project.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	return nil
}

// GetProject retrieves a project by id
func (db *DB) GetProject(id string) (*models.Project, error) {
	query := `
		SELECT id, name, repository_url, branch, status,
			webhook_secret, webhook_enabled, created_at
		FROM projects
		WHERE id = ?
	`

	return db.scanProject(db.QueryRow(query, id))
}

// GetProjectByRepositoryURL resolves a project from its repository
// identity, as reported in webhook payloads.
func (db *DB) GetProjectByRepositoryURL(url string) (*models.Project, error) {
	query := `
		SELECT id, name, repository_url, branch, status,
			webhook_secret, webhook_enabled, created_at
		FROM projects
		WHERE repository_url = ?
	`

	return db.scanProject(db.QueryRow(query, url))
}

func (db *DB) scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.RepositoryURL,
		&p.Branch,
		&p.Status,
		&p.WebhookSecret,
		&p.WebhookEnabled,
		&p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}

	return &p, nil
}

// SetProjectWebhookSecret stores a provisioned webhook secret
func (db *DB) SetProjectWebhookSecret(id, secret string) error {
	query := `UPDATE projects SET webhook_secret = ? WHERE id = ?`
	if _, err := db.Exec(query, secret, id); err != nil {
		return fmt.Errorf("failed to set webhook secret: %w", err)
	}
	return nil
}
