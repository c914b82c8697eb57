package models

import "time"

// ProjectStatus represents whether a project accepts new builds
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// Project is a repository registered for builds
type Project struct {
	ID             string        `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	RepositoryURL  string        `json:"repository_url" db:"repository_url"`
	Branch         string        `json:"branch" db:"branch"`
	Status         ProjectStatus `json:"status" db:"status"`
	WebhookSecret  string        `json:"-" db:"webhook_secret"`
	WebhookEnabled bool          `json:"webhook_enabled" db:"webhook_enabled"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
