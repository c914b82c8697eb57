package models

import "time"

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
	BuildStatusTimeout   BuildStatus = "timeout"
)

// Terminal reports whether the status is final. Terminal builds never
// transition again.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailed, BuildStatusCancelled, BuildStatusTimeout:
		return true
	}
	return false
}

// TriggerType identifies what started a build
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerTest    TriggerType = "test"
)

// Build represents a single build run of a project
type Build struct {
	ID              string                 `json:"id" db:"id"`
	ProjectID       string                 `json:"project_id" db:"project_id"`
	BuildNumber     string                 `json:"build_number" db:"build_number"`
	Status          BuildStatus            `json:"status" db:"status"`
	TriggerType     TriggerType            `json:"trigger_type" db:"trigger_type"`
	CommitHash      string                 `json:"commit_hash,omitempty" db:"commit_hash"`
	CommitMessage   string                 `json:"commit_message,omitempty" db:"commit_message"`
	Branch          string                 `json:"branch,omitempty" db:"branch"`
	UserID          string                 `json:"user_id,omitempty" db:"user_id"`
	ErrorMessage    string                 `json:"error_message,omitempty" db:"error_message"`
	ExternalURL     string                 `json:"external_url,omitempty" db:"external_url"`
	Archived        bool                   `json:"archived" db:"archived"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds int                    `json:"duration_seconds,omitempty" db:"duration_seconds"`
}

// LogLevel classifies build log entries
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// BuildLogEntry is one appended log line of a build. Entries are
// append-only; the id orders them.
type BuildLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	BuildID   string    `json:"build_id" db:"build_id"`
	Stage     string    `json:"stage,omitempty" db:"stage"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// QueueStatus is a point-in-time snapshot of queue occupancy
type QueueStatus struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	MaxConcurrent  int `json:"max_concurrent"`
	AvailableSlots int `json:"available_slots"`
}
