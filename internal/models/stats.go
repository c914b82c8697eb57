package models

import "time"

// StatEventType represents different types of statistical events
type StatEventType string

const (
	EventTypeBuildCreated     StatEventType = "build_created"
	EventTypeBuildCompleted   StatEventType = "build_completed"
	EventTypeBuildFailed      StatEventType = "build_failed"
	EventTypeBuildCancelled   StatEventType = "build_cancelled"
	EventTypeWebhookReceived  StatEventType = "webhook_received"
	EventTypeWebhookProcessed StatEventType = "webhook_processed"
)

// BuildStat represents a statistical event
type BuildStat struct {
	ID           int64         `json:"id" db:"id"`
	Timestamp    time.Time     `json:"timestamp" db:"timestamp"`
	EventType    StatEventType `json:"event_type" db:"event_type"`
	ProjectID    string        `json:"project_id,omitempty" db:"project_id"`
	TriggerType  string        `json:"trigger_type,omitempty" db:"trigger_type"`
	DurationSecs int           `json:"duration_seconds,omitempty" db:"duration_seconds"`
}
