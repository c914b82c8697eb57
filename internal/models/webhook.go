package models

import "time"

// WebhookStatus tracks the processing state of a received delivery
type WebhookStatus string

const (
	WebhookStatusReceived           WebhookStatus = "received"
	WebhookStatusProcessing         WebhookStatus = "processing"
	WebhookStatusProcessed          WebhookStatus = "processed"
	WebhookStatusFailed             WebhookStatus = "failed"
	WebhookStatusFailedVerification WebhookStatus = "failed_verification"
	WebhookStatusSkipped            WebhookStatus = "skipped"
)

// WebhookEvent is a persisted webhook delivery. The raw payload is kept
// verbatim so signature checks and retries operate on the exact bytes
// the provider sent.
type WebhookEvent struct {
	ID               string        `json:"id" db:"id"`
	DeliveryID       string        `json:"delivery_id" db:"delivery_id"`
	EventType        string        `json:"event_type" db:"event_type"`
	Signature        string        `json:"-" db:"signature"`
	Payload          []byte        `json:"-" db:"payload"`
	Status           WebhookStatus `json:"status" db:"status"`
	ErrorMessage     string        `json:"error_message,omitempty" db:"error_message"`
	DeliveryAttempts int           `json:"delivery_attempts" db:"delivery_attempts"`
	NextRetryAt      *time.Time    `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ProjectID        *string       `json:"project_id,omitempty" db:"project_id"`
	BuildID          *string       `json:"build_id,omitempty" db:"build_id"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty" db:"processed_at"`
	LastAttemptAt    *time.Time    `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
}
