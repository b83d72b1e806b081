package models

import "time"

// WebhookLogStatus tracks the processing lifecycle of one inbound callback
// delivery. A row moves pending -> processing -> {success|failed} and is never
// reused.
type WebhookLogStatus string

const (
	WebhookLogPending    WebhookLogStatus = "pending"
	WebhookLogProcessing WebhookLogStatus = "processing"
	WebhookLogSuccess    WebhookLogStatus = "success"
	WebhookLogFailed     WebhookLogStatus = "failed"
)

// WebhookLog is one row per inbound callback delivery, keyed by a
// deterministic idempotency key. The unique key suppresses duplicate
// processing; a row inserted before processing starts leaves forensic
// evidence if the process crashes mid-flight.
type WebhookLog struct {
	ID             int64            `json:"id"`
	IdempotencyKey string           `json:"idempotencyKey"`
	EventType      string           `json:"eventType"`
	SenderID       string           `json:"senderId"`
	SourceIP       string           `json:"sourceIp"`
	Status         WebhookLogStatus `json:"status"`
	Error          *string          `json:"error,omitempty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty"`
}
