package models

import "time"

// QueueStatus is the durable dispatch state of an outbound send attempt.
// Transitions: pending -> queued -> processing -> {completed|retrying|failed};
// retrying -> queued; cancelled is reachable from pending/queued only.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusRetrying   QueueStatus = "retrying"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed || s == QueueStatusCancelled
}

// CanTransitionTo enforces the queue record state machine.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	switch s {
	case QueueStatusPending:
		return next == QueueStatusQueued || next == QueueStatusCancelled
	case QueueStatusQueued:
		return next == QueueStatusProcessing || next == QueueStatusCancelled
	case QueueStatusProcessing:
		return next == QueueStatusCompleted || next == QueueStatusRetrying || next == QueueStatusFailed
	case QueueStatusRetrying:
		return next == QueueStatusQueued
	default:
		return false
	}
}

// QueueRecord is one durable outbound send attempt. It is the source of truth
// for dispatch state; the broker job referencing it is disposable.
type QueueRecord struct {
	ID                 int64          `json:"id"`
	Recipient          string         `json:"recipient"`
	TemplateName       string         `json:"templateName"`
	TemplateLanguage   string         `json:"templateLanguage"`
	TemplateParameters []string       `json:"templateParameters"`
	SenderID           string         `json:"senderId"`
	AttributionID      *string        `json:"attributionId,omitempty"`
	QueueStatus        QueueStatus    `json:"queueStatus"`
	MessageStatus      *MessageStatus `json:"messageStatus,omitempty"`
	ProviderMessageID  *string        `json:"providerMessageId,omitempty"`
	BrokerJobID        *string        `json:"brokerJobId,omitempty"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"maxAttempts"`
	LastDispatchedAt   *time.Time     `json:"lastDispatchedAt,omitempty"`
	ErrorCode          *string        `json:"errorCode,omitempty"`
	ErrorMessage       *string        `json:"errorMessage,omitempty"`
	IsBillable         bool           `json:"isBillable"`
	ScheduledAt        time.Time      `json:"scheduledAt"`
	ProcessedAt        *time.Time     `json:"processedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// HasAttemptsLeft reports whether another delivery attempt is permitted.
func (r *QueueRecord) HasAttemptsLeft() bool {
	return r.Attempts < r.MaxAttempts
}
