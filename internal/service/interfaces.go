package service

import (
	"context"
	"time"

	"wagate/internal/database"
	"wagate/internal/models"
	"wagate/pkg/whatsapp"
)

// QueueStore is the dispatch pipeline's view of the database.
type QueueStore interface {
	CreateQueueRecord(ctx context.Context, params database.CreateQueueRecordParams) (*models.QueueRecord, error)
	GetQueueRecord(ctx context.Context, id int64) (*models.QueueRecord, error)
	MarkQueued(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, providerMessageID string) error
	MarkRetrying(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error
	MarkFailed(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error
	CancelQueueRecord(ctx context.Context, id int64) error
	ReclaimProcessing(ctx context.Context, id int64) error
	UpdateQueueMessageStatus(ctx context.Context, providerMessageID string, status models.MessageStatus) error
	ListRepairCandidates(ctx context.Context, stuckBefore, reclaimBefore time.Time, limit int) ([]*models.QueueRecord, error)
}

// ContactStore is the event pipeline's view of contacts.
type ContactStore interface {
	GetContact(ctx context.Context, senderID, waID string) (*models.Contact, error)
	UpsertContact(ctx context.Context, contact *models.Contact) (*models.Contact, error)
	TouchContactSession(ctx context.Context, senderID, waID string, messageAt time.Time) (*models.Contact, error)
}

// MessageStore is the event pipeline's view of messages and their status
// history.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus, at time.Time) error
	AppendStatusUpdate(ctx context.Context, update *models.StatusUpdateRecord) error
}

// WebhookLogStore records webhook delivery processing outcomes.
type WebhookLogStore interface {
	InsertWebhookLog(ctx context.Context, log *models.WebhookLog) (*models.WebhookLog, error)
	FinishWebhookLog(ctx context.Context, id int64, status models.WebhookLogStatus, processErr error) error
	CleanupOldWebhookLogs(ctx context.Context, retentionDays int) error
}

// MediaFetcher resolves inbound media ids against the provider.
type MediaFetcher interface {
	GetMediaInfo(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error)
}

// Broadcaster fans an event out to every viewer subscribed to the room.
type Broadcaster interface {
	Broadcast(room string, event models.Event)
}
