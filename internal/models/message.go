package models

import "time"

// MessageStatus is the provider-reported delivery state of a message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// statusRanks orders delivery statuses so that out-of-order provider callbacks
// can be detected. A callback only applies when its rank is strictly greater
// than the stored rank.
var statusRanks = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusFailed:    4,
}

// Rank returns the ordering rank of the status. Unknown statuses rank below
// pending so they never overwrite stored state.
func (s MessageStatus) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// Supersedes reports whether s may replace current under the ordering policy.
// A message that already failed is terminal.
func (s MessageStatus) Supersedes(current MessageStatus) bool {
	if current == MessageStatusFailed {
		return false
	}
	return s.Rank() > current.Rank()
}

// MessageDirection distinguishes customer messages from gateway sends.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// Message is one sent or received conversational message.
type Message struct {
	ID                int64            `json:"id"`
	ContactID         int64            `json:"contactId"`
	SenderID          string           `json:"senderId"`
	ProviderMessageID *string          `json:"providerMessageId,omitempty"`
	Direction         MessageDirection `json:"direction"`
	Type              string           `json:"type"`
	Status            MessageStatus    `json:"status"`
	Content           MessageContent   `json:"content"`
	SentAt            *time.Time       `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time       `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time       `json:"readAt,omitempty"`
	FailedAt          *time.Time       `json:"failedAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// MessageContent is the type-tagged payload of a message. Exactly the fields
// matching the Type are populated.
type MessageContent struct {
	Text     string `json:"text,omitempty"`
	MediaID  string `json:"mediaId,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	// Location messages
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	// Template sends
	TemplateName string `json:"templateName,omitempty"`
}

// StatusUpdateRecord is an append-only audit row for one applied message
// status transition. Rows are only inserted when the live status mutates.
type StatusUpdateRecord struct {
	ID                int64         `json:"id"`
	MessageID         int64         `json:"messageId"`
	ProviderMessageID string        `json:"providerMessageId"`
	PreviousStatus    MessageStatus `json:"previousStatus"`
	NewStatus         MessageStatus `json:"newStatus"`
	ProviderTimestamp *time.Time    `json:"providerTimestamp,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}
