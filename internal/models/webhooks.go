package models

// WhatsApp Cloud API webhook change fields
const (
	WebhookFieldMessages = "messages"
)

// Inbound message types the gateway persists
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeTemplate = "template"
)

// WebhookPayload is the envelope the Cloud API posts to the webhook endpoint.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []InboundStatus  `json:"statuses,omitempty"`
}

type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one customer message inside a webhook delivery.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds, as a string
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *InboundMedia `json:"image,omitempty"`
	Video    *InboundMedia `json:"video,omitempty"`
	Audio    *InboundMedia `json:"audio,omitempty"`
	Document *InboundMedia `json:"document,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location,omitempty"`
}

type InboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InboundStatus is one delivery/read/failure status update inside a webhook
// delivery. ID is the provider message id the status refers to.
type InboundStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message,omitempty"`
	} `json:"errors,omitempty"`
}

// Valid reports whether the payload is structurally a Cloud API webhook
// delivery. Malformed payloads are rejected with a client error and never
// retried by the provider.
func (p *WebhookPayload) Valid() bool {
	if p.Object == "" || len(p.Entry) == 0 {
		return false
	}
	for _, entry := range p.Entry {
		if entry.ID == "" {
			return false
		}
		for _, change := range entry.Changes {
			if change.Field == "" {
				return false
			}
		}
	}
	return true
}
