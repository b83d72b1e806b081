package whatsapp

import "context"

// Client is the surface the dispatch pipeline needs from the Cloud API.
type Client interface {
	// SendTemplate delivers one template message from the given sender phone
	// number. Parameters fill the template body placeholders in order.
	SendTemplate(ctx context.Context, phoneNumberID, to, templateName, languageCode string, parameters []string) (*SendResult, error)

	// GetMediaInfo resolves an inbound media id to a short-lived download URL.
	GetMediaInfo(ctx context.Context, mediaID string) (*MediaInfo, error)
}
