package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wagate/internal/constants"
	"wagate/internal/errors"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"

	"github.com/sirupsen/logrus"
)

// WebhookService turns provider callback deliveries into database mutations
// and realtime events. Every unit of work (one message, one status) is
// claimed through the webhook log before anything else happens, so redelivery
// and fan-out duplicates collapse into no-ops.
type WebhookService struct {
	queue    QueueStore
	contacts ContactStore
	messages MessageStore
	logs     WebhookLogStore
	hub      Broadcaster
	media    MediaFetcher
	senders  map[string]models.SenderConfig
	logger   *logrus.Logger
}

func NewWebhookService(queue QueueStore, contacts ContactStore, messages MessageStore,
	logs WebhookLogStore, hub Broadcaster, media MediaFetcher,
	senders []models.SenderConfig, logger *logrus.Logger) *WebhookService {
	senderMap := make(map[string]models.SenderConfig, len(senders))
	for _, s := range senders {
		senderMap[s.PhoneNumberID] = s
	}
	return &WebhookService{
		queue:    queue,
		contacts: contacts,
		messages: messages,
		logs:     logs,
		hub:      hub,
		media:    media,
		senders:  senderMap,
		logger:   logger,
	}
}

// messageIdempotencyKey identifies one inbound message within one entry.
func messageIdempotencyKey(entryID, field, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", entryID, field, messageID)
}

// statusIdempotencyKey includes the status value: the provider reuses the
// message id across sent/delivered/read callbacks.
func statusIdempotencyKey(entryID, field, statusID, status string) string {
	return fmt.Sprintf("%s:%s:%s:%s", entryID, field, statusID, status)
}

// ProcessPayload walks every change in the delivery and processes each
// message and status independently. A failure in one unit never blocks the
// others; the webhook response is 200 regardless so the provider does not
// redeliver units that already succeeded.
func (s *WebhookService) ProcessPayload(ctx context.Context, payload *models.WebhookPayload, sourceIP string) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != models.WebhookFieldMessages {
				s.logger.WithField("field", change.Field).Debug("Ignoring unsupported change field")
				continue
			}

			sender, known := s.senders[change.Value.Metadata.PhoneNumberID]
			if !known {
				s.rejectUnknownSender(ctx, entry.ID, change, sourceIP)
				continue
			}

			profiles := profileNames(change.Value.Contacts)

			for _, msg := range change.Value.Messages {
				s.processMessage(ctx, entry.ID, change.Field, sender, msg, profiles[msg.From], sourceIP)
			}
			for _, status := range change.Value.Statuses {
				s.processStatus(ctx, entry.ID, change.Field, sender, status, sourceIP)
			}
		}
	}
}

// rejectUnknownSender records a failed webhook log row for every unit of a
// change whose phone_number_id is not configured. The delivery is still
// acknowledged upstream; the rows make the misconfiguration visible.
func (s *WebhookService) rejectUnknownSender(ctx context.Context, entryID string, change models.WebhookChange, sourceIP string) {
	senderID := change.Value.Metadata.PhoneNumberID
	s.logger.WithField("phone_number_id", senderID).Warn("Callback for unknown sender context")
	metrics.IncrementCounter("webhook.unknown_sender", nil, "Changes for unconfigured phone numbers")

	unitErr := errors.New(errors.ErrCodeUnknownSender,
		fmt.Sprintf("unknown sender context %q", senderID))

	for _, msg := range change.Value.Messages {
		if claim := s.claim(ctx, messageIdempotencyKey(entryID, change.Field, msg.ID), "message", senderID, sourceIP); claim != nil {
			s.finish(ctx, claim.ID, unitErr)
		}
	}
	for _, status := range change.Value.Statuses {
		if claim := s.claim(ctx, statusIdempotencyKey(entryID, change.Field, status.ID, status.Status), "status", senderID, sourceIP); claim != nil {
			s.finish(ctx, claim.ID, unitErr)
		}
	}
}

func profileNames(contacts []models.WebhookContact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.WaID] = c.Profile.Name
	}
	return names
}

// claim inserts the webhook log row for the unit. Returns nil when the key
// is already taken.
func (s *WebhookService) claim(ctx context.Context, key, eventType, senderID, sourceIP string) *models.WebhookLog {
	log, err := s.logs.InsertWebhookLog(ctx, &models.WebhookLog{
		IdempotencyKey: key,
		EventType:      eventType,
		SenderID:       senderID,
		SourceIP:       sourceIP,
	})
	if err != nil {
		s.logger.WithError(err).WithField(LogFieldIdempotency, key).Error("Failed to claim webhook unit")
		return nil
	}
	if log == nil {
		metrics.IncrementCounter("webhook.duplicates", nil, "Duplicate webhook units suppressed")
		s.logger.WithField(LogFieldIdempotency, key).Debug("Duplicate webhook unit suppressed")
		return nil
	}
	return log
}

func (s *WebhookService) processMessage(ctx context.Context, entryID, field string, sender models.SenderConfig, msg models.InboundMessage, profileName, sourceIP string) {
	key := messageIdempotencyKey(entryID, field, msg.ID)

	claim := s.claim(ctx, key, "message", sender.PhoneNumberID, sourceIP)
	if claim == nil {
		return
	}

	err := s.handleInboundMessage(ctx, sender, msg, profileName)
	s.finish(ctx, claim.ID, err)

	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldIdempotency: key,
			LogFieldSenderID:    sender.PhoneNumberID,
		}).Error("Failed to process inbound message")
		return
	}
	metrics.IncrementCounter("webhook.messages_processed", map[string]string{"sender": sender.PhoneNumberID}, "Inbound messages persisted")
}

func (s *WebhookService) handleInboundMessage(ctx context.Context, sender models.SenderConfig, msg models.InboundMessage, profileName string) error {
	receivedAt := parseProviderTimestamp(msg.Timestamp)

	contact := &models.Contact{
		SenderID:    sender.PhoneNumberID,
		WaID:        msg.From,
		ProfileName: profileName,
	}
	contact.TouchSession(receivedAt)

	contact, err := s.contacts.UpsertContact(ctx, contact)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}

	content, msgType, err := inboundContent(msg)
	if err != nil {
		return err
	}

	providerID := msg.ID
	saved, err := s.messages.SaveMessage(ctx, &models.Message{
		ContactID:         contact.ID,
		SenderID:          sender.PhoneNumberID,
		ProviderMessageID: &providerID,
		Direction:         models.DirectionIncoming,
		Type:              msgType,
		Status:            models.MessageStatusDelivered,
		Content:           content,
	})
	if err != nil {
		return fmt.Errorf("failed to save inbound message: %w", err)
	}

	s.hub.Broadcast(sender.PhoneNumberID, models.Event{
		Type: models.EventMessageNew,
		Data: saved,
	})

	if content.MediaID != "" && s.media != nil {
		go s.prefetchMedia(content.MediaID)
	}

	return nil
}

// prefetchMedia resolves an inbound media id while the provider download URL
// is still fresh. Fire-and-forget: a failure is logged, never fatal.
func (s *WebhookService) prefetchMedia(mediaID string) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultMediaFetchTimeoutSec)*time.Second)
	defer cancel()

	info, err := s.media.GetMediaInfo(ctx, mediaID)
	if err != nil {
		metrics.IncrementCounter("webhook.media_lookup_failed", nil, "Inbound media lookups that failed")
		s.logger.WithError(err).WithField("media_id", mediaID).Warn("Inbound media lookup failed")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"media_id":  mediaID,
		"mime_type": info.MimeType,
		"size":      info.FileSize,
	}).Debug("Resolved inbound media")
}

// inboundContent maps the provider message shape onto the stored content.
// Unsupported types are persisted as bare typed messages rather than
// rejected: the provider will not redeliver on our schedule.
func inboundContent(msg models.InboundMessage) (models.MessageContent, string, error) {
	switch msg.Type {
	case models.MessageTypeText:
		if msg.Text == nil {
			return models.MessageContent{}, "", errors.New(errors.ErrCodeValidationFailed, "text message without text body")
		}
		return models.MessageContent{Text: msg.Text.Body}, models.MessageTypeText, nil
	case models.MessageTypeImage:
		return mediaContent(msg.Image), models.MessageTypeImage, nil
	case models.MessageTypeVideo:
		return mediaContent(msg.Video), models.MessageTypeVideo, nil
	case models.MessageTypeAudio:
		return mediaContent(msg.Audio), models.MessageTypeAudio, nil
	case models.MessageTypeDocument:
		return mediaContent(msg.Document), models.MessageTypeDocument, nil
	case models.MessageTypeLocation:
		if msg.Location == nil {
			return models.MessageContent{}, "", errors.New(errors.ErrCodeValidationFailed, "location message without coordinates")
		}
		return models.MessageContent{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		}, models.MessageTypeLocation, nil
	default:
		return models.MessageContent{}, msg.Type, nil
	}
}

func mediaContent(media *models.InboundMedia) models.MessageContent {
	if media == nil {
		return models.MessageContent{}
	}
	return models.MessageContent{
		MediaID:  media.ID,
		MimeType: media.MimeType,
		Caption:  media.Caption,
		Filename: media.Filename,
	}
}

func (s *WebhookService) processStatus(ctx context.Context, entryID, field string, sender models.SenderConfig, status models.InboundStatus, sourceIP string) {
	key := statusIdempotencyKey(entryID, field, status.ID, status.Status)

	claim := s.claim(ctx, key, "status", sender.PhoneNumberID, sourceIP)
	if claim == nil {
		return
	}

	err := s.handleStatusUpdate(ctx, sender, status)
	s.finish(ctx, claim.ID, err)

	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldIdempotency: key,
			LogFieldMessageID:   privacy.MaskProviderMessageID(status.ID),
		}).Error("Failed to process status update")
	}
}

func (s *WebhookService) handleStatusUpdate(ctx context.Context, sender models.SenderConfig, status models.InboundStatus) error {
	newStatus := models.MessageStatus(status.Status)
	if newStatus.Rank() < 0 {
		return errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("unknown delivery status %q", status.Status))
	}

	msg, err := s.messages.GetMessageByProviderID(ctx, status.ID)
	if err != nil {
		return fmt.Errorf("failed to look up message: %w", err)
	}
	if msg == nil {
		// A status for a message this gateway never sent. Acknowledge and
		// move on; failing here would only trigger provider redelivery.
		s.logger.WithField(LogFieldMessageID, privacy.MaskProviderMessageID(status.ID)).
			Debug("Status for unknown provider message id")
		metrics.IncrementCounter("webhook.statuses_unknown", nil, "Statuses for unknown message ids")
		return nil
	}

	if !newStatus.Supersedes(msg.Status) {
		metrics.IncrementCounter("webhook.statuses_stale", nil, "Out-of-order statuses discarded")
		s.logger.WithFields(logrus.Fields{
			LogFieldMessageID: privacy.MaskProviderMessageID(status.ID),
			"current":         string(msg.Status),
			"received":        string(newStatus),
		}).Debug("Stale status discarded")
		return nil
	}

	providerAt := parseProviderTimestamp(status.Timestamp)
	if err := s.messages.UpdateMessageStatus(ctx, msg.ID, newStatus, providerAt); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	// Audit row only when the live status actually moved.
	if err := s.messages.AppendStatusUpdate(ctx, &models.StatusUpdateRecord{
		MessageID:         msg.ID,
		ProviderMessageID: status.ID,
		PreviousStatus:    msg.Status,
		NewStatus:         newStatus,
		ProviderTimestamp: &providerAt,
	}); err != nil {
		return fmt.Errorf("failed to append status update: %w", err)
	}

	if err := s.queue.UpdateQueueMessageStatus(ctx, status.ID, newStatus); err != nil {
		s.logger.WithError(err).Warn("Failed to mirror status onto queue record")
	}

	metrics.IncrementCounter("webhook.statuses_applied",
		map[string]string{"status": string(newStatus)}, "Delivery statuses applied in order")

	s.hub.Broadcast(sender.PhoneNumberID, models.Event{
		Type: models.EventMessageStatus,
		Data: models.MessageStatusEvent{
			ProviderMessageID: status.ID,
			Status:            newStatus,
		},
	})

	return nil
}

func (s *WebhookService) finish(ctx context.Context, logID int64, processErr error) {
	outcome := models.WebhookLogSuccess
	if processErr != nil {
		outcome = models.WebhookLogFailed
	}
	if err := s.logs.FinishWebhookLog(ctx, logID, outcome, processErr); err != nil {
		s.logger.WithError(err).Error("Failed to record webhook outcome")
	}
}

// parseProviderTimestamp parses the unix-seconds string the provider sends.
// An unparseable value falls back to now so processing never stalls on it.
func parseProviderTimestamp(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
