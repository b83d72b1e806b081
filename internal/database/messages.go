package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wagate/internal/models"
)

const messageColumns = `
	id, contact_id, sender_id, provider_message_id, direction, type, status,
	content, sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

// SaveMessage inserts a message row. The unique provider_message_id index
// rejects duplicates; callers treat that as already-processed.
func (d *Database) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message content: %w", err)
	}

	encryptedContent, err := d.encryptor.Encrypt(string(contentJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	var providerID interface{}
	if msg.ProviderMessageID != nil {
		encryptedID, err := d.encryptor.EncryptForLookup(*msg.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt provider message ID: %w", err)
		}
		providerID = encryptedID
	}

	var sentAt interface{}
	if msg.SentAt != nil {
		sentAt = msg.SentAt.UTC()
	}

	query := `
		INSERT INTO messages (contact_id, sender_id, provider_message_id, direction, type, status, content, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var id int64
	err = withRetry(ctx, "save message", func() error {
		result, execErr := d.db.ExecContext(ctx, query,
			msg.ContactID, msg.SenderID, providerID, msg.Direction, msg.Type,
			msg.Status, encryptedContent, sentAt)
		if execErr != nil {
			return execErr
		}
		id, execErr = result.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return d.GetMessage(ctx, id)
}

// GetMessage retrieves a message by row id.
func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	query := `SELECT` + messageColumns + ` FROM messages WHERE id = ?`

	msg, err := d.scanMessage(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessageByProviderID retrieves a message by its provider message id.
func (d *Database) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	encryptedID, err := d.encryptor.EncryptForLookup(providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt provider message ID: %w", err)
	}

	query := `SELECT` + messageColumns + ` FROM messages WHERE provider_message_id = ?`

	msg, err := d.scanMessage(d.db.QueryRowContext(ctx, query, encryptedID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by provider ID: %w", err)
	}
	return msg, nil
}

// UpdateMessageStatus applies a status transition and stamps the matching
// timestamp column. Callers are responsible for the ordering policy.
func (d *Database) UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus, at time.Time) error {
	var column string
	switch status {
	case models.MessageStatusSent:
		column = "sent_at"
	case models.MessageStatusDelivered:
		column = "delivered_at"
	case models.MessageStatusRead:
		column = "read_at"
	case models.MessageStatusFailed:
		column = "failed_at"
	default:
		return fmt.Errorf("no timestamp column for status %q", status)
	}

	query := fmt.Sprintf(`
		UPDATE messages
		SET status = ?, %s = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, column)

	return d.execTransition(ctx, "update message status", query, status, at.UTC(), id)
}

// AppendStatusUpdate inserts one append-only audit row for an applied status
// transition.
func (d *Database) AppendStatusUpdate(ctx context.Context, update *models.StatusUpdateRecord) error {
	query := `
		INSERT INTO status_updates (message_id, provider_message_id, previous_status, new_status, provider_timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	var providerTS interface{}
	if update.ProviderTimestamp != nil {
		providerTS = update.ProviderTimestamp.UTC()
	}

	err := withRetry(ctx, "append status update", func() error {
		_, execErr := d.db.ExecContext(ctx, query,
			update.MessageID, update.ProviderMessageID, update.PreviousStatus,
			update.NewStatus, providerTS)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to append status update: %w", err)
	}
	return nil
}

// ListStatusUpdates returns the audit trail for one message, oldest first.
func (d *Database) ListStatusUpdates(ctx context.Context, messageID int64) ([]*models.StatusUpdateRecord, error) {
	query := `
		SELECT id, message_id, provider_message_id, previous_status, new_status, provider_timestamp, created_at
		FROM status_updates
		WHERE message_id = ?
		ORDER BY id ASC
	`

	rows, err := d.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status updates: %w", err)
	}
	defer rows.Close()

	var updates []*models.StatusUpdateRecord
	for rows.Next() {
		update := &models.StatusUpdateRecord{}
		var providerTS sql.NullTime
		if err := rows.Scan(&update.ID, &update.MessageID, &update.ProviderMessageID,
			&update.PreviousStatus, &update.NewStatus, &providerTS, &update.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status update: %w", err)
		}
		if providerTS.Valid {
			t := providerTS.Time
			update.ProviderTimestamp = &t
		}
		updates = append(updates, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status updates: %w", err)
	}

	return updates, nil
}

// CountMessagesByProviderID reports how many rows carry the provider id.
// Used by idempotency tests and duplicate diagnostics.
func (d *Database) CountMessagesByProviderID(ctx context.Context, providerMessageID string) (int, error) {
	encryptedID, err := d.encryptor.EncryptForLookup(providerMessageID)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt provider message ID: %w", err)
	}

	var count int
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE provider_message_id = ?`, encryptedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var (
		providerID       sql.NullString
		encryptedContent string
		sentAt           sql.NullTime
		deliveredAt      sql.NullTime
		readAt           sql.NullTime
		failedAt         sql.NullTime
	)

	err := row.Scan(
		&msg.ID, &msg.ContactID, &msg.SenderID, &providerID, &msg.Direction,
		&msg.Type, &msg.Status, &encryptedContent, &sentAt, &deliveredAt,
		&readAt, &failedAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if providerID.Valid {
		decryptedID, err := d.encryptor.Decrypt(providerID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt provider message ID: %w", err)
		}
		msg.ProviderMessageID = &decryptedID
	}

	contentJSON, err := d.encryptor.Decrypt(encryptedContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message content: %w", err)
	}
	if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message content: %w", err)
	}

	if sentAt.Valid {
		t := sentAt.Time
		msg.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		msg.FailedAt = &t
	}

	return msg, nil
}
