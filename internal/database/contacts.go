package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wagate/internal/models"
)

const contactColumns = `
	id, sender_id, wa_id, profile_name, last_customer_message_at,
	session_expires_at, created_at, updated_at`

// GetContact retrieves a contact by sending identity and external id.
func (d *Database) GetContact(ctx context.Context, senderID, waID string) (*models.Contact, error) {
	encryptedWaID, err := d.encryptor.EncryptForLookup(waID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wa_id: %w", err)
	}

	query := `SELECT` + contactColumns + ` FROM contacts WHERE sender_id = ? AND wa_id = ?`

	contact, err := d.scanContact(d.db.QueryRowContext(ctx, query, senderID, encryptedWaID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

// UpsertContact creates the contact if missing and refreshes the profile name
// and session window. session_expires_at never moves backwards.
func (d *Database) UpsertContact(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	encryptedWaID, err := d.encryptor.EncryptForLookup(contact.WaID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt wa_id: %w", err)
	}
	encryptedName, err := d.encryptor.Encrypt(contact.ProfileName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt profile name: %w", err)
	}

	query := `
		INSERT INTO contacts (sender_id, wa_id, profile_name, last_customer_message_at, session_expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sender_id, wa_id) DO UPDATE SET
			profile_name = CASE WHEN excluded.profile_name != '' THEN excluded.profile_name ELSE profile_name END,
			last_customer_message_at = COALESCE(excluded.last_customer_message_at, last_customer_message_at),
			session_expires_at = CASE
				WHEN excluded.session_expires_at IS NOT NULL
				 AND (session_expires_at IS NULL OR excluded.session_expires_at > session_expires_at)
				THEN excluded.session_expires_at
				ELSE session_expires_at
			END,
			updated_at = CURRENT_TIMESTAMP
	`

	var lastMsg, expires interface{}
	if contact.LastCustomerMessageAt != nil {
		lastMsg = contact.LastCustomerMessageAt.UTC()
	}
	if contact.SessionExpiresAt != nil {
		expires = contact.SessionExpiresAt.UTC()
	}

	err = withRetry(ctx, "upsert contact", func() error {
		_, execErr := d.db.ExecContext(ctx, query, contact.SenderID, encryptedWaID, encryptedName, lastMsg, expires)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}

	return d.GetContact(ctx, contact.SenderID, contact.WaID)
}

// TouchContactSession records a customer message and extends the 24h window.
func (d *Database) TouchContactSession(ctx context.Context, senderID, waID string, messageAt time.Time) (*models.Contact, error) {
	contact := &models.Contact{
		SenderID: senderID,
		WaID:     waID,
	}
	contact.TouchSession(messageAt)
	return d.UpsertContact(ctx, contact)
}

func (d *Database) scanContact(row rowScanner) (*models.Contact, error) {
	contact := &models.Contact{}
	var (
		encryptedWaID string
		encryptedName string
		lastMsg       sql.NullTime
		expires       sql.NullTime
	)

	err := row.Scan(
		&contact.ID, &contact.SenderID, &encryptedWaID, &encryptedName,
		&lastMsg, &expires, &contact.CreatedAt, &contact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	contact.WaID, err = d.encryptor.Decrypt(encryptedWaID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt wa_id: %w", err)
	}
	contact.ProfileName, err = d.encryptor.Decrypt(encryptedName)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt profile name: %w", err)
	}

	if lastMsg.Valid {
		t := lastMsg.Time
		contact.LastCustomerMessageAt = &t
	}
	if expires.Valid {
		t := expires.Time
		contact.SessionExpiresAt = &t
	}

	return contact, nil
}
