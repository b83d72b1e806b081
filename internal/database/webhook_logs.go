package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wagate/internal/models"
)

// InsertWebhookLog claims an idempotency key by inserting a processing row
// before any work happens. It returns (nil, nil) when the key is already
// taken, which callers treat as a duplicate delivery.
func (d *Database) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) (*models.WebhookLog, error) {
	query := `
		INSERT INTO webhook_logs (idempotency_key, event_type, sender_id, source_ip, status)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := d.db.ExecContext(ctx, query,
		log.IdempotencyKey, log.EventType, log.SenderID, log.SourceIP, models.WebhookLogProcessing)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to insert webhook log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook log id: %w", err)
	}

	return d.GetWebhookLog(ctx, id)
}

// GetWebhookLog retrieves a webhook log row by id.
func (d *Database) GetWebhookLog(ctx context.Context, id int64) (*models.WebhookLog, error) {
	query := `
		SELECT id, idempotency_key, event_type, sender_id, source_ip, status, error, received_at, processed_at
		FROM webhook_logs
		WHERE id = ?
	`
	log, err := d.scanWebhookLog(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook log: %w", err)
	}
	return log, nil
}

// GetWebhookLogByKey retrieves a webhook log row by idempotency key.
func (d *Database) GetWebhookLogByKey(ctx context.Context, key string) (*models.WebhookLog, error) {
	query := `
		SELECT id, idempotency_key, event_type, sender_id, source_ip, status, error, received_at, processed_at
		FROM webhook_logs
		WHERE idempotency_key = ?
	`
	log, err := d.scanWebhookLog(d.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook log by key: %w", err)
	}
	return log, nil
}

// FinishWebhookLog records the processing outcome on the row.
func (d *Database) FinishWebhookLog(ctx context.Context, id int64, status models.WebhookLogStatus, processErr error) error {
	var errText interface{}
	if processErr != nil {
		errText = processErr.Error()
	}

	query := `
		UPDATE webhook_logs
		SET status = ?, error = ?, processed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	return d.execTransition(ctx, "finish webhook log", query, status, errText, id)
}

// CleanupOldWebhookLogs removes webhook log rows past the retention window.
func (d *Database) CleanupOldWebhookLogs(ctx context.Context, retentionDays int) error {
	query := `
		DELETE FROM webhook_logs
		WHERE received_at < datetime('now', '-' || ? || ' days')
	`

	if _, err := d.db.ExecContext(ctx, query, retentionDays); err != nil {
		return fmt.Errorf("failed to cleanup old webhook logs: %w", err)
	}
	return nil
}

func (d *Database) scanWebhookLog(row rowScanner) (*models.WebhookLog, error) {
	log := &models.WebhookLog{}
	var (
		errText     sql.NullString
		processedAt sql.NullTime
	)

	err := row.Scan(&log.ID, &log.IdempotencyKey, &log.EventType, &log.SenderID,
		&log.SourceIP, &log.Status, &errText, &log.ReceivedAt, &processedAt)
	if err != nil {
		return nil, err
	}

	if errText.Valid {
		log.Error = &errText.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		log.ProcessedAt = &t
	}

	return log, nil
}
