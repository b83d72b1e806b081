package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wagate/internal/models"
)

const queueRecordColumns = `
	id, recipient, template_name, template_language, template_parameters,
	sender_id, attribution_id, queue_status, message_status, provider_message_id,
	broker_job_id, attempts, max_attempts, last_dispatched_at, error_code,
	error_message, is_billable, scheduled_at, processed_at, completed_at,
	created_at, updated_at`

// CreateQueueRecordParams carries the fields set by the ingress surface.
type CreateQueueRecordParams struct {
	Recipient          string
	TemplateName       string
	TemplateLanguage   string
	TemplateParameters []string
	SenderID           string
	AttributionID      *string
	MaxAttempts        int
	ScheduledAt        time.Time
}

// CreateQueueRecord inserts a new pending outbound send attempt.
func (d *Database) CreateQueueRecord(ctx context.Context, params CreateQueueRecordParams) (*models.QueueRecord, error) {
	encryptedRecipient, err := d.encryptor.EncryptForLookup(params.Recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt recipient: %w", err)
	}

	paramsJSON, err := json.Marshal(params.TemplateParameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template parameters: %w", err)
	}

	query := `
		INSERT INTO queue_records (
			recipient, template_name, template_language, template_parameters,
			sender_id, attribution_id, max_attempts, scheduled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var id int64
	err = withRetry(ctx, "create queue record", func() error {
		result, execErr := d.db.ExecContext(ctx, query,
			encryptedRecipient, params.TemplateName, params.TemplateLanguage,
			string(paramsJSON), params.SenderID, params.AttributionID,
			params.MaxAttempts, params.ScheduledAt.UTC())
		if execErr != nil {
			return execErr
		}
		id, execErr = result.LastInsertId()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue record: %w", err)
	}

	return d.GetQueueRecord(ctx, id)
}

// GetQueueRecord loads the authoritative state of one record.
func (d *Database) GetQueueRecord(ctx context.Context, id int64) (*models.QueueRecord, error) {
	query := `SELECT` + queueRecordColumns + ` FROM queue_records WHERE id = ?`

	record, err := d.scanQueueRecord(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue record: %w", err)
	}
	return record, nil
}

// MarkQueued records a successful broker enqueue. Valid from pending,
// retrying and queued (the watchdog re-enqueues queued records whose broker
// job disappeared).
func (d *Database) MarkQueued(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'queued', broker_job_id = ?, last_dispatched_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status IN ('pending', 'retrying', 'queued')
	`
	return d.execTransition(ctx, "mark queued", query, jobID, dispatchedAt.UTC(), id)
}

// MarkProcessing is set by a worker on job pickup.
func (d *Database) MarkProcessing(ctx context.Context, id int64) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'processing', processed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status = 'queued'
	`
	return d.execTransition(ctx, "mark processing", query, id)
}

// MarkCompleted records a successful provider send.
func (d *Database) MarkCompleted(ctx context.Context, id int64, providerMessageID string) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'completed', message_status = 'sent',
		    provider_message_id = ?, broker_job_id = NULL, error_code = NULL,
		    error_message = NULL, completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status = 'processing'
	`
	return d.execTransition(ctx, "mark completed", query, providerMessageID, id)
}

// MarkRetrying records a failed attempt that still has attempts left.
func (d *Database) MarkRetrying(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'retrying', attempts = ?, broker_job_id = NULL,
		    error_code = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status = 'processing' AND ? < max_attempts
	`
	return d.execTransition(ctx, "mark retrying", query, attempts, errorCode, errorMessage, id, attempts)
}

// MarkFailed records a terminally failed send. Failed sends are not billed.
func (d *Database) MarkFailed(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'failed', message_status = 'failed', attempts = ?,
		    broker_job_id = NULL, is_billable = 0, error_code = ?,
		    error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status = 'processing'
	`
	return d.execTransition(ctx, "mark failed", query, attempts, errorCode, errorMessage, id)
}

// CancelQueueRecord is the administrative cancel transition.
func (d *Database) CancelQueueRecord(ctx context.Context, id int64) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'cancelled', broker_job_id = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status IN ('pending', 'queued')
	`
	return d.execTransition(ctx, "cancel queue record", query, id)
}

// ReclaimProcessing moves a record stuck in processing back to retrying so the
// watchdog can re-dispatch it. Attempts are left unchanged: the interrupted
// attempt never concluded.
func (d *Database) ReclaimProcessing(ctx context.Context, id int64) error {
	query := `
		UPDATE queue_records
		SET queue_status = 'retrying', broker_job_id = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND queue_status = 'processing'
	`
	return d.execTransition(ctx, "reclaim processing", query, id)
}

// UpdateQueueMessageStatus mirrors a provider delivery status onto the queue
// record that produced the message. Only forward moves are applied; the
// caller is responsible for the ordering check.
func (d *Database) UpdateQueueMessageStatus(ctx context.Context, providerMessageID string, status models.MessageStatus) error {
	query := `
		UPDATE queue_records
		SET message_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE provider_message_id = ? AND queue_status = 'completed'
	`

	return withRetry(ctx, "update queue message status", func() error {
		_, execErr := d.db.ExecContext(ctx, query, string(status), providerMessageID)
		return execErr
	})
}

// ListRepairCandidates selects a bounded batch of records the watchdog should
// look at: pending older than the stuck threshold, every retrying record,
// queued records whose last dispatch is older than the stuck threshold, and
// processing records older than the reclaim threshold. Only records with
// attempts left and a due schedule qualify.
func (d *Database) ListRepairCandidates(ctx context.Context, stuckBefore, reclaimBefore time.Time, limit int) ([]*models.QueueRecord, error) {
	query := `
		SELECT` + queueRecordColumns + `
		FROM queue_records
		WHERE attempts < max_attempts
		  AND scheduled_at <= CURRENT_TIMESTAMP
		  AND (
		        (queue_status = 'pending' AND created_at < ?)
		     OR queue_status = 'retrying'
		     OR (queue_status = 'queued' AND last_dispatched_at < ?)
		     OR (queue_status = 'processing' AND processed_at < ?)
		  )
		ORDER BY scheduled_at ASC
		LIMIT ?
	`

	rows, err := d.db.QueryContext(ctx, query, stuckBefore.UTC(), stuckBefore.UTC(), reclaimBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list repair candidates: %w", err)
	}
	defer rows.Close()

	var records []*models.QueueRecord
	for rows.Next() {
		record, err := d.scanQueueRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repair candidate: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repair candidates: %w", err)
	}

	return records, nil
}

func (d *Database) execTransition(ctx context.Context, name, query string, args ...interface{}) error {
	return withRetry(ctx, name, func() error {
		result, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("no matching record in an eligible state")
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanQueueRecord(row rowScanner) (*models.QueueRecord, error) {
	record := &models.QueueRecord{}
	var (
		encryptedRecipient string
		paramsJSON         string
		messageStatus      sql.NullString
		providerMessageID  sql.NullString
		brokerJobID        sql.NullString
		attributionID      sql.NullString
		lastDispatchedAt   sql.NullTime
		errorCode          sql.NullString
		errorMessage       sql.NullString
		processedAt        sql.NullTime
		completedAt        sql.NullTime
	)

	err := row.Scan(
		&record.ID, &encryptedRecipient, &record.TemplateName, &record.TemplateLanguage,
		&paramsJSON, &record.SenderID, &attributionID, &record.QueueStatus,
		&messageStatus, &providerMessageID, &brokerJobID, &record.Attempts,
		&record.MaxAttempts, &lastDispatchedAt, &errorCode, &errorMessage,
		&record.IsBillable, &record.ScheduledAt, &processedAt, &completedAt,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Recipient, err = d.encryptor.Decrypt(encryptedRecipient)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt recipient: %w", err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &record.TemplateParameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template parameters: %w", err)
	}

	if messageStatus.Valid {
		status := models.MessageStatus(messageStatus.String)
		record.MessageStatus = &status
	}
	if providerMessageID.Valid {
		record.ProviderMessageID = &providerMessageID.String
	}
	if brokerJobID.Valid {
		record.BrokerJobID = &brokerJobID.String
	}
	if attributionID.Valid {
		record.AttributionID = &attributionID.String
	}
	if lastDispatchedAt.Valid {
		record.LastDispatchedAt = &lastDispatchedAt.Time
	}
	if errorCode.Valid {
		record.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		record.ErrorMessage = &errorMessage.String
	}
	if processedAt.Valid {
		record.ProcessedAt = &processedAt.Time
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}

	return record, nil
}
