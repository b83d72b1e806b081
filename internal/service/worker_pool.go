package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"wagate/internal/errors"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"
	"wagate/pkg/broker"
	"wagate/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

// WorkerPoolConfig sizes the pool and its dequeue behaviour.
type WorkerPoolConfig struct {
	PoolSize     int
	QueueName    string
	DequeueBlock time.Duration
}

// WorkerPool consumes send jobs from the broker and performs the provider
// call. Jobs carry only the record id; the worker reloads the record and
// re-checks its state, so duplicate or stale jobs degrade to no-ops.
type WorkerPool struct {
	queue    QueueStore
	contacts ContactStore
	messages MessageStore
	broker   broker.Broker
	sender   whatsapp.Client
	hub      Broadcaster
	cfg      WorkerPoolConfig
	logger   *logrus.Logger

	wg sync.WaitGroup
}

func NewWorkerPool(queue QueueStore, contacts ContactStore, messages MessageStore,
	jobBroker broker.Broker, sender whatsapp.Client, hub Broadcaster,
	cfg WorkerPoolConfig, logger *logrus.Logger) *WorkerPool {
	return &WorkerPool{
		queue:    queue,
		contacts: contacts,
		messages: messages,
		broker:   jobBroker,
		sender:   sender,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the workers. They run until the context is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.cfg.PoolSize).Info("Starting send worker pool")

	for i := 0; i < p.cfg.PoolSize; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.WithField("worker", id)

	for {
		if ctx.Err() != nil {
			log.Debug("Worker stopping")
			return
		}

		job, err := p.broker.Dequeue(ctx, p.cfg.QueueName, p.cfg.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.processJob(ctx, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, job *broker.Job) {
	start := time.Now()

	var payload broker.SendJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.WithError(err).WithField(LogFieldJobID, job.ID).Error("Malformed job payload")
		p.settleFailed(ctx, job.ID, "malformed payload")
		return
	}

	log := p.logger.WithFields(logrus.Fields{
		LogFieldJobID:    job.ID,
		LogFieldRecordID: payload.RecordID,
	})

	record, err := p.queue.GetQueueRecord(ctx, payload.RecordID)
	if err != nil {
		log.WithError(err).Error("Failed to load queue record")
		p.settleFailed(ctx, job.ID, "record load failed")
		return
	}
	if record == nil {
		log.Warn("Job references unknown queue record")
		p.settleFailed(ctx, job.ID, "record not found")
		return
	}

	// Re-check state on the reloaded record. A stale job for a record that
	// already concluded, was cancelled, or is being worked elsewhere is
	// settled without a provider call.
	if record.QueueStatus != models.QueueStatusQueued {
		log.WithField(LogFieldStatus, string(record.QueueStatus)).Debug("Record not dispatchable, settling stale job")
		if err := p.broker.CompleteJob(ctx, job.ID); err != nil {
			log.WithError(err).Warn("Failed to settle stale job")
		}
		metrics.IncrementCounter("worker.stale_jobs", nil, "Jobs settled without a send")
		return
	}

	if err := p.queue.MarkProcessing(ctx, record.ID); err != nil {
		// Lost the claim race to another worker.
		log.WithError(err).Debug("Record claimed elsewhere")
		if err := p.broker.CompleteJob(ctx, job.ID); err != nil {
			log.WithError(err).Warn("Failed to settle contested job")
		}
		return
	}

	p.attemptSend(ctx, job, record, log)
	metrics.RecordTimer("worker.job", time.Since(start), nil, "Send job processing time")
}

func (p *WorkerPool) attemptSend(ctx context.Context, job *broker.Job, record *models.QueueRecord, log *logrus.Entry) {
	result, err := p.sender.SendTemplate(ctx, record.SenderID, record.Recipient,
		record.TemplateName, record.TemplateLanguage, record.TemplateParameters)
	if err != nil {
		p.handleSendFailure(ctx, job, record, err, log)
		return
	}

	if err := p.queue.MarkCompleted(ctx, record.ID, result.ProviderMessageID); err != nil {
		// The send went out but the record would not complete. Leave the job
		// settled; the processing reclaim will surface the record again.
		log.WithError(err).Error("Send succeeded but completion could not be recorded")
	}

	p.recordOutgoingMessage(ctx, record, result, log)

	if err := p.broker.CompleteJob(ctx, job.ID); err != nil {
		log.WithError(err).Warn("Failed to settle completed job")
	}

	metrics.IncrementCounter("worker.sends_completed", map[string]string{"sender": record.SenderID}, "Sends accepted by the provider")

	log.WithFields(logrus.Fields{
		LogFieldMessageID: privacy.MaskProviderMessageID(result.ProviderMessageID),
		LogFieldAttempt:   record.Attempts + 1,
	}).Info("Send completed")

	p.hub.Broadcast(record.SenderID, models.Event{
		Type: models.EventMessageStatus,
		Data: models.MessageStatusEvent{
			ProviderMessageID: result.ProviderMessageID,
			Status:            models.MessageStatusSent,
		},
	})
}

// recordOutgoingMessage persists the conversational message row so later
// status callbacks can resolve the provider message id.
func (p *WorkerPool) recordOutgoingMessage(ctx context.Context, record *models.QueueRecord, result *whatsapp.SendResult, log *logrus.Entry) {
	waID := result.RecipientWaID
	if waID == "" {
		waID = strings.TrimPrefix(record.Recipient, "+")
	}

	contact, err := p.contacts.UpsertContact(ctx, &models.Contact{
		SenderID: record.SenderID,
		WaID:     waID,
	})
	if err != nil {
		log.WithError(err).Error("Failed to upsert contact for outgoing message")
		return
	}

	now := time.Now().UTC()
	providerID := result.ProviderMessageID
	if _, err := p.messages.SaveMessage(ctx, &models.Message{
		ContactID:         contact.ID,
		SenderID:          record.SenderID,
		ProviderMessageID: &providerID,
		Direction:         models.DirectionOutgoing,
		Type:              models.MessageTypeTemplate,
		Status:            models.MessageStatusSent,
		Content: models.MessageContent{
			TemplateName: record.TemplateName,
		},
		SentAt: &now,
	}); err != nil {
		log.WithError(err).Error("Failed to persist outgoing message")
	}
}

func (p *WorkerPool) handleSendFailure(ctx context.Context, job *broker.Job, record *models.QueueRecord, sendErr error, log *logrus.Entry) {
	attempts := record.Attempts + 1
	code, message, transient := classifySendError(sendErr)

	log = log.WithFields(logrus.Fields{
		LogFieldErrorCode: code,
		LogFieldAttempt:   attempts,
		"transient":       transient,
	})

	// Every failure retries while attempts remain; the classification only
	// shapes the error code recorded on the record.
	if attempts < record.MaxAttempts {
		if err := p.queue.MarkRetrying(ctx, record.ID, attempts, code, message); err != nil {
			log.WithError(err).Error("Failed to mark record retrying")
			p.settleFailed(ctx, job.ID, message)
			return
		}
		p.settleFailed(ctx, job.ID, message)

		// Hand the retry straight back to the broker. If this enqueue fails
		// the record sits in retrying until the watchdog picks it up.
		newJob, err := p.broker.Enqueue(ctx, p.cfg.QueueName, broker.SendJobPayload{RecordID: record.ID})
		if err != nil {
			log.WithError(err).Warn("Retry enqueue failed, record left for watchdog")
			return
		}
		if err := p.queue.MarkQueued(ctx, record.ID, newJob.ID, time.Now().UTC()); err != nil {
			log.WithError(err).Warn("Failed to mark retry queued")
		}

		metrics.IncrementCounter("worker.sends_retried", nil, "Send failures retried")
		log.WithError(sendErr).Warn("Send failed, retrying")
		return
	}

	if err := p.queue.MarkFailed(ctx, record.ID, attempts, code, message); err != nil {
		log.WithError(err).Error("Failed to mark record failed")
	}
	p.settleFailed(ctx, job.ID, message)

	metrics.IncrementCounter("worker.sends_failed", map[string]string{"sender": record.SenderID}, "Sends that exhausted their attempts")
	log.WithError(sendErr).Error("Send failed, attempts exhausted")
}

func (p *WorkerPool) settleFailed(ctx context.Context, jobID, reason string) {
	if err := p.broker.FailJob(ctx, jobID, reason); err != nil {
		p.logger.WithError(err).WithField(LogFieldJobID, jobID).Warn("Failed to settle job as failed")
	}
}

// classifySendError maps provider and transport errors to an error code, a
// human-readable message and a transient flag.
func classifySendError(err error) (code, message string, transient bool) {
	var sendErr *whatsapp.SendError
	if stderrors.As(err, &sendErr) {
		return string(errors.ErrCodeWhatsAppAPI), sendErr.Graph.Message, sendErr.Transient
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return string(appErr.Code), appErr.Message, appErr.Retryable
	}

	// Transport-level failures (timeouts, refused connections) are transient.
	return string(errors.ErrCodeSendFailure), err.Error(), true
}
