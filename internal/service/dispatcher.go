package service

import (
	"context"
	"sync"
	"time"

	"wagate/internal/database"
	"wagate/internal/errors"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"
	"wagate/internal/validation"
	"wagate/pkg/broker"

	"github.com/sirupsen/logrus"
)

// SendRequest is a validated outbound template send accepted by the ingress
// surface.
type SendRequest struct {
	Recipient          string
	TemplateName       string
	TemplateLanguage   string
	TemplateParameters []string
	SenderID           string
	AttributionID      *string
	ScheduledAt        time.Time
}

// DispatcherConfig bounds the watchdog's repair behaviour.
type DispatcherConfig struct {
	QueueName         string
	MaxAttempts       int
	WatchdogInterval  time.Duration
	StuckThreshold    time.Duration
	ProcessingReclaim time.Duration
	WatchdogBatchSize int
}

// Dispatcher owns the durable-first submit path and the repair watchdog. A
// send is accepted once its queue record exists; handing the job to the
// broker is best effort because the watchdog re-dispatches anything that
// never made it.
type Dispatcher struct {
	db     QueueStore
	broker broker.Broker
	cfg    DispatcherConfig
	logger *logrus.Logger

	watchdogMu sync.Mutex
	stopCh     chan struct{}
}

func NewDispatcher(db QueueStore, jobBroker broker.Broker, cfg DispatcherConfig, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		db:     db,
		broker: jobBroker,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Submit validates the request, writes the durable queue record and then
// tries to hand a job to the broker. A broker outage does not fail the
// submit: the record stays pending and the watchdog dispatches it later.
func (d *Dispatcher) Submit(ctx context.Context, req SendRequest) (*models.QueueRecord, error) {
	if err := validation.ValidateRecipient(req.Recipient); err != nil {
		return nil, err
	}
	if err := validation.ValidateTemplateName(req.TemplateName); err != nil {
		return nil, err
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	record, err := d.db.CreateQueueRecord(ctx, database.CreateQueueRecordParams{
		Recipient:          req.Recipient,
		TemplateName:       req.TemplateName,
		TemplateLanguage:   req.TemplateLanguage,
		TemplateParameters: req.TemplateParameters,
		SenderID:           req.SenderID,
		AttributionID:      req.AttributionID,
		MaxAttempts:        d.cfg.MaxAttempts,
		ScheduledAt:        scheduledAt,
	})
	if err != nil {
		return nil, errors.NewDatabaseError("create queue record", err)
	}

	metrics.IncrementCounter("dispatch.submitted", map[string]string{"sender": req.SenderID}, "Outbound sends accepted")

	if scheduledAt.After(time.Now().UTC()) {
		// Future sends are picked up by the watchdog once due.
		return record, nil
	}

	if err := d.dispatchRecord(ctx, record); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldRecordID:  record.ID,
			LogFieldRecipient: privacy.MaskPhoneNumber(req.Recipient),
		}).Warn("Broker dispatch failed, record left for watchdog")
		return record, nil
	}

	return d.db.GetQueueRecord(ctx, record.ID)
}

// dispatchRecord enqueues a fresh job for the record and stamps it queued.
func (d *Dispatcher) dispatchRecord(ctx context.Context, record *models.QueueRecord) error {
	job, err := d.broker.Enqueue(ctx, d.cfg.QueueName, broker.SendJobPayload{RecordID: record.ID})
	if err != nil {
		return errors.NewDispatchError(record.ID, err)
	}

	if err := d.db.MarkQueued(ctx, record.ID, job.ID, time.Now().UTC()); err != nil {
		// The record moved to a state that refuses queuing (completed or
		// cancelled under our feet). Settle the orphaned job.
		if failErr := d.broker.FailJob(ctx, job.ID, "record no longer dispatchable"); failErr != nil {
			d.logger.WithError(failErr).WithField(LogFieldJobID, job.ID).Warn("Failed to settle orphaned job")
		}
		return err
	}

	d.logger.WithFields(logrus.Fields{
		LogFieldRecordID: record.ID,
		LogFieldJobID:    job.ID,
		LogFieldQueue:    d.cfg.QueueName,
	}).Debug("Record dispatched to broker")

	return nil
}

// Cancel withdraws a record that has not been picked up by a worker yet.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (*models.QueueRecord, error) {
	record, err := d.db.GetQueueRecord(ctx, id)
	if err != nil {
		return nil, errors.NewDatabaseError("get queue record", err)
	}
	if record == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "queue record not found")
	}

	if err := d.db.CancelQueueRecord(ctx, id); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidTransition,
			"record is no longer cancellable")
	}

	metrics.IncrementCounter("dispatch.cancelled", nil, "Queue records cancelled")
	d.logger.WithField(LogFieldRecordID, id).Info("Queue record cancelled")

	return d.db.GetQueueRecord(ctx, id)
}

// StartWatchdog runs the repair loop until the context is cancelled or Stop
// is called.
func (d *Dispatcher) StartWatchdog(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WatchdogInterval)
	defer ticker.Stop()

	d.logger.WithField("interval", d.cfg.WatchdogInterval.String()).Info("Starting dispatch watchdog")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Watchdog context cancelled, stopping")
			return
		case <-d.stopCh:
			d.logger.Info("Watchdog stop signal received, stopping")
			return
		case <-ticker.C:
			d.RunRepairPass(ctx)
		}
	}
}

// Stop terminates the watchdog loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

// RunRepairPass scans for records whose dispatch stalled and re-drives them.
// Passes are single-flight: if the previous pass is still running this one
// is skipped rather than stacked.
func (d *Dispatcher) RunRepairPass(ctx context.Context) {
	if !d.watchdogMu.TryLock() {
		d.logger.Debug("Previous repair pass still running, skipping")
		metrics.IncrementCounter("watchdog.skipped", nil, "Repair passes skipped while one was running")
		return
	}
	defer d.watchdogMu.Unlock()

	start := time.Now()
	now := time.Now().UTC()
	stuckBefore := now.Add(-d.cfg.StuckThreshold)
	reclaimBefore := now.Add(-d.cfg.ProcessingReclaim)

	candidates, err := d.db.ListRepairCandidates(ctx, stuckBefore, reclaimBefore, d.cfg.WatchdogBatchSize)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list repair candidates")
		return
	}

	var repaired int
	for _, record := range candidates {
		if ctx.Err() != nil {
			return
		}
		if d.repairRecord(ctx, record) {
			repaired++
		}
	}

	metrics.AddToCounter("watchdog.repaired", float64(repaired), nil, "Records re-driven by the watchdog")
	metrics.RecordTimer("watchdog.pass", time.Since(start), nil, "Repair pass duration")

	if len(candidates) > 0 {
		d.logger.WithFields(logrus.Fields{
			LogFieldCount: len(candidates),
			"repaired":    repaired,
		}).Info("Watchdog repair pass completed")
	}
}

func (d *Dispatcher) repairRecord(ctx context.Context, record *models.QueueRecord) bool {
	log := d.logger.WithFields(logrus.Fields{
		LogFieldRecordID: record.ID,
		LogFieldStatus:   string(record.QueueStatus),
	})

	switch record.QueueStatus {
	case models.QueueStatusPending, models.QueueStatusRetrying:
		if err := d.dispatchRecord(ctx, record); err != nil {
			log.WithError(err).Warn("Watchdog re-dispatch failed")
			return false
		}
		log.Info("Watchdog dispatched stalled record")
		return true

	case models.QueueStatusQueued:
		// A queued record whose job the broker still tracks as live is just
		// slow; only a vanished job gets re-dispatched.
		if record.BrokerJobID != nil {
			state, err := d.broker.GetJobState(ctx, *record.BrokerJobID)
			if err != nil {
				log.WithError(err).Warn("Could not inspect broker job state")
				return false
			}
			if state.Live() {
				return false
			}
		}
		if err := d.dispatchRecord(ctx, record); err != nil {
			log.WithError(err).Warn("Watchdog re-dispatch of lost job failed")
			return false
		}
		log.Info("Watchdog replaced lost broker job")
		return true

	case models.QueueStatusProcessing:
		// The worker died mid-attempt. The attempt never concluded so the
		// attempt counter is left alone.
		if err := d.db.ReclaimProcessing(ctx, record.ID); err != nil {
			log.WithError(err).Warn("Failed to reclaim stuck processing record")
			return false
		}
		if err := d.dispatchRecord(ctx, record); err != nil {
			log.WithError(err).Warn("Re-dispatch after reclaim failed")
			return false
		}
		log.Info("Watchdog reclaimed stuck processing record")
		return true
	}

	return false
}
