package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wagate/internal/database"
	"wagate/internal/models"
	"wagate/pkg/broker"
	"wagate/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// In-memory queue store enforcing the same transitions as the real one.
type mockQueueStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*models.QueueRecord

	createErr       error
	markQueuedErr   error
	candidates      []*models.QueueRecord
	candidatesErr   error
	statusMirror    map[string]models.MessageStatus
	statusMirrorErr error
	markRetryingErr error
	markProcessErr  error
}

func newMockQueueStore() *mockQueueStore {
	return &mockQueueStore{
		records:      make(map[int64]*models.QueueRecord),
		statusMirror: make(map[string]models.MessageStatus),
	}
}

func (m *mockQueueStore) CreateQueueRecord(ctx context.Context, params database.CreateQueueRecordParams) (*models.QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	record := &models.QueueRecord{
		ID:                 m.nextID,
		Recipient:          params.Recipient,
		TemplateName:       params.TemplateName,
		TemplateLanguage:   params.TemplateLanguage,
		TemplateParameters: params.TemplateParameters,
		SenderID:           params.SenderID,
		AttributionID:      params.AttributionID,
		QueueStatus:        models.QueueStatusPending,
		MaxAttempts:        params.MaxAttempts,
		IsBillable:         true,
		ScheduledAt:        params.ScheduledAt,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	m.records[record.ID] = record
	return copyRecord(record), nil
}

func (m *mockQueueStore) GetQueueRecord(ctx context.Context, id int64) (*models.QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(record), nil
}

func (m *mockQueueStore) transition(id int64, next models.QueueStatus) (*models.QueueRecord, error) {
	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d not found", id)
	}
	if !record.QueueStatus.CanTransitionTo(next) {
		return nil, fmt.Errorf("transition %s -> %s refused", record.QueueStatus, next)
	}
	record.QueueStatus = next
	record.UpdatedAt = time.Now().UTC()
	return record, nil
}

func (m *mockQueueStore) MarkQueued(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markQueuedErr != nil {
		return m.markQueuedErr
	}
	record, err := m.transition(id, models.QueueStatusQueued)
	if err != nil {
		return err
	}
	record.BrokerJobID = &jobID
	record.LastDispatchedAt = &dispatchedAt
	return nil
}

func (m *mockQueueStore) MarkProcessing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markProcessErr != nil {
		return m.markProcessErr
	}
	_, err := m.transition(id, models.QueueStatusProcessing)
	return err
}

func (m *mockQueueStore) MarkCompleted(ctx context.Context, id int64, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, err := m.transition(id, models.QueueStatusCompleted)
	if err != nil {
		return err
	}
	record.ProviderMessageID = &providerMessageID
	record.Attempts++
	return nil
}

func (m *mockQueueStore) MarkRetrying(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markRetryingErr != nil {
		return m.markRetryingErr
	}
	record, err := m.transition(id, models.QueueStatusRetrying)
	if err != nil {
		return err
	}
	record.Attempts = attempts
	record.ErrorCode = &errorCode
	record.ErrorMessage = &errorMessage
	return nil
}

func (m *mockQueueStore) MarkFailed(ctx context.Context, id int64, attempts int, errorCode, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	record.QueueStatus = models.QueueStatusFailed
	record.Attempts = attempts
	record.ErrorCode = &errorCode
	record.ErrorMessage = &errorMessage
	record.IsBillable = false
	return nil
}

func (m *mockQueueStore) CancelQueueRecord(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %d not found", id)
	}
	if record.QueueStatus != models.QueueStatusPending && record.QueueStatus != models.QueueStatusQueued {
		return fmt.Errorf("record %d not cancellable from %s", id, record.QueueStatus)
	}
	record.QueueStatus = models.QueueStatusCancelled
	record.IsBillable = false
	return nil
}

func (m *mockQueueStore) ReclaimProcessing(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok || record.QueueStatus != models.QueueStatusProcessing {
		return fmt.Errorf("record %d not reclaimable", id)
	}
	record.QueueStatus = models.QueueStatusRetrying
	return nil
}

func (m *mockQueueStore) UpdateQueueMessageStatus(ctx context.Context, providerMessageID string, status models.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusMirrorErr != nil {
		return m.statusMirrorErr
	}
	m.statusMirror[providerMessageID] = status
	return nil
}

func (m *mockQueueStore) ListRepairCandidates(ctx context.Context, stuckBefore, reclaimBefore time.Time, limit int) ([]*models.QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidatesErr != nil {
		return nil, m.candidatesErr
	}
	out := make([]*models.QueueRecord, 0, len(m.candidates))
	for _, record := range m.candidates {
		if live, ok := m.records[record.ID]; ok {
			out = append(out, copyRecord(live))
		}
	}
	return out, nil
}

func (m *mockQueueStore) status(id int64) models.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].QueueStatus
}

func (m *mockQueueStore) setStatus(id int64, status models.QueueStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id].QueueStatus = status
}

func copyRecord(r *models.QueueRecord) *models.QueueRecord {
	cp := *r
	return &cp
}

type mockContactStore struct {
	mu       sync.Mutex
	nextID   int64
	contacts map[string]*models.Contact

	upsertErr error
}

func newMockContactStore() *mockContactStore {
	return &mockContactStore{contacts: make(map[string]*models.Contact)}
}

func contactKey(senderID, waID string) string {
	return senderID + "|" + waID
}

func (m *mockContactStore) GetContact(ctx context.Context, senderID, waID string) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.contacts[contactKey(senderID, waID)]
	if !ok {
		return nil, nil
	}
	cp := *contact
	return &cp, nil
}

func (m *mockContactStore) UpsertContact(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	key := contactKey(contact.SenderID, contact.WaID)
	existing, ok := m.contacts[key]
	if !ok {
		m.nextID++
		cp := *contact
		cp.ID = m.nextID
		m.contacts[key] = &cp
		result := cp
		return &result, nil
	}
	if contact.ProfileName != "" {
		existing.ProfileName = contact.ProfileName
	}
	if contact.LastCustomerMessageAt != nil {
		existing.LastCustomerMessageAt = contact.LastCustomerMessageAt
	}
	if contact.SessionExpiresAt != nil &&
		(existing.SessionExpiresAt == nil || contact.SessionExpiresAt.After(*existing.SessionExpiresAt)) {
		existing.SessionExpiresAt = contact.SessionExpiresAt
	}
	cp := *existing
	return &cp, nil
}

func (m *mockContactStore) TouchContactSession(ctx context.Context, senderID, waID string, messageAt time.Time) (*models.Contact, error) {
	contact := &models.Contact{SenderID: senderID, WaID: waID}
	contact.TouchSession(messageAt)
	return m.UpsertContact(ctx, contact)
}

type mockMessageStore struct {
	mu         sync.Mutex
	nextID     int64
	byID       map[int64]*models.Message
	byProvider map[string]*models.Message
	updates    []*models.StatusUpdateRecord

	saveErr   error
	updateErr error
}

func newMockMessageStore() *mockMessageStore {
	return &mockMessageStore{
		byID:       make(map[int64]*models.Message),
		byProvider: make(map[string]*models.Message),
	}
}

func (m *mockMessageStore) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	if msg.ProviderMessageID != nil {
		if _, exists := m.byProvider[*msg.ProviderMessageID]; exists {
			return nil, fmt.Errorf("UNIQUE constraint failed: messages.provider_message_id")
		}
	}
	m.nextID++
	cp := *msg
	cp.ID = m.nextID
	m.byID[cp.ID] = &cp
	if cp.ProviderMessageID != nil {
		m.byProvider[*cp.ProviderMessageID] = &cp
	}
	result := cp
	return &result, nil
}

func (m *mockMessageStore) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byProvider[providerMessageID]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (m *mockMessageStore) UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	msg, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("message %d not found", id)
	}
	msg.Status = status
	return nil
}

func (m *mockMessageStore) AppendStatusUpdate(ctx context.Context, update *models.StatusUpdateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *update
	m.updates = append(m.updates, &cp)
	return nil
}

type mockWebhookLogStore struct {
	mu       sync.Mutex
	nextID   int64
	claimed  map[string]int64
	outcomes map[int64]models.WebhookLogStatus

	insertErr error
}

func newMockWebhookLogStore() *mockWebhookLogStore {
	return &mockWebhookLogStore{
		claimed:  make(map[string]int64),
		outcomes: make(map[int64]models.WebhookLogStatus),
	}
}

func (m *mockWebhookLogStore) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) (*models.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	if _, taken := m.claimed[log.IdempotencyKey]; taken {
		return nil, nil
	}
	m.nextID++
	m.claimed[log.IdempotencyKey] = m.nextID
	cp := *log
	cp.ID = m.nextID
	cp.Status = models.WebhookLogProcessing
	return &cp, nil
}

func (m *mockWebhookLogStore) FinishWebhookLog(ctx context.Context, id int64, status models.WebhookLogStatus, processErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[id] = status
	return nil
}

func (m *mockWebhookLogStore) CleanupOldWebhookLogs(ctx context.Context, retentionDays int) error {
	return nil
}

func (m *mockWebhookLogStore) outcomeForKey(key string) (models.WebhookLogStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.claimed[key]
	if !ok {
		return "", false
	}
	outcome, ok := m.outcomes[id]
	return outcome, ok
}

// In-memory broker with injectable failures.
type mockBroker struct {
	mu     sync.Mutex
	nextID int64
	queues map[string][]*broker.Job
	states map[string]broker.JobState

	enqueueErr  error
	stateErr    error
	failReasons map[string]string
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		queues:      make(map[string][]*broker.Job),
		states:      make(map[string]broker.JobState),
		failReasons: make(map[string]string),
	}
}

func (m *mockBroker) Enqueue(ctx context.Context, queue string, payload interface{}) (*broker.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	m.nextID++
	job := &broker.Job{
		ID:         fmt.Sprintf("job-%d", m.nextID),
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	m.queues[queue] = append(m.queues[queue], job)
	m.states[job.ID] = broker.JobStateWaiting
	return job, nil
}

func (m *mockBroker) Dequeue(ctx context.Context, queue string, block time.Duration) (*broker.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.queues[queue]
	if len(jobs) == 0 {
		return nil, nil
	}
	job := jobs[0]
	m.queues[queue] = jobs[1:]
	m.states[job.ID] = broker.JobStateActive
	return job, nil
}

func (m *mockBroker) GetJobState(ctx context.Context, jobID string) (broker.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return broker.JobStateUnknown, m.stateErr
	}
	state, ok := m.states[jobID]
	if !ok {
		return broker.JobStateUnknown, nil
	}
	return state, nil
}

func (m *mockBroker) CompleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[jobID] = broker.JobStateCompleted
	return nil
}

func (m *mockBroker) FailJob(ctx context.Context, jobID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[jobID] = broker.JobStateFailed
	m.failReasons[jobID] = reason
	return nil
}

func (m *mockBroker) Ping(ctx context.Context) error { return nil }

func (m *mockBroker) Close() error { return nil }

func (m *mockBroker) queueDepth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

func (m *mockBroker) jobState(jobID string) broker.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[jobID]
}

type mockSender struct {
	mu      sync.Mutex
	calls   int
	results []*whatsapp.SendResult
	errs    []error
}

func (m *mockSender) SendTemplate(ctx context.Context, phoneNumberID, to, templateName, languageCode string, parameters []string) (*whatsapp.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	var result *whatsapp.SendResult
	var err error
	if i < len(m.results) {
		result = m.results[i]
	}
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return result, err
}

func (m *mockSender) GetMediaInfo(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockMediaFetcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (m *mockMediaFetcher) GetMediaInfo(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, mediaID)
	if m.err != nil {
		return nil, m.err
	}
	return &whatsapp.MediaInfo{ID: mediaID, URL: "https://lookaside.example/" + mediaID, MimeType: "image/jpeg"}, nil
}

func (m *mockMediaFetcher) fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

type broadcastEvent struct {
	Room  string
	Event models.Event
}

type mockHub struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (m *mockHub) Broadcast(room string, event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastEvent{Room: room, Event: event})
}

func (m *mockHub) broadcasts() []broadcastEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broadcastEvent, len(m.events))
	copy(out, m.events)
	return out
}
