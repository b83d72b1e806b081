package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/database"
	"wagate/internal/models"
	"wagate/internal/realtime"
	"wagate/internal/service"
	"wagate/pkg/broker"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVerifyToken = "verify-token-for-tests"

// stubBroker keeps jobs in memory so handler tests run without Redis.
type stubBroker struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]broker.JobState
	queues map[string][]*broker.Job

	enqueueErr error
	pingErr    error
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		jobs:   make(map[string]broker.JobState),
		queues: make(map[string][]*broker.Job),
	}
}

func (b *stubBroker) Enqueue(ctx context.Context, queue string, payload interface{}) (*broker.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return nil, b.enqueueErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	b.nextID++
	job := &broker.Job{
		ID:         fmt.Sprintf("stub-%d", b.nextID),
		Queue:      queue,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	b.queues[queue] = append(b.queues[queue], job)
	b.jobs[job.ID] = broker.JobStateWaiting
	return job, nil
}

func (b *stubBroker) Dequeue(ctx context.Context, queue string, block time.Duration) (*broker.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobs := b.queues[queue]
	if len(jobs) == 0 {
		return nil, nil
	}
	job := jobs[0]
	b.queues[queue] = jobs[1:]
	b.jobs[job.ID] = broker.JobStateActive
	return job, nil
}

func (b *stubBroker) GetJobState(ctx context.Context, jobID string) (broker.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.jobs[jobID]
	if !ok {
		return broker.JobStateUnknown, nil
	}
	return state, nil
}

func (b *stubBroker) CompleteJob(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = broker.JobStateCompleted
	return nil
}

func (b *stubBroker) FailJob(ctx context.Context, jobID string, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = broker.JobStateFailed
	return nil
}

func (b *stubBroker) Ping(ctx context.Context) error { return b.pingErr }

func (b *stubBroker) Close() error { return nil }

type testApp struct {
	server *Server
	db     *database.Database
	broker *stubBroker
	hub    *realtime.Hub
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "wagate-server-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	db, err := database.New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := &models.Config{
		WhatsApp: models.WhatsAppConfig{
			VerifyToken: testVerifyToken,
			Senders: []models.SenderConfig{
				{PhoneNumberID: "100000000000001", DisplayPhoneNumber: "15550001111"},
			},
		},
		Server: models.ServerConfig{Port: 8082},
	}

	jobBroker := newStubBroker()
	dispatcher := service.NewDispatcher(db, jobBroker, service.DispatcherConfig{
		QueueName:         "sends",
		MaxAttempts:       3,
		WatchdogInterval:  time.Minute,
		StuckThreshold:    5 * time.Minute,
		ProcessingReclaim: 10 * time.Minute,
		WatchdogBatchSize: 100,
	}, logger)

	hub := realtime.NewHub(logger)
	webhooks := service.NewWebhookService(db, db, db, db, hub, nil, cfg.WhatsApp.Senders, logger)

	srv := NewServer(cfg, dispatcher, webhooks, db, jobBroker, hub, nil, logger)
	// Runs before the db cleanup so detached webhook processing finishes
	// against an open store.
	t.Cleanup(srv.webhookWG.Wait)

	return &testApp{server: srv, db: db, broker: jobBroker, hub: hub}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, reader)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, r)
	return w
}

func validSendBody() map[string]interface{} {
	return map[string]interface{}{
		"recipient":          "+15551234567",
		"templateName":       "order_update",
		"templateLanguage":   "en_US",
		"templateParameters": []string{"12345"},
		"senderId":           "100000000000001",
	}
}

func TestSendMessageAccepted(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/v1/messages", validSendBody())
	require.Equal(t, http.StatusAccepted, w.Code)

	var record models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.NotZero(t, record.ID)
	assert.Equal(t, models.QueueStatusQueued, record.QueueStatus)
	assert.NotNil(t, record.BrokerJobID)
}

func TestSendMessageAcceptedDuringBrokerOutage(t *testing.T) {
	app := newTestApp(t)
	app.broker.enqueueErr = fmt.Errorf("connection refused")

	w := app.do(t, http.MethodPost, "/api/v1/messages", validSendBody())
	require.Equal(t, http.StatusAccepted, w.Code)

	var record models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, models.QueueStatusPending, record.QueueStatus)
}

func TestSendMessageValidation(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name   string
		mutate func(m map[string]interface{})
		code   string
	}{
		{"missing recipient", func(m map[string]interface{}) { delete(m, "recipient") }, "VALIDATION_FAILED"},
		{"missing template", func(m map[string]interface{}) { delete(m, "templateName") }, "VALIDATION_FAILED"},
		{"missing sender", func(m map[string]interface{}) { delete(m, "senderId") }, "VALIDATION_FAILED"},
		{"bad recipient", func(m map[string]interface{}) { m["recipient"] = "abc" }, "INVALID_INPUT"},
		{"bad template name", func(m map[string]interface{}) { m["templateName"] = "Has Spaces" }, "INVALID_INPUT"},
		{"unknown sender", func(m map[string]interface{}) { m["senderId"] = "200000000000002" }, "UNKNOWN_SENDER_CONTEXT"},
		{"bad schedule", func(m map[string]interface{}) { m["scheduledAt"] = "tomorrow" }, "INVALID_INPUT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validSendBody()
			tc.mutate(body)

			w := app.do(t, http.MethodPost, "/api/v1/messages", body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestSendMessageMalformedBody(t *testing.T) {
	app := newTestApp(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	app.server.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageScheduledStaysPending(t *testing.T) {
	app := newTestApp(t)

	body := validSendBody()
	body["scheduledAt"] = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	w := app.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var record models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, models.QueueStatusPending, record.QueueStatus)
	assert.Nil(t, record.BrokerJobID)
}

func TestGetQueueRecord(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/v1/messages", validSendBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	var created models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = app.do(t, http.MethodGet, fmt.Sprintf("/api/v1/queue/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fetched models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "+15551234567", fetched.Recipient)
}

func TestGetQueueRecordNotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/queue/9999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelQueueRecord(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/v1/messages", validSendBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	var created models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = app.do(t, http.MethodPost, fmt.Sprintf("/api/v1/queue/%d/cancel", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cancelled models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, models.QueueStatusCancelled, cancelled.QueueStatus)
}

func TestCancelQueueRecordConflictAfterProcessing(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/v1/messages", validSendBody())
	require.Equal(t, http.StatusAccepted, w.Code)
	var created models.QueueRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	require.NoError(t, app.db.MarkProcessing(context.Background(), created.ID))

	w = app.do(t, http.MethodPost, fmt.Sprintf("/api/v1/queue/%d/cancel", created.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelQueueRecordNotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/v1/queue/424242/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContactSession(t *testing.T) {
	app := newTestApp(t)

	messageAt := time.Now().UTC().Add(-time.Hour)
	_, err := app.db.TouchContactSession(context.Background(), "100000000000001", "15551234567", messageAt)
	require.NoError(t, err)

	w := app.do(t, http.MethodGet, "/api/v1/contacts/15551234567/session?senderId=100000000000001", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp contactSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.SessionActive)
	assert.Greater(t, resp.SessionRemainingSec, int64(0))
}

func TestContactSessionRequiresSenderID(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/contacts/15551234567/session", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContactSessionUnknownContact(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/contacts/19998887777/session?senderId=100000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookVerifyHandshake(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())
}

func TestWebhookVerifyRejectsBadToken(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = app.do(t, http.MethodGet,
		"/webhook/whatsapp?hub.mode=unsubscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=12345", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookEventsIngestsMessage(t *testing.T) {
	app := newTestApp(t)

	payload := map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []map[string]interface{}{{
			"id": "ENTRY1",
			"changes": []map[string]interface{}{{
				"field": "messages",
				"value": map[string]interface{}{
					"messaging_product": "whatsapp",
					"metadata": map[string]interface{}{
						"display_phone_number": "15550001111",
						"phone_number_id":      "100000000000001",
					},
					"contacts": []map[string]interface{}{{
						"wa_id":   "15551234567",
						"profile": map[string]interface{}{"name": "Ada"},
					}},
					"messages": []map[string]interface{}{{
						"from":      "15551234567",
						"id":        "wamid.http1",
						"timestamp": "1756300000",
						"type":      "text",
						"text":      map[string]interface{}{"body": "hello"},
					}},
				},
			}},
		}},
	}

	w := app.do(t, http.MethodPost, "/webhook/whatsapp", payload)
	require.Equal(t, http.StatusOK, w.Code)

	// Processing runs after the acknowledgment.
	require.Eventually(t, func() bool {
		msg, err := app.db.GetMessageByProviderID(context.Background(), "wamid.http1")
		return err == nil && msg != nil
	}, 2*time.Second, 10*time.Millisecond)

	msg, err := app.db.GetMessageByProviderID(context.Background(), "wamid.http1")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionIncoming, msg.Direction)
}

// slowWebhookLogStore delays the claim step to simulate a store under load.
type slowWebhookLogStore struct {
	db    *database.Database
	delay time.Duration
}

func (s *slowWebhookLogStore) InsertWebhookLog(ctx context.Context, log *models.WebhookLog) (*models.WebhookLog, error) {
	time.Sleep(s.delay)
	return s.db.InsertWebhookLog(ctx, log)
}

func (s *slowWebhookLogStore) FinishWebhookLog(ctx context.Context, id int64, status models.WebhookLogStatus, processErr error) error {
	return s.db.FinishWebhookLog(ctx, id, status, processErr)
}

func (s *slowWebhookLogStore) CleanupOldWebhookLogs(ctx context.Context, retentionDays int) error {
	return s.db.CleanupOldWebhookLogs(ctx, retentionDays)
}

func TestWebhookEventsAckDoesNotWaitForProcessing(t *testing.T) {
	app := newTestApp(t)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	slowLogs := &slowWebhookLogStore{db: app.db, delay: 1500 * time.Millisecond}
	app.server.webhooks = service.NewWebhookService(app.db, app.db, app.db, slowLogs,
		app.hub, nil, app.server.cfg.WhatsApp.Senders, logger)

	payload := map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []map[string]interface{}{{
			"id": "ENTRY2",
			"changes": []map[string]interface{}{{
				"field": "messages",
				"value": map[string]interface{}{
					"messaging_product": "whatsapp",
					"metadata": map[string]interface{}{
						"display_phone_number": "15550001111",
						"phone_number_id":      "100000000000001",
					},
					"messages": []map[string]interface{}{{
						"from":      "15551234567",
						"id":        "wamid.slow1",
						"timestamp": "1756300000",
						"type":      "text",
						"text":      map[string]interface{}{"body": "hello"},
					}},
				},
			}},
		}},
	}

	start := time.Now()
	w := app.do(t, http.MethodPost, "/webhook/whatsapp", payload)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, elapsed, 500*time.Millisecond, "acknowledgment must not wait on unit processing")

	// The detached processing still lands.
	require.Eventually(t, func() bool {
		msg, err := app.db.GetMessageByProviderID(context.Background(), "wamid.slow1")
		return err == nil && msg != nil
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWebhookEventsRejectsMalformedPayload(t *testing.T) {
	app := newTestApp(t)

	r := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	app.server.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEventsRejectsStructurallyInvalid(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/webhook/whatsapp", map[string]interface{}{"object": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEventsRejectsBadSignature(t *testing.T) {
	app := newTestApp(t)
	app.server.cfg.WhatsApp.AppSecret = testAppSecret

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"E1","changes":[]}]}`)
	r := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	app.server.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookEventsAcceptsSignedPayload(t *testing.T) {
	app := newTestApp(t)
	app.server.cfg.WhatsApp.AppSecret = testAppSecret

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"E1","changes":[]}]}`)
	r := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", signBody(testAppSecret, body))
	w := httptest.NewRecorder()
	app.server.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestHealthDegradedWhenBrokerDown(t *testing.T) {
	app := newTestApp(t)
	app.broker.pingErr = fmt.Errorf("redis unreachable")

	w := app.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}
