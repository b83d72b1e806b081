package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"wagate/internal/constants"
	"wagate/internal/errors"
	"wagate/internal/httputil"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"
	"wagate/internal/service"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// sendMessageRequest is the ingress DTO for POST /api/v1/messages.
type sendMessageRequest struct {
	Recipient          string   `json:"recipient" validate:"required"`
	TemplateName       string   `json:"templateName" validate:"required"`
	TemplateLanguage   string   `json:"templateLanguage" validate:"required"`
	TemplateParameters []string `json:"templateParameters"`
	SenderID           string   `json:"senderId" validate:"required"`
	AttributionID      *string  `json:"attributionId,omitempty"`
	ScheduledAt        *string  `json:"scheduledAt,omitempty" validate:"omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if code := errors.GetCode(err); code != errors.ErrCodeInternalError {
		resp.Code = string(code)
	}
	s.writeJSON(w, status, resp)
}

// handleSendMessage accepts an outbound template send. The send is accepted
// once its durable record exists; 202 does not imply delivery.
func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, constants.MaxWebhookBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "malformed request body"))
			return
		}

		if err := s.validate.Struct(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.ErrCodeValidationFailed, "invalid send request"))
			return
		}

		if !s.knownSender(req.SenderID) {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeUnknownSender, "unknown sender id"))
			return
		}

		var scheduledAt time.Time
		if req.ScheduledAt != nil {
			parsed, err := time.Parse(time.RFC3339, *req.ScheduledAt)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "scheduledAt must be RFC 3339"))
				return
			}
			scheduledAt = parsed.UTC()
		}

		record, err := s.dispatcher.Submit(r.Context(), serviceSendRequest(req, scheduledAt))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.IsCode(err, errors.ErrCodeInvalidInput) || errors.IsCode(err, errors.ErrCodeValidationFailed) {
				status = http.StatusBadRequest
			}
			s.writeError(w, status, err)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"record_id": record.ID,
			"recipient": privacy.MaskPhoneNumber(req.Recipient),
			"sender_id": req.SenderID,
		}).Info("Send accepted")

		s.writeJSON(w, http.StatusAccepted, record)
	}
}

func serviceSendRequest(req sendMessageRequest, scheduledAt time.Time) service.SendRequest {
	return service.SendRequest{
		Recipient:          req.Recipient,
		TemplateName:       req.TemplateName,
		TemplateLanguage:   req.TemplateLanguage,
		TemplateParameters: req.TemplateParameters,
		SenderID:           req.SenderID,
		AttributionID:      req.AttributionID,
		ScheduledAt:        scheduledAt,
	}
}

func contextWithTimeout(r *http.Request, seconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Duration(seconds)*time.Second)
}

func (s *Server) knownSender(senderID string) bool {
	for _, sender := range s.cfg.WhatsApp.Senders {
		if sender.PhoneNumberID == senderID {
			return true
		}
	}
	return false
}

func (s *Server) handleGetQueueRecord() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "invalid record id"))
			return
		}

		record, err := s.db.GetQueueRecord(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if record == nil {
			s.writeError(w, http.StatusNotFound, errors.New(errors.ErrCodeNotFound, "queue record not found"))
			return
		}

		s.writeJSON(w, http.StatusOK, record)
	}
}

func (s *Server) handleCancelQueueRecord() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "invalid record id"))
			return
		}

		record, err := s.dispatcher.Cancel(r.Context(), id)
		if err != nil {
			switch {
			case errors.IsCode(err, errors.ErrCodeNotFound):
				s.writeError(w, http.StatusNotFound, err)
			case errors.IsCode(err, errors.ErrCodeInvalidTransition):
				s.writeError(w, http.StatusConflict, err)
			default:
				s.writeError(w, http.StatusInternalServerError, err)
			}
			return
		}

		s.writeJSON(w, http.StatusOK, record)
	}
}

// contactSessionResponse reports the derived 24h window state.
type contactSessionResponse struct {
	SenderID            string     `json:"senderId"`
	WaID                string     `json:"waId"`
	SessionActive       bool       `json:"sessionActive"`
	SessionExpiresAt    *time.Time `json:"sessionExpiresAt,omitempty"`
	SessionRemainingSec int64      `json:"sessionRemainingSec"`
}

func (s *Server) handleContactSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		waID := mux.Vars(r)["waID"]
		senderID := r.URL.Query().Get("senderId")
		if senderID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "senderId query parameter is required"))
			return
		}

		contact, err := s.db.GetContact(r.Context(), senderID, waID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if contact == nil {
			s.writeError(w, http.StatusNotFound, errors.New(errors.ErrCodeNotFound, "contact not found"))
			return
		}

		now := time.Now().UTC()
		s.writeJSON(w, http.StatusOK, contactSessionResponse{
			SenderID:            contact.SenderID,
			WaID:                contact.WaID,
			SessionActive:       contact.IsSessionActive(now),
			SessionExpiresAt:    contact.SessionExpiresAt,
			SessionRemainingSec: int64(contact.SessionRemaining(now).Seconds()),
		})
	}
}

// handleWebhookVerify answers the provider's subscription handshake.
func (s *Server) handleWebhookVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")

		if mode != "subscribe" || token == "" || token != s.cfg.WhatsApp.VerifyToken {
			s.logger.WithField("remote_ip", httputil.ClientIP(r)).Warn("Webhook verification rejected")
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}

		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			s.logger.WithError(err).Error("Failed to write challenge response")
		}
	}
}

// handleWebhookEvents ingests a provider callback delivery. The response is
// 200 whenever the payload was structurally valid: processing happens after
// the acknowledgment, and per-unit failures are recorded in the webhook log,
// not surfaced to the provider.
func (s *Server) handleWebhookEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxWebhookBodyBytes)

		body, err := verifyWebhookSignature(r, s.cfg.WhatsApp.AppSecret)
		if err != nil {
			s.logger.WithError(err).WithField("remote_ip", httputil.ClientIP(r)).Warn("Webhook signature rejected")
			metrics.IncrementCounter("webhook.signature_rejected", nil, "Webhook deliveries with bad signatures")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var payload models.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeInvalidInput, "malformed webhook payload"))
			return
		}
		if !payload.Valid() {
			s.writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidationFailed, "structurally invalid webhook payload"))
			return
		}

		// Detach processing from the request: the ack must not wait on
		// store work, and a provider-side disconnect must not cancel units
		// that were already claimed.
		sourceIP := httputil.ClientIP(r)
		s.webhookWG.Add(1)
		go func() {
			defer s.webhookWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(constants.DefaultWebhookProcessTimeoutSec)*time.Second)
			defer cancel()
			s.webhooks.ProcessPayload(ctx, &payload, sourceIP)
		}()

		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	type componentHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	type healthResponse struct {
		Status      string                     `json:"status"`
		Version     string                     `json:"version"`
		Components  map[string]componentHealth `json:"components"`
		Connections int                        `json:"realtimeConnections"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			Version:     Version,
			Components:  make(map[string]componentHealth),
			Connections: s.hub.ConnectionCount(),
		}

		if err := s.db.Ping(); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = componentHealth{Status: "down", Error: err.Error()}
		} else {
			resp.Components["database"] = componentHealth{Status: "up"}
		}

		pingCtx, cancel := contextWithTimeout(r, constants.DefaultBrokerPingTimeoutSec)
		defer cancel()
		if err := s.broker.Ping(pingCtx); err != nil {
			// Broker loss degrades dispatch latency but submits still work.
			resp.Status = "degraded"
			resp.Components["broker"] = componentHealth{Status: "down", Error: err.Error()}
		} else {
			resp.Components["broker"] = componentHealth{Status: "up"}
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, resp)
	}
}
