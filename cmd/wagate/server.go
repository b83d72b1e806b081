package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wagate/internal/constants"
	"wagate/internal/database"
	"wagate/internal/middleware"
	"wagate/internal/models"
	"wagate/internal/realtime"
	"wagate/internal/service"
	"wagate/pkg/broker"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *models.Config
	router     *mux.Router
	dispatcher *service.Dispatcher
	webhooks   *service.WebhookService
	db         *database.Database
	broker     broker.Broker
	hub        *realtime.Hub
	rtServer   *realtime.Server
	validate   *validator.Validate
	logger     *logrus.Logger
	server     *http.Server

	// webhookWG tracks event processing detached from its request.
	webhookWG sync.WaitGroup
}

func NewServer(cfg *models.Config, dispatcher *service.Dispatcher, webhooks *service.WebhookService,
	db *database.Database, jobBroker broker.Broker, hub *realtime.Hub, rtServer *realtime.Server,
	logger *logrus.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		dispatcher: dispatcher,
		webhooks:   webhooks,
		db:         db,
		broker:     jobBroker,
		hub:        hub,
		rtServer:   rtServer,
		validate:   validator.New(),
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))

	// Health and metrics
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// Send API
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/queue/{id:[0-9]+}", s.handleGetQueueRecord()).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id:[0-9]+}/cancel", s.handleCancelQueueRecord()).Methods(http.MethodPost)
	api.HandleFunc("/contacts/{waID}/session", s.handleContactSession()).Methods(http.MethodGet)

	// Provider webhook: GET is the subscription handshake, POST carries events
	webhook := s.router.PathPrefix("/webhook/whatsapp").Subrouter()
	webhook.Use(middleware.WebhookObservability(s.logger))
	webhook.HandleFunc("", s.handleWebhookVerify()).Methods(http.MethodGet)
	webhook.HandleFunc("", s.handleWebhookEvents()).Methods(http.MethodPost)

	// Realtime viewers
	if s.rtServer != nil {
		s.router.HandleFunc("/ws", s.rtServer.HandleConnection).Methods(http.MethodGet)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	// Webhook deliveries were acknowledged before processing finished; give
	// the in-flight units until the deadline to complete.
	done := make(chan struct{})
	go func() {
		s.webhookWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached with webhook processing still in flight")
	}

	return err
}
