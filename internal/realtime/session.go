package realtime

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"wagate/internal/constants"
	"wagate/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Server upgrades viewer connections and runs their read/write loops.
type Server struct {
	hub          *Hub
	viewerTokens []string
	heartbeat    time.Duration
	logger       *logrus.Logger
}

func NewServer(hub *Hub, viewerTokens []string, heartbeat time.Duration, logger *logrus.Logger) *Server {
	return &Server{
		hub:          hub,
		viewerTokens: viewerTokens,
		heartbeat:    heartbeat,
		logger:       logger,
	}
}

type session struct {
	conn  *websocket.Conn
	send  chan models.Event
	rooms map[string]struct{}
}

// authorize checks the bearer token against the configured viewer tokens in
// constant time. Browsers cannot set headers on WebSocket upgrades, so a
// token query parameter is accepted as well.
func (s *Server) authorize(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return false
	}

	for _, candidate := range s.viewerTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the request and serves the viewer until it
// disconnects or the server context ends.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if len(s.viewerTokens) == 0 {
		http.Error(w, "realtime endpoint disabled", http.StatusNotFound)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(constants.MaxFrameBytes)

	sess := &session{
		conn:  conn,
		send:  make(chan models.Event, constants.ViewerSendBuffer),
		rooms: make(map[string]struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.hub.detach(sess)
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Info("Viewer connected")

	writeCtx, writeCancel := context.WithTimeout(ctx, time.Duration(constants.DefaultWriteTimeoutSec)*time.Second)
	err = wsjson.Write(writeCtx, conn, models.Event{Type: models.EventConnectionSuccess})
	writeCancel()
	if err != nil {
		return
	}

	go s.writeLoop(ctx, sess, cancel)
	s.readLoop(ctx, sess)
}

// readLoop consumes control frames from the viewer.
func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		var frame models.ClientFrame
		if err := wsjson.Read(ctx, sess.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.WithError(err).Debug("Viewer read failed")
			}
			return
		}

		switch frame.Type {
		case models.FrameSubscribe:
			if frame.Room == "" {
				continue
			}
			s.hub.subscribe(frame.Room, sess)
			sess.rooms[frame.Room] = struct{}{}
			s.reply(sess, models.Event{Type: models.EventSubscribeSuccess, Data: frame.Room})

		case models.FrameUnsubscribe:
			if frame.Room == "" {
				continue
			}
			s.hub.unsubscribe(frame.Room, sess)
			delete(sess.rooms, frame.Room)
			s.reply(sess, models.Event{Type: models.EventUnsubscribeSuccess, Data: frame.Room})

		case models.FramePing:
			s.reply(sess, models.Event{Type: models.EventPong})

		default:
			s.logger.WithField("frame", frame.Type).Debug("Ignoring unknown client frame")
		}
	}
}

// reply queues a control response on the session's send channel so all
// writes go through the single writer goroutine. A full buffer drops the
// frame, same as Broadcast.
func (s *Server) reply(sess *session, event models.Event) {
	select {
	case sess.send <- event:
	default:
	}
}

// writeLoop owns all writes to the connection: queued events plus the
// heartbeat ping that detects dead peers.
func (s *Server) writeLoop(ctx context.Context, sess *session, cancel context.CancelFunc) {
	defer cancel()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-sess.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, time.Duration(constants.DefaultWriteTimeoutSec)*time.Second)
			err := wsjson.Write(writeCtx, sess.conn, event)
			writeCancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, time.Duration(constants.DefaultWriteTimeoutSec)*time.Second)
			err := sess.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.WithError(err).Debug("Viewer heartbeat failed, closing")
				return
			}
		}
	}
}
