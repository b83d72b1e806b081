package realtime

import (
	"sync"

	"wagate/internal/metrics"
	"wagate/internal/models"

	"github.com/sirupsen/logrus"
)

// Hub is the room registry for viewer connections. Rooms are named after the
// sending identity; a viewer subscribed to a room receives every event
// broadcast to it.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*session]struct{}
	logger *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*session]struct{}),
		logger: logger,
	}
}

// Broadcast delivers the event to every session subscribed to the room.
// Delivery is best effort: a viewer whose send buffer is full misses the
// event rather than stalling the producer.
func (h *Hub) Broadcast(room string, event models.Event) {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	var dropped int
	for _, s := range sessions {
		select {
		case s.send <- event:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		metrics.AddToCounter("realtime.events_dropped", float64(dropped), nil, "Events dropped on full viewer buffers")
		h.logger.WithFields(logrus.Fields{
			"room":    room,
			"dropped": dropped,
		}).Warn("Dropped realtime events for slow viewers")
	}
	metrics.AddToCounter("realtime.events_broadcast", float64(len(sessions)-dropped), nil, "Events delivered to viewers")
}

func (h *Hub) subscribe(room string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*session]struct{})
	}
	h.rooms[room][s] = struct{}{}
}

func (h *Hub) unsubscribe(room string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// detach removes the session from every room it joined.
func (h *Hub) detach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// ConnectionCount reports the number of sessions currently in any room. Used
// by the health surface.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	unique := make(map[*session]struct{})
	for _, members := range h.rooms {
		for s := range members {
			unique[s] = struct{}{}
		}
	}
	return len(unique)
}
