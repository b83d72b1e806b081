package models

// Realtime event types fanned out to connected viewers.
const (
	EventConnectionSuccess  = "connection:success"
	EventSubscribeSuccess   = "subscribe:success"
	EventUnsubscribeSuccess = "unsubscribe:success"
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventPong               = "pong"
)

// Inbound control frame types from viewer clients.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
)

// ClientFrame is a control frame received from a viewer connection.
type ClientFrame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// Event is a frame pushed to viewer connections. Data carries the
// event-specific payload.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// MessageStatusEvent is the payload of a message:status event.
type MessageStatusEvent struct {
	ProviderMessageID string        `json:"providerMessageId"`
	Status            MessageStatus `json:"status"`
}
