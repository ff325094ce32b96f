package gateway

import "time"

// IncomingMessage is a message entering the gateway from any Source.
//
// ChannelID is nil for a broadcast message: it is delivered to every
// connection on the instance regardless of subscribed channel.
type IncomingMessage struct {
	ChannelID  *string
	EventType  string
	Data       string
	BusinessID *string
}

// NewIncomingMessage builds an IncomingMessage targeting a channel.
func NewIncomingMessage(channelID, eventType, data string) IncomingMessage {
	return IncomingMessage{ChannelID: &channelID, EventType: eventType, Data: data}
}

// BroadcastMessage builds an IncomingMessage with no channel (delivered to
// every live connection on the instance).
func BroadcastMessage(eventType, data string) IncomingMessage {
	return IncomingMessage{EventType: eventType, Data: data}
}

// WithBusinessID attaches a client-supplied dedup key and returns the message.
func (m IncomingMessage) WithBusinessID(id string) IncomingMessage {
	m.BusinessID = &id
	return m
}

// SseEvent is the canonical stored/dispatched representation of a message:
// the form the router hands to storage and to the connection registry, and
// that the SSE endpoint frames onto the wire.
type SseEvent struct {
	EventType  string
	Data       string
	BusinessID *string

	// StreamID is the per-channel monotonic cursor assigned by storage. It is
	// absent for broadcasts, which are never persisted.
	StreamID *string

	// Retry is an optional reconnect-delay hint in milliseconds, emitted as
	// the SSE `retry:` field.
	Retry *uint32
}

// ForChannel constructs an event that has not yet been assigned a stream ID.
func ForChannel(eventType, data string) SseEvent {
	return SseEvent{EventType: eventType, Data: data}
}

// Broadcast constructs a broadcast event; broadcasts never carry a StreamID.
func Broadcast(eventType, data string) SseEvent {
	return SseEvent{EventType: eventType, Data: data}
}

// WithBusinessID attaches a business ID and returns the event.
func (e SseEvent) WithBusinessID(id string) SseEvent {
	e.BusinessID = &id
	return e
}

// WithStreamID attaches a stream ID and returns the event.
func (e SseEvent) WithStreamID(id string) SseEvent {
	e.StreamID = &id
	return e
}

// WithRetry attaches a retry hint in milliseconds and returns the event.
func (e SseEvent) WithRetry(ms uint32) SseEvent {
	e.Retry = &ms
	return e
}

// heartbeatEvent is the synthetic event emitted by the registry's heartbeat
// loop. It is never persisted and carries no stream ID.
func heartbeatEvent() SseEvent {
	return SseEvent{EventType: "heartbeat", Data: ""}
}

// ConnectionInfo is metadata describing one live SSE client, passed to
// Source.OnConnect/OnDisconnect and usable by auth callbacks.
type ConnectionInfo struct {
	ConnectionID string
	ChannelID    string
	InstanceID   string
	ConnectedAt  time.Time
	ClientIP     string
	UserAgent    string
}
