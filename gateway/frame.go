// Package gateway exposes the event bus over WebSocket. Clients connect,
// optionally negotiate a wire format, and subscribe to topic patterns;
// matching events are pushed as they are published. History replay is
// available over the same connection.
package gateway

import (
	"time"

	"github.com/mediaflow/fetchq/bus"
)

// FrameType identifies the frame category.
type FrameType string

const (
	// Client → server.
	FrameHello       FrameType = "hello"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameReplay      FrameType = "replay"
	FramePing        FrameType = "ping"

	// Server → client.
	FrameAck   FrameType = "ack"
	FrameErr   FrameType = "error"
	FrameEvent FrameType = "event"
	FramePong  FrameType = "pong"
)

// Frame is the gateway message envelope. Every message exchanged over
// the WebSocket is a Frame.
type Frame struct {
	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Format requests a wire format on hello frames ("json", "msgpack").
	Format string `json:"format,omitempty" msgpack:"format,omitempty"`

	// Patterns carries topic patterns for subscribe frames.
	Patterns []string `json:"patterns,omitempty" msgpack:"patterns,omitempty"`

	// Pattern filters history for replay frames.
	Pattern string `json:"pattern,omitempty" msgpack:"pattern,omitempty"`

	// Limit caps how many history events a replay returns (0 = all).
	Limit int `json:"limit,omitempty" msgpack:"limit,omitempty"`

	// Replayed marks event frames that came from history rather than
	// the live feed.
	Replayed bool `json:"replayed,omitempty" msgpack:"replayed,omitempty"`

	// Event carries the bus event for event frames.
	Event *bus.Event `json:"event,omitempty" msgpack:"event,omitempty"`

	// Error describes the failure for error frames.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

func ackFrame() *Frame {
	return &Frame{Type: FrameAck, Timestamp: time.Now().UTC()}
}

func errorFrame(msg string) *Frame {
	return &Frame{Type: FrameErr, Error: msg, Timestamp: time.Now().UTC()}
}

func eventFrame(evt *bus.Event, replayed bool) *Frame {
	return &Frame{
		Type:      FrameEvent,
		Event:     evt,
		Replayed:  replayed,
		Timestamp: time.Now().UTC(),
	}
}
