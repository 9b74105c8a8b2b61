// Package wire defines the websocket envelope and the payloads exchanged
// between KRONOS clients and the relay.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame is one JSON object per websocket text frame.
//
// A frame with Ack set and Reply unset asks the peer for an
// acknowledgement; the peer answers with the same Event and Ack, Reply set
// and the ack payload in Data.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Reply bool            `json:"reply,omitempty"`
}

// NewFrame marshals v into the frame's data.
func NewFrame(event string, v any) (Frame, error) {
	f := Frame{Event: event}
	if v == nil {
		return f, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// ReplyTo builds the acknowledgement frame for an inbound request.
func ReplyTo(req Frame, v any) (Frame, error) {
	f, err := NewFrame(req.Event, v)
	if err != nil {
		return Frame{}, err
	}
	f.Ack = req.Ack
	f.Reply = true
	return f, nil
}

// WantsAck reports whether the sender registered an ack callback.
func (f Frame) WantsAck() bool {
	return f.Ack != 0 && !f.Reply
}

func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("parse frame: missing event name")
	}
	return f, nil
}
