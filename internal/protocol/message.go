package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingType    = errors.New("frame missing type")
	ErrBinaryVersion  = errors.New("unsupported binary frame version")
)

// Reserved type values. Anything else is application data.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Priority orders messages in the pending queue. High-priority messages
// are inserted ahead of waiting normal/low messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a recognized priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Kind is the closed set of message kinds the dispatch path routes on.
type Kind int

const (
	KindData Kind = iota
	KindPing
	KindPong
	KindSubscribe
	KindUnsubscribe
)

// Message is a single wire frame. Immutable once finalized.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Priority  Priority        `json:"priority,omitempty"`
	Channel   string          `json:"channel,omitempty"`
}

// Kind maps the type field onto the closed kind set.
func (m Message) Kind() Kind {
	switch m.Type {
	case TypePing:
		return KindPing
	case TypePong:
		return KindPong
	case TypeSubscribe:
		return KindSubscribe
	case TypeUnsubscribe:
		return KindUnsubscribe
	}
	return KindData
}

// ControlPayload is the payload of subscribe/unsubscribe control frames.
type ControlPayload struct {
	Channel string `json:"channel"`
}

// PongPayload correlates a pong with the probe that triggered it.
type PongPayload struct {
	ProbeID string `json:"probe_id,omitempty"`
}

// Finalize fills in generated fields: a fresh uuid when ID is empty, the
// current time when Timestamp is zero, and PriorityNormal when unset.
func Finalize(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if !m.Priority.Valid() {
		m.Priority = PriorityNormal
	}
	return m
}

// NewPing builds a heartbeat probe frame.
func NewPing() Message {
	return Finalize(Message{Type: TypePing, Priority: PriorityHigh})
}

// NewPong builds the response to a heartbeat probe.
func NewPong(probeID string) Message {
	payload, _ := json.Marshal(PongPayload{ProbeID: probeID})
	return Finalize(Message{Type: TypePong, Payload: payload, Priority: PriorityHigh})
}

// NewSubscribe builds a subscribe control frame for a channel.
func NewSubscribe(channel string) Message {
	payload, _ := json.Marshal(ControlPayload{Channel: channel})
	return Finalize(Message{Type: TypeSubscribe, Payload: payload, Priority: PriorityHigh})
}

// NewUnsubscribe builds an unsubscribe control frame for a channel.
func NewUnsubscribe(channel string) Message {
	payload, _ := json.Marshal(ControlPayload{Channel: channel})
	return Finalize(Message{Type: TypeUnsubscribe, Payload: payload})
}
