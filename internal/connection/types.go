package connection

import (
	"errors"
	"time"

	"github.com/quotestream/realtime/internal/protocol"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrConnectInProgress  = errors.New("connect already in progress")
	ErrConnectAborted     = errors.New("connect aborted by disconnect")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout (no pong)")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSubscriptionGone   = errors.New("subscription not found")
)

// Status is the connection state machine's current state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Inbound wraps a raw frame with its receive timestamp.
type Inbound struct {
	Data       []byte
	Binary     bool
	ReceivedAt time.Time
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL               string        // Endpoint address (wss://...)
	Protocols         []string      // Sub-protocol negotiation list
	ConnectTimeout    time.Duration // Dial/handshake timeout
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Inbound message channel buffer size
	EnableCompression bool          // Per-message deflate negotiation
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
		EnableCompression: true,
	}
}

// Config configures the connection Manager.
type Config struct {
	URL                  string        // Endpoint address
	Protocols            []string      // Sub-protocol negotiation list
	ConnectTimeout       time.Duration // Per-attempt dial timeout (default 10s)
	ReconnectInterval    time.Duration // Base backoff (default 5s)
	ReconnectMaxDelay    time.Duration // Backoff ceiling (default 30s)
	MaxReconnectAttempts int           // Attempt budget (default 10)
	HeartbeatInterval    time.Duration // Probe period (default 30s)
	MaxMissedHeartbeats  int           // Unanswered probes before forced reconnect (default 2)
	WriteTimeout         time.Duration // Socket write deadline (default 5s)
	MessageQueueSize     int           // Pending queue bound (default 1000)
	BufferSize           int           // Inbound channel buffer (default 1000)
	EnableCompression    bool          // Advisory compression negotiation (default true)
	EnableBinaryMessages bool          // Length-prefixed binary framing (default false)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    5 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		HeartbeatInterval:    30 * time.Second,
		MaxMissedHeartbeats:  2,
		WriteTimeout:         5 * time.Second,
		MessageQueueSize:     1000,
		BufferSize:           1000,
		EnableCompression:    true,
	}
}

// Subscription tracks one channel subscription.
type Subscription struct {
	ID       string
	Channel  string
	Callback func(protocol.Message)
	Filter   func(protocol.Message) bool
	Once     bool
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithFilter restricts dispatch to messages the predicate accepts.
func WithFilter(filter func(protocol.Message) bool) SubscribeOption {
	return func(s *Subscription) { s.Filter = filter }
}

// Once removes the subscription after its first filter-passing dispatch.
func Once() SubscribeOption {
	return func(s *Subscription) { s.Once = true }
}

// Metrics is a point-in-time snapshot of manager counters.
type Metrics struct {
	MessagesSent     int64 // Frames written to the socket, control traffic included
	MessagesReceived int64
	Reconnects       int64
	Errors           int64
	ParseErrors      int64
	Latency          time.Duration // Last measured heartbeat round trip
	Uptime           time.Duration // Since last successful connect; zero when down
	Subscriptions    int
	QueuedMessages   int
}
