package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tmachado/chat-fanout/internal/model"
)

// Errors
var (
	ErrDestroyed     = errors.New("connection manager destroyed")
	ErrNotConnected  = errors.New("not connected")
	ErrBufferFull    = errors.New("outbound buffer full")
	ErrAlreadyClosed = errors.New("already closed")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Frame type discriminators recognized on the wire.
const (
	FrameMessageSent    = "message_sent"
	FrameStreamChunk    = "stream_chunk"
	FrameStreamComplete = "stream_complete"
	FrameStreamError    = "stream_error"
	FrameHeartbeat      = "heartbeat"
	FrameError          = "error"
	FrameInfo           = "info"
)

// Frame is one discrete wire message. Exactly one payload field is set
// depending on Type; unrecognized types are dropped by the manager.
type Frame struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Message   *model.ChatMessage `json:"message,omitempty"`
	Chunk     *StreamChunk       `json:"chunk,omitempty"`
	StreamID  string             `json:"messageId,omitempty"` // stream_complete / stream_error correlation
	Error     string             `json:"error,omitempty"`
	Info      string             `json:"info,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
}

// StreamChunk is one partial model response. StreamID is the sub-stream id
// ("<request-id>-<model-id>") that ties the chunk back to its fan-out.
type StreamChunk struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	StreamID       string `json:"messageId"`
	Content        string `json:"content"`
	IsComplete     bool   `json:"isComplete"`
	Timestamp      int64  `json:"timestamp"`
	Model          string `json:"model"`
	Provider       string `json:"provider,omitempty"`
	Tokens         int    `json:"tokens,omitempty"`
	Tier           string `json:"tier,omitempty"`

	// ReceivedAt is the local arrival time, stamped by the manager.
	ReceivedAt time.Time `json:"-"`
}

// Event is a typed notification from the Manager. Variants cover decoded
// inbound frames and connection lifecycle changes.
type Event interface {
	event()
}

// ChunkEvent carries one decoded stream_chunk frame.
type ChunkEvent struct {
	Chunk StreamChunk
}

// CompleteEvent signals a stream_complete frame for a sub-stream.
type CompleteEvent struct {
	StreamID   string
	ReceivedAt time.Time
}

// StreamErrorEvent signals a stream_error frame for a sub-stream.
type StreamErrorEvent struct {
	StreamID   string
	Message    string
	ReceivedAt time.Time
}

// HeartbeatAckEvent signals a heartbeat acknowledgment with its round trip.
type HeartbeatAckEvent struct {
	Latency time.Duration
}

// ServerErrorEvent carries a backend-reported error.
type ServerErrorEvent struct {
	Message string
}

// ServerInfoEvent carries an informational backend notice.
type ServerInfoEvent struct {
	Message string
}

// ConnectedEvent signals a transition to Open. Resumed is true after a
// reconnect (as opposed to the first connect).
type ConnectedEvent struct {
	Resumed bool
}

// DisconnectedEvent signals a transition to Closed. Abnormal is false only
// for locally requested closes.
type DisconnectedEvent struct {
	Code     int
	Reason   string
	Abnormal bool
}

// ReconnectingEvent signals a scheduled reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// MaxReconnectsEvent is the terminal give-up signal after the attempt ceiling.
type MaxReconnectsEvent struct {
	Attempts int
}

// DestroyedEvent is the last event ever emitted by a manager.
type DestroyedEvent struct{}

func (ChunkEvent) event()         {}
func (CompleteEvent) event()      {}
func (StreamErrorEvent) event()   {}
func (HeartbeatAckEvent) event()  {}
func (ServerErrorEvent) event()   {}
func (ServerInfoEvent) event()    {}
func (ConnectedEvent) event()     {}
func (DisconnectedEvent) event()  {}
func (ReconnectingEvent) event()  {}
func (MaxReconnectsEvent) event() {}
func (DestroyedEvent) event()     {}

// Metrics is a snapshot of connection-level counters.
type Metrics struct {
	Connected         bool
	ConnectedAt       time.Time
	LastHeartbeat     time.Time
	ReconnectAttempts int
	TotalMessages     int64
	TotalBytes        int64
	ErrorCount        int64
	LastError         string
	AverageLatency    time.Duration // heartbeat round trip, incremental average
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL            string        // WebSocket URL (e.g., ws://localhost:3000/ws)
	Protocols      []string      // Sub-protocol identifiers (e.g., chat-v1)
	ConnectTimeout time.Duration // Handshake timeout
	WriteTimeout   time.Duration // Write deadline for sends
	BufferSize     int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Protocols:      []string{"chat-v1"},
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1024,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string        // WebSocket URL
	Protocols            []string      // Sub-protocol identifiers
	ConnectTimeout       time.Duration // Handshake timeout for connect and redial
	WriteTimeout         time.Duration // Write deadline for sends
	HeartbeatInterval    time.Duration // Probe cadence while Open
	HeartbeatTimeout     time.Duration // Watchdog bound for the acknowledgment
	ReconnectBaseDelay   time.Duration // Backoff base
	ReconnectMaxDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Attempt ceiling for one continuous outage
	OutboundBufferSize   int           // Max frames buffered while disconnected
	EventBufferSize      int           // Events channel buffer size
	ReadBufferSize       int           // Raw inbound channel buffer size
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Protocols:            []string{"chat-v1"},
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 5,
		OutboundBufferSize:   1024,
		EventBufferSize:      1024,
		ReadBufferSize:       1024,
	}
}

func (c ManagerConfig) clientConfig() ClientConfig {
	return ClientConfig{
		URL:            c.URL,
		Protocols:      c.Protocols,
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
		BufferSize:     c.ReadBufferSize,
	}
}
