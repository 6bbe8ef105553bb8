package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tmachado/chat-fanout/internal/model"
)

// Manager owns one logical persistent connection to the chat backend. It
// reconnects with exponential backoff, probes liveness with heartbeats,
// buffers outbound frames across outages, and decodes inbound frames into
// typed events.
//
// A Manager is constructed with NewManager, started with Connect, and torn
// down with Destroy. After Destroy every operation returns ErrDestroyed.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	client            *client
	destroyed         bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	watchdog          *time.Timer
	heartbeatStop     chan struct{}
	lastProbe         time.Time
	heartbeatAcks     int64

	metrics Metrics

	outbox *FrameQueue[Frame]
	events chan Event

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Connection Manager. Zero config fields fall back to
// DefaultManagerConfig values; the URL is required.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		outbox: NewFrameQueue[Frame](64, cfg.OutboundBufferSize),
		events: make(chan Event, cfg.EventBufferSize),
		done:   make(chan struct{}),
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	def := DefaultManagerConfig()
	if len(c.Protocols) == 0 {
		c.Protocols = def.Protocols
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.OutboundBufferSize == 0 {
		c.OutboundBufferSize = def.OutboundBufferSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = def.EventBufferSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}

// Connect establishes the connection. It suspends until handshake success or
// handshake timeout; a handshake failure is returned to the caller and also
// engages the reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	cl := newClient(m.cfg.clientConfig(), m.logger)
	m.client = cl
	m.mu.Unlock()

	if err := cl.connect(ctx); err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.client = nil
		m.noteErrorLocked(err)
		m.mu.Unlock()
		m.scheduleReconnect()
		return err
	}

	m.handleOpen(cl, false)
	return nil
}

// Disconnect closes the connection with a normal closure code. No reconnect
// is attempted; buffered outbound frames are retained for a later Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.destroyed || m.state == StateIdle || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	cl := m.client
	m.client = nil
	m.stopHeartbeatLocked()
	m.stopReconnectLocked()
	m.state = StateClosed
	m.metrics.Connected = false
	m.mu.Unlock()

	if cl != nil {
		cl.close(websocket.CloseNormalClosure, "client disconnect")
	}
	m.emit(DisconnectedEvent{Code: websocket.CloseNormalClosure, Reason: "client disconnect"})
}

// Destroy permanently tears the manager down: timers cancelled, socket closed
// with a normal code, outbound buffer cleared, goroutines joined. Idempotent;
// every later operation returns ErrDestroyed.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.state = StateClosed
	m.metrics.Connected = false
	m.stopHeartbeatLocked()
	m.stopReconnectLocked()
	cl := m.client
	m.client = nil
	m.outbox.Clear()
	m.outbox.Close()
	m.mu.Unlock()

	if cl != nil {
		cl.close(websocket.CloseNormalClosure, "destroyed")
	}
	close(m.done)
	m.wg.Wait()
	m.emit(DestroyedEvent{})
	m.logger.Info("connection manager destroyed")
}

// Send queues or transmits one frame. While disconnected the frame is
// buffered (FIFO) and flushed on the next Open; ErrBufferFull is returned
// once the buffer ceiling is hit. A transport failure during a live send is
// absorbed: the frame is re-buffered and the close path drives recovery.
func (m *Manager) Send(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	if f.Timestamp == 0 {
		f.Timestamp = model.NowMillis()
	}

	if m.state == StateOpen && m.client != nil && m.client.isConnected() {
		if err := m.writeFrame(m.client, f); err != nil {
			m.noteErrorLocked(err)
			m.logger.Warn("send failed, buffering frame", "error", err)
			if !m.outbox.Push(f) {
				return ErrBufferFull
			}
			return nil
		}
		return nil
	}

	if !m.outbox.Push(f) {
		return ErrBufferFull
	}
	return nil
}

// Events returns the typed event channel. The channel is never closed; a
// DestroyedEvent is the terminal event.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is Open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Metrics returns a snapshot of connection counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.metrics
	snap.ReconnectAttempts = m.reconnectAttempts
	return snap
}

// BufferedFrames returns the number of outbound frames awaiting flush.
func (m *Manager) BufferedFrames() int {
	return m.outbox.Len()
}

// handleOpen transitions to Open: reset the reconnect counter, flush the
// outbound buffer in FIFO order, start the read pump and heartbeat loops.
func (m *Manager) handleOpen(cl *client, resumed bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		cl.close(websocket.CloseNormalClosure, "destroyed")
		return
	}
	m.state = StateOpen
	m.reconnectAttempts = 0
	m.metrics.Connected = true
	m.metrics.ConnectedAt = time.Now()

	// Flush while holding the lock so no caller-issued Send can interleave
	// with buffered frames.
	queued := m.outbox.Drain()
	for i, f := range queued {
		if err := m.writeFrame(cl, f); err != nil {
			m.noteErrorLocked(err)
			m.logger.Warn("flush interrupted, re-buffering", "remaining", len(queued)-i, "error", err)
			for _, rest := range queued[i:] {
				m.outbox.Push(rest)
			}
			break
		}
	}

	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	if n := len(queued); n > 0 {
		m.logger.Info("flushed buffered frames", "count", n)
	}

	m.wg.Add(2)
	go m.pumpLoop(cl)
	go m.heartbeatLoop(cl, stop)

	m.emit(ConnectedEvent{Resumed: resumed})
	m.logger.Info("connected", "url", m.cfg.URL, "resumed", resumed)
}

// pumpLoop reads raw messages from one client until the connection dies.
func (m *Manager) pumpLoop(cl *client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case err := <-cl.errors:
			m.mu.Lock()
			m.noteErrorLocked(err)
			m.mu.Unlock()
			m.handleConnectionLost(cl, err.Error())
			return

		case raw, ok := <-cl.messages:
			if !ok {
				reason := "connection closed"
				select {
				case err := <-cl.errors:
					m.mu.Lock()
					m.noteErrorLocked(err)
					m.mu.Unlock()
					reason = err.Error()
				default:
				}
				m.handleConnectionLost(cl, reason)
				return
			}
			m.handleRaw(raw)
		}
	}
}

// handleConnectionLost runs the abnormal-close transition for cl. Locally
// requested closes are handled by Disconnect/Destroy, which detach the client
// first, so reaching this with the current client always means an abnormal
// loss.
func (m *Manager) handleConnectionLost(cl *client, reason string) {
	m.mu.Lock()
	if m.destroyed || m.client != cl || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.client = nil
	m.metrics.Connected = false
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	cl.close(websocket.CloseAbnormalClosure, reason)

	m.logger.Warn("connection lost", "reason", reason)
	m.emit(DisconnectedEvent{Code: websocket.CloseAbnormalClosure, Reason: reason, Abnormal: true})
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or emits the
// terminal give-up signal once the ceiling is exceeded.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.destroyed || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectAttempts++
	m.metrics.ReconnectAttempts = m.reconnectAttempts
	if m.reconnectAttempts > m.cfg.MaxReconnectAttempts {
		attempts := m.reconnectAttempts - 1
		m.mu.Unlock()
		m.logger.Warn("max reconnect attempts reached", "attempts", attempts)
		m.emit(MaxReconnectsEvent{Attempts: attempts})
		return
	}
	attempt := m.reconnectAttempts
	delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
	m.mu.Unlock()

	m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	m.emit(ReconnectingEvent{Attempt: attempt, Delay: delay})
}

// redial is the reconnect timer callback.
func (m *Manager) redial() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.destroyed || m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	cl := newClient(m.cfg.clientConfig(), m.logger)
	m.client = cl
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	if err := cl.connect(ctx); err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.client = nil
		m.noteErrorLocked(err)
		m.mu.Unlock()
		m.logger.Warn("reconnect failed", "error", err)
		m.scheduleReconnect()
		return
	}

	m.handleOpen(cl, true)
}

// heartbeatLoop sends a probe every HeartbeatInterval and arms the watchdog.
func (m *Manager) heartbeatLoop(cl *client, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			m.sendHeartbeat(cl)
		}
	}
}

func (m *Manager) sendHeartbeat(cl *client) {
	data, _ := json.Marshal(Frame{Type: FrameHeartbeat, Timestamp: model.NowMillis()})
	if err := cl.send(data); err != nil {
		m.logger.Debug("heartbeat send failed", "error", err)
		return
	}

	m.mu.Lock()
	m.lastProbe = time.Now()
	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.watchdog = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.heartbeatTimeout(cl)
	})
	m.mu.Unlock()
}

// heartbeatTimeout fires when no acknowledgment arrived within the bound.
// The connection is declared dead and the reconnect policy takes over; this
// is what catches silently dropped connections the transport never reports.
func (m *Manager) heartbeatTimeout(cl *client) {
	m.mu.Lock()
	if m.destroyed || m.client != cl {
		m.mu.Unlock()
		return
	}
	m.noteErrorLocked(fmt.Errorf("heartbeat timeout after %s", m.cfg.HeartbeatTimeout))
	m.mu.Unlock()

	m.handleConnectionLost(cl, "heartbeat timeout")
}

// handleRaw decodes one inbound frame and dispatches the typed event. A
// malformed frame increments the error counter and is dropped; it never
// affects connection state.
func (m *Manager) handleRaw(raw RawMessage) {
	var f Frame
	if err := json.Unmarshal(raw.Data, &f); err != nil {
		m.mu.Lock()
		m.noteErrorLocked(fmt.Errorf("malformed frame: %w", err))
		m.mu.Unlock()
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	m.mu.Lock()
	m.metrics.TotalMessages++
	m.metrics.TotalBytes += int64(len(raw.Data))
	m.mu.Unlock()

	switch f.Type {
	case FrameStreamChunk:
		if f.Chunk == nil {
			m.logger.Warn("stream_chunk frame without chunk payload")
			return
		}
		chunk := *f.Chunk
		chunk.ReceivedAt = raw.ReceivedAt
		m.emit(ChunkEvent{Chunk: chunk})

	case FrameStreamComplete:
		m.emit(CompleteEvent{StreamID: f.StreamID, ReceivedAt: raw.ReceivedAt})

	case FrameStreamError:
		m.emit(StreamErrorEvent{StreamID: f.StreamID, Message: f.Error, ReceivedAt: raw.ReceivedAt})

	case FrameHeartbeat:
		m.handleHeartbeatAck(raw.ReceivedAt)

	case FrameError:
		m.emit(ServerErrorEvent{Message: f.Error})

	case FrameInfo:
		m.emit(ServerInfoEvent{Message: f.Info})

	default:
		m.logger.Warn("dropping unknown frame type", "type", f.Type)
	}
}

// handleHeartbeatAck disarms the watchdog and records the round trip.
func (m *Manager) handleHeartbeatAck(at time.Time) {
	m.mu.Lock()
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.metrics.LastHeartbeat = at

	var latency time.Duration
	if !m.lastProbe.IsZero() {
		latency = at.Sub(m.lastProbe)
		if latency > 0 {
			m.heartbeatAcks++
			n := m.heartbeatAcks
			m.metrics.AverageLatency = time.Duration(
				(int64(m.metrics.AverageLatency)*(n-1) + int64(latency)) / n,
			)
		}
	}
	m.mu.Unlock()

	m.emit(HeartbeatAckEvent{Latency: latency})
}

// writeFrame marshals and transmits one frame. Lock must be held.
func (m *Manager) writeFrame(cl *client, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return cl.send(data)
}

// emit delivers an event without blocking; a full channel drops with a
// warning (a slow consumer must not stall the read pump).
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event buffer full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Manager) noteErrorLocked(err error) {
	m.metrics.ErrorCount++
	m.metrics.LastError = err.Error()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// backoffDelay computes min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if d > max || d <= 0 {
		d = max
	}
	return d
}
