package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quotestream/realtime/internal/event"
	"github.com/quotestream/realtime/internal/protocol"
	"github.com/quotestream/realtime/internal/queue"
)

// Manager owns one logical connection to the remote endpoint and
// multiplexes it into channel subscriptions.
type Manager interface {
	// Connect establishes the connection. No-op when already connected.
	Connect(ctx context.Context) error

	// Disconnect performs a clean close and cancels any pending
	// reconnection. A clean close never triggers auto-reconnect.
	Disconnect()

	// Send transmits a message immediately when connected, or queues it
	// for the next successful connect. A transmission failure is
	// returned to the caller; the message is not requeued.
	Send(msg protocol.Message) error

	// Subscribe registers a callback for a channel's data messages and
	// notifies the remote endpoint. Returns the subscription id.
	Subscribe(channel string, cb func(protocol.Message), opts ...SubscribeOption) (string, error)

	// Unsubscribe removes a subscription and best-effort notifies the
	// remote endpoint.
	Unsubscribe(id string) error

	// On registers an event listener and returns its removal function.
	On(eventName string, fn event.Listener) func()

	// Off removes all listeners for an event; a single listener is
	// removed through the function returned by On.
	Off(eventName string)

	// Status returns the current state machine state.
	Status() Status

	// Metrics returns a snapshot of connection counters.
	Metrics() Metrics
}

// ClientFactory builds the underlying socket client. Replaceable in tests.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// Option customizes a Manager.
type Option func(*manager)

// WithClientFactory overrides how the underlying socket client is built.
func WithClientFactory(f ClientFactory) Option {
	return func(m *manager) { m.newClient = f }
}

type busEvent struct {
	name string
	data any
}

// manager implements the Manager interface.
type manager struct {
	cfg       Config
	logger    *slog.Logger
	bus       *event.Bus
	pending   *queue.Pending
	newClient ClientFactory

	mu     sync.Mutex
	status Status
	cli    Client
	epoch  int64 // Bumped on every connect/teardown; stale socket callbacks check it

	// Reconnection scheduler
	attempts       int
	reconnectTimer *time.Timer

	// Per-connection goroutine stop signal
	connStop chan struct{}

	// Heartbeat state
	probeID       string
	probeSentAt   time.Time
	probeAwaiting bool
	missedProbes  int

	// Subscription registry, dispatch in registration order
	subs     map[string]*Subscription
	subOrder []string

	// Metrics
	startedAt   time.Time
	sent        int64
	received    int64
	reconnects  int64
	errorCount  int64
	parseErrors int64
	latency     time.Duration
}

// NewManager creates a connection manager. Each manager owns its socket,
// queue, registry, and timers exclusively.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:       cfg,
		logger:    logger,
		bus:       event.NewBus(logger),
		pending:   queue.NewPending(cfg.MessageQueueSize),
		newClient: NewClient,
		status:    StatusDisconnected,
		subs:      make(map[string]*Subscription),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect establishes the connection.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnected:
		m.mu.Unlock()
		return nil
	case StatusConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}

	// An explicit connect supersedes any scheduled attempt.
	m.stopReconnectTimerLocked()
	events := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	m.emit(events)

	return m.dial(ctx, false)
}

// Disconnect performs a clean, caller-initiated close.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	cli := m.cli
	m.teardownLocked()
	events := m.setStatusLocked(StatusDisconnected)
	events = append(events, busEvent{event.Disconnected, nil})
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
	m.emit(events)
}

// Send transmits or queues one message.
func (m *manager) Send(msg protocol.Message) error {
	msg = protocol.Finalize(msg)

	m.mu.Lock()
	cli := m.cli
	connected := m.status == StatusConnected && cli != nil
	m.mu.Unlock()

	if !connected {
		if m.pending.Push(msg) {
			m.logger.Debug("queue full, evicted oldest entry", "type", msg.Type)
		}
		return nil
	}

	if err := m.transmit(cli, msg); err != nil {
		m.mu.Lock()
		m.errorCount++
		m.mu.Unlock()
		m.emit([]busEvent{{event.Error, err}})
		return err
	}
	return nil
}

// Subscribe registers a channel subscription.
func (m *manager) Subscribe(channel string, cb func(protocol.Message), opts ...SubscribeOption) (string, error) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		Channel:  channel,
		Callback: cb,
	}
	for _, opt := range opts {
		opt(sub)
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.subOrder = append(m.subOrder, sub.ID)
	m.mu.Unlock()

	if err := m.Send(protocol.NewSubscribe(channel)); err != nil {
		m.logger.Warn("subscribe control frame failed",
			"channel", channel,
			"error", err,
		)
	}

	return sub.ID, nil
}

// Unsubscribe removes a subscription.
func (m *manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		for i, sid := range m.subOrder {
			if sid == id {
				m.subOrder = append(m.subOrder[:i:i], m.subOrder[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return ErrSubscriptionGone
	}

	// Best-effort; delivery is not awaited.
	if err := m.Send(protocol.NewUnsubscribe(sub.Channel)); err != nil {
		m.logger.Debug("unsubscribe control frame failed",
			"channel", sub.Channel,
			"error", err,
		)
	}

	return nil
}

// On registers an event listener.
func (m *manager) On(eventName string, fn event.Listener) func() {
	return m.bus.On(eventName, fn)
}

// Off removes all listeners for an event.
func (m *manager) Off(eventName string) {
	m.bus.Off(eventName)
}

// Status returns the current state.
func (m *manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Metrics returns a snapshot of counters.
func (m *manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime time.Duration
	if m.status == StatusConnected && !m.startedAt.IsZero() {
		uptime = time.Since(m.startedAt)
	}

	return Metrics{
		MessagesSent:     m.sent,
		MessagesReceived: m.received,
		Reconnects:       m.reconnects,
		Errors:           m.errorCount,
		ParseErrors:      m.parseErrors,
		Latency:          m.latency,
		Uptime:           uptime,
		Subscriptions:    len(m.subs),
		QueuedMessages:   m.pending.Len(),
	}
}

// dial performs one connection attempt. When scheduled is true the
// attempt came from the reconnection scheduler and a failure re-enters
// it; otherwise the failure is returned to the explicit caller. The
// epoch captured at dial start guards against Disconnect() landing
// while the handshake is in flight: a superseded dial must not commit
// its socket or touch the state machine.
func (m *manager) dial(ctx context.Context, scheduled bool) error {
	m.mu.Lock()
	start := m.epoch
	m.mu.Unlock()

	cli := m.newClient(ClientConfig{
		URL:               m.cfg.URL,
		Protocols:         m.cfg.Protocols,
		ConnectTimeout:    m.cfg.ConnectTimeout,
		WriteTimeout:      m.cfg.WriteTimeout,
		BufferSize:        m.cfg.BufferSize,
		EnableCompression: m.cfg.EnableCompression,
	}, m.logger)

	if err := cli.Connect(ctx); err != nil {
		cli.Close()

		m.mu.Lock()
		if m.epoch != start || m.status != StatusConnecting {
			// Disconnect() intervened; the attempt is already moot.
			m.mu.Unlock()
			return err
		}
		m.errorCount++
		events := []busEvent{{event.Error, err}}
		if scheduled {
			events = append(events, m.scheduleReconnectLocked()...)
		} else {
			events = append(events, m.setStatusLocked(StatusError)...)
		}
		m.mu.Unlock()

		m.emit(events)
		m.logger.Warn("connect failed", "url", m.cfg.URL, "error", err)
		return err
	}

	m.mu.Lock()
	if m.epoch != start || m.status != StatusConnecting {
		m.mu.Unlock()
		cli.Close()
		m.logger.Info("dial superseded, discarding connection", "url", m.cfg.URL)
		return ErrConnectAborted
	}
	m.cli = cli
	m.epoch++
	epoch := m.epoch
	m.attempts = 0
	m.startedAt = time.Now()
	m.probeAwaiting = false
	m.missedProbes = 0
	stop := make(chan struct{})
	m.connStop = stop
	events := m.setStatusLocked(StatusConnected)
	events = append(events, busEvent{event.Connected, nil})
	subs := m.channelsLocked()
	m.mu.Unlock()

	m.emit(events)
	m.logger.Info("connected", "url", m.cfg.URL)

	go m.readLoop(cli, epoch, stop)
	go m.heartbeatLoop(cli, epoch, stop)

	m.resubscribe(cli, subs)
	m.drain(cli)

	return nil
}

// readLoop routes inbound frames and socket failures for one connection.
func (m *manager) readLoop(cli Client, epoch int64, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case err := <-cli.Errors():
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
			m.socketDown(epoch, err, clean)
			return

		case msg, ok := <-cli.Messages():
			if !ok {
				return
			}
			m.handleInbound(msg)
		}
	}
}

// heartbeatLoop probes liveness while the connection is up. After
// MaxMissedHeartbeats consecutive unanswered probes the socket is forced
// down so the reconnection path engages.
func (m *manager) heartbeatLoop(cli Client, epoch int64, stop <-chan struct{}) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			m.mu.Lock()
			if epoch != m.epoch {
				m.mu.Unlock()
				return
			}
			if m.probeAwaiting {
				m.missedProbes++
				if m.cfg.MaxMissedHeartbeats > 0 && m.missedProbes >= m.cfg.MaxMissedHeartbeats {
					missed := m.missedProbes
					m.mu.Unlock()
					m.logger.Warn("connection stale, forcing reconnect",
						"missed_heartbeats", missed,
					)
					m.socketDown(epoch, ErrHeartbeatTimeout, false)
					return
				}
			}
			ping := protocol.NewPing()
			m.probeID = ping.ID
			m.probeSentAt = time.Now()
			m.probeAwaiting = true
			m.mu.Unlock()

			if err := m.transmit(cli, ping); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// socketDown handles the end of a connection: teardown, status events,
// and — for non-clean closes — the reconnection scheduler.
func (m *manager) socketDown(epoch int64, cause error, clean bool) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	cli := m.cli
	m.teardownLocked()

	var events []busEvent
	if !clean {
		m.errorCount++
		events = append(events, busEvent{event.Error, cause})
	}
	events = append(events, m.setStatusLocked(StatusDisconnected)...)
	events = append(events, busEvent{event.Disconnected, cause})

	if !clean {
		events = append(events, m.scheduleReconnectLocked()...)
	}
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}
	m.emit(events)

	m.logger.Info("connection down",
		"clean", clean,
		"error", cause,
	)
}

// scheduleReconnectLocked arms the single-shot backoff timer for the
// next attempt, or surfaces exhaustion. Caller holds m.mu.
func (m *manager) scheduleReconnectLocked() []busEvent {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		events := m.setStatusLocked(StatusDisconnected)
		events = append(events, busEvent{event.Error, ErrReconnectExhausted})
		m.logger.Error("reconnect attempts exhausted",
			"attempts", m.attempts,
		)
		return events
	}

	delay := backoffDelay(m.cfg.ReconnectInterval, m.attempts, m.cfg.ReconnectMaxDelay)
	events := m.setStatusLocked(StatusReconnecting)

	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"delay", delay,
	)
	return events
}

// attemptReconnect fires when the backoff timer elapses.
func (m *manager) attemptReconnect() {
	m.mu.Lock()
	if m.status != StatusReconnecting {
		// Disconnect() or an explicit Connect() intervened.
		m.mu.Unlock()
		return
	}
	m.reconnects++
	m.attempts++
	events := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	m.emit(events)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	m.dial(ctx, true)
}

// backoffDelay computes min(base * 2^attempt, ceiling).
func backoffDelay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// handleInbound decodes one frame and routes it by kind.
func (m *manager) handleInbound(in Inbound) {
	var msg protocol.Message
	var err error
	if in.Binary {
		msg, err = protocol.DecodeBinary(in.Data)
	} else {
		msg, err = protocol.DecodeText(in.Data)
	}
	if err != nil {
		m.mu.Lock()
		m.parseErrors++
		m.mu.Unlock()
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	m.mu.Lock()
	m.received++
	m.mu.Unlock()

	switch msg.Kind() {
	case protocol.KindPong:
		m.handlePong(msg, in.ReceivedAt)

	case protocol.KindPing:
		// Remote is probing us; answer so it keeps the connection alive.
		if err := m.Send(protocol.NewPong(msg.ID)); err != nil {
			m.logger.Debug("pong send failed", "error", err)
		}

	case protocol.KindSubscribe, protocol.KindUnsubscribe:
		m.logger.Debug("control ack", "type", msg.Type, "channel", msg.Channel)

	default:
		m.dispatch(msg)
	}
}

// handlePong records round-trip latency for the outstanding probe.
func (m *manager) handlePong(msg protocol.Message, receivedAt time.Time) {
	var payload protocol.PongPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.probeAwaiting {
		return
	}
	if payload.ProbeID != "" && payload.ProbeID != m.probeID {
		return
	}

	m.latency = receivedAt.Sub(m.probeSentAt)
	m.probeAwaiting = false
	m.missedProbes = 0
}

// dispatch runs the subscription registry over one data message, then
// echoes it on the event bus.
func (m *manager) dispatch(msg protocol.Message) {
	m.mu.Lock()
	matched := make([]*Subscription, 0, 4)
	for _, id := range m.subOrder {
		sub := m.subs[id]
		if sub != nil && sub.Channel == msg.Channel {
			matched = append(matched, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range matched {
		if sub.Filter != nil && !safeFilter(sub, msg, m.logger) {
			continue
		}
		if sub.Once {
			// Remove before invoking so a re-entrant dispatch cannot
			// fire the callback twice.
			m.removeSub(sub.ID)
		}
		m.invoke(sub, msg)
	}

	m.bus.Emit(event.Message, msg)
	if msg.Channel != "" {
		m.bus.Emit(event.ChannelEvent(msg.Channel), msg)
	}
}

// invoke runs one callback with panic isolation.
func (m *manager) invoke(sub *Subscription, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("subscription callback panicked",
				"subscription", sub.ID,
				"channel", sub.Channel,
				"panic", rec,
			)
		}
	}()
	sub.Callback(msg)
}

// safeFilter evaluates a subscription filter with panic isolation. A
// panicking filter counts as not matching.
func safeFilter(sub *Subscription, msg protocol.Message, logger *slog.Logger) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("subscription filter panicked",
				"subscription", sub.ID,
				"channel", sub.Channel,
				"panic", rec,
			)
			ok = false
		}
	}()
	return sub.Filter(msg)
}

// removeSub deletes a subscription without the control-frame side effect.
func (m *manager) removeSub(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return
	}
	delete(m.subs, id)
	for i, sid := range m.subOrder {
		if sid == id {
			m.subOrder = append(m.subOrder[:i:i], m.subOrder[i+1:]...)
			break
		}
	}
}

// resubscribe re-announces live channels after a reconnect so the remote
// endpoint resumes routing them.
func (m *manager) resubscribe(cli Client, channels []string) {
	for _, ch := range channels {
		if err := m.transmit(cli, protocol.NewSubscribe(ch)); err != nil {
			m.logger.Warn("resubscribe failed", "channel", ch, "error", err)
			return
		}
	}
}

// drain flushes the pending queue front to back. A transmission failure
// aborts the drain; the failing message and everything behind it stay
// queued for the next attempt.
func (m *manager) drain(cli Client) {
	for {
		m.mu.Lock()
		open := m.status == StatusConnected && m.cli == cli
		m.mu.Unlock()
		if !open {
			return
		}

		msg, ok := m.pending.Pop()
		if !ok {
			return
		}

		if err := m.transmit(cli, msg); err != nil {
			m.pending.Requeue(msg)
			m.logger.Warn("queue drain aborted", "error", err, "remaining", m.pending.Len())
			return
		}
	}
}

// transmit encodes and writes one frame. Every frame that reaches the
// socket counts toward MessagesSent, control traffic included.
func (m *manager) transmit(cli Client, msg protocol.Message) error {
	var data []byte
	var err error
	if m.cfg.EnableBinaryMessages {
		data, err = protocol.EncodeBinary(msg)
	} else {
		data, err = protocol.EncodeText(msg)
	}
	if err != nil {
		return err
	}
	if err := cli.Send(data, m.cfg.EnableBinaryMessages); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	return nil
}

// channelsLocked returns the distinct channels with live subscriptions,
// in registration order. Caller holds m.mu.
func (m *manager) channelsLocked() []string {
	seen := make(map[string]struct{}, len(m.subs))
	var out []string
	for _, id := range m.subOrder {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		if _, ok := seen[sub.Channel]; ok {
			continue
		}
		seen[sub.Channel] = struct{}{}
		out = append(out, sub.Channel)
	}
	return out
}

// setStatusLocked transitions the state machine and returns the events
// to emit once the lock is released. Caller holds m.mu.
func (m *manager) setStatusLocked(s Status) []busEvent {
	if m.status == s {
		return nil
	}
	m.status = s
	if s != StatusConnected {
		m.startedAt = time.Time{}
	}
	return []busEvent{{event.StatusChange, s}}
}

// teardownLocked invalidates the live connection: stops the per-connection
// goroutines and bumps the epoch so stale callbacks are ignored. Caller
// holds m.mu.
func (m *manager) teardownLocked() {
	if m.connStop != nil {
		close(m.connStop)
		m.connStop = nil
	}
	m.cli = nil
	m.epoch++
	m.probeAwaiting = false
	m.missedProbes = 0
}

// stopReconnectTimerLocked cancels a pending scheduled attempt. Caller
// holds m.mu.
func (m *manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// emit delivers queued bus events in order.
func (m *manager) emit(events []busEvent) {
	for _, e := range events {
		m.bus.Emit(e.name, e.data)
	}
}
