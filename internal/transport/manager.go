// Package transport implements the connection lifecycle state machine:
// Disconnected -> Connecting -> Connected -> (Reconnecting -> Connecting)* ->
// Failed | Disconnected, with exponential-backoff reconnection and a
// heartbeat loop, built above an abstract Socket so the same state machine
// serves a WebRTC data channel, a WebSocket, or a test double.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harborgrid-justin/collabcore/internal/config"
	"github.com/harborgrid-justin/collabcore/internal/telemetry"
	"github.com/harborgrid-justin/collabcore/pkg/wire"
)

// MessageHandler, StateHandler, and ErrorHandler are the three listener
// kinds a host can register. Unsubscribe funcs returned by the On* methods
// are idempotent.
type (
	MessageHandler func(wire.Message)
	StateHandler   func(State)
	ErrorHandler   func(error)
)

// ConnectionManager owns exactly one socket's lifecycle. All mutation is
// serialized through mu; listener callbacks run synchronously but never
// while mu is held, so a handler is free to call back into the manager.
type ConnectionManager struct {
	cfg     config.Connection
	dialer  Dialer
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu              sync.Mutex
	state           State
	socket          Socket
	attempt         int
	closeRequested  bool
	runCtx          context.Context
	runCancel       context.CancelFunc
	messageHandlers map[int]MessageHandler
	stateHandlers   map[int]StateHandler
	errorHandlers   map[int]ErrorHandler
	nextHandlerID   int
}

// NewConnectionManager builds a manager in the Disconnected state. logger
// may be nil (a no-op logger is substituted); metrics may be nil (metric
// updates are then skipped), for hosts that run without a registry.
func NewConnectionManager(cfg config.Connection, dialer Dialer, logger *telemetry.Logger, metrics *telemetry.Metrics) *ConnectionManager {
	if logger == nil {
		logger = telemetry.NewNop()
	}
	return &ConnectionManager{
		cfg:             cfg,
		dialer:          dialer,
		logger:          logger,
		metrics:         metrics,
		state:           Disconnected,
		messageHandlers: make(map[int]MessageHandler),
		stateHandlers:   make(map[int]StateHandler),
		errorHandlers:   make(map[int]ErrorHandler),
	}
}

// State returns the manager's current lifecycle state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the socket, retrying with backoff on failure per the
// configured reconnect policy. It returns the outcome of the first dial
// attempt only; subsequent reconnect attempts run in the background and are
// observed through OnStateChange/OnError.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected || m.state == Connecting {
		m.mu.Unlock()
		return nil
	}
	m.closeRequested = false
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.runCancel = cancel
	m.mu.Unlock()

	m.transitionTo(Connecting)
	go m.heartbeatLoop(runCtx)
	return m.dial(runCtx)
}

// Disconnect is idempotent and non-blocking: it cancels all timers, drops
// the socket, and transitions to Disconnected without scheduling a
// reconnect, per the cancellation contract.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.closeRequested = true
	socket := m.socket
	cancel := m.runCancel
	wasConnected := m.state == Connected
	m.socket = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if socket != nil {
		socket.Close()
	}
	if wasConnected && m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
	m.transitionTo(Disconnected)
}

// Send encodes and writes msg on the current socket. It fails fast with
// ErrInvalidState if the manager is not Connected.
func (m *ConnectionManager) Send(msg wire.Message) error {
	m.mu.Lock()
	if m.state != Connected || m.socket == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	socket := m.socket
	m.mu.Unlock()

	encoded, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	if err := socket.Send(encoded); err != nil {
		if m.metrics != nil {
			m.metrics.Errors.Inc()
		}
		m.emitError(err)
		return err
	}

	if m.metrics != nil {
		m.metrics.MessagesSent.Inc()
		m.metrics.BytesSent.Add(float64(len(encoded)))
	}
	return nil
}

// OnMessage registers h for every decoded inbound frame. The returned func
// unregisters it.
func (m *ConnectionManager) OnMessage(h MessageHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.messageHandlers[id] = h
	return func() {
		m.mu.Lock()
		delete(m.messageHandlers, id)
		m.mu.Unlock()
	}
}

// OnStateChange registers h for every lifecycle transition.
func (m *ConnectionManager) OnStateChange(h StateHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.stateHandlers[id] = h
	return func() {
		m.mu.Lock()
		delete(m.stateHandlers, id)
		m.mu.Unlock()
	}
}

// OnError registers h for every surfaced transport error.
func (m *ConnectionManager) OnError(h ErrorHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.errorHandlers[id] = h
	return func() {
		m.mu.Lock()
		delete(m.errorHandlers, id)
		m.mu.Unlock()
	}
}

func (m *ConnectionManager) dial(runCtx context.Context) error {
	dialCtx := runCtx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(runCtx, m.cfg.Timeout)
		defer cancel()
	}

	socket, err := m.dialer(dialCtx, m.handleMessage, m.handleClose)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		m.onDialFailure(runCtx, err)
		return err
	}

	m.mu.Lock()
	m.socket = socket
	reconnected := m.attempt > 0
	m.attempt = 0
	m.mu.Unlock()

	if m.metrics != nil {
		if reconnected {
			m.metrics.Reconnections.Inc()
		}
		m.metrics.ActiveConnections.Inc()
	}
	m.transitionTo(Connected)
	return nil
}

func (m *ConnectionManager) onDialFailure(runCtx context.Context, err error) {
	if m.metrics != nil {
		m.metrics.Errors.Inc()
	}
	m.emitError(err)

	if !m.cfg.Reconnect {
		m.transitionTo(Failed)
		return
	}
	m.scheduleReconnect(runCtx)
}

func (m *ConnectionManager) scheduleReconnect(runCtx context.Context) {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if attempt > m.cfg.ReconnectAttempts {
		m.transitionTo(Failed)
		m.emitError(ErrConnectionFailed)
		return
	}

	m.transitionTo(Reconnecting)

	delay := reconnectDelay(m.cfg.ReconnectInterval, attempt, m.cfg.ReconnectAttempts)
	timer := time.NewTimer(delay)
	go func() {
		select {
		case <-runCtx.Done():
			timer.Stop()
		case <-timer.C:
			m.transitionTo(Connecting)
			m.dial(runCtx)
		}
	}()
}

func (m *ConnectionManager) handleMessage(data []byte) {
	if m.metrics != nil {
		m.metrics.MessagesReceived.Inc()
		m.metrics.BytesReceived.Add(float64(len(data)))
	}

	msg, err := wire.Decode(data)
	if err != nil {
		if m.metrics != nil {
			m.metrics.Errors.Inc()
		}
		m.emitError(err)
		return
	}

	if msg.Type == wire.OpHeartbeat {
		m.observeHeartbeatEcho(msg)
	}

	m.emitMessage(msg)
}

func (m *ConnectionManager) handleClose(ev CloseEvent) {
	m.mu.Lock()
	wasConnected := m.state == Connected
	closeRequested := m.closeRequested
	runCtx := m.runCtx
	m.socket = nil
	m.mu.Unlock()

	if wasConnected && m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}

	if closeRequested || ev.Code == 1000 {
		m.transitionTo(Disconnected)
		return
	}

	if m.metrics != nil {
		m.metrics.Errors.Inc()
	}
	if runCtx == nil {
		return
	}
	m.scheduleReconnect(runCtx)
}

func (m *ConnectionManager) heartbeatLoop(runCtx context.Context) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeat()
		}
	}
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (m *ConnectionManager) sendHeartbeat() {
	now := time.Now()
	payload, err := json.Marshal(heartbeatPayload{Timestamp: now.UnixMilli()})
	if err != nil {
		return
	}
	// Missed heartbeats (Send fails while not Connected) do not trigger
	// reconnect on their own, per the heartbeat contract.
	_ = m.Send(wire.Message{Type: wire.OpHeartbeat, Timestamp: now.UnixMilli(), Payload: payload})
}

func (m *ConnectionManager) observeHeartbeatEcho(msg wire.Message) {
	if m.metrics == nil {
		return
	}
	var p heartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	latency := time.Since(time.UnixMilli(p.Timestamp))
	if latency < 0 {
		return
	}
	m.metrics.Latency.Observe(latency.Seconds())
}

func (m *ConnectionManager) transitionTo(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emitState(s)
}

func (m *ConnectionManager) emitMessage(msg wire.Message) {
	for _, h := range m.snapshotMessageHandlers() {
		h(msg)
	}
}

func (m *ConnectionManager) emitState(s State) {
	for _, h := range m.snapshotStateHandlers() {
		h(s)
	}
}

func (m *ConnectionManager) emitError(err error) {
	if m.metrics != nil {
		m.metrics.LastErrorAt.Set(float64(time.Now().Unix()))
	}
	for _, h := range m.snapshotErrorHandlers() {
		h(err)
	}
}

func (m *ConnectionManager) snapshotMessageHandlers() []MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageHandler, 0, len(m.messageHandlers))
	for _, h := range m.messageHandlers {
		out = append(out, h)
	}
	return out
}

func (m *ConnectionManager) snapshotStateHandlers() []StateHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateHandler, 0, len(m.stateHandlers))
	for _, h := range m.stateHandlers {
		out = append(out, h)
	}
	return out
}

func (m *ConnectionManager) snapshotErrorHandlers() []ErrorHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorHandler, 0, len(m.errorHandlers))
	for _, h := range m.errorHandlers {
		out = append(out, h)
	}
	return out
}
