package socius

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first event on an established push stream.
type AuthenticatedPayload struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// NotificationPayload carries one pushed notification. Route is the
// conversation key string the event belongs to.
type NotificationPayload struct {
	Route string `json:"route"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// UnreadChangedPayload is sent when the server-side unread total moves.
type UnreadChangedPayload struct {
	Total int `json:"total"`
}

// StreamErrorPayload is sent when a server-side error occurs.
type StreamErrorPayload struct {
	Message string `json:"message"`
}

// StreamEnvelope is the wire format for all push stream events.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures a PushStream.
type StreamConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// StreamEventHandler is the generic event callback type.
type StreamEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]StreamEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onDelivered     []func(NotificationPayload)
	onResponse      []func(NotificationPayload)
	onUnread        []func(UnreadChangedPayload)
	onError         []func(StreamErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]StreamEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env StreamEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers
	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "notification.delivered":
		var p NotificationPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onDelivered {
				go h(p)
			}
		}
	case "notification.response":
		var p NotificationPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onResponse {
				go h(p)
			}
		}
	case "unread.changed":
		var p UnreadChangedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onUnread {
				go h(p)
			}
		}
	case "error":
		var p StreamErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	// Generic handlers
	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// PushStream
// ============================================================================

// PushStream is a WebSocket push client with auto-reconnect and heartbeat.
// It delivers the same events the platform push channel carries, letting a
// foregrounded client skip the push round trip entirely.
type PushStream struct {
	baseURL          string
	config           *StreamConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            StreamState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	log              *zap.Logger
}

// NewPushStream creates a push stream client for the given gateway URL.
func NewPushStream(baseURL string, config *StreamConfig) *PushStream {
	if config == nil {
		config = &StreamConfig{}
	}
	config.defaults()
	return &PushStream{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
		log:        config.Logger,
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ps *PushStream) OnAuthenticated(h func(AuthenticatedPayload)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onAuthenticated = append(ps.dispatcher.onAuthenticated, h)
	ps.dispatcher.mu.Unlock()
}

// OnNotificationDelivered registers a handler for delivered notifications.
func (ps *PushStream) OnNotificationDelivered(h func(NotificationPayload)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onDelivered = append(ps.dispatcher.onDelivered, h)
	ps.dispatcher.mu.Unlock()
}

// OnNotificationResponse registers a handler for notification taps relayed
// from another device.
func (ps *PushStream) OnNotificationResponse(h func(NotificationPayload)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onResponse = append(ps.dispatcher.onResponse, h)
	ps.dispatcher.mu.Unlock()
}

// OnUnreadChanged registers a handler for unread total changes.
func (ps *PushStream) OnUnreadChanged(h func(UnreadChangedPayload)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onUnread = append(ps.dispatcher.onUnread, h)
	ps.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ps *PushStream) OnError(h func(StreamErrorPayload)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onError = append(ps.dispatcher.onError, h)
	ps.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ps *PushStream) OnConnected(h func()) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onConnected = append(ps.dispatcher.onConnected, h)
	ps.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ps *PushStream) OnDisconnected(h func(code int, reason string)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onDisconnected = append(ps.dispatcher.onDisconnected, h)
	ps.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ps *PushStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.onReconnecting = append(ps.dispatcher.onReconnecting, h)
	ps.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ps *PushStream) On(eventType string, h StreamEventHandler) {
	ps.dispatcher.mu.Lock()
	ps.dispatcher.generic[eventType] = append(ps.dispatcher.generic[eventType], h)
	ps.dispatcher.mu.Unlock()
}

// Bind routes the stream's notification events through a bridge: delivered
// events run the banner-suppression path, responses and unread changes
// trigger a throttled refresh.
func (ps *PushStream) Bind(ctx context.Context, bridge *NotificationBridge) {
	ps.OnNotificationDelivered(func(p NotificationPayload) {
		bridge.HandleDelivered(ctx, Notification{Route: p.Route, Title: p.Title, Body: p.Body})
	})
	ps.OnNotificationResponse(func(p NotificationPayload) {
		bridge.HandleResponse(ctx, Notification{Route: p.Route, Title: p.Title, Body: p.Body})
	})
	ps.OnUnreadChanged(func(p UnreadChangedPayload) {
		bridge.Refresh(ctx)
	})
}

// State returns the current connection state.
func (ps *PushStream) State() StreamState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// Connect establishes the WebSocket connection.
func (ps *PushStream) Connect(ctx context.Context) error {
	ps.mu.Lock()
	if ps.state == StateConnected || ps.state == StateConnecting {
		ps.mu.Unlock()
		return nil
	}
	ps.state = StateConnecting
	ps.intentionalClose = false
	ps.mu.Unlock()

	wsURL := strings.Replace(ps.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/push/stream?token=" + ps.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ps.mu.Lock()
		ps.state = StateDisconnected
		ps.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First message must be the authentication ack.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ps.mu.Lock()
		ps.state = StateDisconnected
		ps.mu.Unlock()
		return fmt.Errorf("read auth message: %w", err)
	}

	var env StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ps.mu.Lock()
		ps.state = StateDisconnected
		ps.mu.Unlock()
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	ps.mu.Lock()
	ps.conn = conn
	ps.state = StateConnected
	ps.mu.Unlock()
	ps.recon.markConnected()
	ps.log.Info("push stream connected")

	ps.dispatcher.dispatch(env)
	ps.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ps.mu.Lock()
	ps.cancelFn = cancel
	ps.mu.Unlock()

	go ps.readLoop(connCtx)
	go ps.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ps *PushStream) Disconnect() error {
	ps.mu.Lock()
	ps.intentionalClose = true
	if ps.cancelFn != nil {
		ps.cancelFn()
		ps.cancelFn = nil
	}
	conn := ps.conn
	ps.conn = nil
	ps.state = StateDisconnected
	ps.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ps.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (ps *PushStream) readLoop(ctx context.Context) {
	for {
		ps.mu.Lock()
		conn := ps.conn
		ps.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ps.mu.Lock()
			intentional := ps.intentionalClose
			ps.mu.Unlock()
			if intentional {
				return
			}

			ps.mu.Lock()
			ps.state = StateDisconnected
			ps.conn = nil
			ps.mu.Unlock()

			ps.log.Warn("push stream dropped", zap.Error(err))
			ps.dispatcher.emitDisconnected(0, err.Error())

			if ps.config.AutoReconnect && ps.recon.shouldReconnect() {
				ps.scheduleReconnect(ctx)
			}
			return
		}

		var env StreamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ps.dispatcher.dispatch(env)
	}
}

func (ps *PushStream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ps.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.mu.Lock()
			conn := ps.conn
			connected := ps.state == StateConnected
			ps.mu.Unlock()
			if !connected || conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// The read loop notices the closed connection and handles
				// the reconnect path.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ps *PushStream) scheduleReconnect(ctx context.Context) {
	delay := ps.recon.nextDelay()
	ps.mu.Lock()
	ps.state = StateReconnecting
	ps.mu.Unlock()

	ps.log.Info("push stream reconnecting",
		zap.Int("attempt", ps.recon.attempt), zap.Duration("delay", delay))
	ps.dispatcher.emitReconnecting(ps.recon.attempt, delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := ps.Connect(ctx); err != nil {
		if ps.config.AutoReconnect && ps.recon.shouldReconnect() {
			ps.scheduleReconnect(ctx)
		} else {
			ps.mu.Lock()
			ps.state = StateDisconnected
			ps.mu.Unlock()
		}
	}
}
