package rentwheel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Realtime event and command types.
const (
	EventAuthenticated  = "authenticated"
	EventMessageNew     = "message.new"
	EventMessageRemoved = "message.deleted"
	EventJoined         = "conversation.joined"
	EventPong           = "pong"
	EventError          = "error"

	CommandJoin  = "conversation.join"
	CommandLeave = "conversation.leave"
	CommandPing  = "ping"
)

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// MessageDeletedPayload is sent when a message is removed from a conversation.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ConversationPayload is the payload of join and leave commands.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// JoinedPayload acknowledges a join command. Events for the conversation
// are delivered from this point on.
type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
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
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// joinTimeout bounds how long a join waits for the server's ack.
const joinTimeout = 10 * time.Second

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case EventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

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

// deliver routes change events to conversation subscribers in arrival order.
func deliver(subs *subscriptionRegistry, env RealtimeEnvelope, log zerolog.Logger) {
	switch env.Type {
	case EventMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			log.Warn().Err(err).Msg("malformed message.new payload")
			return
		}
		subs.deliverInsert(m)
	case EventMessageRemoved:
		var p MessageDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("malformed message.deleted payload")
			return
		}
		subs.deliverDelete(p.ConversationID, Durable(p.MessageID))
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and its number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket change feed with auto-reconnect and
// heartbeat. Conversations are joined on first Subscribe and left when the
// last subscription for them is released.
type RealtimeWSClient struct {
	url              string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	userID           string
	dispatcher       *eventDispatcher
	subs             *subscriptionRegistry
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      int
	joinCounter      int
	pendingPings     map[string]chan PongPayload
	pendingJoins     map[string]chan error
	pendingMu        sync.Mutex
	log              zerolog.Logger
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeWSClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// AuthenticatedUser returns the user id the server reported on the last
// successful connect.
func (ws *RealtimeWSClient) AuthenticatedUser() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.userID
}

// Subscribe implements Feed. The conversation is joined immediately when
// connected, otherwise on the next successful connect.
func (ws *RealtimeWSClient) Subscribe(ctx context.Context, conversationID string, h FeedHandler) (Subscription, error) {
	id, first := ws.subs.add(conversationID, h)
	if first && ws.State() == StateConnected {
		if err := ws.JoinConversation(ctx, conversationID); err != nil {
			ws.subs.remove(conversationID, id)
			return nil, fmt.Errorf("join conversation: %w", err)
		}
	}
	return &feedSubscription{release: func() error {
		if ws.subs.remove(conversationID, id) && ws.State() == StateConnected {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ws.LeaveConversation(ctx, conversationID)
		}
		return nil
	}}, nil
}

// Connect establishes the WebSocket connection. ctx bounds the handshake only.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	var who AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &who)

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.userID = who.UserID
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	reconnected := ws.everConnected
	ws.everConnected = true
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	// The read loop must run before rejoining: joins wait for their ack.
	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	for _, conversationID := range ws.subs.conversations() {
		joinCtx, cancelJoin := context.WithTimeout(connCtx, joinTimeout)
		if err := ws.JoinConversation(joinCtx, conversationID); err != nil {
			ws.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("rejoin failed")
		}
		cancelJoin()
	}

	if reconnected {
		ws.log.Info().Msg("realtime reconnected, resyncing subscribers")
		go ws.subs.resyncAll()
	}
	return nil
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.recon.reset()
	ws.dispatcher.emitDisconnected(1000, "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation joins a conversation room and waits until the server
// acknowledges it, so no event sent after it returns is missed.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	ws.joinCounter++
	requestID := fmt.Sprintf("join-%d", ws.joinCounter)
	ws.mu.Unlock()

	ch := make(chan error, 1)
	ws.pendingMu.Lock()
	ws.pendingJoins[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      CommandJoin,
		Payload:   ConversationPayload{ConversationID: conversationID},
		RequestID: requestID,
	})
	if err != nil {
		ws.dropJoin(requestID)
		return err
	}

	select {
	case err, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return err
	case <-time.After(joinTimeout):
		ws.dropJoin(requestID)
		return errors.New("join timeout")
	case <-ctx.Done():
		ws.dropJoin(requestID)
		return ctx.Err()
	}
}

func (ws *RealtimeWSClient) dropJoin(requestID string) {
	ws.pendingMu.Lock()
	delete(ws.pendingJoins, requestID)
	ws.pendingMu.Unlock()
}

// resolveJoin settles a pending join. It reports whether one was waiting.
func (ws *RealtimeWSClient) resolveJoin(requestID string, err error) bool {
	if requestID == "" {
		return false
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pendingJoins[requestID]
	if ok {
		delete(ws.pendingJoins, requestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

// LeaveConversation leaves a conversation room.
func (ws *RealtimeWSClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    CommandLeave,
		Payload: ConversationPayload{ConversationID: conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	ws.mu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ws.mu.Unlock()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		ws.dropPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		ws.dropPing(requestID)
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		ws.dropPing(requestID)
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) dropPing(requestID string) {
	ws.pendingMu.Lock()
	delete(ws.pendingPings, requestID)
	ws.pendingMu.Unlock()
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.log.Warn().Err(err).Msg("realtime connection lost")
			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		switch env.Type {
		case EventJoined:
			var p JoinedPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				ws.resolveJoin(p.RequestID, nil)
			}
		case EventError:
			var p RealtimeErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				ws.resolveJoin(p.RequestID, errors.New(p.Message))
			}
		}

		deliver(ws.subs, env, ws.log)
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed: force close so the read loop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		delay, attempt := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(attempt, delay)

		time.Sleep(delay)

		ws.mu.Lock()
		stop := ws.intentionalClose
		if !stop {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	for k, ch := range ws.pendingJoins {
		close(ch)
		delete(ws.pendingJoins, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE change feed (server-push only) with
// auto-reconnect. The server streams every conversation the caller is a party
// to; Subscribe filters locally.
type RealtimeSSEClient struct {
	url              string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	dispatcher       *eventDispatcher
	subs             *subscriptionRegistry
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
	log              zerolog.Logger
}

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sse *RealtimeSSEClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (sse *RealtimeSSEClient) On(eventType string, h RealtimeEventHandler) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.generic[eventType] = append(sse.dispatcher.generic[eventType], h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Subscribe implements Feed.
func (sse *RealtimeSSEClient) Subscribe(_ context.Context, conversationID string, h FeedHandler) (Subscription, error) {
	id, _ := sse.subs.add(conversationID, h)
	return &feedSubscription{release: func() error {
		sse.subs.remove(conversationID, id)
		return nil
	}}, nil
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.Background())
	stopDial := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, "GET", sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	stopDial()
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	reconnected := sse.everConnected
	sse.everConnected = true
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	if reconnected {
		sse.log.Info().Msg("realtime reconnected, resyncing subscribers")
		go sse.subs.resyncAll()
	}
	return nil
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.recon.reset()
	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(jsonStr), &env) == nil {
				deliver(sse.subs, env, sse.log)
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.log.Warn().Msg("realtime stream ended")
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	for {
		delay, attempt := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		sse.dispatcher.emitReconnecting(attempt, delay)

		time.Sleep(delay)

		sse.mu.Lock()
		stop := sse.intentionalClose
		if !stop {
			sse.state = StateDisconnected
		}
		sse.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sse.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		sse.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		if !sse.config.AutoReconnect || !sse.recon.shouldReconnect() {
			sse.setState(StateDisconnected)
			return
		}
	}
}
