// Package hub fans change events out to realtime connections, across
// server instances when Redis is configured.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

const (
	// DefaultChannel is the Redis Pub/Sub channel shared by all instances.
	DefaultChannel = "rentwheel:chat:events"
	sendBuffer     = 64
)

// Event is one change to deliver: the conversation's parties decide which
// follow-all clients see it; room members see it regardless.
type Event struct {
	ConversationID string                     `json:"conversationId"`
	Parties        []string                   `json:"parties"`
	Envelope       rentwheel.RealtimeEnvelope `json:"envelope"`
}

type redisMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Client is one realtime connection. WebSocket clients join conversation
// rooms explicitly; SSE clients follow every conversation of their user.
type Client struct {
	ID        string
	UserID    string
	followAll bool

	send      chan []byte
	closeOnce sync.Once
	rooms     map[string]struct{}
}

// Send returns the outbound queue. It is closed when the hub drops the
// client.
func (c *Client) Send() <-chan []byte { return c.send }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub tracks connected clients and routes events to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	users   map[string]map[*Client]struct{}

	redis    *redis.Client
	channel  string
	instance string
	notifier *Notifier
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Hub)

// WithRedis enables cross-instance fan-out.
func WithRedis(client *redis.Client, channel string) Option {
	return func(h *Hub) {
		h.redis = client
		if channel != "" {
			h.channel = channel
		}
	}
}

// WithNotifier posts every event to a change webhook as well.
func WithNotifier(n *Notifier) Option {
	return func(h *Hub) { h.notifier = n }
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
		users:    make(map[string]map[*Client]struct{}),
		channel:  DefaultChannel,
		instance: uuid.NewString(),
		log:      zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to Redis when configured. It returns once the
// subscription is confirmed.
func (h *Hub) Start() error {
	if h.redis == nil {
		return nil
	}
	pubsub := h.redis.Subscribe(h.ctx, h.channel)
	if _, err := pubsub.Receive(h.ctx); err != nil {
		pubsub.Close()
		return err
	}
	h.wg.Add(1)
	go h.subscribeRedis(pubsub)
	return nil
}

// Stop ends the Redis subscription and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.users = make(map[string]map[*Client]struct{})
	h.mu.Unlock()
}

// Register adds a client for userID.
func (h *Hub) Register(userID string, followAll bool) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		UserID:    userID,
		followAll: followAll,
		send:      make(chan []byte, sendBuffer),
		rooms:     make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if followAll {
		if h.users[userID] == nil {
			h.users[userID] = make(map[*Client]struct{})
		}
		h.users[userID][c] = struct{}{}
	}
	h.mu.Unlock()
	h.log.Debug().Str("client_id", c.ID).Str("user_id", userID).Bool("follow_all", followAll).Msg("client registered")
	return c
}

// Unregister removes c from every room and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	if c.followAll {
		if set := h.users[c.UserID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.UserID)
			}
		}
	}
	c.close()
}

// Join adds c to a conversation room. Callers check membership first.
func (h *Hub) Join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, conversationID)
	if members := h.rooms[conversationID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// RoomSize reports how many clients joined conversationID on this instance.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Direct queues env for c alone.
func (h *Hub) Direct(c *Client, env rentwheel.RealtimeEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(c, data)
}

// MessageCreated broadcasts a message.new event.
func (h *Hub) MessageCreated(conv *rentwheel.Conversation, m rentwheel.Message) {
	h.publish(conv, rentwheel.EventMessageNew, m)
	h.notifier.Notify(rentwheel.EventMessageNew, m)
}

// MessageDeleted broadcasts a message.deleted event.
func (h *Hub) MessageDeleted(conv *rentwheel.Conversation, messageID string) {
	h.publish(conv, rentwheel.EventMessageRemoved, rentwheel.MessageDeletedPayload{
		ConversationID: conv.ID,
		MessageID:      messageID,
	})
	h.notifier.Notify(rentwheel.EventMessageRemoved, rentwheel.Message{
		ID:             rentwheel.Durable(messageID),
		ConversationID: conv.ID,
	})
}

func (h *Hub) publish(conv *rentwheel.Conversation, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	ev := Event{
		ConversationID: conv.ID,
		Parties:        []string{conv.InitiatorID, conv.CounterpartyID},
		Envelope:       rentwheel.RealtimeEnvelope{Type: eventType, Payload: raw},
	}
	h.deliver(ev)

	if h.redis != nil {
		data, err := json.Marshal(redisMessage{Origin: h.instance, Event: ev})
		if err == nil {
			if err := h.redis.Publish(h.ctx, h.channel, data).Err(); err != nil {
				h.log.Warn().Err(err).Str("event", eventType).Msg("redis publish failed")
			}
		}
	}
}

// deliver queues ev for local clients. A client whose queue is full is
// dropped; it reconnects and resyncs.
func (h *Hub) deliver(ev Event) {
	data, err := json.Marshal(ev.Envelope)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	targets := make(map[*Client]struct{})
	for c := range h.rooms[ev.ConversationID] {
		targets[c] = struct{}{}
	}
	for _, user := range ev.Parties {
		for c := range h.users[user] {
			targets[c] = struct{}{}
		}
	}
	for c := range targets {
		h.enqueueLocked(c, data)
	}
}

func (h *Hub) enqueueLocked(c *Client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn().Str("client_id", c.ID).Msg("client too slow, dropping")
		h.removeLocked(c)
	}
}

func (h *Hub) subscribeRedis(pubsub *redis.PubSub) {
	defer h.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rm redisMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				h.log.Warn().Err(err).Msg("malformed redis event")
				continue
			}
			if rm.Origin == h.instance {
				continue
			}
			h.deliver(rm.Event)
		case <-h.ctx.Done():
			return
		}
	}
}
