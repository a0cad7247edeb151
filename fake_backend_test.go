package rentwheel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// fakeBackend is an in-memory Backend with failure and latency hooks.
type fakeBackend struct {
	mu    sync.Mutex
	seq   int
	convs map[string]*Conversation
	msgs  map[string][]Message
	clock time.Time

	// published receives every inserted message after it is stored.
	published func(Message)

	insertGate  chan struct{}
	insertErr   error
	fetchErr    error
	fetchGate   chan struct{}
	markReadErr error
	deleteErr   error

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		convs: make(map[string]*Conversation),
		msgs:  make(map[string][]Message),
		clock: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		calls: make(map[string]int),
	}
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBackend) hit(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *fakeBackend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func (b *fakeBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

// seed stores a message directly, bypassing the feed.
func (b *fakeBackend) seed(conversationID, sender, body string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Message{
		ID:             Durable(b.nextID("msg")),
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      b.tick(),
	}
	b.msgs[conversationID] = append(b.msgs[conversationID], m)
	return m
}

func (b *fakeBackend) stored(conversationID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs[conversationID]...)
}

func (b *fakeBackend) FindOrCreateConversation(_ context.Context, initiatorID, counterpartyID string, scope Scope) (*Conversation, error) {
	b.hit("find")
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.convs {
		if c.InitiatorID == initiatorID && c.CounterpartyID == counterpartyID && c.VehicleID == scope {
			cp := *c
			return &cp, nil
		}
	}
	now := b.tick()
	c := &Conversation{ID: b.nextID("conv"), InitiatorID: initiatorID, CounterpartyID: counterpartyID, VehicleID: scope, CreatedAt: now, UpdatedAt: now}
	b.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (b *fakeBackend) GetConversation(_ context.Context, conversationID string) (*Conversation, error) {
	b.hit("get")
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	b.hit("fetch")
	b.mu.Lock()
	gate, err := b.fetchGate, b.fetchErr
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return b.stored(conversationID), nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*Message, error) {
	b.hit("insert")
	b.mu.Lock()
	gate, err := b.insertGate, b.insertErr
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	m := Message{
		ID:             Durable(b.nextID("msg")),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      b.tick(),
	}
	b.msgs[conversationID] = append(b.msgs[conversationID], m)
	if c, ok := b.convs[conversationID]; ok {
		c.UpdatedAt = m.CreatedAt
	}
	publish := b.published
	b.mu.Unlock()

	if publish != nil {
		publish(m)
	}
	return &m, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, conversationID, readerID string) (int, error) {
	b.hit("markread")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.markReadErr != nil {
		return 0, b.markReadErr
	}
	n := 0
	for i, m := range b.msgs[conversationID] {
		if m.SenderID != readerID && !m.Read {
			b.msgs[conversationID][i].Read = true
			n++
		}
	}
	return n, nil
}

func (b *fakeBackend) DeleteMessage(_ context.Context, conversationID, messageID, requesterID string) error {
	b.hit("delete")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	list := b.msgs[conversationID]
	for i, m := range list {
		if m.ID.Value != messageID {
			continue
		}
		if m.SenderID != requesterID {
			return ErrUnauthorized
		}
		b.msgs[conversationID] = append(list[:i], list[i+1:]...)
		return nil
	}
	return ErrNotFound
}

func (b *fakeBackend) CountUnread(_ context.Context, q UnreadQuery) (int, error) {
	b.hit("count")
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for convID, list := range b.msgs {
		c := b.convs[convID]
		if q.ConversationID != "" && convID != q.ConversationID {
			continue
		}
		if q.OwnerID != "" && (c == nil || c.CounterpartyID != q.OwnerID) {
			continue
		}
		for _, m := range list {
			if !m.Read && m.SenderID != q.Reader {
				n++
			}
		}
	}
	return n, nil
}

func (b *fakeBackend) ListConversations(_ context.Context, q InboxQuery) ([]ConversationSummary, error) {
	b.hit("list")
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ConversationSummary
	for _, c := range b.convs {
		if (q.Role == RoleOwner && c.CounterpartyID != q.UserID) || (q.Role == RoleRenter && c.InitiatorID != q.UserID) {
			continue
		}
		s := ConversationSummary{Conversation: *c}
		list := b.msgs[c.ID]
		if len(list) > 0 {
			last := list[len(list)-1]
			s.LastMessage = &last
		}
		for _, m := range list {
			if !m.Read && m.SenderID != q.UserID {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation.UpdatedAt.After(out[j].Conversation.UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

var errNetwork = errors.New("connection reset by peer")
