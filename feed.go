package rentwheel

import (
	"context"
	"sync"
)

// ============================================================================
// Subscription registry
// ============================================================================

// subscriptionRegistry fans feed events out to per-conversation handlers.
// Handlers run on the delivering goroutine so per-conversation order holds.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	next   uint64
	byConv map[string]map[uint64]FeedHandler
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byConv: make(map[string]map[uint64]FeedHandler)}
}

// add registers h and reports whether it is the first handler for the conversation.
func (r *subscriptionRegistry) add(conversationID string, h FeedHandler) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	hs, ok := r.byConv[conversationID]
	if !ok {
		hs = make(map[uint64]FeedHandler)
		r.byConv[conversationID] = hs
	}
	hs[r.next] = h
	return r.next, len(hs) == 1
}

// remove drops a handler and reports whether the conversation has none left.
func (r *subscriptionRegistry) remove(conversationID string, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.byConv[conversationID]
	if !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(r.byConv, conversationID)
		return true
	}
	return false
}

func (r *subscriptionRegistry) handlers(conversationID string) []FeedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.byConv[conversationID]
	out := make([]FeedHandler, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	return out
}

func (r *subscriptionRegistry) conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConv))
	for id := range r.byConv {
		out = append(out, id)
	}
	return out
}

func (r *subscriptionRegistry) count(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConv[conversationID])
}

func (r *subscriptionRegistry) deliverInsert(m Message) {
	for _, h := range r.handlers(m.ConversationID) {
		if h.OnInsert != nil {
			safeCall(func() { h.OnInsert(m) })
		}
	}
}

func (r *subscriptionRegistry) deliverDelete(conversationID string, id MessageID) {
	for _, h := range r.handlers(conversationID) {
		if h.OnDelete != nil {
			safeCall(func() { h.OnDelete(conversationID, id) })
		}
	}
}

func (r *subscriptionRegistry) resyncAll() {
	for _, conv := range r.conversations() {
		for _, h := range r.handlers(conv) {
			if h.OnResync != nil {
				safeCall(h.OnResync)
			}
		}
	}
}

func safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}

// feedSubscription runs its release func once.
type feedSubscription struct {
	once    sync.Once
	release func() error
	err     error
}

func (s *feedSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.release() })
	return s.err
}

// ============================================================================
// MemoryFeed
// ============================================================================

// MemoryFeed is an in-process Feed. Publish delivers synchronously to every
// subscriber of the message's conversation. ChangeWebhook feeds one from
// signed HTTP notifications.
type MemoryFeed struct {
	reg *subscriptionRegistry
}

// NewMemoryFeed creates an empty in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{reg: newSubscriptionRegistry()}
}

// Subscribe registers h for conversationID.
func (f *MemoryFeed) Subscribe(_ context.Context, conversationID string, h FeedHandler) (Subscription, error) {
	id, _ := f.reg.add(conversationID, h)
	return &feedSubscription{release: func() error {
		f.reg.remove(conversationID, id)
		return nil
	}}, nil
}

// Publish delivers an insert event.
func (f *MemoryFeed) Publish(m Message) { f.reg.deliverInsert(m) }

// PublishDeleted delivers a delete event.
func (f *MemoryFeed) PublishDeleted(conversationID string, id MessageID) {
	f.reg.deliverDelete(conversationID, id)
}

// Resync tells every subscriber that events may have been missed.
func (f *MemoryFeed) Resync() { f.reg.resyncAll() }

// Subscribers returns the number of live subscriptions for conversationID.
func (f *MemoryFeed) Subscribers(conversationID string) int { return f.reg.count(conversationID) }
