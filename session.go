package rentwheel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Chat
// ============================================================================

const (
	DefaultSendTimeout   = 15 * time.Second
	DefaultResyncTimeout = 15 * time.Second
)

var errSuperseded = errors.New("conversation was closed or switched")

// Chat is the messaging core for one signed-in user. At most one conversation
// is open at a time; opening another tears the previous one down first.
type Chat struct {
	*emitter

	self      string
	backend   Backend
	feed      Feed
	directory *Directory
	log       zerolog.Logger

	sendTimeout      time.Duration
	propagateDeletes bool
	now              func() time.Time
	newLocalID       func() string

	mu      sync.Mutex
	gen     uint64
	active  *Session
	closed  bool
	pollers map[*UnreadPoller]struct{}
	wg      sync.WaitGroup
}

type ChatOption func(*Chat)

func WithChatLogger(log zerolog.Logger) ChatOption {
	return func(c *Chat) { c.log = log }
}

func WithSendTimeout(d time.Duration) ChatOption {
	return func(c *Chat) { c.sendTimeout = d }
}

// WithDeletePropagation makes open conversations drop messages the feed
// reports as deleted. Off by default: a deletion is only seen by the other
// party on their next fetch.
func WithDeletePropagation(enabled bool) ChatOption {
	return func(c *Chat) { c.propagateDeletes = enabled }
}

// WithClock overrides the time source used for provisional messages.
func WithClock(now func() time.Time) ChatOption {
	return func(c *Chat) { c.now = now }
}

// NewChat creates the core for self. An empty self is allowed; every
// operation then fails with ErrUnauthenticated. feed may be nil, in which case
// only sends and explicit resyncs update an open conversation.
//
// self must be the subject of the backend's credentials: Client sends no user
// ids, the server takes them from the token. When feed is an
// AuthenticatedFeed, Start and Open fail with ErrUnauthenticated if the
// server reported a different user.
func NewChat(self string, backend Backend, feed Feed, opts ...ChatOption) *Chat {
	c := &Chat{
		emitter:     newEmitter(),
		self:        self,
		backend:     backend,
		feed:        feed,
		log:         zerolog.Nop(),
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		newLocalID:  uuid.NewString,
		pollers:     make(map[*UnreadPoller]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("user_id", self).Logger()
	c.directory = NewDirectory(backend, c.log)
	return c
}

// Self returns the signed-in user id.
func (c *Chat) Self() string { return c.self }

// Directory returns the conversation directory.
func (c *Chat) Directory() *Directory { return c.directory }

// Active returns the open conversation, or nil.
func (c *Chat) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start resolves the conversation with counterparty about scope and opens it.
func (c *Chat) Start(ctx context.Context, counterparty string, scope Scope) (*Session, error) {
	if err := c.checkIdentity("start conversation"); err != nil {
		c.notice(err)
		return nil, err
	}
	conv, err := c.directory.Resolve(ctx, c.self, counterparty, scope)
	if err != nil {
		c.notice(err)
		return nil, err
	}
	return c.open(ctx, conv)
}

// Open opens an existing conversation by id.
func (c *Chat) Open(ctx context.Context, conversationID string) (*Session, error) {
	const op = "open conversation"
	if err := c.checkIdentity(op); err != nil {
		c.notice(err)
		return nil, err
	}
	conv, err := c.backend.GetConversation(ctx, conversationID)
	if err != nil {
		err = asKind(op, err)
		c.notice(err)
		return nil, err
	}
	if !conv.HasParty(c.self) {
		err := newError(KindUnauthorized, op, "", errors.New("not a party to this conversation"))
		c.notice(err)
		return nil, err
	}
	return c.open(ctx, conv)
}

// checkIdentity fails when no user is signed in, or when the feed's server
// knows the caller as someone other than self.
func (c *Chat) checkIdentity(op string) error {
	if c.self == "" {
		return newError(KindUnauthenticated, op, "", nil)
	}
	if af, ok := c.feed.(AuthenticatedFeed); ok {
		if who := af.AuthenticatedUser(); who != "" && who != c.self {
			return newError(KindUnauthenticated, op, "", fmt.Errorf("signed in as %q, not %q", who, c.self))
		}
	}
	return nil
}

func (c *Chat) open(ctx context.Context, conv *Conversation) (*Session, error) {
	const op = "open conversation"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError(KindValidation, op, "", errors.New("chat is closed"))
	}
	c.gen++
	s := newSession(c, *conv, c.gen)
	prev := c.active
	c.active = s
	c.mu.Unlock()

	if prev != nil {
		prev.release()
	}

	log := c.log.With().Str("conversation_id", conv.ID).Logger()

	if c.feed != nil {
		sub, err := c.feed.Subscribe(ctx, conv.ID, s.feedHandler())
		if err != nil {
			c.abandon(s)
			err = asKind(op, err)
			log.Warn().Err(err).Msg("change feed subscribe failed")
			c.notice(err)
			return nil, err
		}
		s.setSubscription(sub)
	}

	snapshot, err := c.backend.FetchMessages(ctx, conv.ID)
	if err != nil {
		c.abandon(s)
		err = asKind(op, err)
		log.Warn().Err(err).Msg("snapshot fetch failed")
		c.notice(err)
		return nil, err
	}

	if !s.hydrate(snapshot) {
		return nil, newError(KindTransient, op, "", errSuperseded)
	}
	log.Debug().Int("messages", len(snapshot)).Msg("conversation opened")

	c.background(s.markRead)
	return s, nil
}

// abandon clears s if it is still the active session and releases it.
func (c *Chat) abandon(s *Session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
		c.gen++
	}
	c.mu.Unlock()
	s.release()
}

// CloseConversation closes the open conversation. In-flight results for it
// are discarded from then on.
func (c *Chat) CloseConversation() {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.gen++
	c.mu.Unlock()
	if s != nil {
		s.release()
		c.log.Debug().Str("conversation_id", s.conv.ID).Msg("conversation closed")
	}
}

// Close closes the open conversation, stops unread pollers and waits for
// background work to finish.
func (c *Chat) Close() error {
	c.CloseConversation()

	c.mu.Lock()
	c.closed = true
	pollers := make([]*UnreadPoller, 0, len(c.pollers))
	for p := range c.pollers {
		pollers = append(pollers, p)
	}
	c.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	c.wg.Wait()
	c.removeAll()
	return nil
}

func (c *Chat) isActive(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == s && c.gen == s.gen
}

// background runs fn on a tracked goroutine. It reports false, without
// running fn, once the Chat is closed.
func (c *Chat) background(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// Inbox lists the caller's conversations, most recently active first.
func (c *Chat) Inbox(ctx context.Context, role Role, limit int) ([]ConversationSummary, error) {
	const op = "inbox"
	if c.self == "" {
		return nil, newError(KindUnauthenticated, op, "", nil)
	}
	if role == "" {
		role = RoleOwner
	}
	if limit <= 0 {
		limit = DefaultInboxLimit
	}
	list, err := c.backend.ListConversations(ctx, InboxQuery{UserID: c.self, Role: role, Limit: limit})
	if err != nil {
		return nil, asKind(op, err)
	}
	return list, nil
}

// ============================================================================
// Session
// ============================================================================

// Session is one open conversation: its message list and its feed
// subscription. A Session stops applying results once it is closed.
type Session struct {
	chat  *Chat
	conv  Conversation
	gen   uint64
	store *MessageStore
	log   zerolog.Logger

	mu       sync.Mutex
	hydrated bool
	early    []Message
	sub      Subscription
	released bool

	// notifyMu guards the messages.changed delivery loop.
	notifyMu  sync.Mutex
	notifying bool
	dirty     bool
}

func newSession(c *Chat, conv Conversation, gen uint64) *Session {
	return &Session{
		chat:  c,
		conv:  conv,
		gen:   gen,
		store: NewMessageStore(),
		log:   c.log.With().Str("conversation_id", conv.ID).Logger(),
	}
}

// Conversation returns the open conversation.
func (s *Session) Conversation() Conversation { return s.conv }

// Messages returns the current list in display order.
func (s *Session) Messages() []Message { return s.store.Snapshot() }

// Store exposes the underlying message list.
func (s *Session) Store() *MessageStore { return s.store }

// Open reports whether the session is still the active one.
func (s *Session) Open() bool { return s.chat.isActive(s) }

func (s *Session) setSubscription(sub Subscription) {
	s.mu.Lock()
	if !s.released {
		s.sub = sub
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// Released while subscribing.
	_ = sub.Unsubscribe()
}

// release drops the feed subscription. Safe to call more than once.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	sub := s.sub
	s.sub = nil
	s.early = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
}

// hydrate installs the snapshot and replays feed inserts that arrived while it
// was being fetched.
func (s *Session) hydrate(snapshot []Message) bool {
	s.mu.Lock()
	if s.released || !s.chat.isActive(s) {
		s.mu.Unlock()
		return false
	}
	s.store.Hydrate(snapshot)
	for _, m := range s.early {
		s.store.Append(m)
	}
	s.early = nil
	s.hydrated = true
	s.mu.Unlock()

	s.changed()
	return true
}

// changed publishes the current list. One goroutine delivers at a time; a
// mutation made during delivery is picked up by a fresh snapshot afterwards,
// so the last payload a listener sees always matches the store.
func (s *Session) changed() {
	s.notifyMu.Lock()
	s.dirty = true
	if s.notifying {
		s.notifyMu.Unlock()
		return
	}
	s.notifying = true
	for s.dirty {
		s.dirty = false
		s.notifyMu.Unlock()
		s.chat.emit(EventMessagesChanged, MessagesChanged{ConversationID: s.conv.ID, Messages: s.store.Snapshot()})
		s.notifyMu.Lock()
	}
	s.notifying = false
	s.notifyMu.Unlock()
}

func (s *Session) feedHandler() FeedHandler {
	return FeedHandler{
		OnInsert: s.onInsert,
		OnDelete: s.onDelete,
		OnResync: func() {
			s.chat.background(func() {
				ctx, cancel := context.WithTimeout(context.Background(), DefaultResyncTimeout)
				defer cancel()
				if _, err := s.Resync(ctx); err != nil {
					s.log.Warn().Err(err).Msg("resync failed")
				}
			})
		},
	}
}

func (s *Session) onInsert(m Message) {
	if m.ConversationID != s.conv.ID || !m.ID.IsDurable() {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	if !s.hydrated {
		s.early = append(s.early, m)
		s.mu.Unlock()
		return
	}
	added := s.store.Append(m)
	s.mu.Unlock()

	if added {
		s.log.Debug().Str("message_id", m.ID.Value).Msg("message received")
		s.chat.emit(EventMessageReceived, m)
		s.changed()
	}
}

func (s *Session) onDelete(conversationID string, id MessageID) {
	if !s.chat.propagateDeletes || conversationID != s.conv.ID || !s.Open() {
		return
	}
	m, ok := s.store.Get(id)
	if ok && s.store.Remove(id) {
		s.chat.emit(EventMessageDeleted, m)
		s.changed()
	}
}

// Resync re-fetches the conversation and appends any messages the list is
// missing. Pending sends are left in place. Returns how many were added.
func (s *Session) Resync(ctx context.Context) (int, error) {
	const op = "resync"
	if !s.Open() {
		return 0, newError(KindTransient, op, "", errSuperseded)
	}
	snapshot, err := s.chat.backend.FetchMessages(ctx, s.conv.ID)
	if err != nil {
		return 0, asKind(op, err)
	}
	if !s.Open() {
		return 0, newError(KindTransient, op, "", errSuperseded)
	}
	added := 0
	for _, m := range snapshot {
		if s.store.Append(m) {
			added++
		}
	}
	if added > 0 {
		s.log.Debug().Int("added", added).Msg("resync appended missing messages")
		s.changed()
	}
	return added, nil
}
