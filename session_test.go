package rentwheel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	renterID = "renter-1"
	ownerID  = "owner-1"
)

type harness struct {
	backend *fakeBackend
	feed    *MemoryFeed
	renter  *Chat
	owner   *Chat
}

func newHarness(t *testing.T, ownerOpts ...ChatOption) *harness {
	t.Helper()
	b := newFakeBackend()
	f := NewMemoryFeed()
	b.published = f.Publish
	h := &harness{
		backend: b,
		feed:    f,
		renter:  NewChat(renterID, b, f),
		owner:   NewChat(ownerID, b, f, ownerOpts...),
	}
	t.Cleanup(func() {
		h.renter.Close()
		h.owner.Close()
	})
	return h
}

func (b *fakeBackend) setInsertGate(ch chan struct{}) {
	b.mu.Lock()
	b.insertGate = ch
	b.mu.Unlock()
}

func (b *fakeBackend) setInsertErr(err error) {
	b.mu.Lock()
	b.insertErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) setFetch(gate chan struct{}, err error) {
	b.mu.Lock()
	b.fetchGate = gate
	b.fetchErr = err
	b.mu.Unlock()
}

// recorder collects Chat events.
type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func record(c *Chat) *recorder {
	r := &recorder{events: make(map[string][]any)}
	c.On("*", func(event string, payload any) {
		r.mu.Lock()
		r.events[event] = append(r.events[event], payload)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, p := range r.events[EventNotice] {
		out = append(out, p.(Notice))
	}
	return out
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[event])
}

func waitSettled(t *testing.T, out *Outgoing) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := out.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return m, err
}

func TestOptimisticSendConfirmed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rs, err := h.renter.Start(ctx, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	os, err := h.owner.Open(ctx, rs.Conversation().ID)
	require.NoError(t, err)

	gate := make(chan struct{})
	h.backend.setInsertGate(gate)

	out, err := rs.Send(ctx, "  Is it available this weekend?  ")
	require.NoError(t, err)

	// Visible before the backend answers.
	list := rs.Messages()
	require.Len(t, list, 1)
	assert.True(t, list[0].ID.IsProvisional())
	assert.Equal(t, "Is it available this weekend?", list[0].Body)
	assert.Equal(t, renterID, list[0].SenderID)
	assert.False(t, list[0].Read)
	assert.Equal(t, SendPending, out.State())

	close(gate)
	durable, err := waitSettled(t, out)
	require.NoError(t, err)
	assert.True(t, durable.ID.IsDurable())
	assert.Equal(t, SendConfirmed, out.State())

	require.Eventually(t, func() bool {
		l := rs.Messages()
		return len(l) == 1 && l[0].ID == durable.ID
	}, time.Second, 5*time.Millisecond)

	// The feed delivered the same message before the insert returned; still one entry.
	list = rs.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, 0, rs.Store().IndexOf(durable.ID))

	ol := os.Messages()
	require.Len(t, ol, 1)
	assert.Equal(t, durable.ID, ol[0].ID)
}

func TestOptimisticSendRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events := record(h.renter)

	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	h.backend.seed(rs.Conversation().ID, ownerID, "Hello")
	_, err = rs.Resync(ctx)
	require.NoError(t, err)

	h.backend.setInsertErr(errNetwork)
	out, err := rs.Send(ctx, "Hello")
	require.NoError(t, err)

	_, err = waitSettled(t, out)
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, SendFailed, out.State())

	require.Eventually(t, func() bool { return rs.Store().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, rs.Store().Contains(out.LocalID()))
	assert.Len(t, h.backend.stored(rs.Conversation().ID), 1)

	require.Eventually(t, func() bool { return events.count(EventMessageFailed) == 1 }, time.Second, 5*time.Millisecond)
	var found bool
	for _, n := range events.notices() {
		if n.Text == "Failed to send message" {
			found = true
		}
	}
	assert.True(t, found, "expected a failure notice")
}

func TestConcurrentSendsTrackedIndependently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	gate := make(chan struct{})
	h.backend.setInsertGate(gate)
	first, err := rs.Send(ctx, "one")
	require.NoError(t, err)
	second, err := rs.Send(ctx, "two")
	require.NoError(t, err)
	assert.NotEqual(t, first.LocalID(), second.LocalID())
	assert.Equal(t, []string{"one", "two"}, bodies(rs.Messages()))

	close(gate)
	_, err = waitSettled(t, first)
	require.NoError(t, err)
	_, err = waitSettled(t, second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range rs.Messages() {
			if !m.ID.IsDurable() {
				return false
			}
		}
		return rs.Store().Len() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	_, err = rs.Send(ctx, " \n\t ")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, rs.Store().Len())
	assert.Equal(t, 0, h.backend.count("insert"))
}

func TestSendRejectsOverlongBody(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	events := record(h.renter)

	// Multi-byte runes: the limit counts characters, not bytes.
	out, err := rs.Send(ctx, strings.Repeat("é", MaxMessageRunes+1))
	require.ErrorIs(t, err, ErrValidation)
	assert.Nil(t, out)
	assert.Equal(t, "Message is too long", NoticeOf(err))
	assert.Equal(t, 0, rs.Store().Len())
	assert.Equal(t, 0, h.backend.count("insert"))
	assert.Equal(t, 0, events.count(EventMessageLocal))
	assert.Equal(t, 0, events.count(EventMessagesChanged))

	out, err = rs.Send(ctx, "  "+strings.Repeat("é", MaxMessageRunes)+"  ")
	require.NoError(t, err)
	_, err = waitSettled(t, out)
	require.NoError(t, err)
	assert.Equal(t, 1, h.backend.count("insert"))
}

func TestUnauthenticated(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend()
	chat := NewChat("", b, NewMemoryFeed())
	defer chat.Close()
	events := record(chat)

	_, err := chat.Start(ctx, ownerID, NoScope)
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = chat.Open(ctx, "conv-1")
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = chat.UnreadCount(ctx, UnreadQuery{OwnerID: ownerID})
	require.ErrorIs(t, err, ErrUnauthenticated)

	assert.Equal(t, 0, b.count("find"))
	assert.Equal(t, 0, b.count("get"))
	assert.Equal(t, 0, b.count("count"))
	require.NotEmpty(t, events.notices())
	assert.Equal(t, "Please sign in to chat", events.notices()[0].Text)
}

func TestOpenRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	stranger := NewChat("someone-else", h.backend, h.feed)
	defer stranger.Close()
	_, err = stranger.Open(ctx, rs.Conversation().ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, h.feed.Subscribers(rs.Conversation().ID))
}

func TestDirectoryIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	b, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	general, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, NoScope)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, general.ID)

	other, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, Scope("veh-2"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)

	_, err = h.renter.Directory().Resolve(ctx, renterID, renterID, NoScope)
	require.ErrorIs(t, err, ErrValidation)
}

func TestFeedInsertDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	m := h.backend.seed(rs.Conversation().ID, ownerID, "hi")
	h.feed.Publish(m)
	h.feed.Publish(m)
	_, err = rs.Resync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rs.Store().Len())
}

func TestFeedIgnoresOtherConversationsAndProvisionalIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	h.feed.Publish(Message{ID: Durable("x"), ConversationID: "elsewhere", SenderID: ownerID, Body: "nope"})
	h.feed.Publish(Message{ID: Provisional("y"), ConversationID: rs.Conversation().ID, SenderID: ownerID, Body: "nope"})
	assert.Equal(t, 0, rs.Store().Len())
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.renter.Start(ctx, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	c1 := first.Conversation().ID
	assert.Equal(t, 1, h.feed.Subscribers(c1))

	// Re-opening the same conversation never stacks subscriptions.
	again, err := h.renter.Open(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, 1, h.feed.Subscribers(c1))
	assert.False(t, first.Open())
	assert.True(t, again.Open())

	second, err := h.renter.Start(ctx, "owner-2", NoScope)
	require.NoError(t, err)
	assert.Equal(t, 0, h.feed.Subscribers(c1))
	assert.Equal(t, 1, h.feed.Subscribers(second.Conversation().ID))

	h.renter.CloseConversation()
	assert.Equal(t, 0, h.feed.Subscribers(second.Conversation().ID))
	assert.Nil(t, h.renter.Active())
}

func TestOpenFailureReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, NoScope)
	require.NoError(t, err)

	h.backend.setFetch(nil, errNetwork)
	_, err = h.renter.Open(ctx, conv.ID)
	require.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 0, h.feed.Subscribers(conv.ID))
	assert.Nil(t, h.renter.Active())
}

func TestEventsDuringSnapshotFetchAreKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, NoScope)
	require.NoError(t, err)
	h.backend.seed(conv.ID, ownerID, "older")

	gate := make(chan struct{})
	h.backend.setFetch(gate, nil)

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := h.renter.Open(ctx, conv.ID)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool { return h.feed.Subscribers(conv.ID) == 1 }, time.Second, 5*time.Millisecond)
	h.feed.Publish(Message{ID: Durable("live-1"), ConversationID: conv.ID, SenderID: ownerID, Body: "newer", CreatedAt: time.Now()})
	close(gate)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []string{"older", "newer"}, bodies(r.s.Messages()))
}

func TestConversationSwitchDiscardsInFlightResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	gate := make(chan struct{})
	h.backend.setInsertGate(gate)
	out, err := first.Send(ctx, "for owner one")
	require.NoError(t, err)

	second, err := h.renter.Start(ctx, "owner-2", NoScope)
	require.NoError(t, err)
	h.backend.setInsertGate(nil)

	close(gate)
	_, err = waitSettled(t, out)
	require.NoError(t, err)

	assert.Equal(t, 0, second.Store().Len())
	assert.Equal(t, 0, h.feed.Subscribers(first.Conversation().ID))
	// The stale session was left as it was at switch time.
	assert.True(t, first.Store().Contains(out.LocalID()))

	_, err = first.Send(ctx, "late")
	require.ErrorIs(t, err, ErrValidation)
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	// Written while the feed was down.
	h.backend.seed(rs.Conversation().ID, ownerID, "missed")

	n, err := rs.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = rs.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.backend.seed(rs.Conversation().ID, ownerID, "missed again")
	h.feed.Resync()
	require.Eventually(t, func() bool { return rs.Store().Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestInbox(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	other := NewChat("renter-2", h.backend, h.feed)
	defer other.Close()
	_, err := other.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)

	rs, err := h.renter.Start(ctx, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	out, err := rs.Send(ctx, "first question")
	require.NoError(t, err)
	_, err = waitSettled(t, out)
	require.NoError(t, err)

	list, err := h.owner.Inbox(ctx, RoleOwner, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, rs.Conversation().ID, list[0].Conversation.ID)
	assert.Equal(t, "first question", list[0].Preview())
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, "No messages yet", list[1].Preview())
}

// A listener blocked on an older list must not have the last word once a
// confirmation lands meanwhile.
func TestMessagesChangedEndsOnLatestList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	convID := rs.Conversation().ID

	gate := make(chan struct{})
	h.backend.setInsertGate(gate)
	out, err := rs.Send(ctx, "hello")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()

	var (
		once sync.Once
		mu   sync.Mutex
		last []Message
	)
	h.renter.On(EventMessagesChanged, func(_ string, payload any) {
		list := payload.(MessagesChanged).Messages
		if len(list) == 2 && list[0].ID.IsProvisional() {
			block := false
			once.Do(func() { block = true })
			if block {
				close(entered)
				<-release
			}
		}
		mu.Lock()
		last = list
		mu.Unlock()
	})

	go h.feed.Publish(Message{ID: Durable("owner-msg"), ConversationID: convID, SenderID: ownerID, Body: "hi", CreatedAt: time.Now()})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("feed delivery never reached the listener")
	}

	close(gate)
	_, err = waitSettled(t, out)
	require.NoError(t, err)
	unblock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		want := rs.Messages()
		if len(last) != len(want) || len(last) != 2 {
			return false
		}
		for i := range last {
			if last[i].ID != want[i].ID || !last[i].ID.IsDurable() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Durable("owner-msg"), rs.Messages()[1].ID)
}
