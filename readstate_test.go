package rentwheel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMarkedPayloads(r *recorder) []ReadMarked {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReadMarked
	for _, p := range r.events[EventReadMarked] {
		out = append(out, p.(ReadMarked))
	}
	return out
}

func TestOpenMarksCounterpartMessagesRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events := record(h.renter)

	conv, err := h.renter.Directory().Resolve(ctx, renterID, ownerID, NoScope)
	require.NoError(t, err)
	h.backend.seed(conv.ID, ownerID, "Welcome")
	h.backend.seed(conv.ID, ownerID, "Any questions?")
	h.backend.seed(conv.ID, renterID, "Yes, one")

	_, err = h.renter.Open(ctx, conv.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return events.count(EventReadMarked) == 1 }, time.Second, 5*time.Millisecond)
	marked := readMarkedPayloads(events)
	assert.Equal(t, conv.ID, marked[0].ConversationID)
	assert.Equal(t, 2, marked[0].Updated)

	for _, m := range h.backend.stored(conv.ID) {
		if m.SenderID == ownerID {
			assert.True(t, m.Read, m.Body)
		} else {
			assert.False(t, m.Read, m.Body)
		}
	}
}

func TestMarkReadFailureIsReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events := record(h.renter)

	h.backend.mu.Lock()
	h.backend.markReadErr = errNetwork
	h.backend.mu.Unlock()

	s, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	assert.True(t, s.Open())

	require.Eventually(t, func() bool { return events.count(EventReadFailed) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, events.count(EventReadMarked))
}

func TestUnreadCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rs, err := h.renter.Start(ctx, ownerID, Scope("veh-1"))
	require.NoError(t, err)
	sendAndSettle(t, rs, "first")
	sendAndSettle(t, rs, "second")

	n, err := h.owner.UnreadCount(ctx, UnreadQuery{OwnerID: ownerID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.owner.UnreadCount(ctx, UnreadQuery{ConversationID: rs.Conversation().ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The sender never counts their own messages.
	n, err = h.renter.UnreadCount(ctx, UnreadQuery{ConversationID: rs.Conversation().ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.owner.UnreadCount(ctx, UnreadQuery{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestWatchUnreadRefreshesAfterMarkRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	sendAndSettle(t, rs, "hello?")

	var mu sync.Mutex
	var counts []int
	latest := func() int {
		mu.Lock()
		defer mu.Unlock()
		if len(counts) == 0 {
			return -1
		}
		return counts[len(counts)-1]
	}

	p := h.owner.WatchUnread(ctx, UnreadQuery{OwnerID: ownerID}, time.Hour, func(n int, err error) {
		assert.NoError(t, err)
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})
	defer p.Stop()

	require.Eventually(t, func() bool { return latest() == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.owner.Open(ctx, rs.Conversation().ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return latest() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnreadPollerStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := newUnreadPoller(func(context.Context) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 3, nil
	}, 10*time.Millisecond, nil)

	p.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, calls)
	mu.Unlock()

	// Stopping twice is harmless.
	p.Stop()
}

func TestUnreadPollerStopBeforeStart(t *testing.T) {
	p := newUnreadPoller(func(context.Context) (int, error) { return 0, nil }, 0, nil)
	assert.Equal(t, DefaultUnreadInterval, p.interval)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a poller that never started")
	}
}

func TestCloseStopsPollers(t *testing.T) {
	h := newHarness(t)
	p := h.owner.WatchUnread(context.Background(), UnreadQuery{OwnerID: ownerID}, time.Hour, nil)
	require.NoError(t, h.owner.Close())

	select {
	case <-p.doneCh:
	case <-time.After(time.Second):
		t.Fatal("poller still running after Close")
	}
}

func TestNoBackgroundWorkAfterClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rs, err := h.renter.Start(ctx, ownerID, NoScope)
	require.NoError(t, err)
	resync := rs.feedHandler().OnResync

	require.NoError(t, h.renter.Close())
	fetches := h.backend.count("fetch")
	counts := h.backend.count("count")

	// A late reconnect from the feed does nothing once closed.
	resync()
	assert.False(t, h.renter.background(func() { t.Error("ran after Close") }))

	p := h.renter.WatchUnread(ctx, UnreadQuery{OwnerID: renterID}, time.Millisecond, func(int, error) {
		t.Error("poller ran after Close")
	})
	select {
	case <-p.doneCh:
	default:
		t.Fatal("poller returned after Close is not stopped")
	}
	h.renter.mu.Lock()
	assert.Empty(t, h.renter.pollers)
	h.renter.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fetches, h.backend.count("fetch"))
	assert.Equal(t, counts, h.backend.count("count"))
}
