package rentwheel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Read state
// ============================================================================

const (
	DefaultUnreadInterval = 30 * time.Second
	markReadTimeout       = 10 * time.Second
)

// markRead marks the counterpart's messages read. Failures are reported and
// left for the next open; nothing is rolled back.
func (s *Session) markRead() {
	c := s.chat
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()

	n, err := c.backend.MarkRead(ctx, s.conv.ID, c.self)
	if err != nil {
		err = asKind("mark read", err)
		s.log.Warn().Err(err).Msg("mark read failed")
		c.emit(EventReadFailed, err)
		return
	}
	s.log.Debug().Int("updated", n).Msg("conversation marked read")
	c.emit(EventReadMarked, ReadMarked{ConversationID: s.conv.ID, Updated: n})
	c.refreshPollers()
}

// UnreadCount recomputes the unread count for q from the backend. q.Reader is
// always the signed-in user.
func (c *Chat) UnreadCount(ctx context.Context, q UnreadQuery) (int, error) {
	const op = "unread count"
	if c.self == "" {
		return 0, newError(KindUnauthenticated, op, "", nil)
	}
	if q.ConversationID == "" && q.OwnerID == "" {
		return 0, newError(KindValidation, op, "", errors.New("conversation or owner is required"))
	}
	q.Reader = c.self
	n, err := c.backend.CountUnread(ctx, q)
	if err != nil {
		return 0, asKind(op, err)
	}
	return n, nil
}

// WatchUnread starts a poller that recomputes q every interval and after
// every successful mark-read. Stop it with UnreadPoller.Stop or Chat.Close.
// After Close the returned poller is already stopped.
func (c *Chat) WatchUnread(ctx context.Context, q UnreadQuery, interval time.Duration, onCount func(count int, err error)) *UnreadPoller {
	p := newUnreadPoller(func(ctx context.Context) (int, error) { return c.UnreadCount(ctx, q) }, interval, onCount)
	p.onStop = func() {
		c.mu.Lock()
		delete(c.pollers, p)
		c.mu.Unlock()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.Stop()
		return p
	}
	c.pollers[p] = struct{}{}
	c.mu.Unlock()
	p.Start(ctx)
	return p
}

func (c *Chat) refreshPollers() {
	c.mu.Lock()
	pollers := make([]*UnreadPoller, 0, len(c.pollers))
	for p := range c.pollers {
		pollers = append(pollers, p)
	}
	c.mu.Unlock()
	for _, p := range pollers {
		p.Refresh()
	}
}

// UnreadPoller periodically recomputes an unread count.
type UnreadPoller struct {
	count    func(context.Context) (int, error)
	interval time.Duration
	onCount  func(int, error)
	onStop   func()

	refresh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  sync.Once
}

func newUnreadPoller(count func(context.Context) (int, error), interval time.Duration, onCount func(int, error)) *UnreadPoller {
	if interval <= 0 {
		interval = DefaultUnreadInterval
	}
	return &UnreadPoller{
		count:    count,
		interval: interval,
		onCount:  onCount,
		refresh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start computes once immediately, then on every tick or Refresh.
func (p *UnreadPoller) Start(ctx context.Context) {
	p.started.Do(func() { go p.loop(ctx) })
}

func (p *UnreadPoller) loop(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.refresh:
			p.tick(ctx)
		}
	}
}

func (p *UnreadPoller) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	n, err := p.count(tctx)
	if p.onCount != nil {
		func() {
			defer func() { recover() }()
			p.onCount(n, err)
		}()
	}
}

// Refresh requests an immediate recompute. Coalesces with a pending request.
func (p *UnreadPoller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Stop ends polling and waits for the loop to exit.
func (p *UnreadPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.onStop != nil {
			p.onStop()
		}
	})
	// Never started: nothing to wait for.
	p.started.Do(func() { close(p.doneCh) })
	<-p.doneCh
}
