package rentwheel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// ============================================================================
// Optimistic send
// ============================================================================

// SendState is the lifecycle of one outgoing message.
type SendState int

const (
	SendComposing SendState = iota
	SendPending
	SendConfirmed
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	}
	return "composing"
}

// Outgoing tracks one optimistic send from Pending to Confirmed or Failed.
type Outgoing struct {
	localID MessageID
	done    chan struct{}

	mu    sync.Mutex
	state SendState
	msg   Message
	err   error
}

func newOutgoing(local Message) *Outgoing {
	return &Outgoing{localID: local.ID, msg: local, state: SendPending, done: make(chan struct{})}
}

// LocalID is the provisional id the message was shown under.
func (o *Outgoing) LocalID() MessageID { return o.localID }

func (o *Outgoing) State() SendState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Message returns the durable message once confirmed, the provisional one before.
func (o *Outgoing) Message() Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.msg
}

func (o *Outgoing) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed when the send settles.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the send settles or ctx ends.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.msg, o.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (o *Outgoing) settle(state SendState, msg Message, err error) {
	o.mu.Lock()
	o.state = state
	if err == nil {
		o.msg = msg
	}
	o.err = err
	o.mu.Unlock()
	close(o.done)
}

// Send shows text immediately under a provisional id and persists it in the
// background. The returned handle settles once the backend answers. Empty
// or over-long text fails with ErrValidation without touching the network.
func (s *Session) Send(ctx context.Context, text string) (*Outgoing, error) {
	const op = "send"
	c := s.chat
	if c.self == "" {
		err := newError(KindUnauthenticated, op, "", nil)
		c.notice(err)
		return nil, err
	}
	body := strings.TrimSpace(text)
	if body == "" {
		return nil, newError(KindValidation, op, "", errors.New("message is empty"))
	}
	if utf8.RuneCountInString(body) > MaxMessageRunes {
		return nil, newError(KindValidation, op, "Message is too long", fmt.Errorf("message exceeds %d characters", MaxMessageRunes))
	}
	if !s.Open() {
		return nil, newError(KindValidation, op, "", errSuperseded)
	}

	local := Message{
		ID:             Provisional(c.newLocalID()),
		ConversationID: s.conv.ID,
		SenderID:       c.self,
		Body:           body,
		CreatedAt:      c.now(),
	}
	s.store.Append(local)
	out := newOutgoing(local)

	s.log.Debug().Str("local_id", local.ID.Value).Msg("message pending")
	c.emit(EventMessageLocal, local)
	s.changed()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
	started := c.background(func() {
		defer cancel()
		s.persist(sendCtx, out, body)
	})
	if !started {
		// Closed between the Open check and here: nothing will persist it.
		cancel()
		s.store.Remove(local.ID)
		out.settle(SendFailed, Message{}, newError(KindTransient, op, "", errSuperseded))
	}
	return out, nil
}

func (s *Session) persist(ctx context.Context, out *Outgoing, body string) {
	c := s.chat
	local := out.LocalID()

	durable, err := c.backend.InsertMessage(ctx, s.conv.ID, c.self, body)
	if err == nil && (durable == nil || !durable.ID.IsDurable()) {
		err = errors.New("backend returned no durable id")
	}
	if err != nil {
		err = asKind("send", err)
		defer out.settle(SendFailed, Message{}, err)
		if !s.Open() {
			s.log.Debug().Str("local_id", local.Value).Msg("discarding send failure for closed conversation")
			return
		}
		s.store.Remove(local)
		s.log.Warn().Err(err).Str("local_id", local.Value).Msg("send failed, rolled back")
		c.emit(EventMessageFailed, SendFailure{LocalID: local, Body: body, Err: err})
		c.notice(newError(KindOf(err), "send", "Failed to send message", err))
		s.changed()
		return
	}

	defer out.settle(SendConfirmed, *durable, nil)
	if !s.Open() {
		s.log.Debug().Str("message_id", durable.ID.Value).Msg("discarding send confirmation for closed conversation")
		return
	}
	if !s.store.Replace(local, *durable) {
		s.store.Append(*durable)
	}
	s.log.Debug().Str("local_id", local.Value).Str("message_id", durable.ID.Value).Msg("message confirmed")
	c.emit(EventMessageConfirmed, Confirmation{LocalID: local, Message: *durable})
	s.changed()
}
