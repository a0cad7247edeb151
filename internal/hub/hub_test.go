package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

var conv = &rentwheel.Conversation{ID: "conv-1", InitiatorID: "renter-1", CounterpartyID: "owner-1"}

func recv(t *testing.T, c *Client) rentwheel.RealtimeEnvelope {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		require.True(t, ok, "client queue closed")
		var env rentwheel.RealtimeEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return rentwheel.RealtimeEnvelope{}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected event %s", data)
	default:
	}
}

func TestRoomsAndFollowers(t *testing.T) {
	h := New()
	defer h.Stop()

	joined := h.Register("owner-1", false)
	idle := h.Register("owner-1", false)
	follower := h.Register("renter-1", true)
	stranger := h.Register("someone", true)
	h.Join(joined, conv.ID)
	assert.Equal(t, 1, h.RoomSize(conv.ID))

	m := rentwheel.Message{ID: rentwheel.Durable("m-1"), ConversationID: conv.ID, SenderID: "renter-1", Body: "hi"}
	h.MessageCreated(conv, m)

	env := recv(t, joined)
	assert.Equal(t, rentwheel.EventMessageNew, env.Type)
	var got rentwheel.Message
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, m.ID, got.ID)

	assert.Equal(t, rentwheel.EventMessageNew, recv(t, follower).Type)
	assertEmpty(t, idle)
	assertEmpty(t, stranger)

	h.MessageDeleted(conv, "m-1")
	env = recv(t, joined)
	assert.Equal(t, rentwheel.EventMessageRemoved, env.Type)
	var del rentwheel.MessageDeletedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &del))
	assert.Equal(t, "m-1", del.MessageID)

	h.Leave(joined, conv.ID)
	assert.Equal(t, 0, h.RoomSize(conv.ID))
	h.MessageCreated(conv, m)
	assertEmpty(t, joined)
}

func TestUnregisterClosesQueue(t *testing.T) {
	h := New()
	defer h.Stop()
	c := h.Register("owner-1", false)
	h.Join(c, conv.ID)
	h.Unregister(c)
	h.Unregister(c)

	_, ok := <-c.Send()
	assert.False(t, ok)
	assert.Equal(t, 0, h.RoomSize(conv.ID))
}

func TestSlowClientDropped(t *testing.T) {
	h := New()
	defer h.Stop()
	c := h.Register("owner-1", false)
	h.Join(c, conv.ID)

	m := rentwheel.Message{ID: rentwheel.Durable("m"), ConversationID: conv.ID}
	for i := 0; i < sendBuffer+1; i++ {
		h.MessageCreated(conv, m)
	}
	assert.Equal(t, 0, h.RoomSize(conv.ID))

	n := 0
	for range c.Send() {
		n++
	}
	assert.Equal(t, sendBuffer, n)
}

func TestNotifierSignsPayload(t *testing.T) {
	received := make(chan *rentwheel.WebhookPayload, 1)
	wh, err := rentwheel.NewChangeWebhook("hook-secret", func(p *rentwheel.WebhookPayload) error {
		received <- p
		return nil
	})
	require.NoError(t, err)
	srv := httptest.NewServer(wh.HTTPHandler())
	defer srv.Close()

	n := NewNotifier(srv.URL, "hook-secret", zerolog.Nop())
	h := New(WithNotifier(n))
	defer h.Stop()

	h.MessageCreated(conv, rentwheel.Message{ID: rentwheel.Durable("m-7"), ConversationID: conv.ID, SenderID: "owner-1", Body: "ok"})
	n.Wait()

	select {
	case p := <-received:
		assert.Equal(t, rentwheel.EventMessageNew, p.Event)
		assert.Equal(t, rentwheel.Durable("m-7"), p.Message.ID)
	default:
		t.Fatal("webhook not delivered")
	}

	bad := NewNotifier(srv.URL, "wrong-secret", zerolog.Nop())
	err = bad.Send(context.Background(), rentwheel.EventMessageNew, rentwheel.Message{ID: rentwheel.Durable("m-8"), ConversationID: conv.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.Notify(rentwheel.EventMessageNew, rentwheel.Message{})
	n.Wait()
}
