package rentwheel

import "context"

// Backend is the persistence side of the chat core. Implementations must be
// safe for concurrent use. Client talks to it over HTTP; internal/storage
// implements it directly on a database.
type Backend interface {
	// FindOrCreateConversation returns the conversation for the exact
	// (initiator, counterparty, scope) key, creating it when absent.
	FindOrCreateConversation(ctx context.Context, initiatorID, counterpartyID string, scope Scope) (*Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	// FetchMessages returns every message of a conversation, oldest first.
	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	InsertMessage(ctx context.Context, conversationID, senderID, body string) (*Message, error)
	// MarkRead marks every unread message not authored by readerID as read
	// and returns how many rows changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	// DeleteMessage removes a message authored by requesterID.
	DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) error
	CountUnread(ctx context.Context, q UnreadQuery) (int, error)
	ListConversations(ctx context.Context, q InboxQuery) ([]ConversationSummary, error)
}

// FeedHandler receives change notifications for one conversation. Handlers
// for a single subscription are invoked in delivery order.
type FeedHandler struct {
	OnInsert func(Message)
	// OnDelete is optional. Feeds deliver deletions only when the backend
	// broadcasts them.
	OnDelete func(conversationID string, id MessageID)
	// OnResync is called when the feed may have dropped events, e.g. after a
	// reconnect.
	OnResync func()
}

// Feed delivers change notifications.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string, h FeedHandler) (Subscription, error)
}

// AuthenticatedFeed is a Feed that learned the signed-in user from the
// server during its handshake. AuthenticatedUser is empty until then.
type AuthenticatedFeed interface {
	Feed
	AuthenticatedUser() string
}

// Subscription is a scoped feed registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}
