package rentwheel

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message identity
// ============================================================================

// ProvisionalPrefix marks ids minted locally before the backend confirms a send.
const ProvisionalPrefix = "local-"

// IDKind distinguishes the two halves of MessageID.
type IDKind uint8

const (
	IDProvisional IDKind = iota + 1
	IDDurable
)

// MessageID is either a locally minted provisional id or a backend-assigned
// durable id. The zero value is invalid.
type MessageID struct {
	Kind  IDKind
	Value string
}

// Provisional returns a provisional id. The local- prefix is added if missing.
func Provisional(local string) MessageID {
	if !strings.HasPrefix(local, ProvisionalPrefix) {
		local = ProvisionalPrefix + local
	}
	return MessageID{Kind: IDProvisional, Value: local}
}

// Durable returns a backend-assigned id.
func Durable(id string) MessageID {
	return MessageID{Kind: IDDurable, Value: id}
}

// ParseMessageID reads the wire form: local-* is provisional, anything else durable.
func ParseMessageID(s string) MessageID {
	if strings.HasPrefix(s, ProvisionalPrefix) {
		return MessageID{Kind: IDProvisional, Value: s}
	}
	return Durable(s)
}

func (id MessageID) IsDurable() bool     { return id.Kind == IDDurable }
func (id MessageID) IsProvisional() bool { return id.Kind == IDProvisional }
func (id MessageID) IsZero() bool        { return id.Kind == 0 || id.Value == "" }
func (id MessageID) String() string      { return id.Value }

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Value)
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ParseMessageID(s)
	return nil
}

// ============================================================================
// Domain Types
// ============================================================================

// MaxMessageRunes is the longest body a message may carry, counted in runes
// after trimming.
const MaxMessageRunes = 4000

// Message is one chat message. Body is never empty after trimming.
type Message struct {
	ID             MessageID `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"isRead"`
}

// Scope is the optional vehicle a conversation is about. "" means a general
// inquiry.
type Scope string

// NoScope is the general-inquiry scope.
const NoScope Scope = ""

// Conversation is a two-party thread. Initiator is always the renter side,
// Counterparty the owner side.
type Conversation struct {
	ID             string    `json:"id"`
	InitiatorID    string    `json:"initiatorId"`
	CounterpartyID string    `json:"counterpartyId"`
	VehicleID      Scope     `json:"vehicleId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParty reports whether user takes part in the conversation.
func (c *Conversation) HasParty(user string) bool {
	return user != "" && (c.InitiatorID == user || c.CounterpartyID == user)
}

// Counterpart returns the other party from self's point of view.
func (c *Conversation) Counterpart(self string) string {
	if c.InitiatorID == self {
		return c.CounterpartyID
	}
	return c.InitiatorID
}

// Role selects which side of conversations an inbox lists.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleRenter Role = "renter"
)

// ConversationSummary is one inbox row.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
}

// Preview returns the text shown under an inbox row.
func (s *ConversationSummary) Preview() string {
	if s.LastMessage == nil {
		return "No messages yet"
	}
	return s.LastMessage.Body
}

// UnreadQuery selects what CountUnread counts: one conversation, or every
// conversation where OwnerID is the counterparty. Messages authored by Reader
// are never counted.
type UnreadQuery struct {
	ConversationID string `json:"conversationId,omitempty"`
	OwnerID        string `json:"ownerId,omitempty"`
	Reader         string `json:"-"`
}

// InboxQuery selects the conversations listed by Chat.Inbox.
type InboxQuery struct {
	UserID string
	Role   Role
	Limit  int
}

// DefaultInboxLimit caps inbox listings when no limit is given.
const DefaultInboxLimit = 10
