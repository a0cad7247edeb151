// Package rentwheel is the Go SDK for the rentwheel renter/owner chat.
//
// It keeps an open conversation's message list consistent while three
// sources write to it: optimistic local sends, the push change feed, and
// explicit re-fetches.
//
// Example:
//
//	client := rentwheel.NewClient(token, rentwheel.WithBaseURL("https://api.rentwheel.app"))
//	feed := client.RealtimeWS(&rentwheel.RealtimeConfig{AutoReconnect: true})
//	_ = feed.Connect(ctx)
//
//	chat := rentwheel.NewChat(userID, client, feed)
//	session, _ := chat.Start(ctx, ownerID, rentwheel.Scope(vehicleID))
//	out, _ := session.Send(ctx, "Is it available this weekend?")
//	<-out.Done()
package rentwheel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend. The bearer token identifies
// the caller; the server derives sender and reader ids from it.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Unread        *UnreadClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new client. token may be empty; calls then fail with
// ErrUnauthenticated from the server.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Unread = &UnreadClient{c: c}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do returns the response envelope. A failed envelope always carries an
// Error, synthesized from the HTTP status when the body has none.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		if status < 400 {
			return nil, err
		}
		res = &Result{}
	}
	if status >= 400 {
		res.OK = false
	}
	if !res.OK && res.Error == nil {
		res.Error = &APIError{Code: string(kindForStatus(status)), Message: "HTTP " + strconv.Itoa(status)}
	}
	return res, nil
}

// call runs a request and decodes the envelope data into out.
func (c *Client) call(op string, res *Result, err error, out interface{}) error {
	if err != nil {
		return newError(KindTransient, op, "", err)
	}
	if !res.OK {
		return errorFromAPI(op, res.Error)
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return newError(KindTransient, op, "", err)
		}
	}
	return nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// ConversationsClient handles conversation management.
type ConversationsClient struct{ c *Client }

// Create finds or creates the caller's conversation with counterpartyID.
func (cv *ConversationsClient) Create(ctx context.Context, counterpartyID string, vehicleID Scope) (*Result, error) {
	payload := map[string]string{"counterpartyId": counterpartyID}
	if vehicleID != NoScope {
		payload["vehicleId"] = string(vehicleID)
	}
	return cv.c.do(ctx, "POST", "/api/chat/conversations", payload, nil)
}

func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Result, error) {
	return cv.c.do(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID), nil, nil)
}

// List returns inbox summaries for the caller in the given role.
func (cv *ConversationsClient) List(ctx context.Context, role Role, limit int) (*Result, error) {
	query := map[string]string{}
	if role != "" {
		query["role"] = string(role)
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	return cv.c.do(ctx, "GET", "/api/chat/conversations", nil, query)
}

func (cv *ConversationsClient) MarkAsRead(ctx context.Context, conversationID string) (*Result, error) {
	return cv.c.do(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// MessagesClient handles low-level message operations.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Send(ctx context.Context, conversationID, content string) (*Result, error) {
	return m.c.do(ctx, "POST", "/api/chat/messages/"+url.PathEscape(conversationID), map[string]string{"content": content}, nil)
}

func (m *MessagesClient) GetHistory(ctx context.Context, conversationID string) (*Result, error) {
	return m.c.do(ctx, "GET", "/api/chat/messages/"+url.PathEscape(conversationID), nil, nil)
}

func (m *MessagesClient) Delete(ctx context.Context, conversationID, messageID string) (*Result, error) {
	return m.c.do(ctx, "DELETE", "/api/chat/messages/"+url.PathEscape(conversationID)+"/"+url.PathEscape(messageID), nil, nil)
}

// UnreadClient computes unread counts.
type UnreadClient struct{ c *Client }

func (u *UnreadClient) Count(ctx context.Context, q UnreadQuery) (*Result, error) {
	query := map[string]string{}
	if q.ConversationID != "" {
		query["conversationId"] = q.ConversationID
	}
	if q.OwnerID != "" {
		query["ownerId"] = q.OwnerID
	}
	return u.c.do(ctx, "GET", "/api/chat/unread", nil, query)
}

// ============================================================================
// Backend implementation
// ============================================================================

// CountData is the payload of count endpoints.
type CountData struct {
	Count int `json:"count"`
}

// UpdatedData is the payload of mark-read.
type UpdatedData struct {
	Updated int `json:"updated"`
}

// FindOrCreateConversation implements Backend. initiatorID must match the
// token's subject; the server rejects anything else.
func (c *Client) FindOrCreateConversation(ctx context.Context, initiatorID, counterpartyID string, scope Scope) (*Conversation, error) {
	var conv Conversation
	res, err := c.Conversations.Create(ctx, counterpartyID, scope)
	if err := c.call("find or create conversation", res, err, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	res, err := c.Conversations.Get(ctx, conversationID)
	if err := c.call("get conversation", res, err, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	res, err := c.Messages.GetHistory(ctx, conversationID)
	if err := c.call("fetch messages", res, err, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// InsertMessage implements Backend. The server takes the sender from the token.
func (c *Client) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*Message, error) {
	var msg Message
	res, err := c.Messages.Send(ctx, conversationID, body)
	if err := c.call("insert message", res, err, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	var data UpdatedData
	res, err := c.Conversations.MarkAsRead(ctx, conversationID)
	if err := c.call("mark read", res, err, &data); err != nil {
		return 0, err
	}
	return data.Updated, nil
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) error {
	res, err := c.Messages.Delete(ctx, conversationID, messageID)
	return c.call("delete message", res, err, nil)
}

func (c *Client) CountUnread(ctx context.Context, q UnreadQuery) (int, error) {
	var data CountData
	res, err := c.Unread.Count(ctx, q)
	if err := c.call("count unread", res, err, &data); err != nil {
		return 0, err
	}
	return data.Count, nil
}

func (c *Client) ListConversations(ctx context.Context, q InboxQuery) ([]ConversationSummary, error) {
	var list []ConversationSummary
	res, err := c.Conversations.List(ctx, q.Role, q.Limit)
	if err := c.call("list conversations", res, err, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSUrl returns the WebSocket URL.
func (c *Client) WSUrl(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if token != "" {
		return base + "/ws?token=" + url.QueryEscape(token)
	}
	return base + "/ws"
}

// SSEUrl returns the SSE URL.
func (c *Client) SSEUrl(token string) string {
	if token != "" {
		return c.baseURL + "/sse?token=" + url.QueryEscape(token)
	}
	return c.baseURL + "/sse"
}

func (c *Client) realtimeConfig(config *RealtimeConfig) *RealtimeConfig {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	cfg.defaults()
	return &cfg
}

// RealtimeWS creates a WebSocket change feed. Call Connect to establish the connection.
func (c *Client) RealtimeWS(config *RealtimeConfig) *RealtimeWSClient {
	cfg := c.realtimeConfig(config)
	return &RealtimeWSClient{
		url:          c.WSUrl(cfg.Token),
		config:       cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		subs:         newSubscriptionRegistry(),
		recon:        newReconnector(cfg),
		pendingPings: make(map[string]chan PongPayload),
		pendingJoins: make(map[string]chan error),
		log:          c.log,
	}
}

// RealtimeSSE creates an SSE change feed. Call Connect to establish the connection.
func (c *Client) RealtimeSSE(config *RealtimeConfig) *RealtimeSSEClient {
	cfg := c.realtimeConfig(config)
	return &RealtimeSSEClient{
		url:        c.SSEUrl(cfg.Token),
		config:     cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		subs:       newSubscriptionRegistry(),
		recon:      newReconnector(cfg),
		log:        c.log,
	}
}
