package rentwheel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

const (
	WebhookSource          = "rentwheel_chat"
	WebhookSignatureHeader = "X-Rentwheel-Signature"
)

// WebhookPayload is a signed change notification POSTed by the backend.
type WebhookPayload struct {
	Source    string  `json:"source"`
	Event     string  `json:"event"` // message.new or message.deleted
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
}

// WebhookHandlerFunc is the callback signature for handling webhook payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the sha256= prefixed HMAC-SHA256 of body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody([]byte(body), secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Event {
	case EventMessageNew, EventMessageRemoved:
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event: %s", payload.Event)
	}
	if !payload.Message.ID.IsDurable() || payload.Message.ID.IsZero() || payload.Message.ConversationID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (message id, conversation)")
	}

	return &payload, nil
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// ChangeWebhook receives signed change notifications for deployments that
// cannot hold a realtime connection open.
type ChangeWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewChangeWebhook creates a new webhook handler.
func NewChangeWebhook(secret string, onEvent WebhookHandlerFunc) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &ChangeWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ChangeWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *ChangeWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed := rentwheel.NewMemoryFeed()
//	wh, _ := rentwheel.NewChangeWebhook("secret", feed.WebhookHandler())
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *ChangeWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeWebhookJSON(rw, statusCode, data)
	})
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

// WebhookHandler returns a handler that publishes verified notifications into
// the feed.
func (f *MemoryFeed) WebhookHandler() WebhookHandlerFunc {
	return func(p *WebhookPayload) error {
		switch p.Event {
		case EventMessageNew:
			f.Publish(p.Message)
		case EventMessageRemoved:
			f.PublishDeleted(p.Message.ConversationID, p.Message.ID)
		}
		return nil
	}
}
