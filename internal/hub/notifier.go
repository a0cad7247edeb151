package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

// Notifier POSTs signed change notifications to a webhook URL.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewNotifier(url, secret string, log zerolog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		now:    time.Now,
	}
}

// Notify delivers in the background. A nil Notifier does nothing.
func (n *Notifier) Notify(event string, m rentwheel.Message) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		defer cancel()
		if err := n.Send(ctx, event, m); err != nil {
			n.log.Warn().Err(err).Str("event", event).Str("message_id", m.ID.Value).Msg("webhook delivery failed")
		}
	}()
}

// Send delivers one notification and waits for the response.
func (n *Notifier) Send(ctx context.Context, event string, m rentwheel.Message) error {
	body, err := json.Marshal(rentwheel.WebhookPayload{
		Source:    rentwheel.WebhookSource,
		Event:     event,
		Timestamp: n.now().Unix(),
		Message:   m,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(rentwheel.WebhookSignatureHeader, rentwheel.SignWebhookBody(body, n.secret))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until background deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
