package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/trustbank/internal/idgen"
	"github.com/mbd888/trustbank/internal/retry"
	"github.com/mbd888/trustbank/internal/security"
)

// Webhook event types.
const (
	EventBlocked   = "risk.blocked"
	EventNewDevice = "login.new_device"
)

const (
	SignatureHeader = "X-Trustbank-Signature"
	EventHeader     = "X-Trustbank-Event"
	TimestampHeader = "X-Trustbank-Timestamp"

	webhookAttempts  = 3
	webhookBaseDelay = 200 * time.Millisecond
)

// WebhookEvent is the JSON body posted to the alert sink.
type WebhookEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Alert     Alert     `json:"alert"`
}

// Webhook posts HMAC-signed security alerts to a single URL. Verification
// codes are never sent through it.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClient replaces the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a sink for url. The URL must resolve to a public address.
func NewWebhook(url, secret string, opts ...WebhookOption) (*Webhook, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("notify: webhook url: %w", err)
	}
	return newWebhook(url, secret, opts...), nil
}

func newWebhook(url, secret string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) SendCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	return nil
}

func (w *Webhook) SendBlockedAlert(ctx context.Context, email string, a Alert) error {
	return w.post(ctx, EventBlocked, a)
}

func (w *Webhook) SendNewDeviceAlert(ctx context.Context, email string, a Alert) error {
	return w.post(ctx, EventNewDevice, a)
}

// SendAccountDeleted is a no-op: the SIEM feed carries security events only.
func (w *Webhook) SendAccountDeleted(ctx context.Context, email, name string) error {
	return nil
}

func (w *Webhook) post(ctx context.Context, eventType string, a Alert) error {
	event := WebhookEvent{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: w.now().UTC(),
		Alert:     a,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	signature := Sign(payload, w.secret)

	return retry.Do(ctx, retry.Policy{Attempts: webhookAttempts, BaseDelay: webhookBaseDelay, MaxDelay: 2 * time.Second}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, eventType)
		req.Header.Set(TimestampHeader, strconv.FormatInt(event.Timestamp.Unix(), 10))
		req.Header.Set(SignatureHeader, signature)

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("notify: webhook request failed: %w", err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("notify: webhook status %d", resp.StatusCode))
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
