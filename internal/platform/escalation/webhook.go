package escalation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// WebhookPublisher POSTs escalations as JSON signed with HMAC-SHA256.
type WebhookPublisher struct {
	url        string
	secret     string
	httpClient *http.Client
}

func NewWebhookPublisher(url, secret string) *WebhookPublisher {
	return &WebhookPublisher{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature in constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev *Event) error {
	prepare(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("escalation: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("escalation: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", ev.OccurredAt.UTC().Format(time.RFC3339))
	if p.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, p.secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("escalation: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("escalation: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
