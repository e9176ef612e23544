package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"esign-workflow/internal/domain"

	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
)

// Sender delivers one outbox event.
type Sender interface {
	Send(ctx context.Context, ev *domain.OutboxEvent) error
}

type Envelope struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AggregateID string          `json:"aggregate_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

type WebhookClient struct {
	url        string
	secret     string
	httpClient *http.Client
}

func NewWebhookClient(url, secret string) *WebhookClient {
	return &WebhookClient{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *WebhookClient) Send(ctx context.Context, ev *domain.OutboxEvent) error {
	body, err := json.Marshal(Envelope{
		ID:          ev.ID,
		Kind:        string(ev.Kind),
		AggregateID: ev.AggregateID,
		CreatedAt:   ev.CreatedAt,
		Payload:     json.RawMessage(ev.Payload),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, ev.ID)
	req.Header.Set(EventTypeHeader, string(ev.Kind))
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook error: status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// LogSender is used when no webhook endpoint is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(ctx context.Context, ev *domain.OutboxEvent) error {
	s.Logger.Info("notification",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("aggregate_id", ev.AggregateID),
	)
	return nil
}
