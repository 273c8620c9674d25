package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relaypoint/notifly/libs/eventbus"
)

type Sender interface {
	Send(ctx context.Context, deviceToken string, title string, body string) error
	ProviderID() string
}

// WebhookSender posts FCM-style notification payloads to a push
// gateway.
type WebhookSender struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewWebhookSender(url string, apiKey string) *WebhookSender {
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *WebhookSender) ProviderID() string { return "push-webhook" }

func (s *WebhookSender) Send(ctx context.Context, deviceToken string, title string, body string) error {
	if s.url == "" {
		return eventbus.Terminal("ValidationError", errors.New("push webhook url not configured"))
	}
	payload := map[string]any{
		"to": deviceToken,
		"notification": map[string]string{
			"title": title,
			"body":  body,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "key="+s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return eventbus.Retryable("NetworkError", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return eventbus.Retryable("RateLimitError", fmt.Errorf("push gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return eventbus.Terminal("ProviderRejectedError", fmt.Errorf("push gateway returned %d", resp.StatusCode))
	default:
		return eventbus.Retryable("UpstreamError", fmt.Errorf("push gateway returned %d", resp.StatusCode))
	}
}

type NoopSender struct{}

func NewNoopSender() *NoopSender { return &NoopSender{} }

func (s *NoopSender) ProviderID() string { return "push-noop" }

func (s *NoopSender) Send(_ context.Context, _ string, _ string, _ string) error { return nil }
