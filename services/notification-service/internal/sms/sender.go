package sms

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
	Send(ctx context.Context, to string, body string) error
	ProviderID() string
}

// WebhookSender posts to a generic SMS gateway webhook. Responses are
// tagged for retryability at the point the status code is understood:
// client rejections are terminal, gateway trouble is transient.
type WebhookSender struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookSender(url string, token string) *WebhookSender {
	return &WebhookSender{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *WebhookSender) ProviderID() string { return "sms-webhook" }

func (s *WebhookSender) Send(ctx context.Context, to string, body string) error {
	if s.url == "" {
		return eventbus.Terminal("ValidationError", errors.New("sms webhook url not configured"))
	}
	payload := map[string]string{
		"to":   to,
		"body": body,
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
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return eventbus.Retryable("NetworkError", err)
	}
	defer resp.Body.Close()
	return classifyStatus("sms webhook", resp.StatusCode)
}

func classifyStatus(provider string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return eventbus.Retryable("RateLimitError", fmt.Errorf("%s returned %d", provider, status))
	case status >= 400 && status < 500:
		return eventbus.Terminal("ProviderRejectedError", fmt.Errorf("%s returned %d", provider, status))
	default:
		return eventbus.Retryable("UpstreamError", fmt.Errorf("%s returned %d", provider, status))
	}
}

type NoopSender struct{}

func NewNoopSender() *NoopSender { return &NoopSender{} }

func (s *NoopSender) ProviderID() string { return "sms-noop" }

func (s *NoopSender) Send(_ context.Context, _ string, _ string) error { return nil }
