// Package sendgrid sends email through the SendGrid v3 mail/send API.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/provider"
)

const ProviderName = "sendgrid"

type Provider struct {
	apiURL string
	client *http.Client
	logger *zap.Logger
}

func New(apiURL string, timeout time.Duration, logger *zap.Logger) *Provider {
	return &Provider{
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *Provider) Name() string { return ProviderName }

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailRequest struct {
	Personalizations []struct {
		To []mailAddress `json:"to"`
	} `json:"personalizations"`
	From    mailAddress   `json:"from"`
	Subject string        `json:"subject"`
	Content []mailContent `json:"content"`
}

func (p *Provider) Send(ctx context.Context, payload *messages.Payload, creds provider.Credentials) provider.Result {
	if creds.APIKey == "" {
		return provider.Failure(provider.CategoryConfig, "no SendGrid API key resolved")
	}

	body := buildRequest(payload, creds)
	data, err := json.Marshal(body)
	if err != nil {
		return provider.Failure(provider.CategoryPermanent, fmt.Sprintf("failed to build mail request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(data))
	if err != nil {
		return provider.Failure(provider.CategoryPermanent, fmt.Sprintf("failed to build HTTP request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Failure(provider.ClassifyError(err), fmt.Sprintf("sendgrid request failed: %v", err))
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the body itself is never
	// recorded anywhere.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Debug("sendgrid accepted message",
			zap.String("message_id", payload.MessageID),
			zap.Int("status", resp.StatusCode))
		return provider.Success()
	}

	return provider.Failure(provider.ClassifyStatus(resp.StatusCode),
		fmt.Sprintf("sendgrid returned HTTP %d", resp.StatusCode))
}

func buildRequest(payload *messages.Payload, creds provider.Credentials) *mailRequest {
	contentType := "text/plain"
	if payload.IsHTML {
		contentType = "text/html"
	}

	subject := ""
	if payload.Subject != nil {
		subject = *payload.Subject
	}
	body := ""
	if payload.Body != nil {
		body = *payload.Body
	}

	req := &mailRequest{
		From:    mailAddress{Email: creds.FromEmail, Name: creds.FromName},
		Subject: subject,
		Content: []mailContent{{Type: contentType, Value: body}},
	}
	req.Personalizations = append(req.Personalizations, struct {
		To []mailAddress `json:"to"`
	}{To: []mailAddress{{Email: payload.Recipient}}})
	return req
}
