// Package whatsapp sends messages through a session-based WhatsApp
// HTTP gateway. Each site's session carries its own API key.
package whatsapp

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

const ProviderName = "whatsapp"

type Provider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Provider {
	return &Provider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *Provider) Name() string { return ProviderName }

type sendRequest struct {
	Phone       string `json:"phone"`
	Message     string `json:"message,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

func (p *Provider) Send(ctx context.Context, payload *messages.Payload, creds provider.Credentials) provider.Result {
	if creds.SessionName == "" || creds.APIKey == "" {
		return provider.Failure(provider.CategoryConfig, "no WhatsApp session resolved")
	}

	body := sendRequest{
		Phone:       payload.Recipient,
		Message:     deref(payload.Body),
		ImageURL:    deref(payload.ImageURL),
		VideoURL:    deref(payload.VideoURL),
		DocumentURL: deref(payload.DocumentURL),
		FileName:    deref(payload.FileName),
		Caption:     deref(payload.Caption),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return provider.Failure(provider.CategoryPermanent, fmt.Sprintf("failed to build send request: %v", err))
	}

	url := fmt.Sprintf("%s/api/sessions/%s/messages", p.baseURL, creds.SessionName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return provider.Failure(provider.CategoryPermanent, fmt.Sprintf("failed to build HTTP request: %v", err))
	}
	req.Header.Set("X-Api-Key", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Failure(provider.ClassifyError(err), fmt.Sprintf("whatsapp request failed: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Debug("whatsapp gateway accepted message",
			zap.String("message_id", payload.MessageID),
			zap.Int("status", resp.StatusCode))
		return provider.Success()
	}

	return provider.Failure(provider.ClassifyStatus(resp.StatusCode),
		fmt.Sprintf("whatsapp gateway returned HTTP %d", resp.StatusCode))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
