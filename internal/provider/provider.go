// Package provider defines the pluggable delivery adapter contract and
// the shared classification of provider failures.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/sanitize"
)

// Category classifies a failed send.
type Category string

const (
	CategoryAuth      Category = "AUTH"
	CategoryConfig    Category = "CONFIG"
	CategoryPermanent Category = "PERMANENT"
	CategoryTemporary Category = "TEMPORARY"
)

// Result is the tagged outcome of one send call. A zero Category with
// OK=true is success.
type Result struct {
	OK       bool
	Category Category
	Message  string // sanitized, never a raw response body
}

func Success() Result {
	return Result{OK: true}
}

func Failure(category Category, msg string) Result {
	return Result{OK: false, Category: category, Message: sanitize.String(msg)}
}

// Credentials carries resolved secrets into a send call. They live in
// process memory only; nothing here is ever persisted or published.
type Credentials struct {
	APIKey      string
	FromEmail   string
	FromName    string
	SessionName string
}

// Provider is one channel adapter.
type Provider interface {
	Name() string
	Send(ctx context.Context, payload *messages.Payload, creds Credentials) Result
}

// ClassifyStatus maps an HTTP response code to a failure category:
// 401/403 are credential rejections, 429 and 5xx are worth retrying,
// any other 4xx means the provider rejected the content.
func ClassifyStatus(statusCode int) Category {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return CategoryAuth
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return CategoryTemporary
	case statusCode >= 400:
		return CategoryPermanent
	}
	return CategoryTemporary
}

// ClassifyError maps transport-level failures. Timeouts and I/O errors
// are temporary by definition.
func ClassifyError(err error) Category {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTemporary
	}
	return CategoryTemporary
}
