// Package gateway talks to the text-generation backend that writes replies.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrGatewayStatus   = errors.New("gateway http status")
	ErrMissingResponse = errors.New("gateway response missing text")
)

// Request is the body of POST /api/chat.
type Request struct {
	Model   string `json:"model"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// Reply is the backend answer. Only Text and IsLast drive the dialog; the
// remaining fields are informational.
type Reply struct {
	Text          string `json:"response"`
	IsLast        bool   `json:"is_last"`
	MessageNumber int    `json:"message_number,omitempty"`
	IsSemi        bool   `json:"is_semi,omitempty"`
	Emotion       string `json:"emotion,omitempty"`
	ModelUsed     string `json:"model_used,omitempty"`

	// Endpoint is the URL that produced the reply.
	Endpoint string `json:"-"`
}

// Client produces replies for inbound peer messages.
type Client interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Config controls client construction.
type Config struct {
	Mode        string
	PrimaryURL  string
	FallbackURL string

	// Timeout bounds one backend attempt. A call with fallback may take up
	// to twice as long.
	Timeout time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "http"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.PrimaryURL) == "" {
			return nil, errors.New("gateway url is required for http mode")
		}
		primary := NewHTTPClient(cfg.PrimaryURL, cfg.Timeout)
		if strings.TrimSpace(cfg.FallbackURL) == "" {
			return primary, nil
		}
		fb := NewFallbackClient(primary, NewHTTPClient(cfg.FallbackURL, cfg.Timeout))
		fb.SetAttemptTimeout(cfg.Timeout)
		return fb, nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}
