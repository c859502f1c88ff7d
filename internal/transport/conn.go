// Package transport owns the duplex text-frame connection to the chat server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Close codes reported in Closure.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

var ErrClosed = errors.New("transport connection closed")

// Closure describes how a connection ended.
type Closure struct {
	Code   int
	Reason string
	Err    error
}

func (c Closure) String() string {
	reason := strings.TrimSpace(c.Reason)
	if reason == "" && c.Err != nil {
		reason = c.Err.Error()
	}
	if reason == "" {
		return fmt.Sprintf("code %d", c.Code)
	}
	return fmt.Sprintf("code %d: %s", c.Code, reason)
}

// Conn is one established connection. Frames is closed once the connection
// ends; Closure is valid from then on.
type Conn interface {
	Frames() <-chan string
	Send(frame string) error
	Close() error
	Closure() Closure
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// BuildURL appends the Engine.IO query to the server endpoint.
func BuildURL(server, token string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("server url is required")
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("chatAuth", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialFirst dials each url in order and returns the first connection that
// opens along with its url.
func DialFirst(ctx context.Context, d Dialer, urls ...string) (Conn, string, error) {
	var errs []error
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		conn, err := d.Dial(ctx, u)
		if err == nil {
			return conn, u, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, "", errors.New("no transport endpoint configured")
	}
	return nil, "", errors.Join(errs...)
}
