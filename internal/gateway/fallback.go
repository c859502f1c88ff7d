package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FallbackClient asks the primary backend first and the secondary once when
// the primary fails. With an attempt timeout set, each leg gets its own
// deadline so a hung primary leaves time for the secondary.
type FallbackClient struct {
	primary        Client
	fallback       Client
	attemptTimeout time.Duration
	onFailover     func(err error)
}

func NewFallbackClient(primary Client, fallback Client) *FallbackClient {
	return &FallbackClient{
		primary:  primary,
		fallback: fallback,
	}
}

// OnFailover registers a hook invoked with the primary error whenever the
// secondary backend is tried.
func (c *FallbackClient) OnFailover(hook func(err error)) {
	c.onFailover = hook
}

// SetAttemptTimeout bounds each leg separately. Zero leaves legs bounded only
// by the caller's context.
func (c *FallbackClient) SetAttemptTimeout(d time.Duration) {
	c.attemptTimeout = d
}

// Primary returns the preferred client used before fallback.
func (c *FallbackClient) Primary() Client {
	if c == nil {
		return nil
	}
	return c.primary
}

// Secondary returns the fallback client.
func (c *FallbackClient) Secondary() Client {
	if c == nil {
		return nil
	}
	return c.fallback
}

func (c *FallbackClient) Reply(ctx context.Context, req Request) (Reply, error) {
	if c == nil || c.primary == nil {
		if c != nil && c.fallback != nil {
			return c.fallback.Reply(ctx, req)
		}
		return Reply{}, fmt.Errorf("fallback gateway misconfigured")
	}

	resp, err := c.attempt(ctx, c.primary, req)
	if err == nil {
		return resp, nil
	}
	// Only the caller giving up stops the failover; a primary leg that ran
	// out of its own budget does not.
	if ctx.Err() != nil {
		return Reply{}, err
	}
	if c.fallback == nil {
		return Reply{}, err
	}
	if c.onFailover != nil {
		c.onFailover(err)
	}

	fallbackResp, fallbackErr := c.attempt(ctx, c.fallback, req)
	if fallbackErr != nil {
		return Reply{}, fmt.Errorf("primary gateway error: %w; fallback gateway error: %w", err, fallbackErr)
	}
	return fallbackResp, nil
}

func (c *FallbackClient) attempt(ctx context.Context, client Client, req Request) (Reply, error) {
	if c.attemptTimeout <= 0 {
		return client.Reply(ctx, req)
	}
	legCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	return client.Reply(legCtx, req)
}

// IsMissingResponse reports whether err means the backend answered without text.
func IsMissingResponse(err error) bool {
	return errors.Is(err, ErrMissingResponse)
}

// IsTransient reports whether err is a backend failure that may clear on its
// own. Answers without text and 4xx statuses are not transient.
func IsTransient(err error) bool {
	if err == nil || IsMissingResponse(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}
