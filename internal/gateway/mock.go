package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient provides deterministic local replies for dry runs. The fifth
// reply to a peer is flagged as the last one.
type MockClient struct {
	mu     sync.Mutex
	counts map[string]int
	LastAt int
}

func NewMockClient() *MockClient {
	return &MockClient{counts: make(map[string]int), LastAt: 5}
}

func (c *MockClient) Reply(ctx context.Context, req Request) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	default:
	}

	c.mu.Lock()
	c.counts[req.UserID]++
	n := c.counts[req.UserID]
	c.mu.Unlock()

	base := strings.TrimSpace(req.Message)
	if base == "" {
		base = "..."
	}
	return Reply{
		Text:          fmt.Sprintf("%s? :)", base),
		IsLast:        c.LastAt > 0 && n >= c.LastAt,
		MessageNumber: n,
		ModelUsed:     req.Model,
		Endpoint:      "mock",
	}, nil
}
