// Package stats keeps the ledger of finished dialogs.
package stats

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("dialog record not found")

// Record is the outcome of one finished dialog.
type Record struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	PeerID     string    `json:"peer_id"`
	Model      string    `json:"model"`
	Reason     string    `json:"reason"`
	Successful bool      `json:"successful"`
	Messages   int       `json:"messages"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary aggregates every record in a store.
type Summary struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	ByReason   map[string]int `json:"by_reason"`
}

// Store persists dialog outcomes.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Summary(ctx context.Context) (Summary, error)
	Close() error
}

func normalize(rec Record) Record {
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}
	rec.StartedAt = rec.StartedAt.UTC()
	rec.EndedAt = rec.EndedAt.UTC()
	return rec
}
