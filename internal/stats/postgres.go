package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dialog_outcomes (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			model TEXT NOT NULL,
			reason TEXT NOT NULL,
			successful BOOLEAN NOT NULL DEFAULT FALSE,
			messages INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_outcomes_ended ON dialog_outcomes (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec = normalize(rec)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dialog_outcomes (id, chat_id, peer_id, model, reason, successful, messages, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET reason = EXCLUDED.reason, successful = EXCLUDED.successful,
		   messages = EXCLUDED.messages, ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.ChatID, rec.PeerID, rec.Model, rec.Reason, rec.Successful, rec.Messages, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("record dialog: %w", err)
	}
	return nil
}

const pgSelect = `SELECT id, chat_id, peer_id, model, reason, successful, messages, started_at, ended_at FROM dialog_outcomes`

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx, pgSelect+` WHERE id=$1`, id).
		Scan(&r.ID, &r.ChatID, &r.PeerID, &r.Model, &r.Reason, &r.Successful, &r.Messages, &r.StartedAt, &r.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dialog: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, pgSelect+` ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent dialogs: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ChatID, &r.PeerID, &r.Model, &r.Reason, &r.Successful, &r.Messages, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan dialog row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialog rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reason, COUNT(*), COUNT(*) FILTER (WHERE successful) FROM dialog_outcomes GROUP BY reason`)
	if err != nil {
		return Summary{}, fmt.Errorf("query dialog summary: %w", err)
	}
	defer rows.Close()

	sum := Summary{ByReason: make(map[string]int)}
	for rows.Next() {
		var reason string
		var total, ok int
		if err := rows.Scan(&reason, &total, &ok); err != nil {
			return Summary{}, fmt.Errorf("scan summary row: %w", err)
		}
		sum.ByReason[reason] = total
		sum.Total += total
		sum.Successful += ok
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate summary rows: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
