package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists the ledger in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	stmts := []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS dialog_outcomes (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			model TEXT NOT NULL,
			reason TEXT NOT NULL,
			successful INTEGER NOT NULL DEFAULT 0,
			messages INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dialog_outcomes_ended ON dialog_outcomes (ended_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec = normalize(rec)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialog_outcomes (id, chat_id, peer_id, model, reason, successful, messages, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET reason = excluded.reason, successful = excluded.successful,
		   messages = excluded.messages, ended_at = excluded.ended_at`,
		rec.ID, rec.ChatID, rec.PeerID, rec.Model, rec.Reason, rec.Successful, rec.Messages,
		rec.StartedAt.Format(time.RFC3339Nano), rec.EndedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record dialog: %w", err)
	}
	return nil
}

const sqliteSelect = `SELECT id, chat_id, peer_id, model, reason, successful, messages, started_at, ended_at FROM dialog_outcomes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		r              Record
		started, ended string
	)
	if err := row.Scan(&r.ID, &r.ChatID, &r.PeerID, &r.Model, &r.Reason, &r.Successful, &r.Messages, &started, &ended); err != nil {
		return Record{}, err
	}
	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Record{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return Record{}, fmt.Errorf("parse ended_at: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, sqliteSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get dialog: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	// rowid breaks ties between records that ended in the same instant.
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` ORDER BY ended_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent dialogs: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dialog row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialog rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Summary(ctx context.Context) (Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*), SUM(successful) FROM dialog_outcomes GROUP BY reason`)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
