package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLStore is a Store over the journal table (see assets/migrations).
type SQLStore struct{ db *sql.DB }

// NewSQLStore wraps an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// Append inserts e, filling in a missing ID and CreatedAt.
func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	e = normalize(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (id, player, kind, tx_hash, status, reason, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Player, e.Kind, e.TxHash, e.Status, e.Reason, int64(e.Score), e.CreatedAt.UTC().Format(timeLayout),
	)
	return err
}

// Recent returns up to limit entries for player, newest first. A non-positive limit
// means DefaultLimit.
func (s *SQLStore) Recent(ctx context.Context, player string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, player, kind, tx_hash, status, reason, score, created_at
		 FROM journal
		 WHERE player = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, player, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var score int64
		var created string
		if err := rows.Scan(&e.ID, &e.Player, &e.Kind, &e.TxHash, &e.Status, &e.Reason, &score, &created); err != nil {
			return nil, err
		}
		e.Score = uint64(score)
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("journal entry %s: created_at: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
