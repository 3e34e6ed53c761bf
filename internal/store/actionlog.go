package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shineum/mail2chat/internal/actionlog"
)

type entryRow struct {
	At      int64  `db:"at"`
	Message string `db:"message"`
}

// AppendLog stores e and drops entries beyond actionlog.MaxEntries.
func (s *SQLiteStore) AppendLog(ctx context.Context, e actionlog.Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO action_log (at, message) VALUES (?, ?)", toMillis(e.At), e.Message); err != nil {
		return fmt.Errorf("appending action log entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM action_log WHERE id NOT IN (
			SELECT id FROM action_log ORDER BY id DESC LIMIT ?
		)`, actionlog.MaxEntries); err != nil {
		return fmt.Errorf("trimming action log: %w", err)
	}
	return tx.Commit()
}

// LogSince returns entries at or after since, newest first.
func (s *SQLiteStore) LogSince(ctx context.Context, since time.Time) ([]actionlog.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT at, message FROM action_log WHERE at >= ? ORDER BY at DESC, id DESC", toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("querying action log: %w", err)
	}
	out := make([]actionlog.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, actionlog.Entry{At: fromMillis(r.At), Message: r.Message})
	}
	return out, nil
}
