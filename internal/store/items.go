package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/mail2chat/internal/schedule"
)

type itemRow struct {
	ID                   string `db:"id"`
	Recipient            string `db:"recipient"`
	Body                 string `db:"body"`
	DueAt                int64  `db:"due_at"`
	ConfirmationRequired bool   `db:"confirmation_required"`
	Status               string `db:"status"`
	CreatedAt            int64  `db:"created_at"`
	UpdatedAt            int64  `db:"updated_at"`
}

func rowFromItem(item schedule.Item) itemRow {
	return itemRow{
		ID:                   item.ID,
		Recipient:            item.Recipient,
		Body:                 item.Body,
		DueAt:                toMillis(item.DueAt),
		ConfirmationRequired: item.ConfirmationRequired,
		Status:               string(item.Status),
		CreatedAt:            toMillis(item.CreatedAt),
		UpdatedAt:            toMillis(item.UpdatedAt),
	}
}

func (r itemRow) item() schedule.Item {
	return schedule.Item{
		ID:                   r.ID,
		Recipient:            r.Recipient,
		Body:                 r.Body,
		DueAt:                fromMillis(r.DueAt),
		ConfirmationRequired: r.ConfirmationRequired,
		Status:               schedule.Status(r.Status),
		CreatedAt:            fromMillis(r.CreatedAt),
		UpdatedAt:            fromMillis(r.UpdatedAt),
	}
}

func items(rows []itemRow) []schedule.Item {
	out := make([]schedule.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out
}

// Insert stores a new item.
func (s *SQLiteStore) Insert(ctx context.Context, item schedule.Item) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_items (
			id, recipient, body, due_at, confirmation_required,
			status, created_at, updated_at
		) VALUES (
			:id, :recipient, :body, :due_at, :confirmation_required,
			:status, :created_at, :updated_at
		)`, rowFromItem(item))
	if err != nil {
		return fmt.Errorf("inserting scheduled item %s: %w", item.ID, err)
	}
	return nil
}

// Update replaces every field of an existing item.
func (s *SQLiteStore) Update(ctx context.Context, item schedule.Item) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE scheduled_items SET
			recipient = :recipient,
			body = :body,
			due_at = :due_at,
			confirmation_required = :confirmation_required,
			status = :status,
			updated_at = :updated_at
		WHERE id = :id`, rowFromItem(item))
	if err != nil {
		return fmt.Errorf("updating scheduled item %s: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s: %w", item.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("updating %s: %w", item.ID, schedule.ErrNotFound)
	}
	return nil
}

// Delete removes an item. Deleting an unknown id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting scheduled item %s: %w", id, err)
	}
	return nil
}

// Get returns the item with id, or schedule.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (schedule.Item, error) {
	var r itemRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM scheduled_items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Item{}, fmt.Errorf("getting %s: %w", id, schedule.ErrNotFound)
	}
	if err != nil {
		return schedule.Item{}, fmt.Errorf("getting scheduled item %s: %w", id, err)
	}
	return r.item(), nil
}

// ListAll returns every item ordered by due time.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]schedule.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM scheduled_items ORDER BY due_at, id"); err != nil {
		return nil, fmt.Errorf("listing scheduled items: %w", err)
	}
	return items(rows), nil
}

// ListDueBefore returns items due at or before t, ordered by due time.
func (s *SQLiteStore) ListDueBefore(ctx context.Context, t time.Time) ([]schedule.Item, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM scheduled_items WHERE due_at <= ? ORDER BY due_at, id", toMillis(t))
	if err != nil {
		return nil, fmt.Errorf("listing due scheduled items: %w", err)
	}
	return items(rows), nil
}
