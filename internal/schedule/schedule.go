// Package schedule dispatches text messages at a later time, optionally
// after the user confirms them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail2chat/internal/delivery"
	"github.com/shineum/mail2chat/internal/fault"
)

// DefaultConfirmTimeout bounds the wait for a confirm/cancel decision.
const DefaultConfirmTimeout = 10 * time.Minute

// Repository persists scheduled items.
type Repository interface {
	Insert(ctx context.Context, item Item) error
	Update(ctx context.Context, item Item) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	ListDueBefore(ctx context.Context, t time.Time) ([]Item, error)
}

// Deliverer hands one request to the chat application.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Outcome
}

// Sink records human-readable action log entries.
type Sink interface {
	Log(ctx context.Context, message string)
}

// Decision is the user's answer to a confirmation prompt.
type Decision int

const (
	DecisionConfirm Decision = iota
	DecisionCancel
	// DecisionExpired means no answer arrived in time.
	DecisionExpired
)

func (d Decision) String() string {
	switch d {
	case DecisionConfirm:
		return "confirm"
	case DecisionCancel:
		return "cancel"
	default:
		return "expired"
	}
}

// Presenter asks the user to confirm an item. Present must return without
// waiting for the answer and call decide exactly once.
type Presenter interface {
	Present(ctx context.Context, item Item, timeout time.Duration, decide func(Decision))
}

// Options tunes a Scheduler.
type Options struct {
	// Alarm arms wake-ups. Without one the Scheduler only persists changes,
	// and a running instance arms them on its next Sweep.
	Alarm          Alarm
	Presenter      Presenter
	ConfirmTimeout time.Duration
}

// Scheduler owns the wake-ups of scheduled items.
type Scheduler struct {
	repo      Repository
	deliverer Deliverer
	sink      Sink
	alarm     Alarm
	presenter Presenter
	timeout   time.Duration
	now       func() time.Time

	mu    sync.Mutex
	armed map[string]time.Time
	// epoch counts edits and deletes per item; a wake-up handled under an
	// older epoch no longer records its result.
	epoch    map[string]int
	inflight map[string]int
}

// New creates a Scheduler.
func New(repo Repository, dl Deliverer, sink Sink, opts Options) *Scheduler {
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Scheduler{
		repo:      repo,
		deliverer: dl,
		sink:      sink,
		alarm:     opts.Alarm,
		presenter: opts.Presenter,
		timeout:   timeout,
		now:       time.Now,
		armed:     make(map[string]time.Time),
		epoch:     make(map[string]int),
		inflight:  make(map[string]int),
	}
}

// Create stores a new pending item and arms its wake-up.
func (s *Scheduler) Create(ctx context.Context, d Draft) (Item, error) {
	if err := d.validate(); err != nil {
		return Item{}, fmt.Errorf("invalid scheduled item: %w", err)
	}
	now := s.now().UTC()
	item := Item{
		ID:                   uuid.NewString(),
		Recipient:            d.Recipient,
		Body:                 d.Body,
		DueAt:                d.DueAt.UTC(),
		ConfirmationRequired: d.ConfirmationRequired,
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Insert(ctx, item); err != nil {
		return Item{}, fmt.Errorf("storing scheduled item: %w", err)
	}
	s.Schedule(ctx, item)
	s.sink.Log(ctx, fmt.Sprintf("scheduled %s to %s at %s", item.ID, item.Recipient, item.DueAt.Format(time.RFC3339)))
	return item, nil
}

// Edit replaces the fields of item id, returns it to pending and re-arms it.
func (s *Scheduler) Edit(ctx context.Context, id string, d Draft) (Item, error) {
	if err := d.validate(); err != nil {
		return Item{}, fmt.Errorf("invalid scheduled item: %w", err)
	}
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.Recipient = d.Recipient
	item.Body = d.Body
	item.DueAt = d.DueAt.UTC()
	item.ConfirmationRequired = d.ConfirmationRequired
	item.Status = StatusPending
	item.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, item); err != nil {
		return Item{}, fmt.Errorf("updating scheduled item: %w", err)
	}
	s.bump(id)
	s.Schedule(ctx, item)
	s.sink.Log(ctx, fmt.Sprintf("rescheduled %s to %s", item.ID, item.DueAt.Format(time.RFC3339)))
	return item, nil
}

// Delete disarms and removes item id.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.Cancel(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.bump(id)
	s.sink.Log(ctx, fmt.Sprintf("deleted scheduled item %s", id))
	return nil
}

// List returns every stored item.
func (s *Scheduler) List(ctx context.Context) ([]Item, error) {
	return s.repo.ListAll(ctx)
}

// DueBefore returns the pending items due at or before t.
func (s *Scheduler) DueBefore(ctx context.Context, t time.Time) ([]Item, error) {
	items, err := s.repo.ListDueBefore(ctx, t)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		if item.Status == StatusPending {
			out = append(out, item)
		}
	}
	return out, nil
}

// Schedule arms a wake-up at item.DueAt, superseding any earlier one for
// item.ID.
func (s *Scheduler) Schedule(ctx context.Context, item Item) {
	if s.alarm == nil {
		return
	}
	s.mu.Lock()
	s.armed[item.ID] = item.DueAt
	s.mu.Unlock()

	id := item.ID
	s.alarm.Set(id, item.DueAt, func() {
		s.mu.Lock()
		delete(s.armed, id)
		s.mu.Unlock()
		s.Fire(ctx, id)
	})
	slog.Debug("armed scheduled item", "item_id", id, "due_at", item.DueAt)
}

// Cancel disarms the wake-up for id. An unknown or already fired id is not
// an error.
func (s *Scheduler) Cancel(id string) {
	if s.alarm == nil {
		return
	}
	s.mu.Lock()
	delete(s.armed, id)
	s.mu.Unlock()
	s.alarm.Cancel(id)
}

// Sweep arms every pending item that is not armed for its current due time
// and disarms items that are no longer pending. It returns how many wake-ups
// it armed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.alarm == nil {
		return 0, nil
	}
	items, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing scheduled items: %w", err)
	}

	pending := make(map[string]bool, len(items))
	var toArm []Item
	s.mu.Lock()
	for _, item := range items {
		if item.Status != StatusPending {
			continue
		}
		pending[item.ID] = true
		if _, busy := s.inflight[item.ID]; busy {
			continue
		}
		if due, ok := s.armed[item.ID]; ok && due.Equal(item.DueAt) {
			continue
		}
		toArm = append(toArm, item)
	}
	var stale []string
	for id := range s.armed {
		if !pending[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.Cancel(id)
	}
	for _, item := range toArm {
		s.Schedule(ctx, item)
	}
	return len(toArm), nil
}

// Fire handles the wake-up of item id. Items requiring confirmation are
// handed to the Presenter, and Fire returns without waiting for the answer.
// An edit or delete of the item while it is being handled discards the
// pending result.
func (s *Scheduler) Fire(ctx context.Context, id string) {
	s.mu.Lock()
	epoch := s.epoch[id]
	if e, busy := s.inflight[id]; busy && e == epoch {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = epoch
	s.mu.Unlock()

	item, err := s.repo.Get(ctx, id)
	if err != nil {
		s.done(id, epoch)
		if errors.Is(err, ErrNotFound) {
			slog.Debug("scheduled item gone before wake-up", "item_id", id)
			return
		}
		s.sink.Log(ctx, fmt.Sprintf("loading scheduled item %s failed: %v", id, err))
		return
	}
	if item.Status != StatusPending {
		s.done(id, epoch)
		return
	}

	if !item.ConfirmationRequired {
		s.dispatch(ctx, item, epoch)
		return
	}

	if s.presenter == nil {
		err := fault.Config("schedule", "item %s requires confirmation but no presenter is available", id)
		s.finish(ctx, item, epoch, StatusFailed, err.Error())
		return
	}
	s.presenter.Present(ctx, item, s.timeout, func(d Decision) {
		switch d {
		case DecisionConfirm:
			if !s.unchanged(ctx, item, epoch, "confirmation") {
				s.done(id, epoch)
				return
			}
			s.dispatch(ctx, item, epoch)
		case DecisionCancel:
			s.finish(ctx, item, epoch, StatusCancelled, fmt.Sprintf("scheduled item %s cancelled by user", item.ID))
		default:
			s.finish(ctx, item, epoch, StatusCancelled, fmt.Sprintf("scheduled item %s not confirmed in %s; not sent", item.ID, s.timeout))
		}
	})
}

func (s *Scheduler) dispatch(ctx context.Context, item Item, epoch int) {
	out := s.deliverer.Deliver(ctx, delivery.Request{
		Recipient: item.Recipient,
		Body:      item.Body,
	})
	status := StatusSent
	if !out.OK() {
		status = StatusFailed
	}
	s.finish(ctx, item, epoch, status, fmt.Sprintf("scheduled item %s to %s: %s", item.ID, item.Recipient, out))
}

// finish records status for item unless the item changed after it was loaded.
func (s *Scheduler) finish(ctx context.Context, item Item, epoch int, status Status, message string) {
	defer s.done(item.ID, epoch)

	if !s.unchanged(ctx, item, epoch, string(status)) {
		if status == StatusSent || status == StatusFailed {
			s.sink.Log(ctx, message)
		}
		return
	}

	item.Status = status
	item.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, item); err != nil {
		slog.Error("failed to record scheduled item status",
			"item_id", item.ID,
			"status", string(status),
			"error", err,
		)
	}
	s.sink.Log(ctx, message)
}

// unchanged reports whether loaded is still the stored version of the item.
// Edits in this process move the epoch; edits by another process show up as
// a different row.
func (s *Scheduler) unchanged(ctx context.Context, loaded Item, epoch int, result string) bool {
	s.mu.Lock()
	same := s.epoch[loaded.ID] == epoch
	s.mu.Unlock()

	if same {
		cur, err := s.repo.Get(ctx, loaded.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			same = false
		case err != nil:
			slog.Warn("could not re-read scheduled item", "item_id", loaded.ID, "error", err)
		default:
			same = cur.Status == StatusPending &&
				cur.UpdatedAt.Equal(loaded.UpdatedAt) &&
				cur.DueAt.Equal(loaded.DueAt)
		}
	}
	if !same {
		s.sink.Log(ctx, fmt.Sprintf("scheduled item %s was edited or deleted meanwhile; %s not recorded", loaded.ID, result))
	}
	return same
}

func (s *Scheduler) bump(id string) {
	s.mu.Lock()
	s.epoch[id]++
	s.mu.Unlock()
}

func (s *Scheduler) done(id string, epoch int) {
	s.mu.Lock()
	if e, ok := s.inflight[id]; ok && e == epoch {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
}
