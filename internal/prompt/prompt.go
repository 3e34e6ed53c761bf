// Package prompt asks the user on the terminal to confirm scheduled messages.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/shineum/mail2chat/internal/schedule"
)

// Asker shows one confirm/cancel question and returns the answer.
type Asker func(ctx context.Context, item schedule.Item) (bool, error)

// Presenter implements schedule.Presenter. Questions are shown one at a time;
// a question waiting its turn still counts against its timeout.
type Presenter struct {
	ask  Asker
	turn chan struct{}
}

// New creates a Presenter that renders a huh confirm form.
func New() *Presenter {
	return NewWithAsker(askHuh)
}

// NewWithAsker creates a Presenter with a custom asker, used for testing.
func NewWithAsker(ask Asker) *Presenter {
	return &Presenter{ask: ask, turn: make(chan struct{}, 1)}
}

// Present implements schedule.Presenter. It returns immediately.
func (p *Presenter) Present(ctx context.Context, item schedule.Item, timeout time.Duration, decide func(schedule.Decision)) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		decide(p.decide(ctx, item))
	}()
}

func (p *Presenter) decide(ctx context.Context, item schedule.Item) schedule.Decision {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return schedule.DecisionExpired
	}
	defer func() { <-p.turn }()

	ok, err := p.ask(ctx, item)
	switch {
	case ctx.Err() != nil || errors.Is(err, huh.ErrTimeout):
		return schedule.DecisionExpired
	case errors.Is(err, huh.ErrUserAborted):
		return schedule.DecisionCancel
	case err != nil:
		slog.Warn("confirmation prompt failed", "item_id", item.ID, "error", err)
		return schedule.DecisionExpired
	case ok:
		return schedule.DecisionConfirm
	default:
		return schedule.DecisionCancel
	}
}

func askHuh(ctx context.Context, item schedule.Item) (bool, error) {
	var send bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Send scheduled message to %s?", item.Recipient)).
				Description(item.Body).
				Affirmative("Send").
				Negative("Cancel").
				Value(&send),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return send, nil
}
