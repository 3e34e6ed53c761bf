package prompt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/shineum/mail2chat/internal/schedule"
)

func present(t *testing.T, p *Presenter, timeout time.Duration) schedule.Decision {
	t.Helper()

	got := make(chan schedule.Decision, 1)
	p.Present(context.Background(), schedule.Item{ID: "i1", Recipient: "+1", Body: "hi"}, timeout, func(d schedule.Decision) {
		got <- d
	})

	select {
	case d := <-got:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no decision")
		return schedule.DecisionExpired
	}
}

func TestPresent_Answers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ok   bool
		err  error
		want schedule.Decision
	}{
		{name: "affirmative", ok: true, want: schedule.DecisionConfirm},
		{name: "negative", ok: false, want: schedule.DecisionCancel},
		{name: "aborted", err: huh.ErrUserAborted, want: schedule.DecisionCancel},
		{name: "form timeout", err: huh.ErrTimeout, want: schedule.DecisionExpired},
		{name: "terminal error", err: errors.New("no tty"), want: schedule.DecisionExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := NewWithAsker(func(context.Context, schedule.Item) (bool, error) {
				return tc.ok, tc.err
			})
			if got := present(t, p, time.Minute); got != tc.want {
				t.Errorf("decision: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPresent_ReturnsBeforeAnswer(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := NewWithAsker(func(context.Context, schedule.Item) (bool, error) {
		<-release
		return true, nil
	})

	got := make(chan schedule.Decision, 1)
	p.Present(context.Background(), schedule.Item{ID: "i1"}, time.Minute, func(d schedule.Decision) { got <- d })

	select {
	case <-got:
		t.Fatal("decided before the user answered")
	default:
	}
	close(release)
	if d := <-got; d != schedule.DecisionConfirm {
		t.Errorf("decision: got %s, want confirm", d)
	}
}

func TestPresent_Expires(t *testing.T) {
	t.Parallel()

	p := NewWithAsker(func(ctx context.Context, _ schedule.Item) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	if got := present(t, p, 10*time.Millisecond); got != schedule.DecisionExpired {
		t.Errorf("decision: got %s, want expired", got)
	}
}

func TestPresent_QueuedPromptExpires(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := NewWithAsker(func(context.Context, schedule.Item) (bool, error) {
		<-release
		return true, nil
	})
	defer close(release)

	p.Present(context.Background(), schedule.Item{ID: "first"}, time.Minute, func(schedule.Decision) {})
	// Wait until the first prompt holds the terminal.
	deadline := time.Now().Add(5 * time.Second)
	for len(p.turn) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := present(t, p, 10*time.Millisecond); got != schedule.DecisionExpired {
		t.Errorf("queued decision: got %s, want expired", got)
	}
}
