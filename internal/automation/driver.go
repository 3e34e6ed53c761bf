package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/fault"
)

const (
	// DefaultPackage is the chat application driven when none is configured.
	DefaultPackage = "com.whatsapp"

	// DefaultEventBound is the per-state event budget.
	DefaultEventBound = 20

	minPause = 1000 * time.Millisecond
	maxPause = 3000 * time.Millisecond
)

// ErrBusy is returned when a request arrives while another is in flight.
var ErrBusy = errors.New("automation: a request is already in flight")

// Screen is the UI capability the driver acts through.
type Screen interface {
	// Available returns an error when the automation surface may not be used.
	Available(ctx context.Context) error
	// Launch brings the application pkg to the foreground.
	Launch(ctx context.Context, pkg string) error
	// Observe blocks until the next screen-change event.
	Observe(ctx context.Context) (Snapshot, error)
	// Tap activates element id, or its child-th child when child >= 0.
	Tap(ctx context.Context, id string, child int) error
	// SetText replaces the text of element id.
	SetText(ctx context.Context, id, text string) error
}

// Config tunes a Driver.
type Config struct {
	Package    string
	Selectors  Selectors
	EventBound int
}

// Request is one message to hand to the chat application.
type Request struct {
	Recipient   string
	Body        string
	Attachments []string
}

// Result describes a finished run. The send action was triggered, but the
// chat application's own delivery is not observed.
type Result struct {
	Caveat string
}

// Driver runs the automation flow against a Screen, one request at a time.
type Driver struct {
	screen Screen
	cfg    Config
	slot   chan struct{}
	pause  func(ctx context.Context) error
}

// New creates a Driver that pauses 1 to 3 seconds before each UI action.
func New(screen Screen, cfg Config) *Driver {
	return NewWithPause(screen, cfg, func(ctx context.Context) error {
		return backoff.SleepWithContext(ctx, minPause+rand.N(maxPause-minPause+1))
	})
}

// NewWithPause creates a Driver with a custom pause, used for testing.
func NewWithPause(screen Screen, cfg Config, pause func(ctx context.Context) error) *Driver {
	if cfg.Package == "" {
		cfg.Package = DefaultPackage
	}
	cfg.Selectors = cfg.Selectors.withDefaults(cfg.Package)
	if cfg.EventBound <= 0 {
		cfg.EventBound = DefaultEventBound
	}
	return &Driver{
		screen: screen,
		cfg:    cfg,
		slot:   make(chan struct{}, 1),
		pause:  pause,
	}
}

// Send drives the flow for req to completion. It returns ErrBusy without
// touching the screen when another request holds the driver.
func (d *Driver) Send(ctx context.Context, req Request) (Result, error) {
	select {
	case d.slot <- struct{}{}:
	default:
		return Result{}, ErrBusy
	}
	defer func() { <-d.slot }()

	if err := d.screen.Available(ctx); err != nil {
		return Result{}, fault.New(fault.CapabilityUnavailable, "automation", err)
	}

	plan := Plan{
		Package:     d.cfg.Package,
		Recipient:   req.Recipient,
		Body:        req.Body,
		Attachments: len(req.Attachments),
		Selectors:   d.cfg.Selectors,
		EventBound:  d.cfg.EventBound,
	}

	var st Status
	ev := Event{Kind: EventStart}
	for {
		prev := st.State
		var act Action
		st, act = Next(plan, st, ev)
		if st.State != prev {
			slog.Debug("automation state changed",
				"from", prev.String(),
				"to", st.State.String(),
			)
		}

		switch act.Kind {
		case ActionFinish:
			return Result{Caveat: act.Caveat}, nil
		case ActionFail:
			return Result{}, fault.Fatal("automation", errors.New(act.Reason))
		case ActionLaunch:
			if err := d.screen.Launch(ctx, act.Target); err != nil {
				slog.Warn("failed to launch target app",
					"package", act.Target,
					"error", err,
				)
				ev = Event{Kind: EventLaunchFailed}
				continue
			}
		case ActionTap, ActionSetText:
			if err := d.act(ctx, st.State, act); err != nil {
				return Result{}, err
			}
		}

		snap, err := d.screen.Observe(ctx)
		if err != nil {
			return Result{}, fault.Fatal("automation."+st.State.String(), fmt.Errorf("observing screen: %w", err))
		}
		ev = Event{Kind: EventScreen, Screen: snap}
	}
}

func (d *Driver) act(ctx context.Context, state State, act Action) error {
	op := "automation." + state.String()

	if err := d.pause(ctx); err != nil {
		return fault.Fatal(op, fmt.Errorf("context cancelled during pause: %w", err))
	}

	var err error
	if act.Kind == ActionTap {
		err = d.screen.Tap(ctx, act.Target, act.Child)
	} else {
		err = d.screen.SetText(ctx, act.Target, act.Text)
	}
	if err != nil {
		return fault.Fatal(op, fmt.Errorf("acting on %s: %w", act.Target, err))
	}
	return nil
}
