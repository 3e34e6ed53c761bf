// Package poll runs forwarding cycles: query the mailbox, extract each
// matching message and deliver it.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mail2chat/internal/delivery"
	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/extract"
	"github.com/shineum/mail2chat/internal/fault"
	"github.com/shineum/mail2chat/internal/mailbox"
)

// Settings is the read-only view of the forwarding configuration.
type Settings interface {
	Rule() email.Rule
	Recipient() string
}

// Mailbox fetches candidate messages.
type Mailbox interface {
	FetchMatching(ctx context.Context, query string) ([]string, error)
	FetchFull(ctx context.Context, id string) (*email.Envelope, error)
}

// Extractor turns a fetched message into text and scratch files.
type Extractor interface {
	Extract(ctx context.Context, env *email.Envelope) (*email.ExtractionResult, error)
}

// Deliverer hands one request to the chat application.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Outcome
}

// Sink records human-readable action log entries.
type Sink interface {
	Log(ctx context.Context, message string)
}

// Reporter is notified of cycles that had failures.
type Reporter interface {
	Report(ctx context.Context, s Summary) error
}

// MessageOutcome is the result for one matched message.
type MessageOutcome struct {
	MessageID string
	Subject   string
	Outcome   delivery.Outcome
}

// Summary is the result of one cycle.
type Summary struct {
	Started   time.Time
	Finished  time.Time
	Attempted int
	Succeeded int
	// Skipped is set when the cycle did not run because another was in progress.
	Skipped bool
	// Err is set when the cycle stopped before processing messages.
	Err      error
	Messages []MessageOutcome
}

// OK reports whether the cycle ran and every message was delivered.
func (s Summary) OK() bool {
	return s.Err == nil && !s.Skipped && s.Succeeded == s.Attempted
}

// String renders the summary as a log line.
func (s Summary) String() string {
	switch {
	case s.Skipped:
		return "poll cycle skipped: previous cycle still running"
	case s.Err != nil:
		return fmt.Sprintf("poll cycle failed (%s): %v", fault.KindOf(s.Err), s.Err)
	default:
		return fmt.Sprintf("poll cycle finished: attempted %d, succeeded %d", s.Attempted, s.Succeeded)
	}
}

// Options tunes an Orchestrator.
type Options struct {
	// IncludeHeaders prefixes the forwarded body with From and Subject lines.
	IncludeHeaders bool
	Reporter       Reporter
}

// Orchestrator runs cycles one at a time.
type Orchestrator struct {
	settings  Settings
	mailbox   Mailbox
	extractor Extractor
	deliverer Deliverer
	sink      Sink
	opts      Options

	running sync.Mutex
	now     func() time.Time
}

// New creates an Orchestrator.
func New(settings Settings, mb Mailbox, ex Extractor, dl Deliverer, sink Sink, opts Options) *Orchestrator {
	return &Orchestrator{
		settings:  settings,
		mailbox:   mb,
		extractor: ex,
		deliverer: dl,
		sink:      sink,
		opts:      opts,
		now:       time.Now,
	}
}

// RunCycle processes every message matching the configured rule, one at a
// time. A cycle requested while another runs is skipped, not queued.
func (o *Orchestrator) RunCycle(ctx context.Context) Summary {
	if !o.running.TryLock() {
		s := Summary{Started: o.now(), Finished: o.now(), Skipped: true}
		slog.Warn(s.String())
		return s
	}
	defer o.running.Unlock()

	s := o.cycle(ctx)
	s.Finished = o.now()
	o.sink.Log(ctx, s.String())

	if o.opts.Reporter != nil && !s.OK() {
		if err := o.opts.Reporter.Report(ctx, s); err != nil {
			slog.Warn("failed to send cycle report", "error", err)
		}
	}
	return s
}

func (o *Orchestrator) cycle(ctx context.Context) Summary {
	s := Summary{Started: o.now()}

	rule := o.settings.Rule()
	recipient := strings.TrimSpace(o.settings.Recipient())
	if rule.Empty() || recipient == "" {
		s.Err = fault.Config("poll", "missing configuration: filter rule and recipient are required")
		return s
	}

	query := mailbox.BuildQuery(rule)
	slog.Debug("polling mailbox", "query", query)

	ids, err := o.mailbox.FetchMatching(ctx, query)
	if err != nil {
		s.Err = err
		return s
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			s.Err = fault.Fatal("poll", fmt.Errorf("cycle interrupted: %w", ctx.Err()))
			return s
		}

		mo := o.process(ctx, id, recipient)
		s.Attempted++
		if mo.Outcome.OK() {
			s.Succeeded++
		}
		s.Messages = append(s.Messages, mo)

		o.sink.Log(ctx, fmt.Sprintf("message %s to %s: %s", id, recipient, mo.Outcome))
	}
	return s
}

func (o *Orchestrator) process(ctx context.Context, id, recipient string) MessageOutcome {
	mo := MessageOutcome{MessageID: id}

	env, err := o.mailbox.FetchFull(ctx, id)
	if err != nil {
		mo.Outcome = failed(err)
		return mo
	}
	mo.Subject = env.Subject

	res, err := o.extractor.Extract(ctx, env)
	if err != nil {
		mo.Outcome = failed(err)
		return mo
	}
	defer extract.Release(res)

	mo.Outcome = o.deliverer.Deliver(ctx, delivery.Request{
		Recipient:   recipient,
		Body:        o.frame(env, res.Text),
		Attachments: res.Attachments,
	})
	return mo
}

func (o *Orchestrator) frame(env *email.Envelope, text string) string {
	if !o.opts.IncludeHeaders {
		return text
	}
	header := fmt.Sprintf("From: %s\nSubject: %s", env.From, env.Subject)
	if text == "" {
		return header
	}
	return header + "\n\n" + text
}

func failed(err error) delivery.Outcome {
	class := delivery.FailedTerminal
	if fault.IsRetryable(err) {
		class = delivery.FailedRetryable
	}
	return delivery.Outcome{
		Class:   class,
		Kind:    fault.KindOf(err),
		Channel: delivery.ChannelNone,
		Reason:  err.Error(),
	}
}
