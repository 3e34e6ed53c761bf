package delivery

import (
	"fmt"
	"strings"

	"github.com/shineum/mail2chat/internal/fault"
)

// Class is the result class of one delivery attempt sequence.
type Class int

const (
	// Sent means the API channel accepted the text and every attachment.
	Sent Class = iota
	// SentBestEffort means the automation channel triggered the send action.
	// The chat application's own delivery is not observed.
	SentBestEffort
	FailedRetryable
	FailedTerminal
)

func (c Class) String() string {
	switch c {
	case Sent:
		return "sent"
	case SentBestEffort:
		return "sent_best_effort"
	case FailedRetryable:
		return "failed_retryable"
	default:
		return "failed_terminal"
	}
}

// Channel names the mechanism that handled a request.
type Channel string

const (
	ChannelNone       Channel = "none"
	ChannelAPI        Channel = "api"
	ChannelAutomation Channel = "automation"
)

// Outcome reports what happened to a Request.
type Outcome struct {
	Class   Class
	// Kind classifies failures and is unset on success.
	Kind    fault.Kind
	Channel Channel
	Reason  string
	Caveat  string

	// TextSent is true once the body went out, so a retry can skip it.
	TextSent bool
	// Unsent lists attachments that were not delivered, in request order.
	Unsent []string
	// Skipped lists attachments over the size ceiling that were not uploaded.
	Skipped []string
}

// OK reports whether the outcome is a success of either confidence.
func (o Outcome) OK() bool {
	return o.Class == Sent || o.Class == SentBestEffort
}

// String renders the outcome as a log line.
func (o Outcome) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s via %s", o.Class, o.Channel)
	if o.Reason != "" {
		fmt.Fprintf(&b, ": %s", o.Reason)
	}
	if o.Caveat != "" {
		fmt.Fprintf(&b, " (%s)", o.Caveat)
	}
	if len(o.Unsent) > 0 {
		fmt.Fprintf(&b, "; unsent: %s", strings.Join(o.Unsent, ", "))
	}
	if len(o.Skipped) > 0 {
		fmt.Fprintf(&b, "; skipped oversized: %s", strings.Join(o.Skipped, ", "))
	}
	return b.String()
}

func failure(ch Channel, err error) Outcome {
	o := Outcome{Class: FailedTerminal, Kind: fault.KindOf(err), Channel: ch, Reason: err.Error()}
	if fault.IsRetryable(err) {
		o.Class = FailedRetryable
	}
	return o
}
