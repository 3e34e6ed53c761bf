// Package mailbox queries a remote mailbox for messages matching a filter rule.
package mailbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/email"
)

// ScopeClause restricts every query to the inbox and excludes trash.
const ScopeClause = "in:inbox -in:trash"

// Backend is the contract a mail provider implements. Backends classify their
// failures with the fault package so the Client can decide what to retry.
type Backend interface {
	// Search returns the ids of messages matching query, in provider order.
	Search(ctx context.Context, query string) ([]string, error)

	// Get returns the full message for id.
	Get(ctx context.Context, id string) (*email.Envelope, error)

	// GetAttachment returns the raw bytes of an attachment of message id.
	GetAttachment(ctx context.Context, id, ref string) ([]byte, error)

	// Name returns the human-readable name of this backend.
	Name() string
}

// BuildQuery composes the search query for rule. Clause order is fixed:
// sender, subject, body, scope. Blank clauses are omitted.
func BuildQuery(rule email.Rule) string {
	parts := make([]string, 0, 4)

	if v := strings.TrimSpace(rule.Sender); v != "" {
		parts = append(parts, "from:"+v)
	}
	if v := strings.TrimSpace(rule.SubjectKeywords); v != "" {
		parts = append(parts, "subject:"+v)
	}
	if v := strings.TrimSpace(rule.BodyKeywords); v != "" {
		parts = append(parts, v)
	}

	parts = append(parts, ScopeClause)
	return strings.Join(parts, " ")
}

// Client wraps a Backend with the mailbox retry policy.
type Client struct {
	backend Backend
	retry   *backoff.Executor
}

// NewClient creates a Client over backend using retry for every call.
func NewClient(backend Backend, retry *backoff.Executor) *Client {
	return &Client{backend: backend, retry: retry}
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.backend.Name()
}

// FetchMatching returns the ids matching query. No match is an empty slice,
// not an error.
func (c *Client) FetchMatching(ctx context.Context, query string) ([]string, error) {
	var ids []string
	err := c.retry.Do(ctx, "mailbox.search", func(ctx context.Context) error {
		found, err := c.backend.Search(ctx, query)
		if err != nil {
			return err
		}
		ids = found
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", c.backend.Name(), err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// FetchFull returns the complete message for id.
func (c *Client) FetchFull(ctx context.Context, id string) (*email.Envelope, error) {
	var env *email.Envelope
	err := c.retry.Do(ctx, "mailbox.get", func(ctx context.Context) error {
		got, err := c.backend.Get(ctx, id)
		if err != nil {
			return err
		}
		env = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}
	return env, nil
}

// FetchAttachmentBytes returns the bytes of one attachment.
func (c *Client) FetchAttachmentBytes(ctx context.Context, messageID, ref string) ([]byte, error) {
	var data []byte
	err := c.retry.Do(ctx, "mailbox.attachment", func(ctx context.Context) error {
		got, err := c.backend.GetAttachment(ctx, messageID, ref)
		if err != nil {
			return err
		}
		data = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching attachment %s of %s: %w", ref, messageID, err)
	}
	return data, nil
}
