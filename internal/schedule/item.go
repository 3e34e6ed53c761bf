package schedule

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of an Item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned by a Repository for an unknown id.
var ErrNotFound = errors.New("scheduled item not found")

// Item is a text message to deliver at DueAt. Scheduled items never carry
// attachments.
type Item struct {
	ID                   string
	Recipient            string
	Body                 string
	DueAt                time.Time
	ConfirmationRequired bool
	Status               Status
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Draft holds the user-editable fields of an Item.
type Draft struct {
	Recipient            string
	Body                 string
	DueAt                time.Time
	ConfirmationRequired bool
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.Recipient) == "" {
		return errors.New("recipient must not be empty")
	}
	if strings.TrimSpace(d.Body) == "" {
		return errors.New("body must not be empty")
	}
	if d.DueAt.IsZero() {
		return errors.New("due time must be set")
	}
	return nil
}
