// Package provider defines the interface for chat API delivery backends.
package provider

import "context"

// ChatAPI is the interface that chat delivery backends must implement.
// Failures are classified with the fault package so the delivery engine can
// decide whether to retry.
type ChatAPI interface {
	// SendText delivers a text message to recipient.
	SendText(ctx context.Context, recipient, body string) error

	// SendFile delivers the file hosted at url under the given filename.
	SendFile(ctx context.Context, recipient, url, filename string) error

	// Name returns the human-readable name of this provider.
	Name() string
}
