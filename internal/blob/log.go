package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LogStorage logs uploads instead of storing them. Useful for development
// when no bucket is configured; the returned URLs do not resolve.
type LogStorage struct {
	baseURL string
}

// NewLogStorage creates a LogStorage whose URLs start with baseURL.
func NewLogStorage(baseURL string) *LogStorage {
	if baseURL == "" {
		baseURL = "https://storage.example.com"
	}
	return &LogStorage{baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload drains body and returns a fake URL.
func (s *LogStorage) Upload(_ context.Context, key string, body io.Reader, contentType string, size int64) (string, error) {
	written, err := io.Copy(io.Discard, body)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}

	slog.Info("blob upload",
		"key", key,
		"content_type", contentType,
		"size", size,
		"read", written,
	)
	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}

// Delete logs the delete operation.
func (s *LogStorage) Delete(_ context.Context, key string) error {
	slog.Info("blob delete", "key", key)
	return nil
}
