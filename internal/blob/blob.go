// Package blob hosts attachment files at addressable URLs so the chat
// provider can fetch them.
package blob

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Storage is the interface for blob hosting providers.
type Storage interface {
	// Upload stores an object and returns its public URL.
	Upload(ctx context.Context, key string, body io.Reader, contentType string, size int64) (url string, err error)
	// Delete removes an object by key. The delivery engine calls it for
	// uploads the chat API never accepted.
	Delete(ctx context.Context, key string) error
}

// ObjectKey returns a collision-free key for filename under prefix.
func ObjectKey(prefix, filename string) string {
	name := path.Base("/" + strings.ReplaceAll(filename, "\\", "/"))
	if name == "/" {
		name = "attachment"
	}
	return path.Join(strings.Trim(prefix, "/"), uuid.NewString(), name)
}
