// Package extract walks a message's part tree, collecting its plain-text body
// and writing its attachments to scratch storage.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
)

const (
	// DefaultMaxAttachmentSize is the chat channel's per-file ceiling (100 MB).
	DefaultMaxAttachmentSize int64 = 100 << 20

	// MaxParts bounds the number of parts visited in one envelope.
	MaxParts = 10000
)

// Fetcher retrieves attachment bodies that are not carried inline.
type Fetcher interface {
	FetchAttachmentBytes(ctx context.Context, messageID, ref string) ([]byte, error)
}

// Extractor turns envelopes into extraction results.
type Extractor struct {
	fetcher    Fetcher
	scratchDir string
	maxSize    int64
}

// New creates an Extractor writing attachments under scratchDir (the system
// temp dir when empty) and flagging files larger than maxSize.
func New(fetcher Fetcher, scratchDir string, maxSize int64) *Extractor {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	return &Extractor{fetcher: fetcher, scratchDir: scratchDir, maxSize: maxSize}
}

// Extract walks env depth-first, a part before its children. Text leaves are
// joined with a blank line; attachments are written to a fresh directory.
// Oversized attachments are still written and returned with Oversized set.
func (x *Extractor) Extract(ctx context.Context, env *email.Envelope) (*email.ExtractionResult, error) {
	result := &email.ExtractionResult{}
	var text strings.Builder
	names := make(map[string]int)

	stack := make([]email.Part, 0, len(env.Parts))
	for i := len(env.Parts) - 1; i >= 0; i-- {
		stack = append(stack, env.Parts[i])
	}

	visited := 0
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		visited++
		if visited > MaxParts {
			Release(result)
			return nil, fault.Fatal("extract", fmt.Errorf("message %s has more than %d parts", env.ID, MaxParts))
		}

		if p.Kind == email.PartContainer {
			for i := len(p.Children) - 1; i >= 0; i-- {
				stack = append(stack, p.Children[i])
			}
			continue
		}

		switch {
		case p.IsText():
			appendText(&text, string(p.Data))
		case p.IsAttachment():
			att, err := x.materialize(ctx, env.ID, p, result, names)
			if err != nil {
				Release(result)
				return nil, err
			}
			result.Attachments = append(result.Attachments, att)
		}
	}

	result.Text = text.String()
	return result, nil
}

func (x *Extractor) materialize(ctx context.Context, messageID string, p email.Part, result *email.ExtractionResult, names map[string]int) (email.Attachment, error) {
	data := p.Data
	if len(data) == 0 {
		fetched, err := x.fetcher.FetchAttachmentBytes(ctx, messageID, p.AttachmentRef)
		if err != nil {
			return email.Attachment{}, err
		}
		data = fetched
	}

	if result.ScratchDir == "" {
		dir, err := os.MkdirTemp(x.scratchDir, "mail2chat-*")
		if err != nil {
			return email.Attachment{}, fault.Fatal("extract", fmt.Errorf("creating scratch dir: %w", err))
		}
		result.ScratchDir = dir
	}

	path := filepath.Join(result.ScratchDir, uniqueName(p.Filename, names))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return email.Attachment{}, fault.Fatal("extract", fmt.Errorf("writing attachment %s: %w", p.Filename, err))
	}

	att := email.Attachment{
		Path:      path,
		Filename:  p.Filename,
		MediaType: p.MediaType,
		Size:      int64(len(data)),
		Oversized: int64(len(data)) > x.maxSize,
	}
	if att.Oversized {
		slog.Warn("attachment exceeds size ceiling",
			"message_id", messageID,
			"filename", att.Filename,
			"size", att.Size,
			"limit", x.maxSize,
		)
	}
	return att, nil
}

// Release removes the scratch directory of result, if any.
func Release(result *email.ExtractionResult) {
	if result == nil || result.ScratchDir == "" {
		return
	}
	if err := os.RemoveAll(result.ScratchDir); err != nil {
		slog.Warn("failed to remove scratch dir", "dir", result.ScratchDir, "error", err)
	}
}

func appendText(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}

// uniqueName keys the scratch file by its declared name, suffixing repeats
// with the first -N that no earlier attachment used.
func uniqueName(filename string, taken map[string]int) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "attachment"
	}
	if taken[name] == 0 {
		taken[name] = 1
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := taken[name] + 1; ; n++ {
		candidate := stem + "-" + strconv.Itoa(n) + ext
		if taken[candidate] == 0 {
			taken[name] = n
			taken[candidate] = 1
			return candidate
		}
	}
}
