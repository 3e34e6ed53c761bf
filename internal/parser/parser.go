// Package parser converts raw RFC 5322 messages into the part tree used by the
// content extractor.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strconv"
	"strings"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail2chat/internal/email"
)

const (
	// maxNesting bounds how deep multipart containers may nest.
	maxNesting = 64
	// maxParts bounds the number of entities read from one message.
	maxParts = 10000
)

// ErrTooComplex is returned when a message exceeds the nesting or part limits.
var ErrTooComplex = errors.New("message structure too complex")

// Parse parses a raw message into an Envelope whose id is left to the caller.
// Leaf bodies are decoded (transfer encoding and charset) and kept inline.
// Named leaves get an AttachmentRef equal to their part path, e.g. "1.2".
func Parse(raw []byte) (*email.Envelope, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	env := &email.Envelope{
		From:    firstAddress(h),
		Subject: decodeSubject(h),
	}

	w := &walker{}
	root, err := w.entity(entity, "", 0)
	if err != nil {
		return nil, err
	}
	env.Parts = []email.Part{root}
	return env, nil
}

// FindPart returns the leaf whose id equals ref.
func FindPart(env *email.Envelope, ref string) (email.Part, bool) {
	stack := append([]email.Part(nil), env.Parts...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.Kind == email.PartLeaf && p.ID == ref {
			return p, true
		}
		stack = append(stack, p.Children...)
	}
	return email.Part{}, false
}

type walker struct {
	parts int
}

func (w *walker) entity(e *message.Entity, path string, depth int) (email.Part, error) {
	w.parts++
	if w.parts > maxParts || depth > maxNesting {
		return email.Part{}, ErrTooComplex
	}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = email.MediaTypePlainText
	}

	if mr := e.MultipartReader(); mr != nil {
		container := email.Part{Kind: email.PartContainer, ID: path, MediaType: mediaType}
		for i := 1; ; i++ {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !isRecoverable(err) {
				slog.Warn("failed to read next part, stopping",
					"path", path,
					"error", err,
				)
				break
			}
			childPart, err := w.entity(child, childPath(path, i), depth+1)
			if err != nil {
				return email.Part{}, err
			}
			container.Children = append(container.Children, childPart)
		}
		return container, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		slog.Warn("failed to read part content",
			"path", path,
			"content_type", mediaType,
			"error", err,
		)
		body = nil
	}

	id := path
	if id == "" {
		id = "1"
	}
	leaf := email.Part{
		Kind:      email.PartLeaf,
		ID:        id,
		MediaType: strings.ToLower(mediaType),
		Data:      body,
		Filename:  extractFilename(e.Header, mediaType, params),
	}
	if leaf.Filename != "" {
		leaf.AttachmentRef = leaf.ID
	}
	return leaf, nil
}

// extractFilename checks Content-Disposition then the Content-Type "name"
// parameter. Attachments without either get a name derived from the media type.
func extractFilename(h message.Header, mediaType string, params map[string]string) string {
	disp, dispParams, err := h.ContentDisposition()
	if err == nil {
		if fn := dispParams["filename"]; fn != "" {
			return decodeWord(fn)
		}
	}
	if name := params["name"]; name != "" {
		return decodeWord(name)
	}
	if strings.EqualFold(disp, "attachment") {
		parts := strings.SplitN(mediaType, "/", 2)
		if len(parts) == 2 {
			return "attachment." + parts[1]
		}
		return "attachment"
	}
	return ""
}

func childPath(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

func firstAddress(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return h.Get("From")
}

func decodeSubject(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return subject
}

var wordDecoder = &mime.WordDecoder{}

func decodeWord(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// isRecoverable reports parse errors after which the entity is still usable.
func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
