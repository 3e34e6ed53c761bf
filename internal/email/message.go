// Package email defines the message data model shared by the mailbox backends,
// the content extractor and the delivery engine.
package email

import "strings"

// MediaTypePlainText is the part type that contributes to a message's text body.
const MediaTypePlainText = "text/plain"

// Rule selects which mailbox messages get forwarded. All fields are optional,
// but a rule with every field empty matches nothing.
type Rule struct {
	Sender          string `yaml:"sender"`
	SubjectKeywords string `yaml:"subject_keywords"`
	BodyKeywords    string `yaml:"body_keywords"`
}

// Empty reports whether the rule has no non-blank field.
func (r Rule) Empty() bool {
	return strings.TrimSpace(r.Sender) == "" &&
		strings.TrimSpace(r.SubjectKeywords) == "" &&
		strings.TrimSpace(r.BodyKeywords) == ""
}

// Envelope is a fetched message with its content tree. It lives only for the
// duration of one extraction and is never persisted.
type Envelope struct {
	ID      string
	From    string
	Subject string
	Parts   []Part
}

// PartKind tags a Part as a leaf or a container.
type PartKind int

const (
	PartLeaf PartKind = iota
	PartContainer
)

// Part is a node of a message's content tree.
//
// A leaf carries a media type and either inline Data or an AttachmentRef that
// must be fetched from the mailbox. A container only carries Children.
type Part struct {
	Kind PartKind

	ID            string
	MediaType     string
	Filename      string
	Data          []byte
	AttachmentRef string

	Children []Part
}

// Leaf builds a leaf part with inline data.
func Leaf(mediaType string, data []byte) Part {
	return Part{Kind: PartLeaf, MediaType: mediaType, Data: data}
}

// Container builds a container part holding children in order.
func Container(children ...Part) Part {
	return Part{Kind: PartContainer, MediaType: "multipart/mixed", Children: children}
}

// IsAttachment reports whether the leaf names a file and has a body to fetch
// or read inline.
func (p Part) IsAttachment() bool {
	if p.Kind != PartLeaf || p.Filename == "" {
		return false
	}
	return p.AttachmentRef != "" || len(p.Data) > 0
}

// IsText reports whether the leaf contributes to the aggregate text body.
func (p Part) IsText() bool {
	if p.Kind != PartLeaf || p.Filename != "" {
		return false
	}
	return strings.EqualFold(p.MediaType, MediaTypePlainText) && len(p.Data) > 0
}

// Attachment is a materialized attachment on local scratch storage.
type Attachment struct {
	Path      string
	Filename  string
	MediaType string
	Size      int64
	Oversized bool
}

// ExtractionResult is the output of walking one Envelope. ScratchDir holds
// the materialized attachments and is removed once delivery is done.
type ExtractionResult struct {
	Text        string
	Attachments []Attachment
	ScratchDir  string
}
