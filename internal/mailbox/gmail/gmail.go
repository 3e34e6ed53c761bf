// Package gmail implements a mailbox Backend on the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
)

// defaultMaxResults caps how many ids one search returns.
const defaultMaxResults = 10

// requestTimeout bounds every HTTP call to the Gmail API.
const requestTimeout = 30 * time.Second

// API is the subset of the Gmail service used by the backend.
// Used for testing with mock implementations.
type API interface {
	List(ctx context.Context, user, query string, limit int64) ([]*gmailv1.Message, error)
	Get(ctx context.Context, user, id string) (*gmailv1.Message, error)
	Attachment(ctx context.Context, user, messageID, attachmentID string) (*gmailv1.MessagePartBody, error)
}

// Config holds the settings for creating a Backend.
type Config struct {
	// CredentialsJSON is the OAuth client file downloaded from the Google console.
	CredentialsJSON []byte
	// TokenJSON is a previously authorized oauth2.Token in JSON form.
	TokenJSON []byte
	// User is the mailbox owner, "me" for the authorized account.
	User       string
	MaxResults int64
}

// Backend reads messages through the Gmail API.
type Backend struct {
	api        API
	user       string
	maxResults int64
}

// New creates a Backend from OAuth client credentials and a stored token.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	oauthCfg, err := google.ConfigFromJSON(cfg.CredentialsJSON, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gmail credentials: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(cfg.TokenJSON, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse gmail token: %w", err)
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	svc, err := gmailv1.NewService(ctx, option.WithTokenSource(oauthCfg.TokenSource(ctx, &tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return NewWithAPI(&serviceAPI{svc: svc}, cfg.User, cfg.MaxResults), nil
}

// NewWithAPI creates a Backend with a custom API, used for testing.
func NewWithAPI(api API, user string, maxResults int64) *Backend {
	if user == "" {
		user = "me"
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Backend{api: api, user: user, maxResults: maxResults}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "gmail"
}

// Search lists message ids matching the Gmail query.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	msgs, err := b.api.List(ctx, b.user, query, b.maxResults)
	if err != nil {
		return nil, classifyError("gmail.list", err)
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, nil
}

// Get fetches a message in full format and converts its payload.
func (b *Backend) Get(ctx context.Context, id string) (*email.Envelope, error) {
	msg, err := b.api.Get(ctx, b.user, id)
	if err != nil {
		return nil, classifyError("gmail.get", err)
	}
	if msg.Payload == nil {
		return nil, fault.Fatal("gmail.get", fmt.Errorf("message %s has no payload", id))
	}

	env := &email.Envelope{
		ID:      msg.Id,
		From:    header(msg.Payload, "From"),
		Subject: header(msg.Payload, "Subject"),
	}
	if env.ID == "" {
		env.ID = id
	}

	root, err := convertPart(msg.Payload)
	if err != nil {
		return nil, fault.Fatal("gmail.get", err)
	}
	env.Parts = []email.Part{root}
	return env, nil
}

// GetAttachment downloads one attachment body.
func (b *Backend) GetAttachment(ctx context.Context, id, ref string) ([]byte, error) {
	body, err := b.api.Attachment(ctx, b.user, id, ref)
	if err != nil {
		return nil, classifyError("gmail.attachment", err)
	}
	if body == nil || body.Data == "" {
		return nil, fault.Fatal("gmail.attachment", fmt.Errorf("attachment %s of %s is empty", ref, id))
	}
	data, err := decodeData(body.Data)
	if err != nil {
		return nil, fault.Fatal("gmail.attachment", err)
	}
	return data, nil
}

// convertPart maps a Gmail part onto the part tree. A Gmail part that has
// children and a body of its own becomes a container whose first child is
// that body, so the part's own text stays ahead of its children's.
func convertPart(p *gmailv1.MessagePart) (email.Part, error) {
	leaf := email.Part{
		Kind:      email.PartLeaf,
		ID:        p.PartId,
		MediaType: p.MimeType,
		Filename:  p.Filename,
	}
	if p.Body != nil {
		leaf.AttachmentRef = p.Body.AttachmentId
		if p.Body.Data != "" {
			data, err := decodeData(p.Body.Data)
			if err != nil {
				return email.Part{}, fmt.Errorf("decoding part %s: %w", p.PartId, err)
			}
			leaf.Data = data
		}
	}

	if len(p.Parts) == 0 {
		return leaf, nil
	}

	container := email.Part{
		Kind:      email.PartContainer,
		ID:        p.PartId,
		MediaType: p.MimeType,
	}
	if len(leaf.Data) > 0 || leaf.AttachmentRef != "" {
		container.Children = append(container.Children, leaf)
	}
	for _, child := range p.Parts {
		if child == nil {
			continue
		}
		converted, err := convertPart(child)
		if err != nil {
			return email.Part{}, err
		}
		container.Children = append(container.Children, converted)
	}
	return container, nil
}

// decodeData decodes Gmail's base64url body encoding, padded or not.
func decodeData(s string) ([]byte, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if rawErr != nil {
		return nil, fmt.Errorf("failed to decode base64url data: %w", err)
	}
	return data, nil
}

func header(p *gmailv1.MessagePart, name string) string {
	for _, h := range p.Headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// classifyError maps Gmail API failures onto retryable or terminal faults.
func classifyError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return fault.Retry(op, err)
		case apiErr.Code >= 500:
			return fault.Retry(op, err)
		case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
			return fault.Retry(op, err)
		default:
			return fault.Fatal(op, err)
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Retry(op, err)
	}

	return fault.Fatal(op, err)
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// serviceAPI adapts the generated Gmail client to API.
type serviceAPI struct {
	svc *gmailv1.Service
}

func (s *serviceAPI) List(ctx context.Context, user, query string, limit int64) ([]*gmailv1.Message, error) {
	resp, err := s.svc.Users.Messages.List(user).Q(query).MaxResults(limit).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (s *serviceAPI) Get(ctx context.Context, user, id string) (*gmailv1.Message, error) {
	return s.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
}

func (s *serviceAPI) Attachment(ctx context.Context, user, messageID, attachmentID string) (*gmailv1.MessagePartBody, error) {
	return s.svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
}
