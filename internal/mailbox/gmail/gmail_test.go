package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
)

type mockAPI struct {
	listFn    func(query string) ([]*gmailv1.Message, error)
	message   *gmailv1.Message
	getErr    error
	body      *gmailv1.MessagePartBody
	lastQuery string
	lastLimit int64
	lastMsgID string
}

func (m *mockAPI) List(_ context.Context, _, query string, limit int64) ([]*gmailv1.Message, error) {
	m.lastQuery = query
	m.lastLimit = limit
	if m.listFn != nil {
		return m.listFn(query)
	}
	return nil, nil
}

func (m *mockAPI) Get(_ context.Context, _, _ string) (*gmailv1.Message, error) {
	return m.message, m.getErr
}

func (m *mockAPI) Attachment(_ context.Context, _, messageID, _ string) (*gmailv1.MessagePartBody, error) {
	m.lastMsgID = messageID
	return m.body, nil
}

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestName(t *testing.T) {
	t.Parallel()
	b := NewWithAPI(&mockAPI{}, "", 0)
	if got := b.Name(); got != "gmail" {
		t.Errorf("Name(): got %q, want %q", got, "gmail")
	}
}

func TestSearch_PassesQueryAndLimit(t *testing.T) {
	t.Parallel()

	api := &mockAPI{listFn: func(string) ([]*gmailv1.Message, error) {
		return []*gmailv1.Message{{Id: "b"}, {Id: "a"}}, nil
	}}
	b := NewWithAPI(api, "me", 0)

	ids, err := b.Search(context.Background(), "from:a@x.com in:inbox -in:trash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.lastQuery != "from:a@x.com in:inbox -in:trash" {
		t.Errorf("query: got %q", api.lastQuery)
	}
	if api.lastLimit != defaultMaxResults {
		t.Errorf("limit: got %d, want %d", api.lastLimit, defaultMaxResults)
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Errorf("ids: got %v", ids)
	}
}

func TestSearch_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"rate limited", &googleapi.Error{Code: 429}, fault.Retryable},
		{"server error", &googleapi.Error{Code: 503}, fault.Retryable},
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, fault.Retryable},
		{"forbidden", &googleapi.Error{Code: 403}, fault.Terminal},
		{"unauthorized", &googleapi.Error{Code: 401}, fault.Terminal},
		{"not found", &googleapi.Error{Code: 404}, fault.Terminal},
		{"transport", &url.Error{Op: "Get", URL: "https://gmail.googleapis.com", Err: errors.New("connection reset")}, fault.Retryable},
		{"other", errors.New("malformed"), fault.Terminal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api := &mockAPI{listFn: func(string) ([]*gmailv1.Message, error) { return nil, tc.err }}
			_, err := NewWithAPI(api, "me", 5).Search(context.Background(), "q")
			if got := fault.KindOf(err); got != tc.want {
				t.Errorf("kind: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestGet_ConvertsNestedPayload(t *testing.T) {
	t.Parallel()

	api := &mockAPI{message: &gmailv1.Message{
		Id: "m1",
		Payload: &gmailv1.MessagePart{
			PartId:   "",
			MimeType: "multipart/mixed",
			Headers: []*gmailv1.MessagePartHeader{
				{Name: "From", Value: "a@x.com"},
				{Name: "Subject", Value: "Report"},
			},
			Parts: []*gmailv1.MessagePart{
				{
					PartId:   "0",
					MimeType: "multipart/alternative",
					Parts: []*gmailv1.MessagePart{
						{PartId: "0.0", MimeType: "text/plain", Body: &gmailv1.MessagePartBody{Data: enc("hello")}},
						{PartId: "0.1", MimeType: "text/html", Body: &gmailv1.MessagePartBody{Data: enc("<p>hello</p>")}},
					},
				},
				{PartId: "1", MimeType: "application/pdf", Filename: "r.pdf", Body: &gmailv1.MessagePartBody{AttachmentId: "att-1", Size: 10}},
			},
		},
	}}

	env, err := NewWithAPI(api, "me", 0).Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.From != "a@x.com" || env.Subject != "Report" {
		t.Errorf("headers: got from=%q subject=%q", env.From, env.Subject)
	}
	if len(env.Parts) != 1 || env.Parts[0].Kind != email.PartContainer {
		t.Fatalf("root: got %+v", env.Parts)
	}

	root := env.Parts[0]
	if len(root.Children) != 2 {
		t.Fatalf("root children: got %d, want 2", len(root.Children))
	}
	alt := root.Children[0]
	if alt.Kind != email.PartContainer || len(alt.Children) != 2 {
		t.Fatalf("alternative: got %+v", alt)
	}
	if string(alt.Children[0].Data) != "hello" {
		t.Errorf("text data: got %q", alt.Children[0].Data)
	}
	att := root.Children[1]
	if !att.IsAttachment() || att.AttachmentRef != "att-1" || att.Filename != "r.pdf" {
		t.Errorf("attachment: got %+v", att)
	}
}

func TestGet_PartWithOwnBodyAndChildren(t *testing.T) {
	t.Parallel()

	api := &mockAPI{message: &gmailv1.Message{
		Id: "m2",
		Payload: &gmailv1.MessagePart{
			MimeType: "text/plain",
			Body:     &gmailv1.MessagePartBody{Data: enc("parent")},
			Parts: []*gmailv1.MessagePart{
				{MimeType: "text/plain", Body: &gmailv1.MessagePartBody{Data: enc("child")}},
			},
		},
	}}

	env, err := NewWithAPI(api, "me", 0).Get(context.Background(), "m2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root := env.Parts[0]
	if len(root.Children) != 2 {
		t.Fatalf("children: got %d, want 2", len(root.Children))
	}
	if string(root.Children[0].Data) != "parent" || string(root.Children[1].Data) != "child" {
		t.Errorf("order: got %q then %q", root.Children[0].Data, root.Children[1].Data)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	api := &mockAPI{getErr: &googleapi.Error{Code: 404}}
	_, err := NewWithAPI(api, "me", 0).Get(context.Background(), "gone")
	if fault.KindOf(err) != fault.Terminal {
		t.Errorf("kind: got %s, want terminal", fault.KindOf(err))
	}
}

func TestGetAttachment_UsesMessageID(t *testing.T) {
	t.Parallel()

	api := &mockAPI{body: &gmailv1.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("pdf-bytes"))}}
	data, err := NewWithAPI(api, "me", 0).GetAttachment(context.Background(), "m1", "att-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.lastMsgID != "m1" {
		t.Errorf("message id: got %q, want %q", api.lastMsgID, "m1")
	}
	if string(data) != "pdf-bytes" {
		t.Errorf("data: got %q", data)
	}
}
