package mailbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
)

func noSleep(context.Context, time.Duration) error { return nil }

type fakeBackend struct {
	searchErrs []error
	ids        []string
	searches   int
	getErr     error
}

func (f *fakeBackend) Search(_ context.Context, _ string) ([]string, error) {
	f.searches++
	if len(f.searchErrs) > 0 {
		err := f.searchErrs[0]
		f.searchErrs = f.searchErrs[1:]
		return nil, err
	}
	return f.ids, nil
}

func (f *fakeBackend) Get(_ context.Context, id string) (*email.Envelope, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &email.Envelope{ID: id}, nil
}

func (f *fakeBackend) GetAttachment(_ context.Context, _, ref string) ([]byte, error) {
	return []byte("bytes-of-" + ref), nil
}

func (f *fakeBackend) Name() string { return "fake" }

func TestBuildQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule email.Rule
		want string
	}{
		{
			name: "sender only",
			rule: email.Rule{Sender: "a@x.com"},
			want: "from:a@x.com in:inbox -in:trash",
		},
		{
			name: "all clauses",
			rule: email.Rule{Sender: "a@x.com", SubjectKeywords: "invoice", BodyKeywords: "paid"},
			want: "from:a@x.com subject:invoice paid in:inbox -in:trash",
		},
		{
			name: "subject and body",
			rule: email.Rule{SubjectKeywords: "alert", BodyKeywords: "disk full"},
			want: "subject:alert disk full in:inbox -in:trash",
		},
		{
			name: "blank fields are omitted",
			rule: email.Rule{Sender: "  ", BodyKeywords: "ping"},
			want: "ping in:inbox -in:trash",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := BuildQuery(tc.rule)
			if got != tc.want {
				t.Errorf("BuildQuery: got %q, want %q", got, tc.want)
			}
			if !strings.HasSuffix(got, ScopeClause) {
				t.Errorf("BuildQuery: %q does not end with scope clause", got)
			}
		})
	}
}

func TestBuildQuery_ClauseOrder(t *testing.T) {
	t.Parallel()

	q := BuildQuery(email.Rule{Sender: "s@x", SubjectKeywords: "subj", BodyKeywords: "body"})
	from := strings.Index(q, "from:")
	subj := strings.Index(q, "subject:")
	body := strings.Index(q, " body ")
	scope := strings.Index(q, ScopeClause)
	if !(from < subj && subj < body && body < scope) {
		t.Errorf("clause order wrong in %q", q)
	}
}

func TestFetchMatching_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		searchErrs: []error{
			fault.Retry("search", errors.New("HTTP 429")),
			fault.Retry("search", errors.New("HTTP 429")),
		},
		ids: []string{"m2", "m1"},
	}
	c := NewClient(fb, backoff.NewWithSleeper(backoff.Policy{}, noSleep))

	ids, err := c.FetchMatching(context.Background(), "from:a@x.com in:inbox -in:trash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.searches != 3 {
		t.Errorf("searches: got %d, want 3", fb.searches)
	}
	if len(ids) != 2 || ids[0] != "m2" || ids[1] != "m1" {
		t.Errorf("ids: got %v, want provider order [m2 m1]", ids)
	}
}

func TestFetchMatching_NoMatchIsEmpty(t *testing.T) {
	t.Parallel()

	c := NewClient(&fakeBackend{}, backoff.NewWithSleeper(backoff.Policy{}, noSleep))
	ids, err := c.FetchMatching(context.Background(), ScopeClause)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids == nil || len(ids) != 0 {
		t.Errorf("ids: got %#v, want empty non-nil slice", ids)
	}
}

func TestFetchFull_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{getErr: fault.Fatal("get", errors.New("HTTP 404"))}
	c := NewClient(fb, backoff.NewWithSleeper(backoff.Policy{}, noSleep))

	_, err := c.FetchFull(context.Background(), "gone")
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.Terminal {
		t.Errorf("kind: got %s, want terminal", fault.KindOf(err))
	}
}

func TestFetchAttachmentBytes(t *testing.T) {
	t.Parallel()

	c := NewClient(&fakeBackend{}, backoff.NewWithSleeper(backoff.Policy{}, noSleep))
	data, err := c.FetchAttachmentBytes(context.Background(), "m1", "att-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "bytes-of-att-1" {
		t.Errorf("data: got %q", data)
	}
}
