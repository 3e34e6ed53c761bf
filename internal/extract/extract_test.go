package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
)

type fakeFetcher struct {
	data  map[string][]byte
	err   error
	calls int
}

func (f *fakeFetcher) FetchAttachmentBytes(_ context.Context, _, ref string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[ref], nil
}

func named(filename, ref string, data []byte) email.Part {
	p := email.Leaf("application/octet-stream", data)
	p.Filename = filename
	p.AttachmentRef = ref
	return p
}

func text(s string) email.Part {
	return email.Leaf(email.MediaTypePlainText, []byte(s))
}

func TestExtractTextOrder(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{
		ID: "m1",
		Parts: []email.Part{
			email.Container(
				text("first"),
				email.Container(text("second"), email.Leaf("text/html", []byte("<p>x</p>"))),
				text(""),
				text("third"),
			),
		},
	}

	x := New(&fakeFetcher{}, t.TempDir(), 0)
	got, err := x.Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "first\n\nsecond\n\nthird"
	if got.Text != want {
		t.Errorf("Text: got %q, want %q", got.Text, want)
	}
	if len(got.Attachments) != 0 || got.ScratchDir != "" {
		t.Errorf("expected no attachments and no scratch dir, got %+v", got)
	}
}

func TestExtractSinglePlainLeaf(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{ID: "m1", Parts: []email.Part{text("hello")}}

	got, err := New(&fakeFetcher{}, t.TempDir(), 0).Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("Text: got %q, want %q", got.Text, "hello")
	}
}

func TestExtractNoTextLeaves(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{data: map[string][]byte{"r2": []byte("remote-bytes")}}
	env := &email.Envelope{
		ID: "m2",
		Parts: []email.Part{
			email.Container(
				named("a.pdf", "", []byte("inline")),
				email.Leaf("text/html", []byte("<b>ignored</b>")),
				email.Container(named("b.png", "r2", nil)),
			),
		},
	}

	got, err := New(fetcher, t.TempDir(), 0).Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Release(got)

	if got.Text != "" {
		t.Errorf("Text: got %q, want empty", got.Text)
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(got.Attachments))
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls: got %d, want 1", fetcher.calls)
	}

	b := got.Attachments[1]
	if b.Filename != "b.png" || b.Size != int64(len("remote-bytes")) {
		t.Errorf("attachment: got %+v", b)
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		t.Fatalf("reading scratch file: %v", err)
	}
	if string(data) != "remote-bytes" {
		t.Errorf("scratch content: got %q", data)
	}
	if filepath.Dir(b.Path) != got.ScratchDir {
		t.Errorf("path %q not under scratch dir %q", b.Path, got.ScratchDir)
	}
}

func TestExtractIdempotent(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{
		ID: "m3",
		Parts: []email.Part{
			email.Container(text("body"), named("r.csv", "", []byte("a,b")), named("r.csv", "", []byte("c,d,e"))),
		},
	}
	x := New(&fakeFetcher{}, t.TempDir(), 0)

	first, err := x.Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Release(first)
	second, err := x.Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Release(second)

	if first.Text != second.Text {
		t.Errorf("Text differs: %q vs %q", first.Text, second.Text)
	}
	if len(first.Attachments) != len(second.Attachments) {
		t.Fatalf("attachment counts differ: %d vs %d", len(first.Attachments), len(second.Attachments))
	}
	for i := range first.Attachments {
		a, b := first.Attachments[i], second.Attachments[i]
		if a.Filename != b.Filename || a.Size != b.Size {
			t.Errorf("attachment %d differs: %+v vs %+v", i, a, b)
		}
	}
	if filepath.Base(first.Attachments[1].Path) != "r-2.csv" {
		t.Errorf("duplicate name: got %q, want r-2.csv", filepath.Base(first.Attachments[1].Path))
	}
}

func TestExtractOversized(t *testing.T) {
	t.Parallel()

	env := &email.Envelope{ID: "m4", Parts: []email.Part{named("big.bin", "", []byte("0123456789"))}}

	got, err := New(&fakeFetcher{}, t.TempDir(), 4).Extract(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Release(got)

	if len(got.Attachments) != 1 || !got.Attachments[0].Oversized {
		t.Errorf("expected one oversized attachment, got %+v", got.Attachments)
	}
}

func TestExtractPartLimit(t *testing.T) {
	t.Parallel()

	children := make([]email.Part, MaxParts)
	for i := range children {
		children[i] = text("x")
	}
	env := &email.Envelope{ID: "m5", Parts: []email.Part{email.Container(children...)}}

	_, err := New(&fakeFetcher{}, t.TempDir(), 0).Extract(context.Background(), env)
	if err == nil {
		t.Fatal("expected error beyond part limit")
	}
	if fault.KindOf(err) != fault.Terminal {
		t.Errorf("kind: got %s, want terminal", fault.KindOf(err))
	}
}

func TestExtractFetchFailureCleansUp(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	fetchErr := fault.Retry("fetch", errors.New("rate limited"))
	env := &email.Envelope{
		ID:    "m6",
		Parts: []email.Part{email.Container(named("a.txt", "", []byte("ok")), named("b.txt", "r", nil))},
	}

	_, err := New(&fakeFetcher{err: fetchErr}, scratch, 0).Extract(context.Background(), env)
	if !errors.Is(err, fetchErr) {
		t.Fatalf("got %v, want fetch error", err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("reading scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned up: %d entries", len(entries))
	}
}

func TestExtractDuplicateNamesGetDistinctFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{"repeat", []string{"a.txt", "a.txt", "a.txt"}, []string{"a.txt", "a-2.txt", "a-3.txt"}},
		{"suffix declared later", []string{"a.txt", "a.txt", "a-2.txt"}, []string{"a.txt", "a-2.txt", "a-2-2.txt"}},
		{"suffix declared first", []string{"a-2.txt", "a.txt", "a.txt"}, []string{"a-2.txt", "a.txt", "a-3.txt"}},
		{"nested paths", []string{"x/a.txt", "y/a.txt"}, []string{"a.txt", "a-2.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var parts []email.Part
			for i, f := range tt.files {
				parts = append(parts, named(f, "", []byte{byte('0' + i)}))
			}
			env := &email.Envelope{ID: "m", Parts: parts}

			got, err := New(&fakeFetcher{}, t.TempDir(), 0).Extract(context.Background(), env)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer Release(got)

			if len(got.Attachments) != len(tt.want) {
				t.Fatalf("Attachments: got %d, want %d", len(got.Attachments), len(tt.want))
			}
			for i, att := range got.Attachments {
				if base := filepath.Base(att.Path); base != tt.want[i] {
					t.Errorf("attachment %d path: got %q, want %q", i, base, tt.want[i])
				}
				if att.Filename != tt.files[i] {
					t.Errorf("attachment %d Filename: got %q, want %q", i, att.Filename, tt.files[i])
				}
				data, err := os.ReadFile(att.Path)
				if err != nil {
					t.Fatalf("reading %s: %v", att.Path, err)
				}
				if want := string([]byte{byte('0' + i)}); string(data) != want {
					t.Errorf("attachment %d content: got %q, want %q", i, data, want)
				}
			}
		})
	}
}
