package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/mail2chat/internal/fault"
)

// fakeApp simulates the chat application's screens.
type fakeApp struct {
	mu sync.Mutex

	installed   bool
	unavailable error
	contacts    int
	ignoreSend  bool
	// flatten renders typed line breaks as spaces, as some text fields do.
	flatten bool

	screen  string
	entry   string
	actions []string
	block   chan struct{}
}

func newFakeApp() *fakeApp {
	return &fakeApp{installed: true, contacts: 1, screen: "closed"}
}

func (a *fakeApp) id(name string) string { return testPkg + ":id/" + name }

func (a *fakeApp) Available(context.Context) error { return a.unavailable }

func (a *fakeApp) Launch(_ context.Context, pkg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, "launch "+pkg)
	if !a.installed {
		return errors.New("package not found")
	}
	a.screen = "home"
	return nil
}

func (a *fakeApp) Observe(ctx context.Context) (Snapshot, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{Package: testPkg}
	switch a.screen {
	case "closed":
		snap.Package = "com.android.launcher"
	case "home":
		snap.Elements = []Element{{ID: a.id("menuitem_search")}}
	case "search":
		snap.Elements = []Element{{ID: a.id("search_input")}, {ID: a.id("contact_list")}}
	case "results":
		snap.Elements = []Element{{ID: a.id("search_input")}, {ID: a.id("contact_list"), Children: a.contacts}}
	case "thread":
		snap.Elements = []Element{{ID: a.id("entry"), Text: a.entry}, {ID: a.id("send")}, {ID: a.id("attach_button")}}
	case "attach":
		snap.Elements = []Element{{ID: a.id("pickfiletype_document")}}
	case "picker":
		snap.Package = "com.android.documentsui"
	}
	return snap, nil
}

func (a *fakeApp) Tap(_ context.Context, id string, child int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, "tap "+id)

	switch {
	case id == a.id("menuitem_search"):
		a.screen = "search"
	case id == a.id("contact_list") && child == 0:
		a.screen = "thread"
	case id == a.id("send") && !a.ignoreSend:
		a.entry = ""
	case id == a.id("attach_button"):
		a.screen = "attach"
	case id == a.id("pickfiletype_document"):
		a.screen = "picker"
	}
	return nil
}

func (a *fakeApp) SetText(_ context.Context, id, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, "text "+id+"="+text)

	switch id {
	case a.id("search_input"):
		a.screen = "results"
	case a.id("entry"):
		if a.flatten {
			text = strings.ReplaceAll(text, "\n", " ")
		}
		a.entry = text
	}
	return nil
}

func newTestDriver(app *fakeApp, pauses *int) *Driver {
	return NewWithPause(app, Config{Package: testPkg, EventBound: 5}, func(context.Context) error {
		if pauses != nil {
			*pauses++
		}
		return nil
	})
}

func TestDriverSendText(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	var pauses int
	d := newTestDriver(app, &pauses)

	res, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Caveat != "" {
		t.Errorf("Caveat: got %q, want empty", res.Caveat)
	}

	want := []string{
		"launch " + testPkg,
		"tap " + app.id("menuitem_search"),
		"text " + app.id("search_input") + "=Alice",
		"tap " + app.id("contact_list"),
		"text " + app.id("entry") + "=hello",
		"tap " + app.id("send"),
	}
	if len(app.actions) != len(want) {
		t.Fatalf("actions: got %v, want %v", app.actions, want)
	}
	for i := range want {
		if app.actions[i] != want[i] {
			t.Errorf("action %d: got %q, want %q", i, app.actions[i], want[i])
		}
	}
	if pauses != len(want)-1 {
		t.Errorf("pauses: got %d, want %d", pauses, len(want)-1)
	}
}

func TestDriverSendMultiLineText(t *testing.T) {
	t.Parallel()

	for _, flatten := range []bool{false, true} {
		app := newFakeApp()
		app.flatten = flatten
		d := newTestDriver(app, nil)

		body := "From: a@x.com\nSubject: report\n\nfirst\n\nsecond"
		if _, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: body}); err != nil {
			t.Fatalf("flatten=%v: unexpected error: %v", flatten, err)
		}
		last := app.actions[len(app.actions)-1]
		if last != "tap "+app.id("send") {
			t.Errorf("flatten=%v: last action: got %q, want send tap", flatten, last)
		}
	}
}

func TestDriverAttachmentsEndWithCaveat(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	d := newTestDriver(app, nil)

	res, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: "hello", Attachments: []string{"/tmp/a.pdf"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Caveat != CaveatAttachManual {
		t.Errorf("Caveat: got %q, want %q", res.Caveat, CaveatAttachManual)
	}
}

func TestDriverAppNotInstalled(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.installed = false
	d := newTestDriver(app, nil)

	_, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.Terminal {
		t.Errorf("kind: got %s, want terminal", fault.KindOf(err))
	}
}

func TestDriverContactNotFound(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.contacts = 0
	d := newTestDriver(app, nil)

	_, err := d.Send(context.Background(), Request{Recipient: "Nobody", Body: "hello"})
	if err == nil || fault.KindOf(err) != fault.Terminal {
		t.Fatalf("got %v, want terminal error", err)
	}
}

func TestDriverCapabilityUnavailable(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.unavailable = errors.New("no device attached")
	d := newTestDriver(app, nil)

	_, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: "hello"})
	if fault.KindOf(err) != fault.CapabilityUnavailable {
		t.Fatalf("kind: got %s, want capability_unavailable", fault.KindOf(err))
	}
	if len(app.actions) != 0 {
		t.Errorf("no UI actions expected, got %v", app.actions)
	}
}

func TestDriverRejectsConcurrentRequest(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.block = make(chan struct{})
	d := newTestDriver(app, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := d.Send(ctx, Request{Recipient: "Alice", Body: "first"})
		done <- err
	}()

	// Wait until the first run holds the slot.
	for {
		app.mu.Lock()
		started := len(app.actions) > 0
		app.mu.Unlock()
		if started {
			break
		}
	}

	if _, err := d.Send(context.Background(), Request{Recipient: "Bob", Body: "second"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second request: got %v, want ErrBusy", err)
	}

	cancel()
	<-done

	app.block = nil
	if _, err := d.Send(context.Background(), Request{Recipient: "Alice", Body: "third"}); err != nil {
		t.Errorf("slot should be released after the first run, got %v", err)
	}
}
