// Package automation delivers messages by driving a chat application's UI.
//
// The flow is a finite state machine fed by screen-change events. Next is a
// pure transition function; Driver owns the event loop and performs the
// actions it returns against a Screen.
package automation

import "strings"

// State is a step of the UI automation flow.
type State int

const (
	Idle State = iota
	FindContact
	ComposeText
	Send
	AttachFiles
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FindContact:
		return "find_contact"
	case ComposeText:
		return "compose_text"
	case Send:
		return "send"
	case AttachFiles:
		return "attach_files"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events are consumed.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Element is one node of a screen snapshot.
type Element struct {
	ID       string
	Text     string
	Children int
}

// Snapshot is the visible state of the screen after a change.
type Snapshot struct {
	Package  string
	Elements []Element
}

// Find returns the first element with the given resource id.
func (s Snapshot) Find(id string) (Element, bool) {
	for _, e := range s.Elements {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

// EventKind tags an Event.
type EventKind int

const (
	// EventStart begins the flow.
	EventStart EventKind = iota
	// EventLaunchFailed reports that the target application could not start.
	EventLaunchFailed
	// EventScreen carries a screen snapshot.
	EventScreen
)

// Event is an input to the state machine.
type Event struct {
	Kind   EventKind
	Screen Snapshot
}

// ActionKind tags an Action.
type ActionKind int

const (
	// ActionNone waits for the next event.
	ActionNone ActionKind = iota
	ActionLaunch
	ActionTap
	ActionSetText
	// ActionFinish ends the flow successfully; Caveat may qualify it.
	ActionFinish
	// ActionFail ends the flow; Reason says why.
	ActionFail
)

// Action is what the driver should do after a transition.
type Action struct {
	Kind ActionKind
	// Target is the element id to act on. Child selects the n-th child
	// of that element; -1 means the element itself.
	Target string
	Child  int
	Text   string
	Reason string
	Caveat string
}

// Selectors are the resource ids of the controls the flow drives.
type Selectors struct {
	SearchButton string `yaml:"search_button"`
	SearchInput  string `yaml:"search_input"`
	ContactList  string `yaml:"contact_list"`
	MessageEntry string `yaml:"message_entry"`
	SendButton   string `yaml:"send_button"`
	AttachButton string `yaml:"attach_button"`
	DocumentType string `yaml:"document_type"`
}

// DefaultSelectors returns the resource ids used by the WhatsApp Android app.
func DefaultSelectors(pkg string) Selectors {
	return Selectors{
		SearchButton: pkg + ":id/menuitem_search",
		SearchInput:  pkg + ":id/search_input",
		ContactList:  pkg + ":id/contact_list",
		MessageEntry: pkg + ":id/entry",
		SendButton:   pkg + ":id/send",
		AttachButton: pkg + ":id/attach_button",
		DocumentType: pkg + ":id/pickfiletype_document",
	}
}

// withDefaults fills blank ids from DefaultSelectors(pkg).
func (s Selectors) withDefaults(pkg string) Selectors {
	d := DefaultSelectors(pkg)
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.SearchButton, d.SearchButton)
	fill(&s.SearchInput, d.SearchInput)
	fill(&s.ContactList, d.ContactList)
	fill(&s.MessageEntry, d.MessageEntry)
	fill(&s.SendButton, d.SendButton)
	fill(&s.AttachButton, d.AttachButton)
	fill(&s.DocumentType, d.DocumentType)
	return s
}

// Plan is the fixed input of one run.
type Plan struct {
	Package     string
	Recipient   string
	Body        string
	Attachments int
	Selectors   Selectors
	// EventBound is how many screen events a state may observe without
	// progress before the run fails.
	EventBound int
}

// Status is the mutable part of a run, replaced on every transition.
type Status struct {
	State  State
	Misses int

	searchOpened   bool
	recipientTyped bool
	resultSelected bool
	documentTapped bool
}

// Attach caveats reported on Done.
const (
	CaveatAttachManual   = "attach surface opened; files must be selected manually"
	CaveatAttachNotReady = "attach surface did not open; attachments not sent"
)

// Next returns the status and action that follow ev.
func Next(p Plan, st Status, ev Event) (Status, Action) {
	if st.State.Terminal() {
		return st, Action{Kind: ActionNone}
	}

	switch ev.Kind {
	case EventStart:
		if st.State == Idle {
			return st, Action{Kind: ActionLaunch, Target: p.Package, Child: -1}
		}
		return st, Action{Kind: ActionNone}
	case EventLaunchFailed:
		return fail(st, "target app not installed")
	}

	snap := ev.Screen
	if st.State == AttachFiles && st.documentTapped {
		// The document picker belongs to another package.
		st.State = Done
		return st, Action{Kind: ActionFinish, Caveat: CaveatAttachManual}
	}
	if snap.Package != p.Package {
		return miss(p, st, "target app not in foreground")
	}

	switch st.State {
	case Idle:
		st.State = FindContact
		st.Misses = 0
		return findContact(p, st, snap)
	case FindContact:
		return findContact(p, st, snap)
	case ComposeText:
		return composeText(p, st, snap)
	case Send:
		return send(p, st, snap)
	case AttachFiles:
		return attachFiles(p, st, snap)
	}
	return st, Action{Kind: ActionNone}
}

func findContact(p Plan, st Status, snap Snapshot) (Status, Action) {
	sel := p.Selectors

	if st.resultSelected {
		if _, ok := snap.Find(sel.MessageEntry); ok {
			st.State = ComposeText
			st.Misses = 0
			return st, Action{Kind: ActionSetText, Target: sel.MessageEntry, Child: -1, Text: p.Body}
		}
		return miss(p, st, "contact thread did not open")
	}

	if st.recipientTyped {
		if list, ok := snap.Find(sel.ContactList); ok && list.Children > 0 {
			st.resultSelected = true
			st.Misses = 0
			return st, Action{Kind: ActionTap, Target: sel.ContactList, Child: 0}
		}
		return miss(p, st, "contact not found")
	}

	if _, ok := snap.Find(sel.SearchInput); ok {
		st.recipientTyped = true
		st.Misses = 0
		return st, Action{Kind: ActionSetText, Target: sel.SearchInput, Child: -1, Text: p.Recipient}
	}

	if !st.searchOpened {
		if _, ok := snap.Find(sel.SearchButton); ok {
			st.searchOpened = true
			st.Misses = 0
			return st, Action{Kind: ActionTap, Target: sel.SearchButton, Child: -1}
		}
	}
	return miss(p, st, "contact search not found")
}

func composeText(p Plan, st Status, snap Snapshot) (Status, Action) {
	entry, ok := snap.Find(p.Selectors.MessageEntry)
	if !ok {
		return miss(p, st, "message field not found")
	}
	if strings.TrimSpace(p.Body) == "" || sameText(entry.Text, p.Body) {
		st.State = Send
		st.Misses = 0
		return st, Action{Kind: ActionTap, Target: p.Selectors.SendButton, Child: -1}
	}
	return miss(p, st, "message field did not accept text")
}

func send(p Plan, st Status, snap Snapshot) (Status, Action) {
	entry, ok := snap.Find(p.Selectors.MessageEntry)
	if strings.TrimSpace(p.Body) != "" && (!ok || sameText(entry.Text, p.Body)) {
		return miss(p, st, "send not acknowledged")
	}

	st.Misses = 0
	if p.Attachments == 0 {
		st.State = Done
		return st, Action{Kind: ActionFinish}
	}
	st.State = AttachFiles
	return st, Action{Kind: ActionTap, Target: p.Selectors.AttachButton, Child: -1}
}

func attachFiles(p Plan, st Status, snap Snapshot) (Status, Action) {
	if _, ok := snap.Find(p.Selectors.DocumentType); ok {
		st.documentTapped = true
		st.Misses = 0
		return st, Action{Kind: ActionTap, Target: p.Selectors.DocumentType, Child: -1}
	}

	st.Misses++
	if st.Misses >= bound(p) {
		st.State = Done
		return st, Action{Kind: ActionFinish, Caveat: CaveatAttachNotReady}
	}
	return st, Action{Kind: ActionNone}
}

// miss records an event that did not advance the flow.
func miss(p Plan, st Status, reason string) (Status, Action) {
	st.Misses++
	if st.Misses >= bound(p) {
		return fail(st, reason)
	}
	return st, Action{Kind: ActionNone}
}

func fail(st Status, reason string) (Status, Action) {
	from := st.State
	st.State = Failed
	return st, Action{Kind: ActionFail, Reason: from.String() + ": " + reason}
}

func bound(p Plan) int {
	if p.EventBound <= 0 {
		return DefaultEventBound
	}
	return p.EventBound
}

// sameText compares field contents ignoring how whitespace was rendered.
// Text fields may report typed line breaks as spaces or fold blank lines.
func sameText(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}
