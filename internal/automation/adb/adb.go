// Package adb implements the automation Screen over the Android Debug Bridge.
// Screen-change events are produced by polling uiautomator window dumps.
package adb

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mail2chat/internal/automation"
	"github.com/shineum/mail2chat/internal/backoff"
)

const (
	// DefaultPollInterval is the delay between window dumps.
	DefaultPollInterval = 500 * time.Millisecond

	// idlePolls is how many unchanged dumps count as one observed event.
	idlePolls = 6
)

// Runner executes an adb command and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Config holds ADB connection settings.
type Config struct {
	Path         string
	Serial       string
	PollInterval time.Duration
}

// Screen drives one Android device.
type Screen struct {
	run      Runner
	interval time.Duration
	sleep    backoff.Sleeper

	mu   sync.Mutex
	last []byte
	tree *node
}

// New creates a Screen that shells out to the adb binary.
func New(cfg Config) *Screen {
	path := cfg.Path
	if path == "" {
		path = "adb"
	}
	run := func(ctx context.Context, args ...string) ([]byte, error) {
		sub := args[0]
		if cfg.Serial != "" {
			args = append([]string{"-s", cfg.Serial}, args...)
		}
		cmd := exec.CommandContext(ctx, path, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return out, fmt.Errorf("adb %s: %s", sub, strings.TrimSpace(stderr.String()))
			}
			return out, fmt.Errorf("running adb: %w", err)
		}
		return out, nil
	}
	return NewWithRunner(run, cfg.PollInterval, backoff.SleepWithContext)
}

// NewWithRunner creates a Screen with a custom runner and sleeper, used for testing.
func NewWithRunner(run Runner, interval time.Duration, sleep backoff.Sleeper) *Screen {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Screen{run: run, interval: interval, sleep: sleep}
}

// Available reports an error unless a device is attached and authorized.
func (s *Screen) Available(ctx context.Context) error {
	out, err := s.run(ctx, "get-state")
	if err != nil {
		return fmt.Errorf("no device available: %w", err)
	}
	if state := strings.TrimSpace(string(out)); state != "device" {
		return fmt.Errorf("device not ready: %s", state)
	}
	return nil
}

// Launch starts pkg's launcher activity.
func (s *Screen) Launch(ctx context.Context, pkg string) error {
	out, err := s.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if bytes.Contains(out, []byte("No activities found")) {
		return fmt.Errorf("package %s has no launcher activity", pkg)
	}
	return nil
}

// Observe polls window dumps until the screen differs from the last observed
// one or stays unchanged for several polls, and returns its snapshot.
func (s *Screen) Observe(ctx context.Context) (automation.Snapshot, error) {
	for i := 0; ; i++ {
		raw, err := s.dump(ctx)
		if err != nil {
			return automation.Snapshot{}, err
		}

		s.mu.Lock()
		changed := !bytes.Equal(raw, s.last)
		s.mu.Unlock()

		if changed || i >= idlePolls {
			tree, err := parseDump(raw)
			if err != nil {
				return automation.Snapshot{}, err
			}
			s.mu.Lock()
			s.last = raw
			s.tree = tree
			s.mu.Unlock()
			return tree.snapshot(), nil
		}

		if err := s.sleep(ctx, s.interval); err != nil {
			return automation.Snapshot{}, err
		}
	}
}

// Tap taps the center of element id, or of its child-th child.
func (s *Screen) Tap(ctx context.Context, id string, child int) error {
	n, err := s.lookup(id, child)
	if err != nil {
		return err
	}
	x, y, err := n.center()
	if err != nil {
		return err
	}
	_, err = s.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// SetText focuses element id and types text into it. Line breaks are sent
// as ENTER key events.
func (s *Screen) SetText(ctx context.Context, id, text string) error {
	if err := s.Tap(ctx, id, -1); err != nil {
		return err
	}
	for _, args := range typeCommands(text) {
		if _, err := s.run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Screen) dump(ctx context.Context) ([]byte, error) {
	out, err := s.run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndex(out, []byte("</hierarchy>"))
	if end < 0 {
		slog.Debug("window dump incomplete", "output", string(out))
		return nil, errors.New("window dump contained no hierarchy")
	}
	return out[:end+len("</hierarchy>")], nil
}

func (s *Screen) lookup(id string, child int) (*node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree == nil {
		return nil, errors.New("no screen observed yet")
	}
	n := s.tree.find(id)
	if n == nil {
		return nil, fmt.Errorf("element %s not on screen", id)
	}
	if child < 0 {
		return n, nil
	}
	if child >= len(n.Nodes) {
		return nil, fmt.Errorf("element %s has no child %d", id, child)
	}
	return &n.Nodes[child], nil
}

type hierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []node   `xml:"node"`
}

type node struct {
	ResourceID string `xml:"resource-id,attr"`
	Text       string `xml:"text,attr"`
	Package    string `xml:"package,attr"`
	Bounds     string `xml:"bounds,attr"`
	Nodes      []node `xml:"node"`
}

func parseDump(raw []byte) (*node, error) {
	var h hierarchy
	if err := xml.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("parsing window dump: %w", err)
	}
	if len(h.Nodes) == 0 {
		return &node{}, nil
	}
	root := &node{Package: h.Nodes[0].Package, Nodes: h.Nodes}
	return root, nil
}

func (n *node) snapshot() automation.Snapshot {
	snap := automation.Snapshot{Package: n.Package}
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.ResourceID != "" {
			snap.Elements = append(snap.Elements, automation.Element{
				ID:       cur.ResourceID,
				Text:     cur.Text,
				Children: len(cur.Nodes),
			})
		}
		for i := len(cur.Nodes) - 1; i >= 0; i-- {
			stack = append(stack, &cur.Nodes[i])
		}
	}
	return snap
}

func (n *node) find(id string) *node {
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.ResourceID == id {
			return cur
		}
		for i := len(cur.Nodes) - 1; i >= 0; i-- {
			stack = append(stack, &cur.Nodes[i])
		}
	}
	return nil
}

var boundsPattern = regexp.MustCompile(`^\[(\d+),(\d+)\]\[(\d+),(\d+)\]$`)

func (n *node) center() (int, int, error) {
	m := boundsPattern.FindStringSubmatch(n.Bounds)
	if m == nil {
		return 0, 0, fmt.Errorf("element %s has invalid bounds %q", n.ResourceID, n.Bounds)
	}
	v := make([]int, 4)
	for i := range v {
		v[i], _ = strconv.Atoi(m[i+1])
	}
	return (v[0] + v[2]) / 2, (v[1] + v[3]) / 2, nil
}

var textEscaper = strings.NewReplacer(
	" ", "%s",
	"\t", "%s",
	`\`, `\\`,
	`"`, `\"`,
	`'`, `\'`,
	"`", "\\`",
	"&", `\&`,
	"|", `\|`,
	";", `\;`,
	"<", `\<`,
	">", `\>`,
	"(", `\(`,
	")", `\)`,
	"$", `\$`,
	"*", `\*`,
	"~", `\~`,
	"#", `\#`,
)

// escapeText encodes text for one "input text" call, which reads spaces as
// %s and runs through the device shell.
func escapeText(text string) string {
	return textEscaper.Replace(text)
}

// typeCommands returns the adb invocations that type text. "input text" has
// no escape for a literal "%s", so the text is split there and the "%" and
// "s" go out in separate calls.
func typeCommands(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var cmds [][]string
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			cmds = append(cmds, []string{"shell", "input", "keyevent", "KEYCODE_ENTER"})
		}
		chunks := strings.Split(line, "%s")
		for j, chunk := range chunks {
			if j > 0 {
				chunk = "s" + chunk
			}
			if j < len(chunks)-1 {
				chunk += "%"
			}
			if chunk == "" {
				continue
			}
			cmds = append(cmds, []string{"shell", "input", "text", escapeText(chunk)})
		}
	}
	return cmds
}
