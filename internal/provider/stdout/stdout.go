// Package stdout implements a ChatAPI that prints messages as a chat
// transcript, for trying mail2chat without a gateway account.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Provider writes one transcript block per call. It is safe for concurrent use.
type Provider struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// New creates a Provider that writes to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout, time.Now)
}

// NewWithWriter creates a Provider with a custom writer and clock, used for testing.
func NewWithWriter(w io.Writer, now func() time.Time) *Provider {
	return &Provider{w: w, now: now}
}

// SendText prints body with every line quoted. It never fails.
func (p *Provider) SendText(_ context.Context, recipient, body string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] -> %s (%d chars)\n", p.stamp(), recipient, utf8.RuneCountInString(body))
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		b.WriteString("  | " + line + "\n")
	}
	p.write(b.String())
	return nil
}

// SendFile prints the file reference. It never fails.
func (p *Provider) SendFile(_ context.Context, recipient, url, filename string) error {
	p.write(fmt.Sprintf("[%s] -> %s file %s <%s>\n", p.stamp(), recipient, filename, url))
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func (p *Provider) stamp() string {
	return p.now().Format("15:04:05")
}

func (p *Provider) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, s)
}
