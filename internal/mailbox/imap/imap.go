// Package imap implements a mailbox Backend on an IMAP server. The mailbox
// query language is translated into IMAP SEARCH criteria against INBOX.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
	"github.com/shineum/mail2chat/internal/parser"
	mailtls "github.com/shineum/mail2chat/internal/tls"
)

const inbox = "INBOX"

// Config holds IMAP connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS    bool
	CAFile string
	// MaxResults keeps only the newest matches when positive.
	MaxResults int
}

// Session is one authenticated connection with INBOX selected.
type Session interface {
	Search(ctx context.Context, criteria *goimap.SearchCriteria) ([]goimap.UID, error)
	FetchRaw(ctx context.Context, uid goimap.UID) ([]byte, error)
	Close() error
}

// Dialer opens a Session.
type Dialer func(ctx context.Context) (Session, error)

// Backend reads messages over IMAP, one connection per call.
type Backend struct {
	dial       Dialer
	maxResults int
}

// New creates a Backend connecting with cfg.
func New(cfg Config) (*Backend, error) {
	tlsCfg, err := mailtls.ClientConfig(cfg.Host, cfg.CAFile)
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context) (Session, error) {
		return connect(ctx, cfg, &imapclient.Options{TLSConfig: tlsCfg})
	}
	return NewWithDialer(dial, cfg.MaxResults), nil
}

// NewWithDialer creates a Backend with a custom dialer, used for testing.
func NewWithDialer(dial Dialer, maxResults int) *Backend {
	return &Backend{dial: dial, maxResults: maxResults}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "imap"
}

// Search translates query and returns matching UIDs as decimal strings.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	criteria := CriteriaFromQuery(query)

	s, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	uids, err := s.Search(ctx, criteria)
	if err != nil {
		return nil, classifyError("imap.search", err)
	}

	if b.maxResults > 0 && len(uids) > b.maxResults {
		uids = uids[len(uids)-b.maxResults:]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// Get fetches and parses the message with the given UID.
func (b *Backend) Get(ctx context.Context, id string) (*email.Envelope, error) {
	raw, err := b.fetch(ctx, "imap.get", id)
	if err != nil {
		return nil, err
	}

	env, err := parser.Parse(raw)
	if err != nil {
		return nil, fault.Fatal("imap.get", err)
	}
	env.ID = id
	return env, nil
}

// GetAttachment fetches the message again and returns the body of part ref.
func (b *Backend) GetAttachment(ctx context.Context, id, ref string) ([]byte, error) {
	env, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	part, ok := parser.FindPart(env, ref)
	if !ok {
		return nil, fault.Fatal("imap.attachment", fmt.Errorf("part %s not found in message %s", ref, id))
	}
	return part.Data, nil
}

func (b *Backend) fetch(ctx context.Context, op, id string) ([]byte, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fault.Fatal(op, fmt.Errorf("invalid UID %q: %w", id, err))
	}

	s, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	raw, err := s.FetchRaw(ctx, goimap.UID(n))
	if err != nil {
		return nil, classifyError(op, err)
	}
	if raw == nil {
		return nil, fault.Fatal(op, fmt.Errorf("message UID %s not found", id))
	}
	return raw, nil
}

// CriteriaFromQuery translates the mailbox query language: "from:" and
// "subject:" tokens become header matches, scope tokens are implied by
// selecting INBOX and excluding \Deleted, and any other token is body text.
func CriteriaFromQuery(query string) *goimap.SearchCriteria {
	criteria := &goimap.SearchCriteria{
		NotFlag: []goimap.Flag{goimap.FlagDeleted},
	}

	var body []string
	for _, tok := range strings.Fields(query) {
		lower := strings.ToLower(tok)
		switch {
		case strings.HasPrefix(lower, "from:") && len(tok) > len("from:"):
			criteria.Header = append(criteria.Header, goimap.SearchCriteriaHeaderField{
				Key: "From", Value: tok[len("from:"):],
			})
		case strings.HasPrefix(lower, "subject:") && len(tok) > len("subject:"):
			criteria.Header = append(criteria.Header, goimap.SearchCriteriaHeaderField{
				Key: "Subject", Value: tok[len("subject:"):],
			})
		case strings.HasPrefix(lower, "in:"), strings.HasPrefix(lower, "-in:"):
		default:
			body = append(body, tok)
		}
	}
	if len(body) > 0 {
		criteria.Body = []string{strings.Join(body, " ")}
	}
	return criteria
}

// classifyError treats server NO/BAD responses as terminal and connection
// failures as retryable.
func classifyError(op string, err error) error {
	var imapErr *goimap.Error
	if errors.As(err, &imapErr) {
		return fault.Fatal(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fault.Retry(op, err)
	}
	return fault.Fatal(op, err)
}

// clientSession is a Session over a go-imap client.
type clientSession struct {
	client *imapclient.Client
	stop   func() bool
}

// dialTimeout bounds establishing the TCP and TLS connection.
const dialTimeout = 30 * time.Second

func connect(ctx context.Context, cfg Config, opts *imapclient.Options) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fault.Retry("imap.dial", fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	var client *imapclient.Client
	if cfg.TLS {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, fault.Retry("imap.dial", fmt.Errorf("TLS handshake with %s: %w", addr, err))
		}
		client = imapclient.New(tlsConn, opts)
	} else {
		// STARTTLS runs synchronously; the deadline covers it.
		if deadline, ok := dialCtx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, fault.Retry("imap.dial", fmt.Errorf("STARTTLS with %s: %w", addr, err))
		}
		conn.SetDeadline(time.Time{})
	}

	// Commands block on the connection; closing it unblocks them when ctx ends.
	stop := context.AfterFunc(ctx, func() { client.Close() })

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		stop()
		_ = client.Close()
		return nil, classifyLogin(ctx, cfg.Username, err)
	}

	if _, err := client.Select(inbox, nil).Wait(); err != nil {
		stop()
		_ = client.Logout().Wait()
		return nil, classifyError("imap.select", fmt.Errorf("selecting %s: %w", inbox, err))
	}

	return &clientSession{client: client, stop: stop}, nil
}

func classifyLogin(ctx context.Context, username string, err error) error {
	if ctx.Err() != nil {
		return fault.Retry("imap.login", fmt.Errorf("login interrupted: %w", ctx.Err()))
	}
	return fault.Fatal("imap.login", fmt.Errorf("authentication failed for %s: %w", username, err))
}

func (s *clientSession) Search(_ context.Context, criteria *goimap.SearchCriteria) ([]goimap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *clientSession) FetchRaw(_ context.Context, uid goimap.UID) ([]byte, error) {
	section := &goimap.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(goimap.UIDSetNum(uid), &goimap.FetchOptions{
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		return nil, cmd.Close()
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	raw := buf.FindBodySection(section)

	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	return raw, nil
}

func (s *clientSession) Close() error {
	s.stop()
	return s.client.Logout().Wait()
}
