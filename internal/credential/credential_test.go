package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func newTestStore(env map[string]string) *Store {
	ring := keyring.NewArrayKeyring(nil)
	return NewWithKeyring(
		func() (keyring.Keyring, error) { return ring, nil },
		func(k string) string { return env[k] },
	)
}

func TestStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(nil)
	if err := s.Set(ChatAPIToken, "tok-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ChatAPIToken)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tok-123" {
		t.Errorf("Get: got %q, want %q", got, "tok-123")
	}

	if err := s.Delete(ChatAPIToken); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ChatAPIToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestStore_EnvOverridesKeyring(t *testing.T) {
	t.Parallel()

	s := newTestStore(map[string]string{"MAIL2CHAT_IMAP_PASSWORD": "from-env"})
	if err := s.Set(IMAPPassword, "from-ring"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if got := s.Lookup(IMAPPassword); got != "from-env" {
		t.Errorf("Lookup: got %q, want %q", got, "from-env")
	}
}

func TestStore_LookupMissingIsEmpty(t *testing.T) {
	t.Parallel()

	if got := newTestStore(nil).Lookup(GmailToken); got != "" {
		t.Errorf("Lookup: got %q, want empty", got)
	}
}

func TestStore_OpenFailure(t *testing.T) {
	t.Parallel()

	s := NewWithKeyring(
		func() (keyring.Keyring, error) { return nil, errors.New("no backend") },
		func(string) string { return "" },
	)
	if _, err := s.Get(ChatAPIToken); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get: got %v, want backend error", err)
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()

	if !Known("chat_api_token") {
		t.Error("chat_api_token should be known")
	}
	if Known("nope") {
		t.Error("nope should not be known")
	}
}
