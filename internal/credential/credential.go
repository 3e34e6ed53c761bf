// Package credential reads and stores secrets in the OS keyring. An
// environment variable always takes precedence over the keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mail2chat"

// Well-known credential keys.
const (
	ChatAPIToken  = "chat_api_token"
	IMAPPassword  = "imap_password"
	GmailToken    = "gmail_token"
	BlobSecretKey = "blob_secret_key"
)

// Keys lists every credential the application reads.
var Keys = []string{ChatAPIToken, IMAPPassword, GmailToken, BlobSecretKey}

// ErrNotFound is returned when a credential is in neither the environment
// nor the keyring.
var ErrNotFound = errors.New("credential not found")

// Store resolves credentials.
type Store struct {
	open   func() (keyring.Keyring, error)
	getenv func(string) string
}

// New creates a Store over the system keyring.
func New() *Store {
	return NewWithKeyring(openKeyring, os.Getenv)
}

// NewWithKeyring creates a Store with a custom keyring and environment, used for testing.
func NewWithKeyring(open func() (keyring.Keyring, error), getenv func(string) string) *Store {
	return &Store{open: open, getenv: getenv}
}

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mail2chat/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mail2chat-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return "MAIL2CHAT_" + strings.ToUpper(key)
}

// Get returns the value of key.
func (s *Store) Get(key string) (string, error) {
	if v := s.getenv(EnvName(key)); v != "" {
		return v, nil
	}

	ring, err := s.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Lookup returns the value of key, or "" when it is not set anywhere.
func (s *Store) Lookup(key string) string {
	v, err := s.Get(key)
	if err != nil {
		return ""
	}
	return v
}

// Set stores value under key in the keyring.
func (s *Store) Set(key, value string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: serviceName + " " + key}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes key from the keyring.
func (s *Store) Delete(key string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Known reports whether key is one of Keys.
func Known(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}
