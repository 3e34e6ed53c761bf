// Package tls builds client TLS configuration for mailbox connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig returns a tls.Config for connecting to serverName. When caFile
// is set, its PEM certificates replace the system roots, which is how
// self-hosted IMAP servers with private CAs are reached.
func ClientConfig(serverName, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caFile == "" {
		return cfg, nil
	}

	if _, err := os.Stat(caFile); err != nil {
		return nil, fmt.Errorf("CA file not found: %w", err)
	}

	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool

	return cfg, nil
}
