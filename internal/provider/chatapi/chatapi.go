// Package chatapi implements a ChatAPI over an HTTP chat gateway exposing
// per-instance sendMessage and sendFile endpoints.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mail2chat/internal/fault"
)

// DefaultBaseURL is the public gateway endpoint.
const DefaultBaseURL = "https://api.chat-api.com"

// Config holds the configuration for creating a Client.
type Config struct {
	BaseURL    string
	InstanceID string
	Token      string
}

// Client sends chat messages through the gateway. It performs exactly one
// HTTP request per call; retries belong to the caller.
type Client struct {
	baseURL    string
	instanceID string
	token      string
	httpClient *http.Client
}

// New creates a Client with a 30 second request timeout.
func New(cfg Config) *Client {
	return NewWithHTTPClient(cfg, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient creates a Client with a custom HTTP client, used for testing.
func NewWithHTTPClient(cfg Config, client *http.Client) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		instanceID: cfg.InstanceID,
		token:      cfg.Token,
		httpClient: client,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "chatapi"
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, recipient, body string) error {
	return c.post(ctx, "sendMessage", sendMessageRequest{Phone: recipient, Body: body})
}

// SendFile posts a file message; the gateway downloads the file from fileURL.
func (c *Client) SendFile(ctx context.Context, recipient, fileURL, filename string) error {
	return c.post(ctx, "sendFile", sendMessageRequest{Phone: recipient, Body: fileURL, Filename: filename})
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/instance%s/%s?token=%s",
		c.baseURL, url.PathEscape(c.instanceID), method, url.QueryEscape(c.token))
}

func (c *Client) post(ctx context.Context, method string, payload sendMessageRequest) error {
	op := "chatapi." + method

	bodyJSON, err := json.Marshal(payload)
	if err != nil {
		return fault.Fatal(op, fmt.Errorf("failed to marshal request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(bodyJSON))
	if err != nil {
		return fault.Fatal(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The token is part of the URL; keep it out of logs.
		return fault.Retry(op, fmt.Errorf("HTTP request failed: %s", redact(err.Error(), c.token)))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result sendMessageResponse
		if json.Unmarshal(body, &result) == nil && result.Sent != nil && !*result.Sent {
			return fault.Fatal(op, fmt.Errorf("gateway rejected message: %s", result.Message))
		}
		return nil
	}

	return classifyError(op, resp.StatusCode, string(body))
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(op string, statusCode int, message string) error {
	err := &sendError{statusCode: statusCode, message: strings.TrimSpace(message)}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fault.Retry(op, err)
	case statusCode >= 500:
		return fault.Retry(op, err)
	default:
		return fault.Fatal(op, err)
	}
}

// sendError is a non-2xx gateway response.
type sendError struct {
	statusCode int
	message    string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("chat API error (HTTP %d): %s", e.statusCode, e.message)
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	s = strings.ReplaceAll(s, url.QueryEscape(secret), "REDACTED")
	return strings.ReplaceAll(s, secret, "REDACTED")
}

type sendMessageRequest struct {
	Phone    string `json:"phone"`
	Body     string `json:"body"`
	Filename string `json:"filename,omitempty"`
}

type sendMessageResponse struct {
	Sent    *bool  `json:"sent"`
	Message string `json:"message"`
	ID      string `json:"id"`
}
