package report

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/delivery"
	"github.com/shineum/mail2chat/internal/fault"
	"github.com/shineum/mail2chat/internal/poll"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	errs      []error
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testReporter(m *mockSESClient) *Reporter {
	return NewWithClient("bot@example.com", "ops@example.com", m,
		backoff.NewWithSleeper(backoff.Policy{MaxAttempts: maxAttempts, BaseDelay: baseRetryDelay}, noSleep))
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("api error"),
		},
	}
}

func failedSummary() poll.Summary {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return poll.Summary{
		Started:   start,
		Finished:  start.Add(time.Minute),
		Attempted: 2,
		Succeeded: 1,
		Messages: []poll.MessageOutcome{
			{MessageID: "m1", Outcome: delivery.Outcome{Class: delivery.Sent, Channel: delivery.ChannelAPI}},
			{MessageID: "m2", Subject: "invoice", Outcome: delivery.Outcome{
				Class:   delivery.FailedTerminal,
				Channel: delivery.ChannelAPI,
				Reason:  "HTTP 401",
			}},
		},
	}
}

func TestReport_SendsSummary(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	if err := testReporter(mock).Report(context.Background(), failedSummary()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	in := mock.lastInput
	if got := aws.ToString(in.FromEmailAddress); got != "bot@example.com" {
		t.Errorf("from: got %q, want %q", got, "bot@example.com")
	}
	if got := in.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("to: got %v", got)
	}
	subj := aws.ToString(in.Content.Simple.Subject.Data)
	if subj != "mail2chat: 1 of 2 messages not delivered" {
		t.Errorf("subject: got %q", subj)
	}
	text := aws.ToString(in.Content.Simple.Body.Text.Data)
	if !strings.Contains(text, "m2 (invoice): failed_terminal via api: HTTP 401") {
		t.Errorf("body missing failure line:\n%s", text)
	}
	if strings.Contains(text, "- m1") {
		t.Errorf("body lists delivered message:\n%s", text)
	}
}

func TestReport_CycleError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	s := poll.Summary{Err: fault.Config("poll", "missing configuration")}
	if err := testReporter(mock).Report(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(mock.lastInput.Content.Simple.Subject.Data); got != "mail2chat: poll cycle failed" {
		t.Errorf("subject: got %q", got)
	}
}

func TestReport_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "throttled then ok", errs: []error{responseError(429)}, wantCalls: 2},
		{name: "server errors exhaust", errs: []error{responseError(500), responseError(503), responseError(500)}, wantCalls: 3, wantErr: true},
		{name: "bad request is not retried", errs: []error{responseError(400)}, wantCalls: 1, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{errs: tc.errs}
			err := testReporter(mock).Report(context.Background(), failedSummary())
			if (err != nil) != tc.wantErr {
				t.Errorf("error: got %v, wantErr %v", err, tc.wantErr)
			}
			if mock.callCount != tc.wantCalls {
				t.Errorf("call count: got %d, want %d", mock.callCount, tc.wantCalls)
			}
		})
	}
}
