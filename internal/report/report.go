// Package report e-mails a summary of poll cycles that had failures,
// through AWS SES v2.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/fault"
	"github.com/shineum/mail2chat/internal/poll"
)

// maxAttempts is the SES attempt budget per report.
const maxAttempts = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Reporter.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	Recipient       string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Reporter sends cycle summaries by e-mail.
type Reporter struct {
	sender    string
	recipient string
	client    SendEmailAPI
	retry     *backoff.Executor
}

// New creates a Reporter with the given configuration.
func New(ctx context.Context, cfg Config) (*Reporter, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	retry := backoff.New(backoff.Policy{MaxAttempts: maxAttempts, BaseDelay: baseRetryDelay})
	return NewWithClient(cfg.Sender, cfg.Recipient, sesv2.NewFromConfig(awsCfg), retry), nil
}

// NewWithClient creates a Reporter with a custom client, used for testing.
func NewWithClient(sender, recipient string, client SendEmailAPI, retry *backoff.Executor) *Reporter {
	return &Reporter{
		sender:    sender,
		recipient: recipient,
		client:    client,
		retry:     retry,
	}
}

// Report sends s to the configured recipient.
func (r *Reporter) Report(ctx context.Context, s poll.Summary) error {
	input := buildInput(r.sender, r.recipient, s)

	return r.retry.Do(ctx, "ses.send_email", func(ctx context.Context) error {
		out, err := r.client.SendEmail(ctx, input)
		if err != nil {
			slog.Warn("SES API error", "error", err)
			return classifyError(err)
		}
		slog.Debug("cycle report sent", "message_id", aws.ToString(out.MessageId))
		return nil
	})
}

func buildInput(sender, recipient string, s poll.Summary) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject(s)),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body(s)),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

func subject(s poll.Summary) string {
	if s.Err != nil {
		return "mail2chat: poll cycle failed"
	}
	return fmt.Sprintf("mail2chat: %d of %d messages not delivered", s.Attempted-s.Succeeded, s.Attempted)
}

func body(s poll.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle started %s, finished %s.\n", s.Started.Format(time.RFC3339), s.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s\n", s)

	for _, m := range s.Messages {
		if m.Outcome.OK() {
			continue
		}
		fmt.Fprintf(&b, "\n- %s", m.MessageID)
		if m.Subject != "" {
			fmt.Fprintf(&b, " (%s)", m.Subject)
		}
		fmt.Fprintf(&b, ": %s", m.Outcome)
	}
	return b.String()
}

func classifyError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return fault.Retry("ses.send_email", err)
		}
		return fault.Fatal("ses.send_email", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fault.Retry("ses.send_email", err)
	}
	return fault.Fatal("ses.send_email", err)
}
