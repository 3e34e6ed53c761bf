// Package delivery hands messages to the chat application, through the chat
// API when it is configured and through UI automation otherwise.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shineum/mail2chat/internal/automation"
	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/blob"
	"github.com/shineum/mail2chat/internal/email"
	"github.com/shineum/mail2chat/internal/fault"
	"github.com/shineum/mail2chat/internal/provider"
)

const (
	// DefaultMaxAttempts is the chat API attempt budget per call.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the chat API backoff unit.
	DefaultBaseDelay = 5 * time.Minute
)

// CaveatBestEffort qualifies every automation success.
const CaveatBestEffort = "send action triggered; delivery not confirmed"

// Request is one message to deliver.
type Request struct {
	Recipient   string
	Body        string
	Attachments []email.Attachment
	// TextSent skips the body when resending the remainder of a partial delivery.
	TextSent bool
}

// Automation is the UI automation channel.
type Automation interface {
	Send(ctx context.Context, req automation.Request) (automation.Result, error)
}

// Options wires an Engine. API and Automation may be nil when that channel
// is not configured; Blobs is required for attachments on the API channel.
type Options struct {
	API        provider.ChatAPI
	Blobs      blob.Storage
	BlobPrefix string
	Retry      *backoff.Executor
	Automation Automation
}

// Engine delivers requests. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	api        provider.ChatAPI
	blobs      blob.Storage
	blobPrefix string
	retry      *backoff.Executor
	automation Automation
}

// New creates an Engine.
func New(opts Options) *Engine {
	retry := opts.Retry
	if retry == nil {
		retry = backoff.New(backoff.Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay})
	}
	return &Engine{
		api:        opts.API,
		blobs:      opts.Blobs,
		blobPrefix: opts.BlobPrefix,
		retry:      retry,
		automation: opts.Automation,
	}
}

// Deliver tries the API channel, then falls back to automation when the API
// is not configured or its text send ran out of retries. Scratch files of
// the request's attachments are removed before returning.
func (e *Engine) Deliver(ctx context.Context, req Request) Outcome {
	defer removeScratch(req.Attachments)

	if e.api == nil {
		if e.automation == nil {
			return failure(ChannelNone, fault.Config("delivery", "no delivery channel configured"))
		}
		slog.Info("chat API not configured, using automation", "recipient", req.Recipient)
		return e.viaAutomation(ctx, req, "")
	}

	if !req.TextSent && strings.TrimSpace(req.Body) != "" {
		err := e.retry.Do(ctx, e.api.Name()+".send_text", func(ctx context.Context) error {
			return e.api.SendText(ctx, req.Recipient, req.Body)
		})
		if err != nil {
			if errors.Is(err, backoff.ErrExhausted) && e.automation != nil {
				slog.Warn("chat API exhausted retries, falling back to automation",
					"recipient", req.Recipient,
					"error", err,
				)
				return e.viaAutomation(ctx, req, err.Error())
			}
			return failure(ChannelAPI, err)
		}
	}

	out := Outcome{Class: Sent, Channel: ChannelAPI, TextSent: true}
	for i, att := range req.Attachments {
		if att.Oversized {
			slog.Warn("skipping oversized attachment",
				"filename", att.Filename,
				"size", att.Size,
			)
			out.Skipped = append(out.Skipped, att.Filename)
			continue
		}

		if err := e.sendAttachment(ctx, req.Recipient, att); err != nil {
			out.Class = FailedRetryable
			out.Kind = fault.PartialDelivery
			out.Reason = fmt.Sprintf("attachment %s failed: %v", att.Filename, err)
			for _, rest := range req.Attachments[i:] {
				if !rest.Oversized {
					out.Unsent = append(out.Unsent, rest.Filename)
				}
			}
			return out
		}
	}

	if len(out.Skipped) > 0 {
		out.Caveat = fmt.Sprintf("%d attachment(s) over the size limit not sent", len(out.Skipped))
	}
	return out
}

func (e *Engine) sendAttachment(ctx context.Context, recipient string, att email.Attachment) error {
	if e.blobs == nil {
		return fault.Config("delivery", "blob storage not configured")
	}

	key := blob.ObjectKey(e.blobPrefix, att.Filename)
	var url string
	err := e.retry.Do(ctx, "blob.upload", func(ctx context.Context) error {
		f, err := os.Open(att.Path)
		if err != nil {
			return fault.Fatal("blob.upload", err)
		}
		defer f.Close()

		u, err := e.blobs.Upload(ctx, key, f, att.MediaType, att.Size)
		if err != nil {
			return err
		}
		url = u
		return nil
	})
	if err != nil {
		return err
	}

	err = e.retry.Do(ctx, e.api.Name()+".send_file", func(ctx context.Context) error {
		return e.api.SendFile(ctx, recipient, url, att.Filename)
	})
	if err != nil {
		// Nothing references the object; a resend uploads it again.
		if derr := e.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.Warn("failed to delete unsent blob", "key", key, "error", derr)
		}
	}
	return err
}

func (e *Engine) viaAutomation(ctx context.Context, req Request, apiReason string) Outcome {
	paths := make([]string, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		paths = append(paths, att.Path)
	}

	res, err := e.automation.Send(ctx, automation.Request{
		Recipient:   req.Recipient,
		Body:        req.Body,
		Attachments: paths,
	})
	if err != nil {
		var out Outcome
		if errors.Is(err, automation.ErrBusy) {
			out = failure(ChannelAutomation, fault.Retry("automation", err))
		} else {
			out = failure(ChannelAutomation, err)
		}
		if apiReason != "" {
			out.Reason = fmt.Sprintf("%s; after chat API failure: %s", out.Reason, apiReason)
		}
		return out
	}

	caveat := CaveatBestEffort
	if res.Caveat != "" {
		caveat = caveat + "; " + res.Caveat
	}
	return Outcome{
		Class:    SentBestEffort,
		Channel:  ChannelAutomation,
		Caveat:   caveat,
		TextSent: true,
	}
}

func removeScratch(atts []email.Attachment) {
	for _, att := range atts {
		if att.Path == "" {
			continue
		}
		if err := os.Remove(att.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove scratch file", "path", att.Path, "error", err)
		}
	}
}
