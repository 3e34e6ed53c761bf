package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shineum/mail2chat/internal/actionlog"
	"github.com/shineum/mail2chat/internal/automation"
	"github.com/shineum/mail2chat/internal/automation/adb"
	"github.com/shineum/mail2chat/internal/backoff"
	"github.com/shineum/mail2chat/internal/blob"
	"github.com/shineum/mail2chat/internal/config"
	"github.com/shineum/mail2chat/internal/delivery"
	"github.com/shineum/mail2chat/internal/extract"
	"github.com/shineum/mail2chat/internal/mailbox"
	"github.com/shineum/mail2chat/internal/mailbox/gmail"
	"github.com/shineum/mail2chat/internal/mailbox/imap"
	"github.com/shineum/mail2chat/internal/poll"
	"github.com/shineum/mail2chat/internal/prompt"
	"github.com/shineum/mail2chat/internal/provider"
	"github.com/shineum/mail2chat/internal/provider/chatapi"
	"github.com/shineum/mail2chat/internal/provider/stdout"
	"github.com/shineum/mail2chat/internal/report"
	"github.com/shineum/mail2chat/internal/schedule"
	"github.com/shineum/mail2chat/internal/store"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	log    *actionlog.Log
	engine *delivery.Engine
}

func openApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st, log: actionlog.New(st)}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// withDelivery builds the delivery engine and its channels.
func (a *app) withDelivery() error {
	cfg := a.cfg
	opts := delivery.Options{
		BlobPrefix: cfg.Blob.Prefix,
		Retry: backoff.New(backoff.Policy{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.BaseDelay,
		}),
	}

	if cfg.ChatAPIConfigured() {
		opts.API = selectChatAPI(cfg)
		blobs, err := selectBlobStorage(cfg)
		if err != nil {
			return err
		}
		opts.Blobs = blobs
	} else {
		slog.Info("chat API credentials not set")
	}

	if cfg.AutomationEnabled() {
		screen := adb.New(adb.Config{
			Path:         cfg.Automation.ADBPath,
			Serial:       cfg.Automation.Serial,
			PollInterval: cfg.Automation.PollInterval,
		})
		opts.Automation = automation.New(screen, automation.Config{
			Package:    cfg.Automation.TargetPackage,
			Selectors:  cfg.Automation.Selectors,
			EventBound: cfg.Automation.EventBound,
		})
		slog.Info("UI automation enabled",
			"package", cfg.Automation.TargetPackage,
			"serial", cfg.Automation.Serial,
		)
	}

	a.engine = delivery.New(opts)
	return nil
}

// selectChatAPI chooses the chat API backend based on configuration.
func selectChatAPI(cfg *config.Config) provider.ChatAPI {
	if cfg.ChatAPI.Provider == "stdout" {
		slog.Info("using stdout chat provider")
		return stdout.New()
	}
	slog.Info("using chat API provider",
		"base_url", cfg.ChatAPI.BaseURL,
		"instance_id", cfg.ChatAPI.InstanceID,
	)
	return chatapi.New(chatapi.Config{
		BaseURL:    cfg.ChatAPI.BaseURL,
		InstanceID: cfg.ChatAPI.InstanceID,
		Token:      cfg.ChatAPI.Token,
	})
}

// selectBlobStorage chooses where attachments are hosted for the chat API.
func selectBlobStorage(cfg *config.Config) (blob.Storage, error) {
	if cfg.Blob.Provider == "log" {
		slog.Info("using log blob storage; attachment URLs are not fetchable")
		return blob.NewLogStorage(cfg.Blob.PublicURLBase), nil
	}
	slog.Info("using S3 blob storage", "bucket", cfg.Blob.Bucket, "endpoint", cfg.Blob.Endpoint)
	return blob.NewS3Storage(blob.S3Config{
		Endpoint:      cfg.Blob.Endpoint,
		Bucket:        cfg.Blob.Bucket,
		Region:        cfg.Blob.Region,
		AccessKey:     cfg.Blob.AccessKey,
		SecretKey:     cfg.Blob.SecretKey,
		PublicURLBase: cfg.Blob.PublicURLBase,
	})
}

// selectMailbox chooses the mailbox backend based on configuration.
func selectMailbox(ctx context.Context, cfg *config.Config) (mailbox.Backend, error) {
	switch cfg.Mailbox.Provider {
	case "imap":
		slog.Info("using IMAP mailbox",
			"host", cfg.Mailbox.IMAP.Host,
			"username", cfg.Mailbox.IMAP.Username,
		)
		return imap.New(imap.Config{
			Host:       cfg.Mailbox.IMAP.Host,
			Port:       cfg.Mailbox.IMAP.Port,
			Username:   cfg.Mailbox.IMAP.Username,
			Password:   cfg.Mailbox.IMAP.Password,
			TLS:        cfg.Mailbox.IMAP.TLS,
			CAFile:     cfg.Mailbox.IMAP.CAFile,
			MaxResults: cfg.Mailbox.MaxResults,
		})
	default:
		creds, err := os.ReadFile(cfg.Mailbox.Gmail.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read gmail credentials: %w", err)
		}
		token := []byte(cfg.Mailbox.Gmail.Token)
		if len(token) == 0 {
			if token, err = os.ReadFile(cfg.Mailbox.Gmail.TokenFile); err != nil {
				return nil, fmt.Errorf("failed to read gmail token: %w", err)
			}
		}
		slog.Info("using Gmail mailbox", "user", cfg.Mailbox.Gmail.User)
		return gmail.New(ctx, gmail.Config{
			CredentialsJSON: creds,
			TokenJSON:       token,
			User:            cfg.Mailbox.Gmail.User,
			MaxResults:      int64(cfg.Mailbox.MaxResults),
		})
	}
}

// orchestrator builds the poll orchestrator. withDelivery must run first.
func (a *app) orchestrator(ctx context.Context) (*poll.Orchestrator, error) {
	cfg := a.cfg
	backend, err := selectMailbox(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mb := mailbox.NewClient(backend, backoff.New(backoff.Policy{
		MaxAttempts: cfg.Poll.MaxAttempts,
		BaseDelay:   cfg.Poll.BaseDelay,
	}))
	ex := extract.New(mb, cfg.Forward.ScratchDir, cfg.Delivery.MaxAttachmentSize)

	opts := poll.Options{IncludeHeaders: cfg.Forward.IncludeHeaders}
	if cfg.ReportConfigured() {
		rep, err := report.New(ctx, report.Config{
			Region:    cfg.Report.Region,
			Sender:    cfg.Report.Sender,
			Recipient: cfg.Report.Recipient,
		})
		if err != nil {
			return nil, err
		}
		opts.Reporter = rep
	}

	return poll.New(cfg, mb, ex, a.engine, a.log, opts), nil
}

// scheduler builds the deferred dispatch scheduler. Without an alarm it only
// edits stored items.
func (a *app) scheduler(alarm schedule.Alarm) *schedule.Scheduler {
	opts := schedule.Options{
		ConfirmTimeout: a.cfg.Schedule.ConfirmTimeout,
	}
	if alarm != nil {
		opts.Alarm = alarm
		opts.Presenter = prompt.New()
	}
	var dl schedule.Deliverer
	if a.engine != nil {
		dl = a.engine
	}
	return schedule.New(a.store, dl, a.log, opts)
}
