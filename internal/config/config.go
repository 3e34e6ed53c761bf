// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mail2chat.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mail2chat/internal/automation"
	"github.com/shineum/mail2chat/internal/credential"
	"github.com/shineum/mail2chat/internal/email"
)

// defaultMaxAttachmentSize is 100 MB in bytes.
const defaultMaxAttachmentSize = 104857600

// Config holds the complete application configuration.
type Config struct {
	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Filter     email.Rule       `yaml:"filter"`
	Forward    ForwardConfig    `yaml:"forward"`
	Poll       RetryConfig      `yaml:"poll"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	ChatAPI    ChatAPIConfig    `yaml:"chat_api"`
	Blob       BlobConfig       `yaml:"blob"`
	Automation AutomationConfig `yaml:"automation"`
	Store      StoreConfig      `yaml:"store"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Report     ReportConfig     `yaml:"report"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MailboxConfig selects and configures the mailbox backend.
type MailboxConfig struct {
	Provider   string      `yaml:"provider"`
	MaxResults int         `yaml:"max_results"`
	Gmail      GmailConfig `yaml:"gmail"`
	IMAP       IMAPConfig  `yaml:"imap"`
}

// GmailConfig holds Gmail API OAuth settings.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	// Token is the oauth2 token JSON; it takes precedence over TokenFile.
	Token string `yaml:"-"`
	User  string `yaml:"user"`
}

// IMAPConfig holds IMAP server settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	CAFile   string `yaml:"ca_file"`
}

// ForwardConfig controls what gets sent and to whom.
type ForwardConfig struct {
	Recipient      string `yaml:"recipient"`
	IncludeHeaders bool   `yaml:"include_headers"`
	ScratchDir     string `yaml:"scratch_dir"`
}

// RetryConfig is a backoff policy plus, for polling, the cycle interval.
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// DeliveryConfig holds the chat delivery retry policy and size limit.
type DeliveryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxAttachmentSize int64         `yaml:"max_attachment_size"`
}

// ChatAPIConfig holds the HTTP chat API settings.
type ChatAPIConfig struct {
	Provider   string `yaml:"provider"`
	BaseURL    string `yaml:"base_url"`
	InstanceID string `yaml:"instance_id"`
	Token      string `yaml:"token"`
}

// BlobConfig holds attachment hosting settings.
type BlobConfig struct {
	Provider      string `yaml:"provider"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	PublicURLBase string `yaml:"public_url_base"`
	Prefix        string `yaml:"prefix"`
}

// AutomationConfig holds UI automation settings.
type AutomationConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	ADBPath       string               `yaml:"adb_path"`
	Serial        string               `yaml:"serial"`
	TargetPackage string               `yaml:"target_package"`
	EventBound    int                  `yaml:"event_bound"`
	PollInterval  time.Duration        `yaml:"poll_interval"`
	Selectors     automation.Selectors `yaml:"selectors"`
}

// StoreConfig holds the database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig tunes the deferred dispatch scheduler.
type ScheduleConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// ReportConfig holds the cycle failure report settings.
type ReportConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Sender    string `yaml:"sender"`
	Recipient string `yaml:"recipient"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// ResolveSecrets fills secrets left empty by the file and environment from
// lookup, typically the OS keyring.
func (c *Config) ResolveSecrets(lookup func(key string) string) {
	if c.ChatAPI.Token == "" {
		c.ChatAPI.Token = lookup(credential.ChatAPIToken)
	}
	if c.Mailbox.IMAP.Password == "" {
		c.Mailbox.IMAP.Password = lookup(credential.IMAPPassword)
	}
	if c.Mailbox.Gmail.Token == "" {
		c.Mailbox.Gmail.Token = lookup(credential.GmailToken)
	}
	if c.Blob.SecretKey == "" {
		c.Blob.SecretKey = lookup(credential.BlobSecretKey)
	}
}

// ChatAPIConfigured returns true if the chat API can be used.
func (c *Config) ChatAPIConfigured() bool {
	if c.ChatAPI.Provider == "stdout" {
		return true
	}
	return c.ChatAPI.InstanceID != "" && c.ChatAPI.Token != ""
}

// AutomationEnabled returns true if the UI automation channel may be used.
func (c *Config) AutomationEnabled() bool {
	return c.Automation.Enabled
}

// ReportConfigured returns true if cycle failure reports can be sent.
func (c *Config) ReportConfigured() bool {
	return c.Report.Enabled && c.Report.Sender != "" && c.Report.Recipient != ""
}

// Rule returns the filter rule.
func (c *Config) Rule() email.Rule {
	return c.Filter
}

// Recipient returns the chat recipient.
func (c *Config) Recipient() string {
	return c.Forward.Recipient
}

// Validate reports settings that make the configuration unusable.
func (c *Config) Validate() error {
	switch c.Mailbox.Provider {
	case "gmail", "imap":
	default:
		return fmt.Errorf("unknown mailbox provider %q", c.Mailbox.Provider)
	}
	switch c.ChatAPI.Provider {
	case "chatapi", "stdout":
	default:
		return fmt.Errorf("unknown chat API provider %q", c.ChatAPI.Provider)
	}
	switch c.Blob.Provider {
	case "s3", "log":
	default:
		return fmt.Errorf("unknown blob provider %q", c.Blob.Provider)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Mailbox.Provider = "gmail"
	c.Mailbox.MaxResults = 10
	c.Mailbox.Gmail.User = "me"
	c.Mailbox.IMAP.Port = "993"
	c.Mailbox.IMAP.TLS = true

	c.Poll.Interval = 15 * time.Minute
	c.Poll.MaxAttempts = 5
	c.Poll.BaseDelay = time.Minute

	c.Delivery.MaxAttempts = 3
	c.Delivery.BaseDelay = 5 * time.Minute
	c.Delivery.MaxAttachmentSize = defaultMaxAttachmentSize

	c.ChatAPI.Provider = "chatapi"
	c.Blob.Provider = "log"
	c.Blob.Region = "auto"
	c.Blob.Prefix = "attachments"

	c.Automation.ADBPath = "adb"
	c.Automation.TargetPackage = automation.DefaultPackage
	c.Automation.EventBound = automation.DefaultEventBound

	c.Store.Path = "mail2chat.db"
	c.Schedule.SweepInterval = time.Minute
	c.Schedule.ConfirmTimeout = 10 * time.Minute
	c.Report.Region = "us-east-1"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Mailbox.Provider, "MAILBOX_PROVIDER")
	setInt(&c.Mailbox.MaxResults, "MAILBOX_MAX_RESULTS")
	setString(&c.Mailbox.Gmail.CredentialsFile, "GMAIL_CREDENTIALS_FILE")
	setString(&c.Mailbox.Gmail.TokenFile, "GMAIL_TOKEN_FILE")
	setString(&c.Mailbox.Gmail.User, "GMAIL_USER")
	setString(&c.Mailbox.IMAP.Host, "IMAP_HOST")
	setString(&c.Mailbox.IMAP.Port, "IMAP_PORT")
	setString(&c.Mailbox.IMAP.Username, "IMAP_USERNAME")
	setString(&c.Mailbox.IMAP.Password, "IMAP_PASSWORD")
	setBool(&c.Mailbox.IMAP.TLS, "IMAP_TLS")
	setString(&c.Mailbox.IMAP.CAFile, "IMAP_CA_FILE")

	setString(&c.Filter.Sender, "FILTER_SENDER")
	setString(&c.Filter.SubjectKeywords, "FILTER_SUBJECT_KEYWORDS")
	setString(&c.Filter.BodyKeywords, "FILTER_BODY_KEYWORDS")

	setString(&c.Forward.Recipient, "FORWARD_RECIPIENT")
	setBool(&c.Forward.IncludeHeaders, "FORWARD_INCLUDE_HEADERS")
	setString(&c.Forward.ScratchDir, "FORWARD_SCRATCH_DIR")

	setDuration(&c.Poll.Interval, "POLL_INTERVAL")
	setInt(&c.Poll.MaxAttempts, "POLL_MAX_ATTEMPTS")
	setDuration(&c.Poll.BaseDelay, "POLL_BASE_DELAY")

	setInt(&c.Delivery.MaxAttempts, "DELIVERY_MAX_ATTEMPTS")
	setDuration(&c.Delivery.BaseDelay, "DELIVERY_BASE_DELAY")
	if v := os.Getenv("DELIVERY_MAX_ATTACHMENT_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Delivery.MaxAttachmentSize = size
		}
	}

	setString(&c.ChatAPI.Provider, "CHAT_API_PROVIDER")
	setString(&c.ChatAPI.BaseURL, "CHAT_API_BASE_URL")
	setString(&c.ChatAPI.InstanceID, "CHAT_API_INSTANCE_ID")
	setString(&c.ChatAPI.Token, "CHAT_API_TOKEN")

	setString(&c.Blob.Provider, "BLOB_PROVIDER")
	setString(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	setString(&c.Blob.Bucket, "BLOB_BUCKET")
	setString(&c.Blob.Region, "BLOB_REGION")
	setString(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	setString(&c.Blob.SecretKey, "BLOB_SECRET_KEY")
	setString(&c.Blob.PublicURLBase, "BLOB_PUBLIC_URL_BASE")
	setString(&c.Blob.Prefix, "BLOB_PREFIX")

	setBool(&c.Automation.Enabled, "AUTOMATION_ENABLED")
	setString(&c.Automation.ADBPath, "AUTOMATION_ADB_PATH")
	setString(&c.Automation.Serial, "AUTOMATION_SERIAL")
	setString(&c.Automation.TargetPackage, "AUTOMATION_TARGET_PACKAGE")
	setInt(&c.Automation.EventBound, "AUTOMATION_EVENT_BOUND")
	setDuration(&c.Automation.PollInterval, "AUTOMATION_POLL_INTERVAL")

	setString(&c.Store.Path, "STORE_PATH")
	setDuration(&c.Schedule.SweepInterval, "SCHEDULE_SWEEP_INTERVAL")
	setDuration(&c.Schedule.ConfirmTimeout, "SCHEDULE_CONFIRM_TIMEOUT")

	setBool(&c.Report.Enabled, "REPORT_ENABLED")
	setString(&c.Report.Region, "REPORT_REGION")
	setString(&c.Report.Sender, "REPORT_SENDER")
	setString(&c.Report.Recipient, "REPORT_RECIPIENT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
