// Package main is the entry point for mail2chat, which forwards matching
// e-mail to a chat application.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/shineum/mail2chat/internal/config"
	"github.com/shineum/mail2chat/internal/credential"
)

func main() {
	app := &cli.App{
		Name:  "mail2chat",
		Usage: "forward matching e-mail to a chat application",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file (optional)",
				EnvVars: []string{"MAIL2CHAT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			pollCommand(),
			scheduleCommand(),
			logsCommand(),
			credentialsCommand(),
		},
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("mail2chat failed", "error", err)
		os.Exit(1)
	}
}

// setup loads configuration, resolves secrets from the keyring and configures
// logging.
func setup(c *cli.Context) (*config.Config, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging.Level)

	cfg.ResolveSecrets(credential.New().Lookup)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
