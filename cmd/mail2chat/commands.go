package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/shineum/mail2chat/internal/credential"
	"github.com/shineum/mail2chat/internal/poll"
	"github.com/shineum/mail2chat/internal/schedule"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "poll the mailbox periodically and dispatch scheduled messages",
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.withDelivery(); err != nil {
				return err
			}
			ctx := c.Context
			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			sched := a.scheduler(schedule.NewTimerAlarm())

			if n, err := sched.Sweep(ctx); err != nil {
				slog.Error("failed to restore scheduled items", "error", err)
			} else {
				slog.Info("restored scheduled items", "armed", n)
			}

			trigger := poll.NewTrigger(ctx)
			if err := trigger.Every("poll", cfg.Poll.Interval, func(ctx context.Context) {
				orch.RunCycle(ctx)
			}); err != nil {
				return err
			}
			if err := trigger.Every("schedule_sweep", cfg.Schedule.SweepInterval, func(ctx context.Context) {
				if _, err := sched.Sweep(ctx); err != nil {
					slog.Error("scheduled item sweep failed", "error", err)
				}
			}); err != nil {
				return err
			}

			slog.Info("starting mail2chat",
				"poll_interval", cfg.Poll.Interval,
				"recipient", cfg.Forward.Recipient,
				"chat_api", cfg.ChatAPIConfigured(),
				"automation", cfg.AutomationEnabled(),
			)

			trigger.Start()
			go orch.RunCycle(ctx)

			<-ctx.Done()
			trigger.Stop()
			slog.Info("mail2chat stopped")
			return nil
		},
	}
}

func pollCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll",
		Usage: "run one poll cycle and exit",
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.withDelivery(); err != nil {
				return err
			}
			orch, err := a.orchestrator(c.Context)
			if err != nil {
				return err
			}

			s := orch.RunCycle(c.Context)
			fmt.Println(s)
			for _, m := range s.Messages {
				fmt.Printf("  %s: %s\n", m.MessageID, m.Outcome)
			}
			if !s.OK() {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	draftFlags := []cli.Flag{
		&cli.StringFlag{Name: "to", Usage: "chat recipient"},
		&cli.StringFlag{Name: "body", Usage: "message text"},
		&cli.TimestampFlag{Name: "at", Usage: "due time", Layout: time.RFC3339},
		&cli.DurationFlag{Name: "in", Usage: "due after this duration"},
		&cli.BoolFlag{Name: "confirm", Usage: "ask for confirmation before sending"},
	}

	return &cli.Command{
		Name:  "schedule",
		Usage: "manage scheduled messages",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "schedule a message",
				Flags: draftFlags,
				Action: withScheduler(func(c *cli.Context, s *schedule.Scheduler) error {
					d, err := draftFromFlags(c, schedule.Draft{})
					if err != nil {
						return err
					}
					item, err := s.Create(c.Context, d)
					if err != nil {
						return err
					}
					fmt.Println(item.ID)
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "list scheduled messages",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "due", Usage: "only pending items due within this duration"},
				},
				Action: withScheduler(func(c *cli.Context, s *schedule.Scheduler) error {
					var items []schedule.Item
					var err error
					if c.IsSet("due") {
						items, err = s.DueBefore(c.Context, time.Now().Add(c.Duration("due")))
					} else {
						items, err = s.List(c.Context)
					}
					if err != nil {
						return err
					}
					printItems(items)
					return nil
				}),
			},
			{
				Name:      "edit",
				Usage:     "change a scheduled message",
				ArgsUsage: "<id>",
				Flags:     draftFlags,
				Action: withScheduler(func(c *cli.Context, s *schedule.Scheduler) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("missing item id", 2)
					}
					items, err := s.List(c.Context)
					if err != nil {
						return err
					}
					var current schedule.Draft
					found := false
					for _, item := range items {
						if item.ID == id {
							current = schedule.Draft{
								Recipient:            item.Recipient,
								Body:                 item.Body,
								DueAt:                item.DueAt,
								ConfirmationRequired: item.ConfirmationRequired,
							}
							found = true
							break
						}
					}
					if !found {
						return fmt.Errorf("item %s: %w", id, schedule.ErrNotFound)
					}
					d, err := draftFromFlags(c, current)
					if err != nil {
						return err
					}
					_, err = s.Edit(c.Context, id, d)
					return err
				}),
			},
			{
				Name:      "delete",
				Usage:     "delete a scheduled message",
				ArgsUsage: "<id>",
				Action: withScheduler(func(c *cli.Context, s *schedule.Scheduler) error {
					id := c.Args().First()
					if id == "" {
						return cli.Exit("missing item id", 2)
					}
					return s.Delete(c.Context, id)
				}),
			},
		},
	}
}

// withScheduler runs fn with a Scheduler that only edits stored items; a
// running instance arms them on its next sweep.
func withScheduler(fn func(c *cli.Context, s *schedule.Scheduler) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := setup(c)
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a.scheduler(nil))
	}
}

func draftFromFlags(c *cli.Context, d schedule.Draft) (schedule.Draft, error) {
	if c.IsSet("to") {
		d.Recipient = c.String("to")
	}
	if c.IsSet("body") {
		d.Body = c.String("body")
	}
	switch {
	case c.IsSet("at") && c.IsSet("in"):
		return d, cli.Exit("use either --at or --in", 2)
	case c.IsSet("at"):
		d.DueAt = *c.Timestamp("at")
	case c.IsSet("in"):
		d.DueAt = time.Now().Add(c.Duration("in"))
	}
	if c.IsSet("confirm") {
		d.ConfirmationRequired = c.Bool("confirm")
	}
	return d, nil
}

func printItems(items []schedule.Item) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDUE\tSTATUS\tCONFIRM\tTO\tBODY")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			item.ID,
			item.DueAt.Local().Format(time.RFC3339),
			item.Status,
			item.ConfirmationRequired,
			item.Recipient,
			truncate(item.Body, 40),
		)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "print action log entries, newest first",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "since", Value: 24 * time.Hour, Usage: "how far back to look"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.log.Since(c.Context, time.Now().Add(-c.Duration("since")))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s\n", e.At.Local().Format(time.RFC3339), e.Message)
			}
			return nil
		},
	}
}

func credentialsCommand() *cli.Command {
	keyArg := func(c *cli.Context) (string, error) {
		key := c.Args().First()
		if !credential.Known(key) {
			return "", cli.Exit(fmt.Sprintf("unknown credential %q; known: %s", key, strings.Join(credential.Keys, ", ")), 2)
		}
		return key, nil
	}

	return &cli.Command{
		Name:  "credentials",
		Usage: "manage secrets in the OS keyring",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "store a secret read from stdin",
				ArgsUsage: "<key>",
				Action: func(c *cli.Context) error {
					key, err := keyArg(c)
					if err != nil {
						return err
					}
					value, err := readSecret()
					if err != nil {
						return err
					}
					return credential.New().Set(key, value)
				},
			},
			{
				Name:      "delete",
				Usage:     "remove a secret",
				ArgsUsage: "<key>",
				Action: func(c *cli.Context) error {
					key, err := keyArg(c)
					if err != nil {
						return err
					}
					return credential.New().Delete(key)
				},
			},
		},
	}
}

func readSecret() (string, error) {
	fmt.Fprint(os.Stderr, "value: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", cli.Exit("empty secret", 2)
	}
	return value, nil
}
