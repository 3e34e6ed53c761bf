package poll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Trigger runs jobs on fixed intervals. A job whose previous run is still
// going is skipped for that tick.
type Trigger struct {
	cron *cronv3.Cron
	ctx  context.Context
	jobs map[string]cronv3.EntryID
}

// NewTrigger creates a Trigger whose jobs receive ctx.
func NewTrigger(ctx context.Context) *Trigger {
	logger := slogCronLogger{}
	c := cronv3.New(
		cronv3.WithLogger(logger),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(logger),
			cronv3.Recover(logger),
		),
	)
	return &Trigger{cron: c, ctx: ctx, jobs: make(map[string]cronv3.EntryID)}
}

// Every registers fn to run at each interval.
func (t *Trigger) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	id, err := t.cron.AddFunc("@every "+interval.String(), func() {
		if t.ctx.Err() != nil {
			return
		}
		fn(t.ctx)
	})
	if err != nil {
		return fmt.Errorf("could not add %s job: %w", name, err)
	}
	t.jobs[name] = id
	slog.Info("registered job", "job", name, "interval", interval)
	return nil
}

// Start begins running jobs in the background.
func (t *Trigger) Start() {
	t.cron.Start()
}

// Stop halts the schedule and waits for running jobs to finish.
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
}

// slogCronLogger routes cron's logging to slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
