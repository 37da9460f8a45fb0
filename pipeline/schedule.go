package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/parser"
	"github.com/dhcgn/mailscribe/runner"
	"github.com/dhcgn/mailscribe/stats"
)

const (
	DefaultFetchLimit    = 10
	DefaultMaxRetries    = 3
	DefaultPollInterval  = 5 * time.Second
	DefaultRetryInterval = 5 * time.Minute
)

type Options struct {
	FetchLimit    int
	MaxRetries    int
	PollInterval  time.Duration
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchLimit <= 0 {
		o.FetchLimit = DefaultFetchLimit
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Poll fetches the latest messages and dispatches them.
func (p *Pipeline) Poll(ctx context.Context) error {
	raws, err := p.deps.Mailbox.FetchLatest(ctx, p.opts.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch latest messages: %w", err)
	}
	if len(raws) == 0 {
		p.logger.Debug("no messages fetched")
		return nil
	}

	submitted, err := p.Dispatch(ctx, raws, stats.StagePoll)
	p.logger.Info("poll cycle complete", append([]any{"fetched", len(raws), "submitted", submitted}, p.Summary().LogAttrs()...)...)
	return err
}

// Sweep re-drives FAILED records that still have retries left. Each one is
// looked up in the mailbox again; a record whose message is gone stays
// FAILED and uses up a retry.
func (p *Pipeline) Sweep(ctx context.Context) error {
	tracker := p.deps.Tracker
	records, err := tracker.Failed(ctx, p.opts.MaxRetries)
	if err != nil {
		return fmt.Errorf("list failed records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	p.logger.Info("retrying failed messages", "count", len(records))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.redrive(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// redrive returns an error only when the sweep should stop.
func (p *Pipeline) redrive(ctx context.Context, rec model.ProcessingRecord) error {
	tracker := p.deps.Tracker
	logger := p.logger.With("message_id", rec.MessageID, "retry_count", rec.RetryCount)

	raw, found, err := p.deps.Mailbox.FetchByID(ctx, rec.MessageID)
	if err != nil {
		logger.Error("error fetching message for retry", "error", err)
		return nil
	}
	if !found {
		logger.Warn(notFoundDetail)
		tracker.UpdateStatus(ctx, rec.MessageID, model.StatusFailed, notFoundDetail)
		return nil
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		logger.Error("retry source is unparsable", "error", err)
		tracker.UpdateStatus(ctx, rec.MessageID, model.StatusFailed, err.Error())
		p.emit(stats.StageSweep, stats.EventTypeParseError, rec.MessageID, err)
		return nil
	}
	msg.ID = rec.MessageID

	if !tracker.ClaimRetry(ctx, rec.MessageID, p.opts.MaxRetries) {
		logger.Debug("retry claimed elsewhere")
		return nil
	}
	p.emit(stats.StageSweep, stats.EventTypeRedriven, rec.MessageID, nil)

	err = p.deps.Pool.Submit(ctx, func(taskCtx context.Context) {
		p.drive(taskCtx, msg, stats.StageSweep)
	})
	if err == nil {
		return nil
	}

	tracker.UpdateStatus(ctx, rec.MessageID, model.StatusFailed, fmt.Sprintf("retry not scheduled: %v", err))
	if errors.Is(err, runner.ErrBacklogFull) {
		p.emit(stats.StageSweep, stats.EventTypeRejected, rec.MessageID, err)
		return nil
	}
	return err
}

// Job is a periodic task scheduled next to the poll and the sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Run schedules Poll every PollInterval, Sweep every RetryInterval and the
// extra jobs until ctx is done. Each job runs as a singleton; a run that
// overlaps the next tick skips that tick. Run returns after in-flight jobs
// finish, not after the worker pool drains.
func (p *Pipeline) Run(ctx context.Context, extra ...Job) error {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(NewSchedulerLogger(p.logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := append([]Job{
		{Name: "poll", Interval: p.opts.PollInterval, Run: p.Poll},
		{Name: "retry-sweep", Interval: p.opts.RetryInterval, Run: p.Sweep},
	}, extra...)
	for _, job := range jobs {
		_, err := s.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() {
				if err := job.Run(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("scheduled job failed", "job", job.Name, "error", err)
				}
			}),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
		}
		p.logger.Info("job scheduled", "name", job.Name, "interval", job.Interval)
	}

	s.Start()
	<-ctx.Done()

	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	p.logger.Info("scheduler stopped", p.Summary().LogAttrs()...)
	return nil
}

type schedulerLogger struct {
	logger *slog.Logger
}

// NewSchedulerLogger routes gocron's log output to logger.
func NewSchedulerLogger(logger *slog.Logger) gocron.Logger {
	return &schedulerLogger{logger: logger.With("subsystem", "scheduler")}
}

func (l *schedulerLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *schedulerLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *schedulerLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *schedulerLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
