// Package cmd holds the subcommands and the wiring shared with the service
// command.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailscribe/config"
	"github.com/dhcgn/mailscribe/convert"
	"github.com/dhcgn/mailscribe/filter"
	"github.com/dhcgn/mailscribe/forward"
	"github.com/dhcgn/mailscribe/pipeline"
	"github.com/dhcgn/mailscribe/runner"
	"github.com/dhcgn/mailscribe/state"
	"github.com/dhcgn/mailscribe/stats"
	"github.com/dhcgn/mailscribe/store"
)

// Loader resolves configuration and logging for a command. The returned
// cleanup closes the log file, if any.
type Loader func(cmd *cobra.Command, scope config.Scope) (config.Config, *slog.Logger, func() error, error)

// Service is the assembled pipeline with the resources it owns.
type Service struct {
	Pipeline *pipeline.Pipeline
	Pool     *runner.Pool
	Records  state.Records
	Tracker  *state.Tracker
	Cache    *state.MemoryCache
	Metrics  *stats.Metrics
}

// Build wires every component for mailbox. events receives pipeline events
// in addition to the Prometheus counters and may be nil.
func Build(cfg config.Config, mailbox pipeline.Mailbox, events stats.Sink, logger *slog.Logger) (*Service, error) {
	records, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	svc, err := build(cfg, mailbox, records, events, logger)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	return svc, nil
}

func build(cfg config.Config, mailbox pipeline.Mailbox, records state.Records, events stats.Sink, logger *slog.Logger) (*Service, error) {
	cache := state.NewMemoryCache()
	tracker := state.NewTracker(records, cache, state.Options{
		Enabled:       cfg.DuplicatePrevention.Enabled,
		CacheDuration: cfg.DuplicatePrevention.CacheDuration,
	}, logger)

	classifier, err := filter.New(filter.Options{
		AudioFormats: cfg.Processing.AudioFormats,
		VideoFormats: cfg.Processing.VideoFormats,
	})
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	converter, err := convert.New(convert.Config{
		BaseURL:       cfg.Conversion.BaseURL,
		Endpoint:      cfg.Conversion.Endpoint,
		Timeout:       cfg.Conversion.Timeout,
		RetryAttempts: cfg.Conversion.RetryAttempts,
		RetryDelay:    cfg.Conversion.RetryDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("convert.New: %w", err)
	}

	sender := forward.NewSMTPSender(forward.SMTPConfig{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.Username,
		Password:           cfg.SMTP.Password,
		StartTLS:           cfg.SMTP.StartTLS,
		ImplicitTLS:        cfg.SMTP.ImplicitTLS,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		Timeout:            cfg.SMTP.Timeout,
	}, logger)
	forwarder := forward.NewForwarder(forward.NewComposer(cfg.SMTP.From, cfg.SMTP.To), sender, logger)

	admission, err := runner.ParseAdmission(cfg.Processing.Admission)
	if err != nil {
		return nil, err
	}
	pool, err := runner.NewPool(runner.Options{
		Workers:   cfg.Processing.Workers,
		Backlog:   cfg.Processing.Backlog,
		Admission: admission,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runner.NewPool: %w", err)
	}

	metrics := stats.NewMetrics(map[string]stats.GaugeSource{
		"queue_depth":       func() float64 { return float64(pool.Queued()) },
		"inflight_messages": func() float64 { return float64(pool.InFlight()) },
	})

	p, err := pipeline.New(pipeline.Deps{
		Mailbox:    mailbox,
		Classifier: classifier,
		Converter:  converter,
		Forwarder:  forwarder,
		Tracker:    tracker,
		Pool:       pool,
		Events:     stats.Multi{metrics, events},
	}, pipeline.Options{
		FetchLimit:    cfg.IMAP.FetchLimit,
		MaxRetries:    cfg.Processing.MaxRetries,
		PollInterval:  cfg.IMAP.PollInterval,
		RetryInterval: cfg.Processing.RetryInterval,
	}, logger)
	if err != nil {
		_ = pool.Close(context.Background())
		return nil, err
	}

	return &Service{
		Pipeline: p,
		Pool:     pool,
		Records:  records,
		Tracker:  tracker,
		Cache:    cache,
		Metrics:  metrics,
	}, nil
}

// PurgeJob drops expired cache entries once per cache TTL.
func (s *Service) PurgeJob(logger *slog.Logger) pipeline.Job {
	return pipeline.Job{
		Name:     "cache-purge",
		Interval: s.Tracker.TTL(),
		Run: func(context.Context) error {
			if n := s.Cache.Purge(); n > 0 {
				logger.Debug("purged expired cache entries", "count", n, "remaining", s.Cache.Len())
			}
			return nil
		},
	}
}

// Close drains the worker pool within ctx and closes the record store.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(s.Pool.Close(ctx), s.Records.Close())
}
