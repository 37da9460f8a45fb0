package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailscribe/config"
	"github.com/dhcgn/mailscribe/mbox"
	"github.com/dhcgn/mailscribe/progress"
	"github.com/dhcgn/mailscribe/stats"
)

const drainTimeout = 2 * time.Minute

// NewReplayCommand processes an mbox file once through the pipeline.
func NewReplayCommand(load Loader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Process the messages of an mbox file once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := load(cmd, config.ScopeReplay)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			total, err := mbox.CountMessages(args[0])
			if err != nil {
				return err
			}
			mailbox, err := mbox.NewMailbox(args[0], logger)
			if err != nil {
				return err
			}
			raws, err := mailbox.FetchLatest(ctx, limit)
			if err != nil {
				return fmt.Errorf("read mbox file: %w", err)
			}
			logger.Info("replaying mbox file", "path", args[0], "total", total, "replaying", len(raws))

			bar := progress.New(len(raws), cfg.Log.Level)
			svc, err := Build(cfg, mailbox, bar, logger)
			if err != nil {
				bar.Stop()
				return err
			}

			started := time.Now()
			_, dispatchErr := svc.Pipeline.Dispatch(ctx, raws, stats.StageReplay)

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			closeErr := svc.Close(drainCtx)

			bar.Stop()
			summary := svc.Pipeline.Summary()
			progress.PrintSummary(summary, time.Since(started))
			logger.Info("replay finished", summary.LogAttrs()...)

			if dispatchErr != nil {
				return dispatchErr
			}
			return closeErr
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Replay only the last N messages (0 for all)")
	return cmd
}
