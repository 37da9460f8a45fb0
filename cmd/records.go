package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailscribe/config"
	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/state"
	"github.com/dhcgn/mailscribe/stats"
	"github.com/dhcgn/mailscribe/store"
)

var allStatuses = []model.Status{
	model.StatusReceived,
	model.StatusProcessing,
	model.StatusConverted,
	model.StatusForwarded,
	model.StatusFailed,
}

// NewRecordsCommand lists processing records and can mark one by hand.
func NewRecordsCommand(load Loader) *cobra.Command {
	var (
		status     string
		csvPath    string
		topN       int
		markID     string
		markStatus string
	)

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Show processing records and the most frequent failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := load(cmd, config.ScopeRecords)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			records, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logger)
			if err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer records.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if markID != "" {
				st, err := model.ParseStatus(markStatus)
				if err != nil {
					return err
				}
				tracker := state.NewTracker(records, nil, state.Options{Enabled: true}, logger)
				tracker.MarkAsProcessed(ctx, markID, st)
				fmt.Fprintf(out, "Marked %s as %s\n", markID, st)
				return nil
			}

			statuses := allStatuses
			if status != "" {
				st, err := model.ParseStatus(status)
				if err != nil {
					return err
				}
				statuses = []model.Status{st}
			}

			var list []model.ProcessingRecord
			for _, st := range statuses {
				recs, err := records.ListByStatus(ctx, st, 0)
				if err != nil {
					return fmt.Errorf("list %s records: %w", st, err)
				}
				list = append(list, recs...)
			}

			printRecords(out, list, topN)

			if csvPath != "" {
				if err := saveCSVReport(list, csvPath); err != nil {
					return fmt.Errorf("error saving CSV report: %w", err)
				}
				fmt.Fprintf(out, "\nReport saved to: %s\n", csvPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show records in this status")
	cmd.Flags().StringVarP(&csvPath, "csv", "o", "", "Write the records to a CSV file")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top errors to display")
	cmd.Flags().StringVar(&markID, "mark", "", "Message id to mark by hand instead of listing")
	cmd.Flags().StringVar(&markStatus, "mark-status", string(model.StatusForwarded), "Status written by --mark")
	return cmd
}

func printRecords(out io.Writer, list []model.ProcessingRecord, topN int) {
	byStatus := make(map[string]int)
	byError := make(map[string]int)
	for _, rec := range list {
		byStatus[string(rec.Status)]++
		if rec.Status == model.StatusFailed && rec.Error != "" {
			byError[rec.Error]++
		}
	}

	fmt.Fprintf(out, "%d records\n\n", len(list))
	for _, st := range allStatuses {
		if n := byStatus[string(st)]; n > 0 {
			fmt.Fprintf(out, "  %-10s %d\n", st, n)
		}
	}

	if len(byError) > 0 {
		fmt.Fprintf(out, "\nTop %d errors:\n", topN)
		stats.PrettyPrintTop(byError, topN)
	}
}

func saveCSVReport(list []model.ProcessingRecord, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"message_id", "status", "processed_at", "retry_count", "error"}); err != nil {
		return err
	}
	for _, rec := range list {
		row := []string{
			rec.MessageID,
			string(rec.Status),
			rec.ProcessedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(rec.RetryCount),
			rec.Error,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
