package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailscribe/stats"
)

// Bar tracks how many messages of a replay reached an outcome.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar if logLevel is "info". Other levels keep the
// terminal free for log lines.
func New(total int, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Replaying messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages to replay: %d\n", total)
		pterm.Println()
	}

	return bar
}

// Emit advances the bar for every event that finishes a message.
func (b *Bar) Emit(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeForwarded, stats.EventTypeDuplicate, stats.EventTypeFailed,
		stats.EventTypeParseError, stats.EventTypeRejected:
		b.done++
		b.pb.Increment()

		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Processed: " + displayID)
		}
	case stats.EventTypeConversionError:
		// Show errors above the progress bar
		if evt.Err != nil {
			pterm.Warning.Printf("Conversion failed for %s: %v\n", evt.MessageID, evt.Err)
		}
	}

	if evt.Type == stats.EventTypeFailed && evt.Err != nil {
		pterm.Error.Printf("Failed %s: %v\n", evt.MessageID, evt.Err)
	}
}

// Done returns the number of messages that reached an outcome.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Replay complete!")
}

// PrintSummary renders the final counts.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Forwarded: %d\n", summary.Forwarded)
	pterm.Info.Printf("Converted: %d\n", summary.Converted)
	pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Conversion errors: %d\n", summary.ConversionErrors)
	pterm.Info.Printf("Parse errors: %d\n", summary.ParseErrors)
	pterm.Info.Printf("Rejected: %d\n", summary.Rejected)
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	if summary.Redriven > 0 {
		pterm.Info.Printf("Retried: %d (forwarded %d, failed %d)\n", summary.Redriven, summary.RedriveForwarded, summary.RedriveFailed)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
