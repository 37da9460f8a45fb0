// Package pipeline drives each fetched message through parsing, duplicate
// detection, conversion and forwarding, and schedules the mailbox poll and
// the retry sweep.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/parser"
	"github.com/dhcgn/mailscribe/runner"
	"github.com/dhcgn/mailscribe/state"
	"github.com/dhcgn/mailscribe/stats"
)

// ConversionFailurePrefix starts the transcript of an attachment whose
// conversion failed.
const ConversionFailurePrefix = "Error: Unable to convert audio/video to text - "

const notFoundDetail = "source message not found in mailbox"

// Mailbox is the message source. Both the IMAP and the mbox mailbox satisfy it.
type Mailbox interface {
	FetchLatest(ctx context.Context, limit int) ([]model.Raw, error)
	FetchByID(ctx context.Context, id string) (model.Raw, bool, error)
}

type Classifier interface {
	Mark(attachments []model.Attachment) int
}

type Converter interface {
	Convert(ctx context.Context, att model.Attachment) (string, error)
}

type Forwarder interface {
	Forward(ctx context.Context, msg model.Message) error
}

// Submitter runs tasks under admission control.
type Submitter interface {
	Submit(ctx context.Context, task runner.Task) error
}

// Deps are the collaborators of a Pipeline. Events may be nil.
type Deps struct {
	Mailbox    Mailbox
	Classifier Classifier
	Converter  Converter
	Forwarder  Forwarder
	Tracker    *state.Tracker
	Pool       Submitter
	Events     stats.Sink
}

// Outcome is how Process left a message.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

type Pipeline struct {
	deps      Deps
	opts      Options
	logger    *slog.Logger
	events    stats.Sink
	collector *stats.Collector
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Mailbox == nil:
		return nil, fmt.Errorf("pipeline: mailbox is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("pipeline: classifier is required")
	case deps.Converter == nil:
		return nil, fmt.Errorf("pipeline: converter is required")
	case deps.Forwarder == nil:
		return nil, fmt.Errorf("pipeline: forwarder is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("pipeline: tracker is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("pipeline: worker pool is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	collector := stats.NewCollector()
	return &Pipeline{
		deps:      deps,
		opts:      opts.withDefaults(),
		logger:    logger.With("component", "pipeline"),
		events:    stats.Multi{collector, deps.Events},
		collector: collector,
	}, nil
}

// Summary returns the event counts since the pipeline was created.
func (p *Pipeline) Summary() stats.Summary {
	return p.collector.Snapshot()
}

// Dispatch submits every raw message to the worker pool. It returns the
// number accepted. Messages refused by a full backlog are counted as
// rejected and left unrecorded so the next poll sees them again.
func (p *Pipeline) Dispatch(ctx context.Context, raws []model.Raw, stage stats.Stage) (int, error) {
	submitted := 0
	for _, raw := range raws {
		p.emit(stage, stats.EventTypeFetched, "", nil)

		err := p.deps.Pool.Submit(ctx, func(taskCtx context.Context) {
			p.Process(taskCtx, raw, stage)
		})
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, runner.ErrBacklogFull):
			p.logger.Warn("message rejected, backlog full", "uid", raw.UID)
			p.emit(stage, stats.EventTypeRejected, "", err)
		default:
			return submitted, fmt.Errorf("dispatch message uid %d: %w", raw.UID, err)
		}
	}
	return submitted, nil
}

// Process runs one raw message through the state machine. Parse failures
// skip the message without writing a record.
func (p *Pipeline) Process(ctx context.Context, raw model.Raw, stage stats.Stage) Outcome {
	msg, err := parser.Parse(raw)
	if err != nil {
		p.logger.Error("skipping unparsable message", "uid", raw.UID, "error", err)
		p.emit(stage, stats.EventTypeParseError, "", err)
		return OutcomeSkipped
	}

	logger := p.logger.With("message_id", msg.ID)
	logger.Info("processing message", "subject", msg.Subject, "attachments", len(msg.Attachments))

	if p.deps.Tracker.IsAlreadyProcessed(ctx, msg.ID) {
		logger.Info("message already processed, skipping")
		p.emit(stage, stats.EventTypeDuplicate, msg.ID, nil)
		return OutcomeDuplicate
	}
	if !p.deps.Tracker.Claim(ctx, msg.ID) {
		p.emit(stage, stats.EventTypeDuplicate, msg.ID, nil)
		return OutcomeDuplicate
	}
	p.emit(stage, stats.EventTypeReceived, msg.ID, nil)

	return p.drive(ctx, msg, stage)
}

// drive takes a RECEIVED message to FORWARDED or FAILED.
func (p *Pipeline) drive(ctx context.Context, msg model.Message, stage stats.Stage) (outcome Outcome) {
	tracker := p.deps.Tracker
	logger := p.logger.With("message_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("message processing panicked", "error", err)
			tracker.UpdateStatus(ctx, msg.ID, model.StatusFailed, err.Error())
			p.emit(stage, stats.EventTypeFailed, msg.ID, err)
			outcome = OutcomeFailed
		}
	}()

	tracker.UpdateStatus(ctx, msg.ID, model.StatusProcessing, "")

	if media := p.deps.Classifier.Mark(msg.Attachments); media > 0 {
		logger.Info("converting audio/video attachments", "count", media)
		p.convertAll(ctx, &msg, stage)
		tracker.UpdateStatus(ctx, msg.ID, model.StatusConverted, "")
		p.emit(stage, stats.EventTypeConverted, msg.ID, nil)
	} else {
		logger.Debug("no audio/video attachments, skipping conversion")
	}

	if err := p.deps.Forwarder.Forward(ctx, msg); err != nil {
		logger.Error("forwarding failed", "error", err)
		tracker.UpdateStatus(ctx, msg.ID, model.StatusFailed, err.Error())
		p.emit(stage, stats.EventTypeFailed, msg.ID, err)
		return OutcomeFailed
	}

	tracker.UpdateStatus(ctx, msg.ID, model.StatusForwarded, "")
	p.emit(stage, stats.EventTypeForwarded, msg.ID, nil)
	logger.Info("message forwarded")
	return OutcomeForwarded
}

// convertAll transcribes each audio/video attachment in order. A failed
// conversion becomes an inline error transcript and the rest continue.
func (p *Pipeline) convertAll(ctx context.Context, msg *model.Message, stage stats.Stage) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if !att.AudioVideo {
			continue
		}

		transcript, err := p.deps.Converter.Convert(ctx, *att)
		if err != nil {
			p.logger.Error("conversion failed", "message_id", msg.ID, "filename", att.Filename, "error", err)
			p.emit(stage, stats.EventTypeConversionError, msg.ID, err)
			att.Transcript = ConversionFailurePrefix + err.Error()
			continue
		}
		att.Transcript = transcript
	}
}

func (p *Pipeline) emit(stage stats.Stage, typ stats.EventType, id string, err error) {
	p.events.Emit(stats.Event{Stage: stage, Type: typ, MessageID: id, Err: err})
}
