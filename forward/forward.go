package forward

import (
	"context"
	"io"
	"log/slog"

	"github.com/dhcgn/mailscribe/model"
)

// Sender is the outbound transport.
type Sender interface {
	Send(ctx context.Context, out Outbound) error
}

// Forwarder composes and sends in one step. Failures are terminal for the
// message and are not retried here.
type Forwarder struct {
	composer *Composer
	sender   Sender
	logger   *slog.Logger
}

func NewForwarder(composer *Composer, sender Sender, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Forwarder{composer: composer, sender: sender, logger: logger.With("component", "forward")}
}

// Forward returns a *ComposeError or *SendError on failure.
func (f *Forwarder) Forward(ctx context.Context, msg model.Message) error {
	out, err := f.composer.Compose(msg)
	if err != nil {
		return err
	}

	if err := f.sender.Send(ctx, out); err != nil {
		return &SendError{MessageID: msg.ID, Err: err}
	}

	f.logger.Info("forwarded message",
		"message_id", msg.ID,
		"outbound_id", out.MessageID,
		"subject", SubjectPrefix+msg.Subject,
		"attachments", len(msg.Attachments))
	return nil
}
