// Package mbox serves messages from an mbox file through the same mailbox
// contract as the IMAP client. The replay command uses it to push exported
// mail through the pipeline offline.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/parser"
)

var ErrStop = errors.New("stop iteration")

// Mailbox reads an mbox file. Message positions (1-based) stand in for IMAP
// UIDs.
type Mailbox struct {
	path   string
	logger *slog.Logger
}

func NewMailbox(path string, logger *slog.Logger) (*Mailbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mailbox{path: path, logger: logger.With("component", "mbox")}, nil
}

// Each calls fn for every message in file order. Returning ErrStop ends the
// walk without error. Unreadable messages are logged and skipped.
func (m *Mailbox) Each(ctx context.Context, fn func(raw model.Raw) error) error {
	file, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		data, err := io.ReadAll(msgReader)
		if err != nil {
			m.logger.Error("mbox read error", "path", m.path, "index", idx, "err", err)
			continue
		}

		if err := fn(model.Raw{UID: uint32(idx), Data: data}); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// FetchLatest returns the last limit messages of the file, oldest first.
// A limit of zero or less returns every message.
func (m *Mailbox) FetchLatest(ctx context.Context, limit int) ([]model.Raw, error) {
	var msgs []model.Raw
	err := m.Each(ctx, func(raw model.Raw) error {
		msgs = append(msgs, raw)
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchByID scans the file for the first message whose identifier is id.
func (m *Mailbox) FetchByID(ctx context.Context, id string) (model.Raw, bool, error) {
	var (
		found model.Raw
		ok    bool
	)
	err := m.Each(ctx, func(raw model.Raw) error {
		msg, err := parser.Parse(raw)
		if err != nil {
			return nil
		}
		if msg.ID == id {
			found, ok = raw, true
			return ErrStop
		}
		return nil
	})
	if err != nil {
		return model.Raw{}, false, err
	}
	return found, ok, nil
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			count++
			continue
		}

		count++
	}
}
