// Package imap reads messages from an IMAP folder. Every call opens its own
// connection and logs out before returning.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/parser"
)

const (
	DefaultFolder       = "INBOX"
	DefaultSearchWindow = 500
)

var ErrMissingMessageID = errors.New("message id is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	// SearchWindow bounds how many recent messages FetchByID hashes when
	// the id has no Message-Id header to search for.
	SearchWindow int
}

// Mailbox is a read-only view of one IMAP folder.
type Mailbox struct {
	opts   Options
	logger *slog.Logger
}

func NewMailbox(opts Options, logger *slog.Logger) (*Mailbox, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.SearchWindow <= 0 {
		opts.SearchWindow = DefaultSearchWindow
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mailbox{opts: opts, logger: logger.With("component", "imap")}, nil
}

// FetchLatest returns the newest limit messages of the folder, oldest first.
// Messages are fetched with BODY.PEEK so their flags stay untouched.
func (m *Mailbox) FetchLatest(ctx context.Context, limit int) ([]model.Raw, error) {
	client, cleanup, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	count, err := m.selectFolder(client)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	uids, err := m.search(client, &imapv2.SearchCriteria{})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	msgs, err := m.fetch(client, uids)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("fetched messages", "folder", m.folder(), "exists", count, "fetched", len(msgs))
	return msgs, nil
}

// FetchByID looks a message up by its identifier. Ids taken from a
// Message-Id header are found with a server-side HEADER search; content
// hash ids are matched against the most recent SearchWindow messages.
func (m *Mailbox) FetchByID(ctx context.Context, id string) (model.Raw, bool, error) {
	if strings.TrimSpace(id) == "" {
		return model.Raw{}, false, ErrMissingMessageID
	}

	client, cleanup, err := m.dial(ctx)
	if err != nil {
		return model.Raw{}, false, err
	}
	defer cleanup()

	if _, err := m.selectFolder(client); err != nil {
		return model.Raw{}, false, err
	}

	if hash, ok := strings.CutPrefix(id, parser.HashIDPrefix); ok {
		return m.findByHash(client, hash)
	}

	uids, err := m.search(client, &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "Message-Id", Value: id}},
	})
	if err != nil {
		return model.Raw{}, false, err
	}
	if len(uids) == 0 {
		return model.Raw{}, false, nil
	}

	// Substring matches are possible; confirm on the parsed identifier.
	msgs, err := m.fetch(client, uids)
	if err != nil {
		return model.Raw{}, false, err
	}
	for _, raw := range msgs {
		msg, err := parser.Parse(raw)
		if err == nil && msg.ID == id {
			return raw, true, nil
		}
	}
	return model.Raw{}, false, nil
}

func (m *Mailbox) findByHash(client *imapclient.Client, hash string) (model.Raw, bool, error) {
	uids, err := m.search(client, &imapv2.SearchCriteria{})
	if err != nil {
		return model.Raw{}, false, err
	}
	if len(uids) > m.opts.SearchWindow {
		uids = uids[len(uids)-m.opts.SearchWindow:]
	}

	msgs, err := m.fetch(client, uids)
	if err != nil {
		return model.Raw{}, false, err
	}
	for _, raw := range msgs {
		if parser.ContentHash(raw.Data) == hash {
			return raw, true, nil
		}
	}
	return model.Raw{}, false, nil
}

func (m *Mailbox) search(client *imapclient.Client, criteria *imapv2.SearchCriteria) ([]imapv2.UID, error) {
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (m *Mailbox) fetch(client *imapclient.Client, uids []imapv2.UID) ([]model.Raw, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msgs := make([]model.Raw, 0, len(uids))
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			m.logger.Warn("skipping unreadable message", "error", err)
			continue
		}
		body := buf.FindBodySection(section)
		if body == nil {
			m.logger.Warn("message without body", "uid", buf.UID)
			continue
		}
		msgs = append(msgs, model.Raw{
			UID:        uint32(buf.UID),
			Data:       body,
			ReceivedAt: buf.InternalDate,
		})
	}

	if err := cmd.Close(); err != nil {
		return msgs, fmt.Errorf("imap fetch: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

func (m *Mailbox) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
	options := &imapclient.Options{}

	if m.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         m.opts.Host,
			InsecureSkipVerify: m.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if m.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		stopClose()
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	m.logger.Debug("imap connection established", "address", address, "user", m.opts.Username, "folder", m.folder(), "tls", m.opts.UseTLS)

	started := time.Now()
	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				m.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			m.logger.Debug("imap connection closed", "err", err, "elapsed", time.Since(started))
		}
	}

	return client, cleanup, nil
}

// selectFolder opens the folder read-only and returns its message count.
func (m *Mailbox) selectFolder(client *imapclient.Client) (uint32, error) {
	data, err := client.Select(m.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("select mailbox %s: %w", m.folder(), err)
	}
	return data.NumMessages, nil
}

func (m *Mailbox) folder() string {
	if m.opts.Folder == "" {
		return DefaultFolder
	}
	return m.opts.Folder
}
