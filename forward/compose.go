// Package forward rebuilds a processed message for the configured recipient
// and hands it to the outbound transport.
package forward

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/dhcgn/mailscribe/model"
)

const (
	SubjectPrefix        = "Fwd: "
	OriginalHeaderPrefix = "X-Original-"
	MessageIDDomain      = "mailscribe"

	forwardedBanner  = "---------- Forwarded message ----------\n"
	transcriptHeader = "\n\n---------- Audio/Video Transcripts ----------\n"
)

// skippedHeaders are never copied onto the outbound message.
var skippedHeaders = map[string]struct{}{
	"message-id": {},
	"date":       {},
	"from":       {},
	"to":         {},
	"cc":         {},
	"bcc":        {},
	"reply-to":   {},
	"subject":    {},
}

// ComposeError is returned when the outbound message cannot be built.
type ComposeError struct {
	MessageID string
	Err       error
}

func (e *ComposeError) Error() string {
	return fmt.Sprintf("compose forward of %s: %v", e.MessageID, e.Err)
}

func (e *ComposeError) Unwrap() error {
	return e.Err
}

// Outbound is a fully encoded message plus its envelope.
type Outbound struct {
	MessageID string
	From      string
	To        []string
	Raw       []byte
}

// Composer builds outbound messages addressed to a single recipient.
type Composer struct {
	From string
	To   string
	now  func() time.Time
}

func NewComposer(from, to string) *Composer {
	return &Composer{From: from, To: to, now: time.Now}
}

// Compose renders msg as a multipart/mixed message: a text part with the
// forwarding banner, original content and transcript appendix, followed by
// every original attachment unchanged.
func (c *Composer) Compose(msg model.Message) (Outbound, error) {
	fail := func(err error) (Outbound, error) {
		return Outbound{}, &ComposeError{MessageID: msg.ID, Err: err}
	}

	from, err := envelopeAddress(c.From)
	if err != nil {
		return fail(fmt.Errorf("sender: %w", err))
	}
	to, err := envelopeAddress(c.To)
	if err != nil {
		return fail(fmt.Errorf("recipient: %w", err))
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(sanitizeHeaderValue(SubjectPrefix + msg.Subject))
	h.SetDate(c.now())
	id := uuid.NewString() + "@" + MessageIDDomain
	h.SetMessageID(id)
	copyHeaders(&h, msg.Headers)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return fail(fmt.Errorf("create writer: %w", err))
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return fail(fmt.Errorf("create text part: %w", err))
	}
	if _, err := io.WriteString(tw, Body(msg)); err != nil {
		_ = tw.Close()
		return fail(fmt.Errorf("write text part: %w", err))
	}
	if err := tw.Close(); err != nil {
		return fail(fmt.Errorf("close text part: %w", err))
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return fail(err)
		}
	}

	if err := mw.Close(); err != nil {
		return fail(fmt.Errorf("close message: %w", err))
	}

	return Outbound{
		MessageID: id,
		From:      from,
		To:        []string{to},
		Raw:       buf.Bytes(),
	}, nil
}

// Body returns the text of the forwarded message.
func Body(msg model.Message) string {
	var b strings.Builder
	b.WriteString(forwardedBanner)
	b.WriteString("From: " + msg.From + "\n")
	b.WriteString("Subject: " + msg.Subject + "\n\n")
	b.WriteString(msg.Content)

	first := true
	for _, att := range msg.Attachments {
		if att.Transcript == "" {
			continue
		}
		if first {
			b.WriteString(transcriptHeader)
			first = false
		}
		b.WriteString("\nFile: " + att.Filename + "\n")
		b.WriteString("Transcript:\n" + att.Transcript + "\n")
		b.WriteString("---\n")
	}

	return b.String()
}

// SkipHeader reports whether an original header must stay off the outbound
// message.
func SkipHeader(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if _, ok := skippedHeaders[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, "content-")
}

func copyHeaders(h *mail.Header, headers map[string]string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		if SkipHeader(name) || !validFieldName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	// AddRaw keeps the original spelling; Set would canonicalize
	// X-MS-Has-Attach into X-Ms-Has-Attach.
	for _, name := range names {
		value := mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(headers[name]))
		h.AddRaw([]byte(OriginalHeaderPrefix + name + ": " + value + "\r\n"))
	}
}

// validFieldName reports whether name is printable US-ASCII without a colon
// or whitespace.
func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		if ch < '!' || ch > '~' || ch == ':' {
			return false
		}
	}
	return true
}

func writeAttachment(mw *mail.Writer, att model.Attachment) error {
	var ah mail.AttachmentHeader
	contentType := sanitizeHeaderValue(att.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ah.Set("Content-Type", contentType)
	if att.Filename != "" {
		ah.SetFilename(att.Filename)
	} else {
		ah.Set("Content-Disposition", "attachment")
	}

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment %q: %w", att.Filename, err)
	}
	if _, err := w.Write(att.Data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write attachment %q: %w", att.Filename, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close attachment %q: %w", att.Filename, err)
	}
	return nil
}

func envelopeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("address is empty")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr.Address, nil
}

// sanitizeHeaderValue removes CR/LF so folded or hostile values cannot
// inject headers.
func sanitizeHeaderValue(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(s))
}
