// Package parser decomposes raw RFC 5322 messages into plain-text content and
// a flat list of attachments.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mailscribe/model"
)

// HashIDPrefix marks identifiers derived from the message content because
// the message carried no Message-Id header.
const HashIDPrefix = "sha256:"

var ErrEmptyMessage = errors.New("message is empty")

// ParseError is returned when a raw message cannot be decomposed. The
// pipeline logs it and skips the message.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message uid %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse walks the MIME tree of raw depth-first. Text parts (plain or html)
// are concatenated in tree order; parts carrying a filename or an
// attachment disposition are collected as attachments, even when their
// media type is text.
func Parse(raw model.Raw) (model.Message, error) {
	if len(bytes.TrimSpace(raw.Data)) == 0 {
		return model.Message{}, &ParseError{UID: raw.UID, Err: ErrEmptyMessage}
	}

	entity, err := message.Read(bytes.NewReader(raw.Data))
	if err != nil && !recoverable(err) {
		return model.Message{}, &ParseError{UID: raw.UID, Err: err}
	}

	header := mail.Header{Header: entity.Header}
	hash := ContentHash(raw.Data)

	msg := model.Message{
		ID:         messageID(header),
		Hash:       hash,
		Subject:    subject(header),
		From:       addressList(header, "From"),
		To:         addressList(header, "To"),
		Headers:    headerMap(entity.Header),
		ReceivedAt: raw.ReceivedAt,
		Size:       int64(len(raw.Data)),
	}
	if msg.ID == "" {
		msg.ID = HashIDPrefix + hash
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	} else if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	w := &walker{}
	if err := w.walk(entity); err != nil {
		return model.Message{}, &ParseError{UID: raw.UID, Err: err}
	}
	msg.Content = w.content.String()
	msg.Attachments = w.attachments

	return msg, nil
}

type walker struct {
	content     strings.Builder
	attachments []model.Attachment
}

func (w *walker) walk(e *message.Entity) error {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil && !recoverable(err) {
				return fmt.Errorf("read part: %w", err)
			}
			if err := w.walk(part); err != nil {
				return err
			}
		}
	}

	if filename, ok := attachmentName(e.Header); ok {
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("read attachment %q: %w", filename, err)
		}
		contentType := strings.TrimSpace(e.Header.Get("Content-Type"))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.attachments = append(w.attachments, model.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
		return nil
	}

	mediaType, _, _ := e.Header.ContentType()
	switch mediaType {
	case "text/plain", "text/html":
		if _, err := io.Copy(&w.content, e.Body); err != nil {
			return fmt.Errorf("read %s part: %w", mediaType, err)
		}
	default:
		if _, err := io.Copy(io.Discard, e.Body); err != nil {
			return fmt.Errorf("skip %s part: %w", mediaType, err)
		}
	}
	return nil
}

// attachmentName reports whether the part is an attachment, together with
// its filename. A part with an attachment disposition but no filename still
// counts.
func attachmentName(h message.Header) (string, bool) {
	ah := mail.AttachmentHeader{Header: h}
	filename, err := ah.Filename()
	if err != nil {
		filename = ""
	}
	if filename != "" {
		return filename, true
	}
	disp, _, err := h.ContentDisposition()
	if err == nil && strings.EqualFold(disp, "attachment") {
		return "", true
	}
	return "", false
}

// recoverable reports errors after which go-message still hands back a
// usable entity with the raw body.
func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func messageID(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	id := strings.TrimSpace(h.Get("Message-Id"))
	return strings.Trim(id, " <>")
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

func addressList(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return strings.Join(out, ", ")
}

// headerMap keeps header names as they appear on the wire. Repeated fields,
// including ones that differ only in case, keep the last value.
func headerMap(h message.Header) map[string]string {
	headers := make(map[string]string, h.Len())
	spelling := make(map[string]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		canonical := fields.Key()
		name := rawHeaderName(fields, canonical)
		if prev, ok := spelling[canonical]; ok && prev != name {
			delete(headers, prev)
		}
		spelling[canonical] = name
		headers[name] = value
	}
	return headers
}

// rawHeaderName returns the field name before the colon of the raw line.
// Fields() canonicalizes Key(), which turns X-MS-Has-Attach into
// X-Ms-Has-Attach.
func rawHeaderName(fields message.HeaderFields, fallback string) string {
	raw, err := fields.Raw()
	if err != nil {
		return fallback
	}
	i := bytes.IndexByte(raw, ':')
	if i <= 0 {
		return fallback
	}
	if name := strings.TrimSpace(string(raw[:i])); name != "" {
		return name
	}
	return fallback
}

// ContentHash is the unpadded base64url SHA-256 of the raw message bytes, so
// ids derived from it are safe in URL paths.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
