package forward

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailscribe/model"
	"github.com/dhcgn/mailscribe/parser"
)

func sampleMessage() model.Message {
	return model.Message{
		ID:      "orig-1@example.com",
		Subject: "Voice memo",
		From:    "alice@example.com",
		To:      "inbox@example.com",
		Headers: map[string]string{
			"Message-Id":      "<orig-1@example.com>",
			"Date":            "Mon, 02 Jan 2006 15:04:05 +0000",
			"From":            "alice@example.com",
			"To":              "inbox@example.com",
			"Cc":              "carol@example.com",
			"Subject":         "Voice memo",
			"Content-Type":    "multipart/mixed; boundary=x",
			"X-Custom":        "keep-me",
			"X-MS-Has-Attach": "yes",
			"Received":        "from mx.example.com",
		},
		Content: "Please listen.\n",
		Attachments: []model.Attachment{
			{
				Filename:    "voice.mp3",
				ContentType: "audio/mpeg",
				Data:        []byte{0, 1, 2, 3, 250},
				AudioVideo:  true,
				Transcript:  "hello world",
			},
			{
				Filename:    "notes.pdf",
				ContentType: "application/pdf",
				Data:        []byte("%PDF-1.4"),
			},
		},
	}
}

func TestBody_TranscriptSection(t *testing.T) {
	body := Body(sampleMessage())

	want := "---------- Forwarded message ----------\n" +
		"From: alice@example.com\n" +
		"Subject: Voice memo\n\n" +
		"Please listen.\n" +
		"\n\n---------- Audio/Video Transcripts ----------\n" +
		"\nFile: voice.mp3\nTranscript:\nhello world\n---\n"
	assert.Equal(t, want, body)
}

func TestBody_NoTranscripts(t *testing.T) {
	msg := sampleMessage()
	msg.Attachments[0].Transcript = ""

	body := Body(msg)
	assert.NotContains(t, body, "Audio/Video Transcripts")
	assert.True(t, strings.HasSuffix(body, "Please listen.\n"))
}

func TestCompose_RoundTrip(t *testing.T) {
	c := NewComposer("relay@example.org", "Boss <boss@example.org>")
	c.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }

	out, err := c.Compose(sampleMessage())
	require.NoError(t, err)
	assert.Equal(t, "relay@example.org", out.From)
	assert.Equal(t, []string{"boss@example.org"}, out.To)
	assert.True(t, strings.HasSuffix(out.MessageID, "@"+MessageIDDomain))

	parsed, err := parser.Parse(model.Raw{Data: out.Raw})
	require.NoError(t, err)

	assert.Equal(t, out.MessageID, parsed.ID)
	assert.Equal(t, "Fwd: Voice memo", parsed.Subject)
	assert.Contains(t, parsed.From, "relay@example.org")
	assert.Contains(t, parsed.To, "boss@example.org")
	assert.Equal(t, 2024, parsed.ReceivedAt.Year())

	custom, ok := parsed.Header("X-Original-X-Custom")
	require.True(t, ok)
	assert.Equal(t, "keep-me", custom)
	assert.Contains(t, string(out.Raw), "X-Original-X-MS-Has-Attach: yes\r\n")
	assert.Equal(t, "yes", parsed.Headers["X-Original-X-MS-Has-Attach"])
	_, ok = parsed.Header("X-Original-Received")
	assert.True(t, ok)

	for _, name := range []string{"Message-Id", "Date", "From", "To", "Cc", "Subject", "Content-Type"} {
		_, ok := parsed.Header(OriginalHeaderPrefix + name)
		assert.False(t, ok, "%s must not be copied", name)
	}

	assert.Contains(t, parsed.Content, "---------- Forwarded message ----------")
	assert.Contains(t, parsed.Content, "File: voice.mp3")
	assert.Contains(t, parsed.Content, "hello world")
	assert.Contains(t, parsed.Content, "Please listen.")

	require.Len(t, parsed.Attachments, 2)
	assert.Equal(t, "voice.mp3", parsed.Attachments[0].Filename)
	assert.Equal(t, []byte{0, 1, 2, 3, 250}, parsed.Attachments[0].Data)
	assert.True(t, strings.HasPrefix(parsed.Attachments[0].ContentType, "audio/mpeg"))
	assert.Equal(t, "notes.pdf", parsed.Attachments[1].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), parsed.Attachments[1].Data)
}

func TestCompose_BadRecipient(t *testing.T) {
	_, err := NewComposer("relay@example.org", "not an address").Compose(sampleMessage())
	require.Error(t, err)

	var cerr *ComposeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "orig-1@example.com", cerr.MessageID)
}

func TestSkipHeader(t *testing.T) {
	for _, name := range []string{"Message-ID", "date", "FROM", "to", "Cc", "BCC", "Reply-To", "subject", "Content-Transfer-Encoding", "content-type"} {
		assert.True(t, SkipHeader(name), name)
	}
	for _, name := range []string{"X-Custom", "Received", "List-Id", "X-Content"} {
		assert.False(t, SkipHeader(name), name)
	}
}

func TestCompose_DropsMalformedHeaderNames(t *testing.T) {
	msg := sampleMessage()
	msg.Headers["Bad Name"] = "x"
	msg.Headers["X-Ünicode"] = "y"

	out, err := NewComposer("relay@example.org", "boss@example.org").Compose(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(out.Raw), "Bad Name")
	assert.NotContains(t, string(out.Raw), "nicode")
	assert.Contains(t, string(out.Raw), "X-Original-X-Custom: keep-me\r\n")
}

// smtpSink is a minimal plaintext SMTP server that records one delivery per
// connection.
type smtpSink struct {
	ln       net.Listener
	mu       sync.Mutex
	from     string
	rcpts    []string
	data     string
	rejectTo bool
	wg       sync.WaitGroup
}

func newSMTPSink(t *testing.T, rejectTo bool) *smtpSink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &smtpSink{ln: ln, rejectTo: rejectTo}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *smtpSink) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *smtpSink) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *smtpSink) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(line string) {
		_, _ = w.WriteString(line + "\r\n")
		_ = w.Flush()
	}

	reply("220 sink ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 sink")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = strings.Trim(strings.TrimSpace(line)[len("MAIL FROM:"):], "<>")
			s.mu.Unlock()
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if s.rejectTo {
				reply("550 mailbox unavailable")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, strings.Trim(strings.TrimSpace(line)[len("RCPT TO:"):], "<>"))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestSMTPSender_Send(t *testing.T) {
	sink := newSMTPSink(t, false)

	out, err := NewComposer("relay@example.org", "boss@example.org").Compose(sampleMessage())
	require.NoError(t, err)

	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: sink.port(), Timeout: 5 * time.Second}, nil)
	require.NoError(t, sender.Send(context.Background(), out))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "relay@example.org", sink.from)
	assert.Equal(t, []string{"boss@example.org"}, sink.rcpts)
	assert.Contains(t, sink.data, "Subject: Fwd: Voice memo")
	assert.Contains(t, sink.data, "X-Original-X-Custom: keep-me")
}

func TestSMTPSender_StartTLSUnsupported(t *testing.T) {
	sink := newSMTPSink(t, false)

	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: sink.port(), StartTLS: true, Timeout: 5 * time.Second}, nil)
	err := sender.Send(context.Background(), Outbound{From: "a@example.org", To: []string{"b@example.org"}, Raw: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
}

type failingSender struct{ err error }

func (f failingSender) Send(context.Context, Outbound) error { return f.err }

func TestForwarder_WrapsSendError(t *testing.T) {
	boom := errors.New("550 rejected")
	f := NewForwarder(NewComposer("relay@example.org", "boss@example.org"), failingSender{err: boom}, nil)

	err := f.Forward(context.Background(), sampleMessage())
	require.Error(t, err)

	var serr *SendError
	require.True(t, errors.As(err, &serr))
	assert.ErrorIs(t, err, boom)
}

func TestForwarder_RecipientRejected(t *testing.T) {
	sink := newSMTPSink(t, true)

	sender := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: sink.port(), Timeout: 5 * time.Second}, nil)
	f := NewForwarder(NewComposer("relay@example.org", "boss@example.org"), sender, nil)

	err := f.Forward(context.Background(), sampleMessage())
	var serr *SendError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, err.Error(), "550")
}
