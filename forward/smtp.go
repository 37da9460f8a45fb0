package forward

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

const DefaultSMTPTimeout = 60 * time.Second

// SendError is returned when the outbound transport rejects a message.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send forward of %s: %v", e.MessageID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SMTPConfig describes the outbound server. ImplicitTLS (port 465 style)
// takes precedence over StartTLS.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	StartTLS           bool
	ImplicitTLS        bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTPSender delivers Outbound messages, opening one connection per send.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSMTPTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SMTPSender{cfg: cfg, logger: logger.With("component", "smtp")}
}

// Send delivers out synchronously. The whole exchange is bounded by ctx and
// the configured timeout.
func (s *SMTPSender) Send(ctx context.Context, out Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, //nolint:gosec // user-controlled for self-signed servers
	}

	conn, err := s.dial(ctx, addr, tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if !s.cfg.ImplicitTLS && s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp starttls: server does not advertise STARTTLS")
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		} else {
			s.logger.Warn("server does not advertise AUTH, sending unauthenticated", "host", s.cfg.Host)
		}
	}

	if err := client.Mail(out.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range out.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(out.Raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}

	s.logger.Debug("message sent", "message_id", out.MessageID, "to", out.To, "bytes", len(out.Raw))
	return nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if s.cfg.ImplicitTLS {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial: %w", err)
		}
		return conn, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	return conn, nil
}
