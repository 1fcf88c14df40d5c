package messaging

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// DefaultEmailSubject is used when EmailOpts.Subject is empty.
const DefaultEmailSubject = "Appointment reminder"

// EmailOpts configures the SMTP transport.
type EmailOpts struct {
	Host     string // SMTP server host
	Port     int    // defaults to 587
	Username string // PLAIN auth is used when set
	Password string
	From     string
	Subject  string
}

// EmailService delivers email reminders over SMTP.
type EmailService struct {
	opts EmailOpts
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ Transport = (*EmailService)(nil)

// NewEmailService validates opts and creates an EmailService.
func NewEmailService(opts EmailOpts) (*EmailService, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host must be provided")
	}
	if _, err := mail.ParseAddress(opts.From); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", opts.From, err)
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Subject == "" {
		opts.Subject = DefaultEmailSubject
	}
	var d net.Dialer
	return &EmailService{opts: opts, dial: d.DialContext}, nil
}

// Send implements Transport for the email channel. SMTP acceptance is not a
// delivery confirmation, so Confirmed is always false.
func (s *EmailService) Send(ctx context.Context, channel models.ChannelType, address, content string) (SendResult, error) {
	if channel != models.ChannelEmail {
		return SendResult{}, transportError(channel, fmt.Errorf("email transport does not handle channel %q", channel))
	}
	to, err := mail.ParseAddress(address)
	if err != nil {
		return SendResult{}, transportError(channel, fmt.Errorf("invalid recipient %q: %w", address, err))
	}
	from, _ := mail.ParseAddress(s.opts.From)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.opts.Host)
	msg := buildEmail(from, to, s.opts.Subject, messageID, content, time.Now())

	if err := s.deliver(ctx, from.Address, to.Address, msg); err != nil {
		slog.Error("EmailService.Send failed", "to", to.Address, "error", err)
		return SendResult{}, transportError(channel, err)
	}
	slog.Info("EmailService.Send accepted", "to", to.Address, "messageID", messageID)
	return SendResult{ProviderRef: messageID}, nil
}

func (s *EmailService) deliver(ctx context.Context, from, to string, msg []byte) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	c, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.opts.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}
	if s.opts.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

// buildEmail renders a plain-text RFC 5322 message with CRLF line endings.
func buildEmail(from, to *mail.Address, subject, messageID, body string, at time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", from.String())
	header("To", to.String())
	header("Subject", subject)
	header("Date", at.Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
