package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig configures an email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool // implicit TLS; otherwise STARTTLS when offered
	From     string
	To       []string
	Subject  string
	Timeout  time.Duration
}

// SMTP mails each payload as a text/plain message.
type SMTP struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTP creates an SMTP channel.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Subject == "" {
		cfg.Subject = "New email alert"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTP{cfg: cfg, logger: logger}
}

func (s *SMTP) Name() string { return TypeSMTP }

func (s *SMTP) Send(ctx context.Context, payload string) error {
	msg, err := s.compose(payload, time.Now())
	if err != nil {
		return Rejected(s.Name(), err)
	}

	client, err := s.dial(ctx)
	if err != nil {
		return Transient(s.Name(), err)
	}
	defer client.Close()

	if err := client.Mail(s.cfg.From); err != nil {
		return Transient(s.Name(), fmt.Errorf("smtp MAIL FROM: %w", err))
	}
	for _, to := range s.cfg.To {
		if err := client.Rcpt(to); err != nil {
			return Transient(s.Name(), fmt.Errorf("smtp RCPT TO %s: %w", to, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return Transient(s.Name(), fmt.Errorf("smtp DATA: %w", err))
	}
	if _, err := w.Write(msg); err != nil {
		return Transient(s.Name(), fmt.Errorf("smtp write: %w", err))
	}
	if err := w.Close(); err != nil {
		// A permanent reply to the message body is a refusal of this content.
		var perr *textproto.Error
		if errors.As(err, &perr) && perr.Code >= 500 {
			return Rejected(s.Name(), fmt.Errorf("smtp close data: %w", err))
		}
		return Transient(s.Name(), fmt.Errorf("smtp close data: %w", err))
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}
	return nil
}

// Check connects and authenticates without sending.
func (s *SMTP) Check(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}

func (s *SMTP) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	if s.cfg.UseTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp new client: %w", err)
	}

	if !s.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}

func (s *SMTP) compose(payload string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: s.cfg.From}})
	to := make([]*mail.Address, 0, len(s.cfg.To))
	for _, addr := range s.cfg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(subjectLine(s.cfg.Subject, payload))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	h.Set("X-Mailer", "mailalert")
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := io.WriteString(w, payload); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

// subjectLine appends the payload's "Subject: " line, if any, to prefix.
func subjectLine(prefix, payload string) string {
	for _, line := range strings.Split(payload, "\n") {
		if rest, ok := strings.CutPrefix(line, "Subject: "); ok {
			return prefix + ": " + strings.TrimSpace(rest)
		}
	}
	return prefix
}
