// Package email delivers alert mail over SMTP.
//
// Three connection modes are supported: implicit TLS (UseSSL, usually port
// 465), STARTTLS (UseTLS, usually 587) and plain SMTP for local relays.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

// SMTPConfig contains SMTP server configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	FromEmail string
	FromName  string

	UseTLS        bool
	UseSSL        bool
	SkipTLSVerify bool

	Timeout time.Duration
}

// FromConfig maps the email section of the application config.
func FromConfig(cfg config.EmailConfig) SMTPConfig {
	return SMTPConfig{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.Username,
		Password:      cfg.Password,
		FromEmail:     cfg.FromEmail,
		FromName:      cfg.FromName,
		UseTLS:        cfg.UseTLS,
		UseSSL:        cfg.UseSSL,
		SkipTLSVerify: cfg.SkipTLSVerify,
		Timeout:       cfg.Timeout,
	}
}

// Message is one outgoing mail. HTMLBody is optional; when set the mail is
// sent as multipart/alternative.
type Message struct {
	To       []string
	Subject  string
	Body     string
	HTMLBody string
	Headers  map[string]string
}

// SMTPSender sends emails via SMTP
type SMTPSender struct {
	config SMTPConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewSMTPSender creates a new SMTP email sender
func NewSMTPSender(cfg SMTPConfig, log *logger.Logger) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("sender email address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	log = log.WithComponent("smtp")
	log.Infow("SMTP sender initialized",
		"host", cfg.Host,
		"port", cfg.Port,
		"from_email", cfg.FromEmail,
		"use_tls", cfg.UseTLS,
		"use_ssl", cfg.UseSSL,
	)

	return &SMTPSender{config: cfg, logger: log, now: time.Now}, nil
}

// Send delivers msg. The whole SMTP exchange is bounded by the configured
// timeout and by ctx.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if msg.Subject == "" {
		return fmt.Errorf("email subject is required")
	}
	if msg.Body == "" && msg.HTMLBody == "" {
		return fmt.Errorf("email body is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.deliver(ctx, msg.To, s.buildMessage(msg)); err != nil {
		s.logger.Errorw("Failed to send email",
			"error", err,
			"to", msg.To,
			"subject", msg.Subject,
		)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Infow("Email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (s *SMTPSender) deliver(ctx context.Context, recipients []string, data []byte) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.SkipTLSVerify,
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.config.UseSSL {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if s.config.UseTLS && !s.config.UseSSL {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.config.FromEmail); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initialize data transfer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// buildMessage renders headers and body with CRLF line endings.
func (s *SMTPSender) buildMessage(msg Message) []byte {
	var b strings.Builder

	if s.config.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", s.config.FromName, s.config.FromEmail)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", s.config.FromEmail)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	for k, v := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	if msg.HTMLBody == "" {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(crlf(msg.Body))
		return []byte(b.String())
	}

	boundary := "wpsentry-" + uuid.NewString()
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(crlf(msg.Body))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(crlf(msg.HTMLBody))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
