package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSMTPPort        = 587
	defaultSMTPDialTimeout = 30 * time.Second
)

// SMTPConfig holds the relay connection settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	HelloName string
	// DisableTLS skips STARTTLS even when the relay offers it.
	DisableTLS bool
}

// SMTPOption configures the SMTP adapter.
type SMTPOption func(*SMTPAdapter)

// WithSMTPTLSConfig overrides the TLS configuration used for STARTTLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(a *SMTPAdapter) {
		a.tlsConfig = cfg
	}
}

// WithSMTPDialer swaps the network dialer used to reach the relay.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(a *SMTPAdapter) {
		if d != nil {
			a.dialer = d
		}
	}
}

// WithSMTPClock replaces the clock used for Date headers.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(a *SMTPAdapter) {
		if now != nil {
			a.now = now
		}
	}
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPAdapter delivers messages through an SMTP relay.
type SMTPAdapter struct {
	logger    *zap.Logger
	host      string
	port      int
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

func NewSMTPAdapter(cfg SMTPConfig, logger *zap.Logger, opts ...SMTPOption) (*SMTPAdapter, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp adapter: host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("smtp adapter: invalid port %d", cfg.Port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &SMTPAdapter{
		logger:    logger,
		host:      host,
		port:      port,
		dialer:    &net.Dialer{Timeout: defaultSMTPDialTimeout},
		now:       time.Now,
		helloName: "localhost",
	}
	if name := strings.TrimSpace(cfg.HelloName); name != "" {
		a.helloName = name
	}
	if strings.TrimSpace(cfg.Username) != "" {
		a.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	if !cfg.DisableTLS {
		a.tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a, nil
}

func (a *SMTPAdapter) Send(ctx context.Context, envelope Envelope) (*Result, error) {
	from, err := normalizeEnvelopeAddress(envelope.From)
	if err != nil {
		return nil, &SendError{Kind: FailurePermanent, Message: "invalid from address", Cause: err}
	}
	to, err := normalizeEnvelopeAddress(envelope.To)
	if err != nil {
		return nil, &SendError{Kind: FailureBounce, Message: "invalid recipient", Cause: err}
	}

	message, err := a.buildMessage(envelope)
	if err != nil {
		return nil, &SendError{Kind: FailurePermanent, Message: "failed to build message", Cause: err}
	}

	if err := a.deliver(ctx, from, to, message); err != nil {
		return nil, classifySMTPError(err)
	}

	a.logger.Debug("smtp relay accepted message",
		zap.String("messageId", envelope.MessageID),
		zap.String("host", a.host),
	)

	return &Result{
		Accepted:          true,
		ProviderMessageID: smtpMessageID(envelope.MessageID, a.host),
		StatusCode:        250,
		Body:              "smtp: message accepted",
	}, nil
}

// HealthCheck opens a session and issues NOOP.
func (a *SMTPAdapter) HealthCheck(ctx context.Context) error {
	err := a.session(ctx, func(client *smtp.Client) error {
		return client.Noop()
	})
	if err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func (a *SMTPAdapter) deliver(ctx context.Context, from, to string, message []byte) error {
	return a.session(ctx, func(client *smtp.Client) error {
		if err := client.Mail(from); err != nil {
			return fmt.Errorf("mail from: %w", err)
		}
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}

		writer, err := client.Data()
		if err != nil {
			return fmt.Errorf("data: %w", err)
		}
		if _, err := writer.Write(message); err != nil {
			_ = writer.Close()
			return fmt.Errorf("data write: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("data close: %w", err)
		}
		return nil
	})
}

func (a *SMTPAdapter) session(ctx context.Context, fn func(client *smtp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	conn, err := a.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, a.host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(a.helloName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if a.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := a.tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = a.host
			}
			if err := client.StartTLS(cfg); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if a.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(a.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := fn(client); err != nil {
		return err
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("quit: %w", err)
	}

	// A cancel racing the final reply closes the connection, so the
	// context outcome is authoritative.
	return ctx.Err()
}

func (a *SMTPAdapter) buildMessage(envelope Envelope) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader := func(key, value string) {
		if value = sanitizeHeaderValue(value); value == "" {
			return
		}
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", formatAddress(envelope.FromName, envelope.From))
	writeHeader("To", formatAddress(envelope.ToName, envelope.To))
	writeHeader("Reply-To", envelope.ReplyTo)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", envelope.Subject))
	writeHeader("Date", a.now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-Id", smtpMessageID(envelope.MessageID, a.host))
	writeHeader("X-Tracking-Id", envelope.TrackingID)
	writeHeader("MIME-Version", "1.0")

	html := strings.TrimSpace(envelope.HTML) != ""
	text := strings.TrimSpace(envelope.Text) != ""

	if !(html && text) {
		contentType := "text/plain; charset=UTF-8"
		body := envelope.Text
		if html {
			contentType = "text/html; charset=UTF-8"
			body = envelope.HTML
		}
		writeHeader("Content-Type", contentType)
		buf.WriteString("\r\n")
		buf.WriteString(normalizeBody(body))
		return buf.Bytes(), nil
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	writeHeader("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{contentType: "text/plain; charset=UTF-8", body: envelope.Text},
		{contentType: "text/html; charset=UTF-8", body: envelope.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, normalizeBody(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	buf.Write(parts.Bytes())
	return buf.Bytes(), nil
}

// classifySMTPError maps relay replies onto a FailureKind: 421/450/451 rate
// limited, other 4xx and network failures transient, 550/551/553 bounces,
// remaining 5xx permanent.
func classifySMTPError(err error) *SendError {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &SendError{
			Kind:       smtpReplyKind(tpErr.Code),
			StatusCode: tpErr.Code,
			Message:    strings.TrimSpace(tpErr.Msg),
			Cause:      err,
		}
	}

	return requestError("smtp session failed", err)
}

func smtpReplyKind(code int) FailureKind {
	switch code {
	case 421, 450, 451:
		return FailureRateLimited
	case 550, 551, 553:
		return FailureBounce
	}
	if code >= 400 && code < 500 {
		return FailureTransient
	}
	return FailurePermanent
}

func smtpMessageID(id, host string) string {
	if strings.TrimSpace(id) == "" {
		return ""
	}
	return "<" + id + "@" + host + ">"
}

func formatAddress(name, address string) string {
	if strings.TrimSpace(address) == "" {
		return ""
	}
	if strings.TrimSpace(name) == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func normalizeEnvelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	if addr.Address == "" {
		return "", errors.New("empty address")
	}
	return addr.Address, nil
}
