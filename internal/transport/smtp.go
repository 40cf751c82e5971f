package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/commsblock-backend/internal/config"
)

// SMTPSender submits messages to a relay, upgrading with STARTTLS when offered.
type SMTPSender struct {
	host     string
	port     int
	user     string
	password string
	implicit bool
	timeout  time.Duration
}

func NewSMTPSender(cfg config.TransportConfig) *SMTPSender {
	return &SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		implicit: cfg.SMTPImplicit,
		timeout:  cfg.Timeout,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	client, err := s.dial(ctx, addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	if !s.implicit {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return Result{}, fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.user != "" {
		if err := client.Auth(smtp.PlainAuth("", s.user, s.password, s.host)); err != nil {
			return Result{}, fmt.Errorf("auth: %w", err)
		}
	}

	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return Result{}, fmt.Errorf("from address: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Result{}, fmt.Errorf("to address: %w", err)
	}

	messageID := uuid.NewString() + "@" + s.host
	if err := client.Mail(from.Address); err != nil {
		return Result{}, fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return Result{}, fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return Result{}, fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write([]byte(BuildMIME(msg, messageID, time.Now()))); err != nil {
		w.Close()
		return Result{}, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close body: %w", err)
	}
	_ = client.Quit()
	return Result{MessageID: messageID, Status: "queued"}, nil
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	var conn net.Conn
	var err error
	if s.implicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// BuildMIME renders msg as a multipart/alternative message. Custom headers are
// written in sorted order.
func BuildMIME(msg Message, messageID string, now time.Time) string {
	var b strings.Builder
	b.WriteString("From: " + msg.From + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + messageID + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if strings.EqualFold(k, "Content-Type") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + msg.Headers[k] + "\r\n")
	}

	boundary := "alt-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	b.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n")
	if msg.Text != "" {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.Text + "\r\n")
	}
	if msg.HTML != "" {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTML + "\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return b.String()
}
