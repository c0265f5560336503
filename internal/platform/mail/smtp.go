package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/domodwyer/mailyak/v3"

	"github.com/ticketbooth/api/internal/platform/config"
)

// Attachment is a file on local disk sent alongside a message.
type Attachment struct {
	Name string
	Path string
}

// Message is an outbound HTML email.
type Message struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// SMTPSender delivers messages through an SMTP relay with PLAIN auth.
type SMTPSender struct {
	addr     string
	auth     smtp.Auth
	from     string
	fromName string
	// newMail is swapped in tests to inspect the composed MIME message.
	newMail func() *mailyak.MailYak
}

// NewSMTPSender builds a sender from mail configuration.
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, errors.New("mail: from address is required")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	s := &SMTPSender{addr: addr, auth: auth, from: cfg.FromEmail, fromName: cfg.FromName}
	s.newMail = func() *mailyak.MailYak { return mailyak.New(s.addr, s.auth) }
	return s, nil
}

// Send composes and delivers msg. mailyak has no context support, so cancellation is only
// honoured before the SMTP session starts.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := s.compose(msg)
	if err != nil {
		return err
	}
	if err := m.Send(); err != nil {
		return fmt.Errorf("mail: send to %s: %w", s.addr, err)
	}
	return nil
}

func (s *SMTPSender) compose(msg Message) (*mailyak.MailYak, error) {
	if strings.TrimSpace(msg.To) == "" {
		return nil, errors.New("mail: recipient is required")
	}
	m := s.newMail()
	m.To(msg.To)
	m.From(s.from)
	if s.fromName != "" {
		m.FromName(s.fromName)
	}
	m.Subject(msg.Subject)
	m.HTML().Set(msg.HTML)

	for _, att := range msg.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return nil, fmt.Errorf("mail: read attachment: %w", err)
		}
		name := att.Name
		if name == "" {
			name = filepath.Base(att.Path)
		}
		m.Attach(name, bytes.NewReader(data))
	}
	return m, nil
}
