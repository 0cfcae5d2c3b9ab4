package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"plexus/internal/util"
	"plexus/pkg/auth"
)

var ErrHeaderInjection = errors.New("mail header contains line break")

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers messages synchronously over SMTP with PLAIN auth when
// credentials are set.
type SMTPSender struct {
	addr string
	from *netmail.Address
	auth smtp.Auth
	now  func() time.Time
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	from, err := netmail.ParseAddress(strings.TrimSpace(cfg.From))
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPSender{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		from: from,
		auth: auth,
		now:  time.Now,
		send: smtp.SendMail,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := netmail.ParseAddress(strings.TrimSpace(msg.To))
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}
	body, err := s.render(to, msg)
	if err != nil {
		return err
	}
	if err := s.send(s.addr, s.auth, s.from.Address, []string{to.Address}, body); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	util.LoggerFromContext(ctx).Info("mail sent", "to", auth.MaskEmail(to.Address))
	return nil
}

// render builds an RFC 5322 plain-text message with a quoted-printable body.
func (s *SMTPSender) render(to *netmail.Address, msg Message) ([]byte, error) {
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return nil, ErrHeaderInjection
	}
	var b bytes.Buffer
	headers := [][2]string{
		{"From", s.from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", s.now().UTC().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/plain; charset="utf-8"`},
		{"Content-Transfer-Encoding", "quoted-printable"},
	}
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	qp := quotedprintable.NewWriter(&b)
	if _, err := qp.Write([]byte(strings.ReplaceAll(msg.Text, "\n", "\r\n"))); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b.Bytes(), nil
}
