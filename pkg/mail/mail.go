// Package mail delivers transactional email. The API publishes messages to a
// RabbitMQ queue; the mailer service consumes them and sends over SMTP.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultQueue is the RabbitMQ queue carrying outbound mail jobs.
const DefaultQueue = "plexus.mail"

// Message is a plain-text email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return errors.New("mail recipient required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("mail subject required")
	}
	return nil
}

// Sender delivers or enqueues a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Job is the queued form of a Message.
type Job struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func EncodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("decode mail job: %w", err)
	}
	if err := job.Message.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// OTPMessage renders the passcode email.
func OTPMessage(to, code string, ttl time.Duration) Message {
	minutes := int(ttl.Minutes())
	return Message{
		To:      to,
		Subject: "Your Plexus verification code",
		Text: fmt.Sprintf("Your verification code is %s.\n\nIt expires in %d minutes. "+
			"If you did not request this code, you can ignore this email.\n", code, minutes),
	}
}

// LogSender logs messages instead of delivering them. The body is never logged.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail_not_delivered", "to", msg.To, "subject", msg.Subject, "reason", "no mail transport configured")
	return nil
}
