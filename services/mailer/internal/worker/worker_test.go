package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"plexus/pkg/mail"
)

type ackRecorder struct {
	mu     sync.Mutex
	acked  []uint64
	nacked map[uint64]bool
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{nacked: map[uint64]bool{}}
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked[tag] = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, msg mail.Message) amqp.Delivery {
	t.Helper()
	body, err := mail.EncodeJob(mail.Job{ID: "job", Message: msg, EnqueuedAt: time.Now()})
	if err != nil {
		t.Fatalf("encode job: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func TestHandleAcksDeliveredJob(t *testing.T) {
	ack := newAckRecorder()
	sender := &fakeSender{}
	w, err := New(sender, 1)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Handle(context.Background(), delivery(t, ack, 7, mail.OTPMessage("a@example.com", "123456", 10*time.Minute)))

	if len(ack.acked) != 1 || ack.acked[0] != 7 {
		t.Fatalf("acked = %v", ack.acked)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "a@example.com" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestHandleNacksWithoutRequeue(t *testing.T) {
	ack := newAckRecorder()
	w, _ := New(&fakeSender{err: errors.New("smtp down")}, 1)
	w.Handle(context.Background(), delivery(t, ack, 1, mail.Message{To: "a@example.com", Subject: "x"}))
	w.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("{bad json")})

	for _, tag := range []uint64{1, 2} {
		requeue, ok := ack.nacked[tag]
		if !ok || requeue {
			t.Fatalf("tag %d: nacked=%v requeue=%v", tag, ok, requeue)
		}
	}
	if len(ack.acked) != 0 {
		t.Fatalf("unexpected acks: %v", ack.acked)
	}
}

func TestRunDrainsUntilClosed(t *testing.T) {
	ack := newAckRecorder()
	sender := &fakeSender{}
	w, _ := New(sender, 3)
	ch := make(chan amqp.Delivery, 5)
	for i := uint64(1); i <= 5; i++ {
		ch <- delivery(t, ack, i, mail.Message{To: "a@example.com", Subject: "x"})
	}
	close(ch)
	if err := w.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ack.acked) != 5 || len(sender.sent) != 5 {
		t.Fatalf("acked=%d sent=%d", len(ack.acked), len(sender.sent))
	}
}

func TestNewRequiresSender(t *testing.T) {
	if _, err := New(nil, 1); err == nil {
		t.Fatal("expected error")
	}
}
