// Package worker drains the mail queue and hands each job to a mail.Sender.
package worker

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"plexus/internal/util"
	"plexus/pkg/mail"
)

// Worker acknowledges a delivery after the sender accepts it and rejects it
// without requeue otherwise. Failed jobs are not retried.
type Worker struct {
	sender      mail.Sender
	concurrency int
}

func New(sender mail.Sender, concurrency int) (*Worker, error) {
	if sender == nil {
		return nil, errors.New("mail sender is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{sender: sender, concurrency: concurrency}, nil
}

// Run consumes deliveries until ctx is done or the channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.Handle(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

// Handle processes one delivery.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) {
	logger := slog.Default().With("delivery_tag", d.DeliveryTag, "message_id", d.MessageId)
	ctx = util.ContextWithLogger(ctx, logger)

	job, err := mail.DecodeJob(d.Body)
	if err != nil {
		logger.Error("mail job rejected", "err", err)
		nack(logger, d)
		return
	}
	logger = logger.With("job_id", job.ID)
	if err := w.sender.Send(ctx, job.Message); err != nil {
		logger.Error("mail delivery failed", "err", err)
		nack(logger, d)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("mail ack failed", "err", err)
	}
}

func nack(logger *slog.Logger, d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		logger.Warn("mail nack failed", "err", err)
	}
}
