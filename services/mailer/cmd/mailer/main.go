package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"plexus/internal/util"
	"plexus/pkg/mail"
	"plexus/services/mailer/internal/config"
	"plexus/services/mailer/internal/worker"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sender mail.Sender = mail.LogSender{Logger: logger}
	if cfg.SMTPEnabled() {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			log.Fatalf("failed to init smtp: %v", err)
		}
	} else {
		logger.Warn("smtp host not set: mail will only be logged")
	}
	w, err := worker.New(sender, cfg.Concurrency)
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("failed to connect amqp: %v", err)
	}
	defer conn.Close()
	ch, err := mail.OpenQueue(conn, cfg.MailQueue)
	if err != nil {
		log.Fatalf("failed to open mail queue: %v", err)
	}
	defer ch.Close()
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		log.Fatalf("failed to set prefetch: %v", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, cfg.MailQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("failed to consume mail queue: %v", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("mailer consuming", "queue", cfg.MailQueue, "concurrency", cfg.Concurrency)
		return w.Run(gctx, deliveries)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("amqp connection closed")
		}
	})
	if err := g.Wait(); err != nil {
		logger.Error("mailer stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("mailer stopped")
}
