package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/config"
	"github.com/carelink/portal/internal/db"
	"github.com/carelink/portal/internal/email"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/notify"
	"github.com/carelink/portal/internal/store/rabbitmq"
	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	maxRetries = 3
	retryBase  = 5 * time.Second
)

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	smtpCfg := email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}
	if !smtpCfg.Enabled() {
		logging.Warn().Msg("SMTP not configured, notifications will be retried then dead-lettered")
	}
	notifier := notify.New(repo, email.Sender{Cfg: smtpCfg})

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, concurrency)
	if err != nil {
		logging.Fatal().Err(err).Msg("rabbit consumer")
	}
	defer consumer.Close()

	msgs, err := consumer.Deliveries()
	if err != nil {
		logging.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, notifier, consumer, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logging.Error().Msg("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, workerID int, n *notify.Notifier, consumer *rabbitmq.Consumer, d amqp.Delivery) {
	log := logging.Logger().With().Int("worker", workerID).Str("event_id", d.MessageId).Logger()

	var ev chat.MessageEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.MessageID == 0 {
		log.Warn().Err(err).Msg("bad message, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := n.Handle(ctx, ev)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		return
	}

	attempt := rabbitmq.RetryCount(d)
	if attempt >= maxRetries {
		log.Error().Err(err).Int("attempt", attempt).Dur("cost", time.Since(start)).Msg("notification failed, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	delay := retryBase << attempt
	log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("notification failed, retrying")
	if rerr := consumer.Retry(ctx, d, delay); rerr != nil {
		log.Error().Err(rerr).Msg("retry publish failed, dead-lettering")
		_ = d.Nack(false, false)
	}
}
