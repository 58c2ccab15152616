// Package broadcaster drains the trade outbox to Kafka. Trades are
// recorded durably at settlement time and published here with
// at-least-once delivery; consumers deduplicate on (seq, index).
package broadcaster

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"venue/infra/outbox"
)

type Broadcaster struct {
	outbox   *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
}

func New(ob *outbox.Outbox, brokers []string, topic string, interval time.Duration) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		outbox:   ob,
		producer: producer,
		topic:    topic,
		interval: interval,
	}, nil
}

// Run drains the outbox on a fixed cadence until ctx is cancelled.
// Run this in its own goroutine; it never touches engine state.
func (b *Broadcaster) Run(ctx context.Context) {
	slog.Info("broadcaster started", "topic", b.topic)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("broadcaster stopping")
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Broadcaster) drainOnce() {
	_ = b.outbox.ScanUnacked(func(rec *outbox.Record) error {
		// mark SENT first: a crash after the send but before the ack
		// re-sends, never drops
		if err := b.outbox.MarkSent(rec.Key); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			slog.Warn("trade publish failed, will retry",
				"seq", rec.Key.Seq, "index", rec.Key.Index, "err", err)
			return nil // retry on the next tick
		}

		return b.outbox.MarkAcked(rec.Key)
	})
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
