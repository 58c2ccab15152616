// Package kafka publishes balance-change events for downstream mirrors
// (caches, user notifications). The core never reads them back; the
// event log stays the source of truth.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// BalanceUpdate is the published view of one (user, asset) entry after
// a sequenced command touched it.
type BalanceUpdate struct {
	SequenceID uint64          `json:"seq"`
	UserID     uint64          `json:"user_id"`
	Asset      string          `json:"asset"`
	Available  decimal.Decimal `json:"available"`
	Frozen     decimal.Decimal `json:"frozen"`
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// PublishBalances sends one message per update, keyed by user id so a
// user's updates stay ordered within a partition.
func (p *Producer) PublishBalances(ctx context.Context, updates []BalanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(updates))
	for _, u := range updates {
		value, err := json.Marshal(u)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatUint(u.UserID, 10)),
			Value: value,
		})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
