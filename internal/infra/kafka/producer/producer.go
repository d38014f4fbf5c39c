package producer

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/upload-queue/internal/config"
	"github.com/aliskhannn/upload-queue/internal/model"
)

// Producer publishes queue events to Kafka.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer writing to the events topic.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(
	cfg *config.Kafka,
	s retry.Strategy,
) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.EventsTopic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Publish serializes the event to JSON and sends it to Kafka.
// The item ID is used as the message key so events of one item stay ordered.
func (p *Producer) Publish(ctx context.Context, ev model.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err = p.Client.SendWithRetry(ctx, p.strategy, []byte(ev.ItemID), data); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	return nil
}
