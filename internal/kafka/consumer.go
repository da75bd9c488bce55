package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/salambundo/gasorder/internal/events"
)

type StatusHandler func(ctx context.Context, ev events.StatusChanged)

// ConsumerGroupHandler decodes status events and hands them to Handle.
// Messages that do not decode are logged and marked so they are not
// redelivered forever.
type ConsumerGroupHandler struct {
	Handle StatusHandler
	Logger *slog.Logger
}

func (ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			ev, err := events.Decode(msg.Value)
			if err != nil {
				h.Logger.Warn("skip message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
			} else {
				h.Handle(session.Context(), ev)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// StartSaramaConsumer consumes topics until ctx is done.
func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string, handler ConsumerGroupHandler) (err error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return fmt.Errorf("new consumer group: %w", err)
	}
	defer func() {
		if cerr := consumerGroup.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close consumer group: %w", cerr))
		}
	}()

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			handler.Logger.Error("consume", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
