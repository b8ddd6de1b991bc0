package protection

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EventConsumer feeds a MemorySink from the protection-events topic, so the
// master-facing Trust Loop can aggregate rejections reported by receivers
// running in a separate process (spec §4.6: the sink is "best-effort from
// the receiver").
type EventConsumer struct {
	client *kgo.Client
	sink   *MemorySink
	logger zerolog.Logger
}

// EventConsumerConfig configures an EventConsumer.
type EventConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewEventConsumer builds an EventConsumer writing into sink.
func NewEventConsumer(cfg EventConsumerConfig, sink *MemorySink, logger zerolog.Logger) (*EventConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, err
	}
	return &EventConsumer{
		client: client,
		sink:   sink,
		logger: logger.With().Str("component", "protection_event_consumer").Logger(),
	}, nil
}

// Run polls for protection events until ctx is cancelled, recording each
// into the sink. Lost or undecodable events are dropped: trust is only a
// heuristic (spec §4.6).
func (c *EventConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			c.logger.Error().Err(err).Msg("fetch error")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var event Event
			if err := json.Unmarshal(rec.Value, &event); err != nil {
				c.logger.Warn().Err(err).Msg("undecodable protection event, dropping")
				return
			}
			_ = c.sink.Record(ctx, event)
		})
	}
}

// Close releases the underlying client.
func (c *EventConsumer) Close() { c.client.Close() }
