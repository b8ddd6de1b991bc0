package trust

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaExecutionRecorder is the receiver-side ExecutionRecorder: it ships a
// notification for every order the ExecutionGuard places so the
// master-facing Trust Loop, running in a different process, can count them
// towards the "successful execution +1" input (spec §4.6 step 3). Grounded
// on the same franz-go producer path as protection.KafkaSink.
type KafkaExecutionRecorder struct {
	client *kgo.Client
	topic  string
}

// NewKafkaExecutionRecorder builds a KafkaExecutionRecorder connected to brokers.
func NewKafkaExecutionRecorder(brokers []string, topic string) (*KafkaExecutionRecorder, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("trust: new kafka execution recorder: %w", err)
	}
	return &KafkaExecutionRecorder{client: client, topic: topic}, nil
}

func (k *KafkaExecutionRecorder) RecordExecution(subscriptionID string, at time.Time) {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixMilli()))
	k.client.Produce(context.Background(), &kgo.Record{
		Topic: k.topic,
		Key:   []byte(subscriptionID),
		Value: ts[:],
	}, nil)
}

// Close releases the underlying client.
func (k *KafkaExecutionRecorder) Close() { k.client.Close() }

// ExecutionConsumer feeds a MemoryExecutionLedger from the executions topic,
// so the master-facing Trust Loop learns about receiver-side successes
// without the two processes sharing memory.
type ExecutionConsumer struct {
	client *kgo.Client
	ledger *MemoryExecutionLedger
	logger zerolog.Logger
}

// ExecutionConsumerConfig configures an ExecutionConsumer.
type ExecutionConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewExecutionConsumer builds an ExecutionConsumer writing into ledger.
func NewExecutionConsumer(cfg ExecutionConsumerConfig, ledger *MemoryExecutionLedger, logger zerolog.Logger) (*ExecutionConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("trust: new execution consumer: %w", err)
	}
	return &ExecutionConsumer{
		client: client,
		ledger: ledger,
		logger: logger.With().Str("component", "trust_execution_consumer").Logger(),
	}, nil
}

// Run polls for execution records until ctx is cancelled.
func (c *ExecutionConsumer) Run(ctx context.Context) {
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
			if len(rec.Value) != 8 {
				return
			}
			ms := binary.BigEndian.Uint64(rec.Value)
			c.ledger.RecordExecution(string(rec.Key), time.UnixMilli(int64(ms)).UTC())
		})
	}
}

// Close releases the underlying client.
func (c *ExecutionConsumer) Close() { c.client.Close() }
