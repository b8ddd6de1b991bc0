package protection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Sink is the append-only Protection Event Sink's upward contract: Record
// must not return until the event is durable, since its absence is
// defined as a system failure (spec §7).
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// KafkaSink is the high-volume, durable Sink backed by franz-go, grounded
// on the same client library the teacher used for its market-data
// consumer, repurposed here as a producer of rejection events.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaSink builds a KafkaSink connected to cfg.Brokers.
func NewKafkaSink(cfg KafkaSinkConfig, logger zerolog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("protection: new kafka client: %w", err)
	}
	return &KafkaSink{
		client: client,
		topic:  cfg.Topic,
		logger: logger.With().Str("component", "protection_sink").Logger(),
	}, nil
}

func (k *KafkaSink) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("protection: marshal event: %w", err)
	}

	result := make(chan error, 1)
	k.client.Produce(ctx, &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.SubscriptionID),
		Value: payload,
	}, func(_ *kgo.Record, err error) {
		result <- err
	})

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("protection: produce event: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the underlying Kafka client.
func (k *KafkaSink) Close() {
	k.client.Close()
}

// MemorySink is an in-memory Sink for tests and the local demo binary. It
// keeps the most recent events of all subscriptions together, up to one
// shared capacity, for the admin dashboard to surface verbatim (spec §7
// "User-visible behavior"); Recent filters them by subscription.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewMemorySink builds a MemorySink retaining up to capacity events.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{cap: capacity}
}

func (m *MemorySink) Record(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > m.cap {
		m.events = m.events[len(m.events)-m.cap:]
	}
	return nil
}

// Recent returns the events recorded for subscriptionID, most recent last.
func (m *MemorySink) Recent(subscriptionID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range m.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out
}

// PruneOlderThan drops events older than cutoff, implementing the bounded
// retention window named in spec §3 ("Retained for a bounded window, e.g.,
// 90 days").
func (m *MemorySink) PruneOlderThan(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0:0]
	for _, e := range m.events {
		if e.EventTime.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
}
