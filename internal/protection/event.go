// Package protection is the append-only Protection Event Sink (spec §4.6):
// every guard rejection is logged here, and absence of a log entry must be
// treated as a system failure, not "nothing happened" (spec §7).
package protection

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single ProtectionEvent, per spec §3.
type Event struct {
	EventID              string     `json:"event_id"`
	SubscriptionID       string     `json:"subscription_id"`
	EventTime            time.Time  `json:"event_time"`
	SignalSequence       int64      `json:"signal_sequence"`
	GeneratedAt          time.Time  `json:"generated_at"`
	ArrivalTime          time.Time  `json:"arrival_time"`
	Reason               string     `json:"reason"`
	ObservedLatencyMs    int64      `json:"observed_latency_ms"`
	ObservedDeviation    *float64   `json:"observed_deviation,omitempty"`
	StateAtEvent         string     `json:"state_at_event"`
	WalletBalanceAtEvent *bool      `json:"wallet_balance_at_event,omitempty"`
}

// NewEvent stamps a fresh EventID and EventTime for a newly observed
// rejection.
func NewEvent(subscriptionID string, signalSequence int64, generatedAt, arrivalTime time.Time, reason, stateAtEvent string) Event {
	return Event{
		EventID:           uuid.NewString(),
		SubscriptionID:    subscriptionID,
		EventTime:         time.Now().UTC(),
		SignalSequence:    signalSequence,
		GeneratedAt:       generatedAt,
		ArrivalTime:       arrivalTime,
		Reason:            reason,
		ObservedLatencyMs: arrivalTime.Sub(generatedAt).Milliseconds(),
		StateAtEvent:      stateAtEvent,
	}
}
