// Package registry is the authoritative Subscription Registry: the mapping
// from license credentials to {subscription, master, subscriber, state,
// last_accepted_sequence, policy} described in spec §3, and the state
// machine of spec §4.3.
package registry

import "fmt"

// State is the closed set of subscription lifecycle states from spec §4.3.
type State string

const (
	StateSynced          State = "SYNCED"
	StateDegradedGap     State = "DEGRADED_GAP"
	StateLockedNoFunds   State = "LOCKED_NO_FUNDS"
	StatePausedToxic     State = "PAUSED_TOXIC"
	StateSuspendedAdmin  State = "SUSPENDED_ADMIN"
)

// Policy is the per-subscription admission policy from spec §3. It is
// immutable between admin updates and is read under the same lock as
// State.
type Policy struct {
	MaxPriceDeviationPips float64
	MaxTTLMillis          int64
	MaxLot                float64
	SecretKeyRef          string
}

// Subscription is the directed relationship from subscriber to master
// under which signals replicate, per spec §3.
type Subscription struct {
	SubscriptionID       string
	SubscriberID         string
	MasterID             string
	State                State
	LastAcceptedSequence int64
	Policy               Policy
	HWM                  int64 // high-water mark the distributor has delivered through

	// TrustScore is the bounded [0,100] reputation maintained exclusively by
	// the Trust Loop under this row's lock (spec §4.6).
	TrustScore int

	// Version supports the optimistic-locking discipline required by spec
	// §4.3: writers that lose the version race must retry or surface
	// VERSION_CONFLICT.
	Version uint64
}

// NewSubscription validates and constructs a Subscription in its initial
// SYNCED state, per spec §3 ("Initial state SYNCED").
func NewSubscription(id, subscriberID, masterID string, policy Policy) (*Subscription, error) {
	if subscriberID == masterID {
		return nil, fmt.Errorf("subscriber_id must not equal master_id")
	}
	if id == "" || subscriberID == "" || masterID == "" {
		return nil, fmt.Errorf("subscription_id, subscriber_id and master_id are all required")
	}
	return &Subscription{
		SubscriptionID: id,
		SubscriberID:   subscriberID,
		MasterID:       masterID,
		State:          StateSynced,
		Policy:         policy,
		TrustScore:     100,
		Version:        1,
	}, nil
}

// Snapshot returns a value copy safe to read without holding the
// registry's row lock — used by lock-free hot-path readers (gateway,
// fan-out) per spec §4.3 ("Reads by the gateway and fan-out are lock-free
// snapshots").
func (s *Subscription) Snapshot() Subscription {
	return *s
}
