package registry

import (
	"fmt"
	"sync"
)

// ErrNotFound is returned when no subscription exists for the given id.
var ErrNotFound = fmt.Errorf("registry: subscription not found")

// ErrVersionConflict is returned when a caller's expected version does not
// match the current row version — the VERSION_CONFLICT error kind from
// spec §7, recoverable with bounded retries.
var ErrVersionConflict = fmt.Errorf("registry: version conflict")

// row holds one subscription behind its own lock, so that one subscriber's
// write never contends with another's — the per-subscription exclusive
// lock required by spec §4.3.
type row struct {
	mu  sync.RWMutex
	sub Subscription
}

// Registry is the authoritative, in-memory Subscription Registry. It is
// safe for concurrent use by the hot path (lock-free snapshot reads) and
// the control plane (locked reads and writes).
type Registry struct {
	mu   sync.RWMutex // guards the rows map itself, not row contents
	rows map[string]*row

	// byMaster indexes subscription ids by master, for the Fan-out
	// Distributor's "every subscription of its master" fan-out (spec §4.4).
	byMasterMu sync.RWMutex
	byMaster   map[string]map[string]struct{}
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		rows:     make(map[string]*row),
		byMaster: make(map[string]map[string]struct{}),
	}
}

// Create inserts a new subscription. Returns an error if one already
// exists for sub.SubscriptionID, or if the (subscriber_id, master_id) pair
// is already in use (spec §3 invariant: "at most one (subscriber_id,
// master_id) pair").
func (r *Registry) Create(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rows[sub.SubscriptionID]; exists {
		return fmt.Errorf("registry: subscription %s already exists", sub.SubscriptionID)
	}
	for _, existing := range r.rows {
		existing.mu.RLock()
		clash := existing.sub.SubscriberID == sub.SubscriberID && existing.sub.MasterID == sub.MasterID
		existing.mu.RUnlock()
		if clash {
			return fmt.Errorf("registry: subscriber %s already subscribed to master %s", sub.SubscriberID, sub.MasterID)
		}
	}

	r.rows[sub.SubscriptionID] = &row{sub: *sub}

	r.byMasterMu.Lock()
	if r.byMaster[sub.MasterID] == nil {
		r.byMaster[sub.MasterID] = make(map[string]struct{})
	}
	r.byMaster[sub.MasterID][sub.SubscriptionID] = struct{}{}
	r.byMasterMu.Unlock()

	return nil
}

// Delete removes a subscription — the only terminal transition (spec §4.3:
// "Terminal state only upon subscription deletion").
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.rows, id)

	r.byMasterMu.Lock()
	delete(r.byMaster[rw.sub.MasterID], id)
	r.byMasterMu.Unlock()

	return nil
}

func (r *Registry) get(id string) (*row, error) {
	r.mu.RLock()
	rw, ok := r.rows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rw, nil
}

// Snapshot returns a lock-free-for-writers read used by the hot path (the
// Ingest Gateway and Fan-out Distributor), per spec §4.3.
func (r *Registry) Snapshot(id string) (Subscription, error) {
	rw, err := r.get(id)
	if err != nil {
		return Subscription{}, err
	}
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.sub.Snapshot(), nil
}

// SnapshotForAdmission returns the subscription under the row's exclusive
// lock path, for callers making admission decisions (trust loop, fund
// guard) per spec §4.3 ("reads used for admission decisions ... must take
// the lock"). The lock is released before return; callers that need to act
// on a consistent read-then-write must use Transition instead.
func (r *Registry) SnapshotForAdmission(id string) (Subscription, error) {
	rw, err := r.get(id)
	if err != nil {
		return Subscription{}, err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.sub.Snapshot(), nil
}

// MasterSubscriptions returns the ids of every subscription whose
// master_id matches masterID, for Fan-out delivery.
func (r *Registry) MasterSubscriptions(masterID string) []string {
	r.byMasterMu.RLock()
	defer r.byMasterMu.RUnlock()
	ids := make([]string, 0, len(r.byMaster[masterID]))
	for id := range r.byMaster[masterID] {
		ids = append(ids, id)
	}
	return ids
}

// AllSubscriptionIDs returns every live subscription id, for the Trust
// Loop's per-invocation sweep (spec §4.6 "Runs periodically per subscriber").
func (r *Registry) AllSubscriptionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	return ids
}

// Transition applies event to the subscription identified by id under its
// exclusive lock, enforcing the optimistic version check from spec §4.3.
// A caller that loses the version race gets ErrVersionConflict; Transition
// does not retry, and the admin API (internal/registry/adminapi.go) reports
// the conflict as HTTP 409 without retrying either.
func (r *Registry) Transition(id string, event Event, expectedVersion uint64) (Subscription, error) {
	rw, err := r.get(id)
	if err != nil {
		return Subscription{}, err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.sub.Version != expectedVersion {
		return Subscription{}, ErrVersionConflict
	}

	next, ok := Apply(rw.sub.State, event)
	if !ok {
		// No-op transition: still bumps nothing, returns current state.
		return rw.sub.Snapshot(), nil
	}
	rw.sub.State = next
	rw.sub.Version++
	return rw.sub.Snapshot(), nil
}

// AdvanceSequence records a new last_accepted_sequence under the row lock,
// enforcing the non-decreasing invariant from spec §3. The Ingest Gateway
// does not call it; it tracks per-master sequence numbers itself.
func (r *Registry) AdvanceSequence(id string, seq int64, expectedVersion uint64) (Subscription, error) {
	rw, err := r.get(id)
	if err != nil {
		return Subscription{}, err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.sub.Version != expectedVersion {
		return Subscription{}, ErrVersionConflict
	}
	if seq < rw.sub.LastAcceptedSequence {
		return Subscription{}, fmt.Errorf("registry: sequence %d would decrease last_accepted_sequence %d", seq, rw.sub.LastAcceptedSequence)
	}
	rw.sub.LastAcceptedSequence = seq
	rw.sub.Version++
	return rw.sub.Snapshot(), nil
}

// UpdateTrustScore runs the Trust Loop's lock-read-calculate-write-release
// discipline for one subscription (spec §4.6 steps 1-6) in a single critical
// section: compute receives the current score and returns the next one,
// unclamped. UpdateTrustScore
// clamps to [0,100], applies the pause/resume transition if the result
// crosses pauseThreshold or resumeThreshold, and bumps Version.
func (r *Registry) UpdateTrustScore(id string, compute func(current int) int, pauseThreshold, resumeThreshold int) (Subscription, error) {
	rw, err := r.get(id)
	if err != nil {
		return Subscription{}, err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()

	next := compute(rw.sub.TrustScore)
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	rw.sub.TrustScore = next

	if next < pauseThreshold {
		if s, ok := Apply(rw.sub.State, EventTrustBelow); ok {
			rw.sub.State = s
		}
	} else if next >= resumeThreshold && rw.sub.State == StatePausedToxic {
		if s, ok := Apply(rw.sub.State, EventTrustRecovered); ok {
			rw.sub.State = s
		}
	}
	rw.sub.Version++
	return rw.sub.Snapshot(), nil
}

// SetHWM advances the distributor's delivery high-water mark for the
// subscription, independent of state and version (it is a cursor, not a
// correctness-critical field — spec §4.4).
func (r *Registry) SetHWM(id string, hwm int64) error {
	rw, err := r.get(id)
	if err != nil {
		return err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if hwm > rw.sub.HWM {
		rw.sub.HWM = hwm
	}
	return nil
}
