// Package trust implements the Trust Score / Auto-Pause Loop (spec §4.6):
// a periodic job that recomputes each subscription's reputation from the
// Protection Event Sink and, atomically, transitions the Subscription
// Registry to/from PAUSED_TOXIC.
package trust

import (
	"time"

	"github.com/tradewire/replicator/internal/protection"
)

// Weights are the per-reason score deltas applied to events observed within
// the rolling window (spec §4.6 step 3: "design-level weights, concrete
// values are a policy knob").
var Weights = map[string]int{
	"TTL_EXPIRED":            -5,
	"PRICE_DEVIATION":        -3,
	"SEQUENCE_GAP":           -20,
	"INVALID_SIGNATURE":      -40,
	"REPLAY":                 -50,
	"DUPLICATE":              -50,
	"STATE_LOCKED":           0,
	"INSUFFICIENT_FUNDS":     0,
	"ORDER_PLACEMENT_FAILED": 0,
}

// ExecutionWeight is the per-successful-execution score delta (spec §4.6
// step 3: "successful execution +1").
const ExecutionWeight = 1

// PositiveDriftPerDay is the slow recovery applied when no negative events
// occurred in the window (spec §4.6 step 3).
const PositiveDriftPerDay = 10

// score computes the next trust score from current, given the rejection
// events and successful-execution count observed in the rolling window
// ending at now. It does not clamp to [0,100] — the registry clamps on
// write.
func score(current, executionCount int, events []protection.Event, window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	delta := executionCount * ExecutionWeight
	negativeSeen := false
	for _, e := range events {
		if e.EventTime.Before(cutoff) {
			continue
		}
		w, known := Weights[e.Reason]
		if !known {
			continue
		}
		delta += w
		if w < 0 {
			negativeSeen = true
		}
	}
	if !negativeSeen {
		// Pro-rated so both day-scale windows and short poll intervals
		// accrue visible drift.
		delta += int(float64(PositiveDriftPerDay) * (float64(window) / float64(24*time.Hour)))
	}
	return current + delta
}
