// Package guard implements the ExecutionGuard: the receiver-side admission
// pipeline that runs in a hostile, adversary-controlled process and must
// fail closed (spec §4.5). Any uncertainty means reject and log.
package guard

// Reason is the closed set of rejection reasons the guard pipeline can
// produce, per spec §7. It is a Stringer-backed enum rather than a
// dynamic-dispatch chain of error types (spec §9).
type Reason string

const (
	ReasonDuplicate          Reason = "DUPLICATE"
	ReasonReplay             Reason = "REPLAY"
	ReasonSequenceGap        Reason = "SEQUENCE_GAP"
	ReasonStateLocked        Reason = "STATE_LOCKED"
	ReasonTTLExpired         Reason = "TTL_EXPIRED"
	ReasonPriceDeviation     Reason = "PRICE_DEVIATION"
	ReasonInsufficientFunds  Reason = "INSUFFICIENT_FUNDS"
	ReasonInvalidSignature   Reason = "INVALID_SIGNATURE"
	ReasonOrderPlacementFail Reason = "ORDER_PLACEMENT_FAILED"
)

func (r Reason) String() string { return string(r) }
