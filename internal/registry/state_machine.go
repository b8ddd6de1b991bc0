package registry

// Event is the closed set of inputs that can drive a subscription state
// transition, per the table in spec §4.3.
type Event string

const (
	EventDeliveryOK       Event = "delivery_ok"
	EventGapReported      Event = "gap_reported"
	EventWalletEmpty      Event = "wallet_empty"
	EventTrustBelow       Event = "trust_below_threshold"
	EventAdminSuspend     Event = "admin_suspend"
	EventFundsRestored    Event = "funds_restored"
	EventTrustRecovered   Event = "trust_recovered"
	EventAdminResume      Event = "admin_resume"
	EventFullSyncComplete Event = "full_sync_done"
)

// transitions is a literal transcription of the table in spec §4.3. A
// missing (from, event) pair means the event has no effect in that state —
// Apply returns the state unchanged and ok=false for those.
var transitions = map[State]map[Event]State{
	StateSynced: {
		EventDeliveryOK:   StateSynced,
		EventGapReported:  StateDegradedGap,
		EventWalletEmpty:  StateLockedNoFunds,
		EventTrustBelow:   StatePausedToxic,
		EventAdminSuspend: StateSuspendedAdmin,
	},
	StateDegradedGap: {
		EventGapReported:      StateDegradedGap,
		EventTrustBelow:       StatePausedToxic,
		EventAdminSuspend:     StateSuspendedAdmin,
		EventFullSyncComplete: StateSynced,
	},
	StateLockedNoFunds: {
		EventWalletEmpty:  StateLockedNoFunds,
		EventAdminSuspend: StateSuspendedAdmin,
		EventFundsRestored: StateSynced,
	},
	StatePausedToxic: {
		EventTrustBelow:     StatePausedToxic,
		EventAdminSuspend:   StateSuspendedAdmin,
		EventTrustRecovered: StateSynced,
	},
	StateSuspendedAdmin: {
		EventAdminSuspend: StateSuspendedAdmin,
		EventAdminResume:  StateSynced,
	},
}

// Apply returns the next state for (from, event), and ok=false if the
// event has no transition defined from that state (a no-op per the table's
// blank cells).
func Apply(from State, event Event) (next State, ok bool) {
	byEvent, known := transitions[from]
	if !known {
		return from, false
	}
	next, ok = byEvent[event]
	if !ok {
		return from, false
	}
	return next, true
}
