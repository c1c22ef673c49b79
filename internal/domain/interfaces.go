package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infrastructure
// implements them; planners and the orchestrator depend on them.

// FormatChooser abstracts format selection for a (stage, node) pair. A nil
// return means "no override" — the caller falls back to the first element
// of allowed ∩ supported, if any. Planners are correct without a chooser;
// integrators may substitute a learned policy.
type FormatChooser interface {
	ChooseFormat(stage Stage, node Node) *string
}

// TrustSource abstracts where a node's current trust score (0..1) comes
// from. Cost Model's risk function reads this; default trust is 0.8 when
// unknown.
type TrustSource interface {
	Trust(nodeName string) (value float64, known bool)
}

// Store is the subset of the State Store's contract that planners and the
// orchestrator depend on, so they can be exercised against a fake in tests.
type Store interface {
	Snapshot() SnapshotView
	Reserve(req ReserveRequest) (reservationID string, ok bool)
	Release(node, reservationID string) bool
	ApplyObservation(payload ObservationPayload) error
	EffectiveLinkBetween(a, b string) LinkMetrics
	LinkDown(a, b string) bool

	// RevertNodeFields/RevertLinkFields remove exactly the named dyn
	// fields, restoring the static descriptor's value. Used by the Chaos
	// Scheduler's synthetic revert events, where ApplyObservation's
	// additive-only merge cannot express "clear this override".
	RevertNodeFields(node string, fields []string)
	RevertLinkFields(a, b string, fields []string)
}
