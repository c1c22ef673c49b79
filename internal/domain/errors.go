package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Feasibility
// refusals (no candidate node, reservation denied) are NOT modeled as
// errors; they surface as Infeasible/Reason fields on plan results.

var (
	// Validation errors — caller-visible, returned from request parsing.
	ErrJobMissingID        = errors.New("job missing id")
	ErrJobNoStages         = errors.New("job has no stages")
	ErrStageMissingID      = errors.New("stage missing id")
	ErrMalformedObservation = errors.New("malformed observation payload")
	ErrUnknownScenario     = errors.New("unknown chaos scenario")

	// Store errors.
	ErrNodeNotFound        = errors.New("node not found")
	ErrLinkNotFound        = errors.New("link not found")
)
