// Package orchestrator wires the State Store, Cost Model, and a planner
// strategy together behind one PlanJob call, adapted from the fabric's
// task executor — the same wiring role (governor + backend + db for one
// task), with the concurrency-semaphore/async-submit queue dropped:
// planning is synchronous by contract (PlanJob returns a complete Result,
// it never hands back a future), so there is nothing to queue.
package orchestrator

import (
	"fmt"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/bandit"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/federation"
	"github.com/fabricdt/dt/internal/dt/planner/federated"
	"github.com/fabricdt/dt/internal/dt/planner/greedy"
	"github.com/fabricdt/dt/internal/dt/trust"
)

// Config selects which planner strategy PlanJob dispatches to.
type Config struct {
	// Strategy is "greedy", or a federated mode name/alias (resilient,
	// network-aware, federated, or one of their aliases). Empty defaults
	// to "greedy".
	Strategy string
}

// Result is the planner-agnostic shape PlanJob returns: the fields every
// strategy can populate, independent of which concrete Result type
// (greedy.Result or federated.Result) produced them.
type Result struct {
	JobID        string                  `json:"job_id"`
	Strategy     string                  `json:"strategy"`
	Assignments  map[string]string       `json:"assignments"`
	Reservations []domain.ReservationRef `json:"reservations"`
	LatencyMs    float64                 `json:"latency_ms"`
	EnergyKJ     float64                 `json:"energy_kj"`
	Risk         float64                 `json:"risk"`
	Infeasible   bool                    `json:"infeasible"`
	Reason       string                  `json:"reason,omitempty"`

	// Greedy-specific detail (nil under a federated strategy).
	Greedy *greedy.Result `json:"greedy,omitempty"`
	// Federated-specific detail (nil under the greedy strategy).
	Federated *federated.Result `json:"federated,omitempty"`
}

// Orchestrator owns one Cost Model instance (shared by both planner
// strategies so they score candidates identically) plus the planners
// themselves.
type Orchestrator struct {
	store     domain.Store
	cost      *costmodel.Model
	greedy    *greedy.Planner
	federated *federated.Planner
	trust     *trust.Tracker
	chooser   *bandit.Chooser
	cfg       Config
}

// New builds an Orchestrator. chooser/trustTracker/sharing may all be nil
// — each component already defines nil-safe fallback behavior (greedy's
// first-match format heuristic, costmodel's label-trust/default-0.8
// fallback, federated's unrestricted-fallback default).
func New(store domain.Store, costCfg costmodel.Config, chooser *bandit.Chooser, trustTracker *trust.Tracker, sharing *federation.Registry, cfg Config) *Orchestrator {
	if cfg.Strategy == "" {
		cfg.Strategy = "greedy"
	}
	var trustSource domain.TrustSource
	if trustTracker != nil {
		trustSource = trustTracker
	}
	model := costmodel.New(costCfg, trustSource)

	var chooserSource domain.FormatChooser
	if chooser != nil {
		chooserSource = chooser
	}

	return &Orchestrator{
		store:     store,
		cost:      model,
		greedy:    greedy.New(store, model, chooserSource, greedy.DefaultConfig()),
		federated: federated.New(store, model, sharing),
		trust:     trustTracker,
		chooser:   chooser,
		cfg:       cfg,
	}
}

// PlanJob dispatches to the configured strategy and normalizes the result
// into the orchestrator-level Result shape.
func (o *Orchestrator) PlanJob(job domain.Job, dryRun bool) Result {
	if o.cfg.Strategy == "greedy" {
		r := o.greedy.PlanJob(job, dryRun)
		return Result{
			JobID: r.JobID, Strategy: "greedy", Assignments: r.Assignments, Reservations: r.Reservations,
			LatencyMs: r.LatencyMs, EnergyKJ: r.EnergyKJ, Risk: r.Risk,
			Infeasible: r.Infeasible, Reason: r.Reason, Greedy: &r,
		}
	}

	strategy := federated.ModeKey(o.cfg.Strategy)
	r := o.federated.PlanJob(job, dryRun, strategy)
	return Result{
		JobID: r.JobID, Strategy: r.Strategy, Assignments: r.Assignments, Reservations: r.Reservations,
		LatencyMs: r.LatencyMs, EnergyKJ: r.EnergyKJ, Risk: r.Risk,
		Infeasible: r.Infeasible, Reason: r.Reason, Federated: &r,
	}
}

// Release forwards to the Store; exposed here so callers only depend on
// the orchestrator, not the Store, once a job has been planned through it.
func (o *Orchestrator) Release(node, reservationID string) bool {
	return o.store.Release(node, reservationID)
}

// StageOutcome is one stage's observed execution result, fed back after a
// real run completes so the bandit and trust tracker can learn from it.
type StageOutcome struct {
	Node       string
	Format     string
	Successful bool
	ExpectedMs float64
	ActualMs   float64
}

// RecordOutcomes folds a batch of completed stage outcomes back into the
// trust tracker and format chooser, so the next PlanJob call for a
// similar (stage, node) pair benefits from what just happened. Safe to
// call with a nil trust tracker or chooser (either leg is simply skipped).
func (o *Orchestrator) RecordOutcomes(nodes map[string]domain.Node, outcomes []StageOutcome) error {
	for _, out := range outcomes {
		node, ok := nodes[out.Node]
		if !ok {
			return fmt.Errorf("record outcome: unknown node %q", out.Node)
		}
		if o.trust != nil {
			o.trust.Observe(out.Node, trust.Outcome{Successful: out.Successful, ExpectedMs: out.ExpectedMs, ActualMs: out.ActualMs})
		}
		if o.chooser != nil && out.Format != "" {
			o.chooser.Observe(node, out.Format, out.ActualMs, out.ExpectedMs)
		}
	}
	return nil
}
