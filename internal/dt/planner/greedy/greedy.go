// Package greedy implements the baseline single-pass planner: for each
// stage of a job, scan every node once, score the feasible ones, and take
// the lowest score. Optional reservation makes the plan durable.
package greedy

import (
	"math"
	"sort"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/costmodel"
)

// Config tunes the greedy scoring function:
//
//	score = compute_ms + xfer_ms + risk_weight*risk + energy_weight*energy_kj
type Config struct {
	RiskWeight            float64
	EnergyWeight          float64
	PreferLocalityBonusMs float64
}

// DefaultConfig mirrors the planner's baseline tuning.
func DefaultConfig() Config {
	return Config{RiskWeight: 10.0, EnergyWeight: 0.0, PreferLocalityBonusMs: 0.0}
}

// StageResult is one stage's entry in a plan result.
type StageResult struct {
	ID            string  `json:"id"`
	Node          string  `json:"node,omitempty"`
	Format        *string `json:"format,omitempty"`
	ComputeMs     float64 `json:"compute_ms,omitempty"`
	XferMs        float64 `json:"xfer_ms,omitempty"`
	EnergyKJ      float64 `json:"energy_kj,omitempty"`
	Risk          float64 `json:"risk,omitempty"`
	Score         float64 `json:"score,omitempty"`
	ReservationID string  `json:"reservation_id,omitempty"`
	Infeasible    bool    `json:"infeasible,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Result is the outcome of planning one job.
type Result struct {
	JobID        string                  `json:"job_id"`
	Assignments  map[string]string       `json:"assignments"`
	PerStage     []StageResult           `json:"per_stage"`
	Reservations []domain.ReservationRef `json:"reservations"`
	LatencyMs    float64                 `json:"latency_ms"`
	EnergyKJ     float64                 `json:"energy_kj"`
	Risk         float64                 `json:"risk"`
	Infeasible   bool                    `json:"infeasible"`
	Reason       string                  `json:"reason,omitempty"`
}

// Planner is the greedy, single-pass-per-stage planner.
type Planner struct {
	store  domain.Store
	cost   *costmodel.Model
	chooser domain.FormatChooser
	cfg    Config
}

// New builds a Planner. chooser may be nil — without one, the planner
// falls back to a first-intersection heuristic over allowed formats.
func New(store domain.Store, cost *costmodel.Model, chooser domain.FormatChooser, cfg Config) *Planner {
	return &Planner{store: store, cost: cost, chooser: chooser, cfg: cfg}
}

func supportsFormats(n domain.NodeView, stage domain.Stage) bool {
	for _, d := range stage.DisallowedFormats {
		if contains(n.FormatsSupported, d) {
			return false
		}
	}
	if len(stage.AllowedFormats) == 0 {
		return true
	}
	return intersects(n.FormatsSupported, stage.AllowedFormats)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

const fitEpsilon = 1e-9

func fits(n domain.NodeView, stage domain.Stage) bool {
	if n.Dyn.Down {
		return false
	}
	eff := n.Effective
	res := stage.Resources
	if eff.FreeCPUCores+fitEpsilon < res.CPUCores {
		return false
	}
	if eff.FreeMemGB+fitEpsilon < res.MemGB {
		return false
	}
	if eff.FreeVRAMGB+fitEpsilon < res.GPUVRAMGB {
		return false
	}
	return supportsFormats(n, stage)
}

// chooseFormat picks an evaluation format override for (stage, node). With
// no chooser wired, it prefers the first allowed format the node actually
// supports, leaving the stage unconstrained otherwise.
func (p *Planner) chooseFormat(stage domain.Stage, n domain.NodeView) *string {
	if p.chooser != nil {
		return p.chooser.ChooseFormat(stage, n.Node)
	}
	if len(stage.AllowedFormats) == 0 {
		return nil
	}
	for _, f := range stage.AllowedFormats {
		if contains(n.FormatsSupported, f) {
			v := f
			return &v
		}
	}
	return nil
}

func (p *Planner) scoreCandidate(stage domain.Stage, n domain.NodeView, prevNode string) (float64, StageResult) {
	fmtOverride := p.chooseFormat(stage, n)
	stageEval := stage
	if fmtOverride != nil {
		stageEval.AllowedFormats = []string{*fmtOverride}
	}

	compMs := p.cost.ComputeTimeMs(stageEval, n)

	var xferMs float64
	if prevNode != "" && prevNode != n.Name {
		metrics := p.store.EffectiveLinkBetween(prevNode, n.Name)
		xferMs = p.cost.TransferTimeMs(prevNode, n.Name, stage.SizeMB, metrics, p.store.LinkDown(prevNode, n.Name))
	}

	energy := p.cost.EnergyKJ(stageEval, n, compMs)
	risk := p.cost.RiskScore(n.Name, n, 0)

	score := compMs + xferMs + p.cfg.RiskWeight*risk + p.cfg.EnergyWeight*energy
	if prevNode != "" && prevNode == n.Name && p.cfg.PreferLocalityBonusMs > 0 {
		score -= p.cfg.PreferLocalityBonusMs
	}

	return score, StageResult{
		Format:    fmtOverride,
		ComputeMs: round3(compMs),
		XferMs:    round3(xferMs),
		EnergyKJ:  round5(energy),
		Risk:      round4(risk),
		Score:     round3(score),
	}
}

func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }

// PlanJob plans a single job's stages in order, reserving as it goes
// unless dryRun is set.
func (p *Planner) PlanJob(job domain.Job, dryRun bool) Result {
	if len(job.Stages) == 0 {
		return Result{
			JobID: job.ID, Assignments: map[string]string{}, Infeasible: true, Reason: "no_stages",
		}
	}

	snap := p.store.Snapshot()
	names := make([]string, 0, len(snap.Nodes))
	for name := range snap.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	assignments := map[string]string{}
	var perStage []StageResult
	var reservations []domain.ReservationRef

	prevNode := ""
	infeasible := false

	for _, st := range job.Stages {
		if st.ID == "" {
			perStage = append(perStage, StageResult{Infeasible: true, Reason: "missing_stage_id"})
			infeasible = true
			prevNode = ""
			continue
		}

		bestName := ""
		bestScore := math.Inf(1)
		var bestResult StageResult

		for _, name := range names {
			n := snap.Nodes[name]
			if !fits(n, st) {
				continue
			}
			sc, res := p.scoreCandidate(st, n, prevNode)
			if sc < bestScore {
				bestScore = sc
				bestName = name
				bestResult = res
			}
		}

		if bestName == "" || math.IsInf(bestScore, 1) {
			perStage = append(perStage, StageResult{ID: st.ID, Infeasible: true, Reason: "no_feasible_node"})
			infeasible = true
			prevNode = ""
			continue
		}

		var reservationID string
		if !dryRun {
			id, ok := p.store.Reserve(domain.ReserveRequest{
				Node: bestName, CPUCores: st.Resources.CPUCores, MemGB: st.Resources.MemGB, GPUVRAMGB: st.Resources.GPUVRAMGB,
			})
			if !ok {
				perStage = append(perStage, StageResult{ID: st.ID, Node: bestName, Infeasible: true, Reason: "reservation_failed"})
				infeasible = true
				prevNode = ""
				continue
			}
			reservationID = id
			reservations = append(reservations, domain.ReservationRef{Node: bestName, ReservationID: id})
		}

		bestResult.ID = st.ID
		bestResult.Node = bestName
		bestResult.ReservationID = reservationID
		perStage = append(perStage, bestResult)
		assignments[st.ID] = bestName
		prevNode = bestName
	}

	nodes := make(map[string]domain.NodeView, len(snap.Nodes))
	for k, v := range snap.Nodes {
		nodes[k] = v
	}
	jc := p.cost.JobCost(job, assignments, nodes, func(a, b string) (domain.LinkMetrics, bool) {
		return p.store.EffectiveLinkBetween(a, b), p.store.LinkDown(a, b)
	})

	return Result{
		JobID:        job.ID,
		Assignments:  assignments,
		PerStage:     mergeStageDetails(perStage, jc.PerStage),
		Reservations: reservations,
		LatencyMs:    jc.LatencyMs,
		EnergyKJ:     jc.EnergyKJ,
		Risk:         jc.Risk,
		Infeasible:   infeasible || math.IsInf(jc.LatencyMs, 1),
	}
}

// mergeStageDetails merges the greedy pass's per-stage records (which
// carry format/reservation/infeasibility detail) with the cost model's
// independently-computed per-stage aggregates, keyed by stage id. Entries
// present only in primary (e.g. missing_stage_id) are appended last.
func mergeStageDetails(primary []StageResult, cost []costmodel.StageCost) []StageResult {
	if len(cost) == 0 {
		return primary
	}
	byID := make(map[string]StageResult, len(primary))
	order := make([]string, 0, len(primary))
	var unidentified []StageResult
	for _, p := range primary {
		if p.ID == "" {
			unidentified = append(unidentified, p)
			continue
		}
		byID[p.ID] = p
		order = append(order, p.ID)
	}

	out := make([]StageResult, 0, len(cost)+len(unidentified))
	seen := map[string]bool{}
	for _, c := range cost {
		if c.ID == "" {
			continue // id-less stages are reported via unidentified below
		}
		merged := byID[c.ID]
		merged.ID = c.ID
		if merged.Node == "" {
			merged.Node = c.Node
		}
		merged.ComputeMs = c.ComputeMs
		merged.XferMs = c.XferMs
		merged.EnergyKJ = c.EnergyKJ
		merged.Risk = c.Risk
		out = append(out, merged)
		seen[c.ID] = true
	}
	for _, id := range order {
		if !seen[id] {
			out = append(out, byID[id])
		}
	}
	out = append(out, unidentified...)
	return out
}
