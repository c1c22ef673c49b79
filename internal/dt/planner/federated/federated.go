// Package federated implements the fault-tolerant, federation-aware
// planner: network/load/resilience-penalized scoring, transient
// projected-capacity tracking across stages of the same job, and
// per-stage fallback (shadow) assignments for fast failover.
package federated

import (
	"math"
	"sort"
	"strings"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/federation"
)

// ModeConfig tunes one scheduling mode's scoring weights.
type ModeConfig struct {
	Redundancy        int
	RiskWeight        float64
	LoadWeight        float64
	SpreadWeight      float64
	NetworkWeight     float64
	ResilienceWeight  float64
	PreferPrevBonus   float64
}

// Modes are the three named scheduling strategies.
var Modes = map[string]ModeConfig{
	"resilient": {
		Redundancy: 2, RiskWeight: 220, LoadWeight: 380, SpreadWeight: 210,
		NetworkWeight: 240, ResilienceWeight: 250, PreferPrevBonus: 15,
	},
	"network-aware": {
		Redundancy: 1, RiskWeight: 200, LoadWeight: 260, SpreadWeight: 140,
		NetworkWeight: 300, ResilienceWeight: 190, PreferPrevBonus: 12,
	},
	"federated": {
		Redundancy: 3, RiskWeight: 210, LoadWeight: 360, SpreadWeight: 260,
		NetworkWeight: 230, ResilienceWeight: 240, PreferPrevBonus: 10,
	},
}

// ModeKey normalizes a user-supplied strategy name to one of the three
// modes, with a handful of common aliases, defaulting to "resilient".
func ModeKey(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	if _, ok := Modes[m]; ok {
		return m
	}
	switch m {
	case "fault-tolerant", "ft", "failover":
		return "resilient"
	case "balanced", "load-balance", "load-balanced":
		return "network-aware"
	}
	return "resilient"
}

// StageResult is one stage's entry in a federated plan result.
type StageResult struct {
	ID                   string   `json:"id"`
	Node                 string   `json:"node,omitempty"`
	Format               *string  `json:"format,omitempty"`
	ReservationID        string   `json:"reservation_id,omitempty"`
	Federation           string   `json:"federation,omitempty"`
	Fallbacks            []string `json:"fallbacks,omitempty"`
	FallbackFederations  []string `json:"fallback_federations,omitempty"`
	ComputeMs            float64  `json:"compute_ms,omitempty"`
	XferMs               float64  `json:"xfer_ms,omitempty"`
	EnergyKJ             float64  `json:"energy_kj,omitempty"`
	Risk                 float64  `json:"risk,omitempty"`
	Score                float64  `json:"score,omitempty"`
	LoadPenaltyMs        float64  `json:"load_penalty_ms,omitempty"`
	NetworkPenaltyMs     float64  `json:"network_penalty_ms,omitempty"`
	ResiliencePenaltyMs  float64  `json:"resilience_penalty_ms,omitempty"`
	ProjectedLoad        float64  `json:"projected_load,omitempty"`
	LinkLossPct          float64  `json:"link_loss_pct,omitempty"`
	Infeasible           bool     `json:"infeasible,omitempty"`
	Reason               string   `json:"reason,omitempty"`
}

// ProjectedFederation is one federation's post-plan projected free capacity.
type ProjectedFederation struct {
	Name         string  `json:"name"`
	FreeCPUCores float64 `json:"free_cpu_cores"`
	FreeMemGB    float64 `json:"free_mem_gb"`
	FreeVRAMGB   float64 `json:"free_gpu_vram_gb"`
	LoadFactor   float64 `json:"load_factor"`
}

// Result is the outcome of planning one job under a given mode.
type Result struct {
	JobID                        string                  `json:"job_id"`
	Assignments                  map[string]string       `json:"assignments"`
	ShadowAssignments            map[string][]string      `json:"shadow_assignments"`
	PerStage                     []StageResult            `json:"per_stage"`
	Reservations                 []domain.ReservationRef  `json:"reservations"`
	LatencyMs                    float64                  `json:"latency_ms"`
	EnergyKJ                     float64                  `json:"energy_kj"`
	Risk                         float64                  `json:"risk"`
	DeadlineMs                   float64                  `json:"deadline_ms,omitempty"`
	SLOPenalty                   float64                  `json:"slo_penalty"`
	Infeasible                   bool                     `json:"infeasible"`
	Reason                       string                   `json:"reason,omitempty"`
	Strategy                     string                   `json:"strategy"`
	DryRun                       bool                     `json:"dry_run"`
	FederationSpread             float64                  `json:"federation_spread"`
	FederationsInUse             []string                 `json:"federations_in_use"`
	ResilienceScore              float64                  `json:"resilience_score"`
	CrossFederationFallbackRatio float64                  `json:"cross_federation_fallback_ratio"`
	ProjectedFederations         []ProjectedFederation     `json:"projected_federations"`
}

// Planner is the federation-aware, redundancy-emitting planner.
type Planner struct {
	store   domain.Store
	cost    *costmodel.Model
	sharing *federation.Registry
}

// New builds a Planner. sharing may be nil — without one, every
// federation is treated as federation.ShareSpare (the registry's own
// default), so fallback candidates are never filtered by policy.
func New(store domain.Store, cost *costmodel.Model, sharing *federation.Registry) *Planner {
	return &Planner{store: store, cost: cost, sharing: sharing}
}

func (p *Planner) canFallbackAcross(home, candidate string) bool {
	if p.sharing == nil {
		return true
	}
	return p.sharing.CanFallbackAcross(home, candidate)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

const fitEpsilon = 1e-9

func supportsFormats(n domain.NodeView, stage domain.Stage) bool {
	for _, d := range stage.DisallowedFormats {
		if contains(n.FormatsSupported, d) {
			return false
		}
	}
	if len(stage.AllowedFormats) == 0 {
		return true
	}
	for _, f := range stage.AllowedFormats {
		if contains(n.FormatsSupported, f) {
			return true
		}
	}
	return false
}

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

func chooseFormat(stage domain.Stage, n domain.NodeView) *string {
	if len(stage.AllowedFormats) == 0 {
		return nil
	}
	for _, f := range stage.AllowedFormats {
		if contains(n.FormatsSupported, f) {
			v := f
			return &v
		}
	}
	v := stage.AllowedFormats[0]
	return &v
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// fedEntry is a working, per-plan-call copy of a federation's projected
// free capacity — mutated as stages within the same job consume it, so
// later stages see the effect of earlier placements.
type fedEntry struct {
	name                               string
	totalCPU, freeCPU                  float64
	totalMem, freeMem                  float64
	totalVRAM, freeVRAM                float64
	downFraction, hotFraction, loadFactor float64
}

func projectedLoad(e *fedEntry, needCPU, needMem, needVRAM float64) float64 {
	var loads []float64
	if e.totalCPU > 0 {
		free := math.Max(0, e.freeCPU-needCPU)
		loads = append(loads, clamp((e.totalCPU-free)/math.Max(e.totalCPU, 1e-6), 0, 1))
	}
	if e.totalMem > 0 {
		free := math.Max(0, e.freeMem-needMem)
		loads = append(loads, clamp((e.totalMem-free)/math.Max(e.totalMem, 1e-6), 0, 1))
	}
	if e.totalVRAM > 0 {
		free := math.Max(0, e.freeVRAM-needVRAM)
		loads = append(loads, clamp((e.totalVRAM-free)/math.Max(e.totalVRAM, 1e-6), 0, 1))
	}
	if len(loads) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range loads {
		sum += l
	}
	return sum / float64(len(loads))
}

func consumeResources(e *fedEntry, needCPU, needMem, needVRAM float64) {
	e.freeCPU = math.Max(0, e.freeCPU-needCPU)
	e.freeMem = math.Max(0, e.freeMem-needMem)
	e.freeVRAM = math.Max(0, e.freeVRAM-needVRAM)
	e.loadFactor = projectedLoad(e, 0, 0, 0)
}

type candidate struct {
	score  float64
	result StageResult
	name   string
	fed    *fedEntry
}

func (p *Planner) scoreCandidate(
	stage domain.Stage, nodeName string, n domain.NodeView, federation string, fe *fedEntry,
	prevNode string, usedFederations map[string]int, cfg ModeConfig,
) (float64, StageResult) {
	projLoad := projectedLoad(fe, stage.Resources.CPUCores, stage.Resources.MemGB, stage.Resources.GPUVRAMGB)

	fmtOverride := chooseFormat(stage, n)
	stageEval := stage
	if fmtOverride != nil {
		stageEval.AllowedFormats = []string{*fmtOverride}
	}

	compMs := p.cost.ComputeTimeMs(stageEval, n)
	energyKJ := p.cost.EnergyKJ(stageEval, n, compMs)

	var xferMs, linkLoss float64
	var linkDown bool
	if prevNode != "" && prevNode != nodeName {
		metrics := p.store.EffectiveLinkBetween(prevNode, nodeName)
		linkDown = p.store.LinkDown(prevNode, nodeName)
		xferMs = p.cost.TransferTimeMs(prevNode, nodeName, stage.SizeMB, metrics, linkDown)
		linkLoss = metrics.LossPct
	}

	risk := p.cost.RiskScore(nodeName, n, linkLoss)

	loadPenalty := cfg.LoadWeight * projLoad
	spreadPenalty := cfg.SpreadWeight * float64(usedFederations[federation])
	downPenalty := 0.0
	if linkDown {
		downPenalty = 1.0
	}
	networkPenalty := cfg.NetworkWeight * (downPenalty + clamp(linkLoss/10.0, 0, 1))
	resiliencePenalty := cfg.ResilienceWeight * (fe.downFraction + fe.hotFraction)
	riskPenalty := cfg.RiskWeight * risk

	score := compMs + xferMs + loadPenalty + spreadPenalty + networkPenalty + resiliencePenalty + riskPenalty
	if prevNode != "" && prevNode == nodeName {
		score -= cfg.PreferPrevBonus
	}

	return score, StageResult{
		Format:              fmtOverride,
		ComputeMs:           round3(compMs),
		XferMs:              round3(xferMs),
		EnergyKJ:            round5(energyKJ),
		Risk:                round4(risk),
		Score:               round3(score),
		LoadPenaltyMs:       round3(loadPenalty),
		NetworkPenaltyMs:    round3(networkPenalty),
		ResiliencePenaltyMs: round3(resiliencePenalty),
		ProjectedLoad:       round4(projLoad),
		LinkLossPct:         round4(linkLoss),
	}
}

func round3(v float64) float64 { return math.Round(v*1e3) / 1e3 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round5(v float64) float64 { return math.Round(v*1e5) / 1e5 }

// PlanJob plans a job's stages under the named mode, tracking transient
// federation capacity consumption across stages and emitting redundancy-1
// shadow (fallback) assignments per stage.
func (p *Planner) PlanJob(job domain.Job, dryRun bool, mode string) Result {
	strategy := ModeKey(mode)
	cfg := Modes[strategy]

	if len(job.Stages) == 0 {
		return Result{
			JobID: job.ID, Assignments: map[string]string{}, ShadowAssignments: map[string][]string{},
			Strategy: strategy, DryRun: dryRun, Infeasible: true, Reason: "no_stages",
		}
	}

	snap := p.store.Snapshot()

	names := make([]string, 0, len(snap.Nodes))
	for name := range snap.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	fedEntries := make(map[string]*fedEntry, len(snap.Federations))
	for name, agg := range snap.Federations {
		fedEntries[name] = &fedEntry{
			name: name, totalCPU: agg.TotalCPUCores, freeCPU: agg.FreeCPUCores,
			totalMem: agg.TotalMemGB, freeMem: agg.FreeMemGB,
			totalVRAM: agg.TotalVRAMGB, freeVRAM: agg.FreeVRAMGB,
			downFraction: agg.DownFraction(), hotFraction: agg.HotFraction(), loadFactor: agg.LoadFactor,
		}
	}
	fedEntryFor := func(name string) *fedEntry {
		if e, ok := fedEntries[name]; ok {
			return e
		}
		e := &fedEntry{name: name}
		fedEntries[name] = e
		return e
	}

	assignments := map[string]string{}
	shadowAssignments := map[string][]string{}
	var perStage []StageResult
	var reservations []domain.ReservationRef

	usedFederations := map[string]int{}
	prevNode := ""
	infeasible := false
	fallbackCrossFed := 0

	for _, st := range job.Stages {
		if st.ID == "" {
			continue
		}

		var candidates []candidate
		for _, name := range names {
			n := snap.Nodes[name]
			if !fits(n, st) {
				continue
			}
			federation := snap.NodeFederation[name]
			if federation == "" {
				federation = "global"
			}
			fe := fedEntryFor(federation)
			sc, res := p.scoreCandidate(st, name, n, federation, fe, prevNode, usedFederations, cfg)
			candidates = append(candidates, candidate{score: sc, result: res, name: name, fed: fe})
		}

		if len(candidates) == 0 {
			infeasible = true
			perStage = append(perStage, StageResult{ID: st.ID, Infeasible: true, Reason: "no_feasible_node"})
			prevNode = ""
			continue
		}

		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
		best := candidates[0]
		bestFedName := snap.NodeFederation[best.name]
		if bestFedName == "" {
			bestFedName = "global"
		}

		redundancy := cfg.Redundancy
		if redundancy < 1 {
			redundancy = 1
		}
		targetFallbacks := redundancy - 1

		var fallbackNodes, fallbackFeds []string
		if targetFallbacks > 0 {
			for _, c := range candidates[1:] {
				candFed := snap.NodeFederation[c.name]
				if candFed == "" {
					candFed = "global"
				}
				if !p.canFallbackAcross(bestFedName, candFed) {
					continue
				}
				fallbackNodes = append(fallbackNodes, c.name)
				fallbackFeds = append(fallbackFeds, candFed)
				if candFed != bestFedName {
					fallbackCrossFed++
				}
				if len(fallbackNodes) >= targetFallbacks {
					break
				}
			}
		}
		shadowAssignments[st.ID] = fallbackNodes

		var reservationID string
		assigned := true
		if !dryRun {
			id, ok := p.store.Reserve(domain.ReserveRequest{
				Node: best.name, CPUCores: st.Resources.CPUCores, MemGB: st.Resources.MemGB, GPUVRAMGB: st.Resources.GPUVRAMGB,
			})
			if !ok {
				assigned = false
				infeasible = true
			} else {
				reservationID = id
			}
		}

		if assigned {
			assignments[st.ID] = best.name
			if reservationID != "" {
				reservations = append(reservations, domain.ReservationRef{Node: best.name, ReservationID: reservationID})
			}
			consumeResources(best.fed, st.Resources.CPUCores, st.Resources.MemGB, st.Resources.GPUVRAMGB)
			usedFederations[bestFedName]++
			prevNode = best.name
		} else {
			prevNode = ""
		}

		rec := best.result
		rec.ID = st.ID
		if assigned {
			rec.Node = best.name
		}
		rec.ReservationID = reservationID
		rec.Federation = bestFedName
		rec.Fallbacks = fallbackNodes
		rec.FallbackFederations = fallbackFeds
		rec.Infeasible = !assigned
		perStage = append(perStage, rec)
	}

	nodes := make(map[string]domain.NodeView, len(snap.Nodes))
	for k, v := range snap.Nodes {
		nodes[k] = v
	}
	jc := p.cost.JobCost(job, assignments, nodes, func(a, b string) (domain.LinkMetrics, bool) {
		return p.store.EffectiveLinkBetween(a, b), p.store.LinkDown(a, b)
	})

	sloPenalty := 0.0
	if job.DeadlineMs > 0 {
		sloPenalty = p.cost.SLOPenalty(job.DeadlineMs, jc.LatencyMs)
	}

	uniqueFeds := map[string]bool{}
	for _, node := range assignments {
		fed := snap.NodeFederation[node]
		if fed == "" {
			fed = "global"
		}
		uniqueFeds[fed] = true
	}
	fedList := make([]string, 0, len(uniqueFeds))
	for f := range uniqueFeds {
		fedList = append(fedList, f)
	}
	sort.Strings(fedList)

	spread := float64(len(uniqueFeds)) / math.Max(1, float64(len(job.Stages)))
	fallbackCount := 0
	for _, v := range shadowAssignments {
		if len(v) > 0 {
			fallbackCount++
		}
	}
	resilienceScore := float64(fallbackCount) / math.Max(1, float64(len(job.Stages)))
	crossFedRatio := float64(fallbackCrossFed) / math.Max(1, float64(len(job.Stages)))

	projected := make([]ProjectedFederation, 0, len(fedEntries))
	for _, e := range fedEntries {
		projected = append(projected, ProjectedFederation{
			Name: e.name, FreeCPUCores: round4(e.freeCPU), FreeMemGB: round4(e.freeMem),
			FreeVRAMGB: round4(e.freeVRAM), LoadFactor: round4(e.loadFactor),
		})
	}
	sort.Slice(projected, func(i, j int) bool { return projected[i].Name < projected[j].Name })

	return Result{
		JobID:                        job.ID,
		Assignments:                  assignments,
		ShadowAssignments:            shadowAssignments,
		PerStage:                     mergeStageDetails(perStage, jc.PerStage),
		Reservations:                 reservations,
		LatencyMs:                    jc.LatencyMs,
		EnergyKJ:                     jc.EnergyKJ,
		Risk:                         jc.Risk,
		DeadlineMs:                   job.DeadlineMs,
		SLOPenalty:                   sloPenalty,
		Infeasible:                   infeasible || math.IsInf(jc.LatencyMs, 1),
		Strategy:                     strategy,
		DryRun:                       dryRun,
		FederationSpread:             round4(spread),
		FederationsInUse:            fedList,
		ResilienceScore:              round4(resilienceScore),
		CrossFederationFallbackRatio: round4(crossFedRatio),
		ProjectedFederations:         projected,
	}
}

// mergeStageDetails merges the federated pass's per-stage records with the
// cost model's independently-computed per-stage aggregates, keyed by id.
func mergeStageDetails(primary []StageResult, cost []costmodel.StageCost) []StageResult {
	if len(cost) == 0 {
		return primary
	}
	byID := make(map[string]StageResult, len(primary))
	var order []string
	for _, p := range primary {
		byID[p.ID] = p
		order = append(order, p.ID)
	}

	out := make([]StageResult, 0, len(cost))
	seen := map[string]bool{}
	for _, c := range cost {
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
	return out
}
