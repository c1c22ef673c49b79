// Package costmodel implements the Fabric Digital Twin's pure cost
// functions: compute time, transfer time, energy, risk, job aggregation,
// and SLO penalty. Every function here is a pure function of its
// arguments — no locking, no I/O.
package costmodel

import (
	"math"

	"github.com/fabricdt/dt/internal/domain"
)

// Config holds the cost model's tuning constants. Defaults are normative
// per SPEC_FULL.md §4.2.
type Config struct {
	MinStageMs      float64
	CPUUnitDivisor  float64
	WasmPenalty     float64
	CUDAMaxBoost    float64
	NPUTopsBoostDiv float64
	NPUMaxBoost     float64

	ProtoOverhead    float64
	LossPenaltyCeil  float64
	DefaultLinkSpeed float64
	DefaultRTTMs     float64
	DefaultJitterMs  float64

	DefaultTDPWatts  float64
	IdleFraction     float64
	UtilToPowerExp   float64

	RiskWeightTrust    float64
	RiskWeightSSDWear  float64
	RiskWeightCrash    float64
	RiskWeightThermal  float64
	RiskWeightLinkLoss float64

	SLOAlpha float64
	SLOBeta  float64
}

// DefaultConfig returns the normative tuning constants.
func DefaultConfig() Config {
	return Config{
		MinStageMs:      15.0,
		CPUUnitDivisor:  10.0,
		WasmPenalty:     1.35,
		CUDAMaxBoost:    6.0,
		NPUTopsBoostDiv: 10.0,
		NPUMaxBoost:     3.0,

		ProtoOverhead:    0.85,
		LossPenaltyCeil:  0.30,
		DefaultLinkSpeed: 1.0,
		DefaultRTTMs:     5.0,
		DefaultJitterMs:  0.5,

		DefaultTDPWatts: 65.0,
		IdleFraction:    0.12,
		UtilToPowerExp:  0.85,

		RiskWeightTrust:    0.35,
		RiskWeightSSDWear:  0.20,
		RiskWeightCrash:    0.20,
		RiskWeightThermal:  0.15,
		RiskWeightLinkLoss: 0.10,

		SLOAlpha: 1.2,
		SLOBeta:  0.002,
	}
}

// Model evaluates cost functions against a snapshot and a link lookup.
type Model struct {
	cfg   Config
	trust domain.TrustSource
}

// New creates a Model with the given config. Pass an optional TrustSource
// to override the default label-based trust lookup (0.8 when unknown).
func New(cfg Config, trust domain.TrustSource) *Model {
	return &Model{cfg: cfg, trust: trust}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
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

// nodeCPUUnits returns the derate-adjusted cpu_units for compute scaling.
func nodeCPUUnits(n domain.NodeView) float64 {
	derate := n.Health.ThermalDerate
	if n.Dyn.ThermalDerate != nil && *n.Dyn.ThermalDerate > derate {
		derate = *n.Dyn.ThermalDerate
	}
	base := n.Node.CPUUnits()
	return math.Max(0, base*(1-clamp(derate, 0, 1)))
}

// accelMultiplier implements SPEC_FULL.md's accelerator-multiplier rules.
func (m *Model) accelMultiplier(n domain.NodeView, stage domain.Stage) float64 {
	fmts := n.FormatsSupported
	allowed := stage.AllowedFormats
	disallowed := stage.DisallowedFormats

	if len(allowed) > 0 && !intersects(fmts, allowed) {
		return 0.5
	}

	mult := 1.0

	if contains(fmts, "cuda") && !contains(disallowed, "cuda") && (len(allowed) == 0 || contains(allowed, "cuda")) {
		cuda := 1.0 * (1 + n.Capacity.GPUAccelScore/10.0)
		mult = math.Max(mult, clamp(cuda, 1, m.cfg.CUDAMaxBoost))
	}
	if contains(fmts, "npu") && !contains(disallowed, "npu") && (len(allowed) == 0 || contains(allowed, "npu")) {
		npu := 1.0 + n.Capacity.NPUTops/m.cfg.NPUTopsBoostDiv
		mult = math.Max(mult, clamp(npu, 1, m.cfg.NPUMaxBoost))
	}
	if contains(fmts, "wasm") {
		onlyWasm := len(allowed) == 1 && allowed[0] == "wasm"
		if onlyWasm {
			mult = mult / m.cfg.WasmPenalty
		}
	}
	return mult
}

func stageBaseWork(stage domain.Stage, minStageMs float64) float64 {
	base := stage.SizeMB*2.0 + stage.Resources.CPUCores*120.0
	if stage.Hints.IOBound {
		base *= 0.85
	}
	return math.Max(minStageMs, base)
}

// ComputeTimeMs is the compute-time estimate for one (stage, node) pair.
func (m *Model) ComputeTimeMs(stage domain.Stage, n domain.NodeView) float64 {
	if n.Dyn.Down {
		return math.Inf(1)
	}
	cpuUnits := nodeCPUUnits(n)
	if cpuUnits <= 1e-9 {
		return math.Inf(1)
	}
	work := stageBaseWork(stage, m.cfg.MinStageMs)
	accel := m.accelMultiplier(n, stage)
	t := work / math.Max(1, cpuUnits/m.cfg.CPUUnitDivisor) / math.Max(1, accel)
	return math.Max(m.cfg.MinStageMs, t)
}

// TransferTimeMs is the transfer-time estimate between two nodes for a
// payload of sizeMB over a link with the given metrics; down makes the
// transfer +Inf.
func (m *Model) TransferTimeMs(src, dst string, sizeMB float64, link domain.LinkMetrics, down bool) float64 {
	if sizeMB <= 0 || src == dst {
		return 0
	}
	if down {
		return math.Inf(1)
	}
	mbpsPhy := link.SpeedGbps * 1000.0
	lossPen := 1 - clamp(link.LossPct/100.0, 0, m.cfg.LossPenaltyCeil)
	effMbps := mbpsPhy * m.cfg.ProtoOverhead * lossPen
	xfer := (sizeMB * 8.0) / math.Max(1, effMbps) * 1000.0
	return xfer + link.RTTMs + link.JitterMs
}

// EnergyKJ is the energy estimate for running a stage on a node for
// computeMs milliseconds.
func (m *Model) EnergyKJ(stage domain.Stage, n domain.NodeView, computeMs float64) float64 {
	tdp := n.Capacity.TDPWatts
	if tdp <= 0 {
		tdp = m.cfg.DefaultTDPWatts
	}
	maxCores := n.Capacity.CPUCores
	util := clamp(stage.Resources.CPUCores/math.Max(1, maxCores), 0.05, 1.0)

	derate := n.Health.ThermalDerate
	if n.Dyn.ThermalDerate != nil && *n.Dyn.ThermalDerate > derate {
		derate = *n.Dyn.ThermalDerate
	}
	utilEff := clamp(util*(1+0.2*derate), 0, 1)

	idleW := tdp * m.cfg.IdleFraction
	activeW := (tdp - idleW) * math.Pow(utilEff, m.cfg.UtilToPowerExp)
	watts := idleW + activeW
	sec := computeMs / 1000.0
	kj := watts * sec / 1000.0
	return math.Max(0, kj)
}

// trustFor resolves the trust value feeding risk score: the wired
// TrustSource if present, else the node's static label, defaulting to 0.8.
func (m *Model) trustFor(nodeName string, n domain.NodeView) float64 {
	if m.trust != nil {
		if v, ok := m.trust.Trust(nodeName); ok {
			return v
		}
	}
	if n.Labels.Trust > 0 {
		return n.Labels.Trust
	}
	return 0.8
}

// RiskScore is the blended 0..1 risk estimate for a (stage, node) pair
// plus the loss percentage of the link the stage data would travel over.
func (m *Model) RiskScore(nodeName string, n domain.NodeView, linkLossPct float64) float64 {
	trustTerm := 1 - clamp(m.trustFor(nodeName, n), 0, 1)
	ssdWear := clamp(n.Health.SSDWearPct/100.0, 0, 1)
	crashTerm := clamp(float64(n.Health.LastWeekCrashes)/5.0, 0, 1)

	thermal := n.Health.ThermalDerate
	if n.Dyn.ThermalDerate != nil && *n.Dyn.ThermalDerate > thermal {
		thermal = *n.Dyn.ThermalDerate
	}
	thermal = clamp(thermal, 0, 1)

	linkTerm := clamp(linkLossPct/5.0, 0, 1)

	r := m.cfg.RiskWeightTrust*trustTerm +
		m.cfg.RiskWeightSSDWear*ssdWear +
		m.cfg.RiskWeightCrash*crashTerm +
		m.cfg.RiskWeightThermal*thermal +
		m.cfg.RiskWeightLinkLoss*linkTerm
	return clamp(r, 0, 1)
}

// StageCost is one stage's contribution to a job's aggregated cost.
type StageCost struct {
	ID        string  `json:"id"`
	Node      string  `json:"node"`
	ComputeMs float64 `json:"compute_ms"`
	XferMs    float64 `json:"xfer_ms"`
	EnergyKJ  float64 `json:"energy_kj"`
	Risk      float64 `json:"risk"`
}

// JobCost is the aggregated result of a sequential pipeline evaluation.
type JobCost struct {
	LatencyMs float64     `json:"latency_ms"`
	EnergyKJ  float64     `json:"energy_kj"`
	Risk      float64     `json:"risk"`
	PerStage  []StageCost `json:"per_stage"`
}

// LinkResolver resolves the effective link metrics and down-state between
// two nodes, e.g. state.Store.EffectiveLinkBetween plus a down lookup.
type LinkResolver func(a, b string) (metrics domain.LinkMetrics, down bool)

// JobCost sequentially evaluates a job's stages against the given
// assignments (stage id -> node name), aggregating latency/energy/risk.
// A stage missing from assignments, or naming a node absent from nodes,
// is treated as infeasible and drives total latency to +Inf.
func (m *Model) JobCost(job domain.Job, assignments map[string]string, nodes map[string]domain.NodeView, resolveLink LinkResolver) JobCost {
	totalMs := 0.0
	totalKJ := 0.0
	var risks []float64
	var perStage []StageCost

	var prevNode string
	for _, st := range job.Stages {
		nodeName, ok := assignments[st.ID]
		if !ok {
			perStage = append(perStage, StageCost{ID: st.ID, ComputeMs: math.Inf(1), Risk: 1})
			totalMs = math.Inf(1)
			continue
		}
		n, ok := nodes[nodeName]
		if !ok {
			perStage = append(perStage, StageCost{ID: st.ID, Node: nodeName, ComputeMs: math.Inf(1), Risk: 1})
			totalMs = math.Inf(1)
			continue
		}

		var xferMs, linkLoss float64
		if prevNode != "" {
			metrics, down := resolveLink(prevNode, nodeName)
			xferMs = m.TransferTimeMs(prevNode, nodeName, st.SizeMB, metrics, down)
			linkLoss = metrics.LossPct
		}

		compMs := m.ComputeTimeMs(st, n)
		enKJ := m.EnergyKJ(st, n, compMs)
		risk := m.RiskScore(nodeName, n, linkLoss)

		perStage = append(perStage, StageCost{
			ID: st.ID, Node: nodeName, ComputeMs: compMs, XferMs: xferMs, EnergyKJ: enKJ, Risk: risk,
		})

		if !math.IsInf(compMs, 1) && !math.IsInf(xferMs, 1) {
			totalMs += compMs + xferMs
			totalKJ += enKJ
			risks = append(risks, risk)
		} else {
			totalMs = math.Inf(1)
		}
		prevNode = nodeName
	}

	aggRisk := 1.0
	if len(risks) > 0 {
		sum := 0.0
		for _, r := range risks {
			sum += r
		}
		aggRisk = sum / float64(len(risks))
	}

	return JobCost{LatencyMs: totalMs, EnergyKJ: totalKJ, Risk: aggRisk, PerStage: perStage}
}

// SLOPenalty is a non-negative smooth over-deadline cost. Zero when
// deadline is non-positive, latency is non-finite, or latency meets the
// deadline.
func (m *Model) SLOPenalty(deadlineMs, latencyMs float64) float64 {
	if deadlineMs <= 0 || math.IsInf(latencyMs, 0) || math.IsNaN(latencyMs) {
		return 0
	}
	ratio := clamp(latencyMs/math.Max(1, deadlineMs), 0, 100)
	if ratio <= 1.0 {
		return 0
	}
	return (math.Pow(ratio, m.cfg.SLOAlpha) - 1.0) / math.Max(1e-6, m.cfg.SLOBeta)
}
