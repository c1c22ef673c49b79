package costmodel

import (
	"math"
	"testing"

	"github.com/fabricdt/dt/internal/domain"
)

func plainNode() domain.NodeView {
	return domain.NodeView{
		Node: domain.Node{
			Name:     "n1",
			Capacity: domain.NodeCapacity{CPUCores: 8, CPUBaseGHz: 2.0, TDPWatts: 65},
		},
	}
}

func plainStage() domain.Stage {
	return domain.Stage{ID: "s1", SizeMB: 10, Resources: domain.ResourceDemand{CPUCores: 1}}
}

func TestComputeTimeMsDownIsInfinite(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.Dyn.Down = true
	if got := m.ComputeTimeMs(plainStage(), n); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf for down node, got %v", got)
	}
}

func TestComputeTimeMsFullThermalDerateIsInfinite(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.Health.ThermalDerate = 1.0
	if got := m.ComputeTimeMs(plainStage(), n); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf once cpu_units collapses to zero, got %v", got)
	}
}

func TestComputeTimeMsRespectsMinimum(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.Capacity.CPUCores = 1000
	n.Capacity.CPUBaseGHz = 1000
	got := m.ComputeTimeMs(domain.Stage{ID: "tiny", SizeMB: 0.001}, n)
	if got != DefaultConfig().MinStageMs {
		t.Fatalf("expected floor of %v, got %v", DefaultConfig().MinStageMs, got)
	}
}

func TestAccelMultiplierCUDABoost(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.FormatsSupported = []string{"cuda"}
	n.Capacity.GPUAccelScore = 50 // cuda boost = 1 * (1+5) = 6, clamped to CUDAMaxBoost=6
	if got := m.accelMultiplier(n, domain.Stage{}); got != 6.0 {
		t.Fatalf("expected clamped cuda boost of 6, got %v", got)
	}
}

func TestAccelMultiplierDisjointAllowedIsHeavyPenalty(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.FormatsSupported = []string{"native"}
	stage := domain.Stage{AllowedFormats: []string{"cuda"}}
	if got := m.accelMultiplier(n, stage); got != 0.5 {
		t.Fatalf("expected 0.5 penalty for disjoint allowed formats, got %v", got)
	}
}

func TestAccelMultiplierWasmOnlyPenalty(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.FormatsSupported = []string{"wasm"}
	stage := domain.Stage{AllowedFormats: []string{"wasm"}}
	got := m.accelMultiplier(n, stage)
	want := 1.0 / DefaultConfig().WasmPenalty
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected wasm penalty %v, got %v", want, got)
	}
}

func TestTransferTimeMsZeroForSameNodeOrZeroSize(t *testing.T) {
	m := New(DefaultConfig(), nil)
	if got := m.TransferTimeMs("a", "a", 10, domain.LinkMetrics{SpeedGbps: 1}, false); got != 0 {
		t.Fatalf("expected 0 for same-node transfer, got %v", got)
	}
	if got := m.TransferTimeMs("a", "b", 0, domain.LinkMetrics{SpeedGbps: 1}, false); got != 0 {
		t.Fatalf("expected 0 for zero-size transfer, got %v", got)
	}
}

func TestTransferTimeMsDownIsInfinite(t *testing.T) {
	m := New(DefaultConfig(), nil)
	if got := m.TransferTimeMs("a", "b", 10, domain.LinkMetrics{}, true); !math.IsInf(got, 1) {
		t.Fatalf("expected +Inf for a down link, got %v", got)
	}
}

func TestEnergyKJNonNegative(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	kj := m.EnergyKJ(plainStage(), n, 100)
	if kj < 0 {
		t.Fatalf("energy must never be negative, got %v", kj)
	}
}

func TestRiskScoreBoundedToUnitInterval(t *testing.T) {
	m := New(DefaultConfig(), nil)
	n := plainNode()
	n.Health.LastWeekCrashes = 999
	n.Health.SSDWearPct = 999
	r := m.RiskScore("n1", n, 999)
	if r < 0 || r > 1 {
		t.Fatalf("risk score must be clamped to [0,1], got %v", r)
	}
}

func TestSLOPenaltyZeroBelowDeadline(t *testing.T) {
	m := New(DefaultConfig(), nil)
	if got := m.SLOPenalty(1000, 500); got != 0 {
		t.Fatalf("expected zero penalty under deadline, got %v", got)
	}
	if got := m.SLOPenalty(0, 500); got != 0 {
		t.Fatalf("expected zero penalty for non-positive deadline, got %v", got)
	}
	if got := m.SLOPenalty(1000, math.Inf(1)); got != 0 {
		t.Fatalf("expected zero penalty for non-finite latency, got %v", got)
	}
}

func TestSLOPenaltyGrowsPastDeadline(t *testing.T) {
	m := New(DefaultConfig(), nil)
	p1 := m.SLOPenalty(1000, 1100)
	p2 := m.SLOPenalty(1000, 2000)
	if !(p1 > 0 && p2 > p1) {
		t.Fatalf("expected increasing penalty past deadline: p1=%v p2=%v", p1, p2)
	}
}

func TestJobCostMissingAssignmentDrivesInfiniteLatency(t *testing.T) {
	m := New(DefaultConfig(), nil)
	job := domain.Job{ID: "j1", Stages: []domain.Stage{{ID: "s1"}, {ID: "s2"}}}
	nodes := map[string]domain.NodeView{"n1": plainNode()}
	resolve := func(a, b string) (domain.LinkMetrics, bool) { return domain.LinkMetrics{SpeedGbps: 1}, false }

	result := m.JobCost(job, map[string]string{"s1": "n1"}, nodes, resolve)
	if !math.IsInf(result.LatencyMs, 1) {
		t.Fatalf("expected +Inf latency when a stage is unassigned, got %v", result.LatencyMs)
	}
	if want := m.RiskScore("n1", nodes["n1"], 0); result.Risk != want {
		t.Fatalf("expected aggregate risk %v (the mean over the one assigned stage), got %v", want, result.Risk)
	}
}

func TestJobCostHappyPathAggregates(t *testing.T) {
	m := New(DefaultConfig(), nil)
	job := domain.Job{ID: "j1", Stages: []domain.Stage{
		{ID: "s1", SizeMB: 5, Resources: domain.ResourceDemand{CPUCores: 1}},
		{ID: "s2", SizeMB: 5, Resources: domain.ResourceDemand{CPUCores: 1}},
	}}
	nodes := map[string]domain.NodeView{"n1": plainNode(), "n2": plainNode()}
	resolve := func(a, b string) (domain.LinkMetrics, bool) {
		return domain.LinkMetrics{SpeedGbps: 10, RTTMs: 1, JitterMs: 0.1}, false
	}

	result := m.JobCost(job, map[string]string{"s1": "n1", "s2": "n2"}, nodes, resolve)
	if math.IsInf(result.LatencyMs, 1) {
		t.Fatalf("expected finite latency for a fully-assigned job")
	}
	if len(result.PerStage) != 2 {
		t.Fatalf("expected two per-stage entries, got %d", len(result.PerStage))
	}
	if result.PerStage[1].XferMs <= 0 {
		t.Fatalf("expected nonzero transfer time between distinct nodes, got %v", result.PerStage[1].XferMs)
	}
}
