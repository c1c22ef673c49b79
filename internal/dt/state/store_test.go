package state

import (
	"math"
	"testing"

	"github.com/fabricdt/dt/internal/domain"
)

func nodeA() domain.Node {
	return domain.Node{
		Name: "A",
		Labels: domain.NodeLabels{Zone: "east"},
		Capacity: domain.NodeCapacity{
			CPUCores: 16, CPUBaseGHz: 1, RAMGB: 32, GPUVRAMGB: 8,
		},
	}
}

func TestReserveRefusesBeyondCapacity(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	if _, ok := s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 17}); ok {
		t.Fatalf("expected reserve beyond capacity to fail")
	}
	if _, ok := s.Reserve(domain.ReserveRequest{Node: "missing", CPUCores: 1}); ok {
		t.Fatalf("expected reserve on missing node to fail")
	}
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	before := s.Snapshot().Nodes["A"].Effective.FreeCPUCores

	id, ok := s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 4, MemGB: 2})
	if !ok {
		t.Fatalf("expected reservation to succeed")
	}
	mid := s.Snapshot().Nodes["A"].Effective.FreeCPUCores
	if mid != before-4 {
		t.Fatalf("expected free cpu to drop by 4, got %v -> %v", before, mid)
	}

	if !s.Release("A", id) {
		t.Fatalf("expected release to succeed")
	}
	after := s.Snapshot().Nodes["A"].Effective.FreeCPUCores
	if after != before {
		t.Fatalf("expected free capacity restored, before=%v after=%v", before, after)
	}
	if s.Release("A", id) {
		t.Fatalf("expected release to be idempotent-false on unknown id")
	}
}

func TestReservationSumsMatchUsed(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	id1, _ := s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 2})
	_, _ = s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 3})

	snap := s.Snapshot()
	view := snap.Nodes["A"]
	sum := 0.0
	for _, r := range view.Dyn.Reservations {
		sum += r.CPUCores
	}
	if sum != view.Dyn.UsedCPUCores {
		t.Fatalf("sum of reservations %v != used_cpu_cores %v", sum, view.Dyn.UsedCPUCores)
	}

	s.Release("A", id1)
	snap = s.Snapshot()
	view = snap.Nodes["A"]
	sum = 0
	for _, r := range view.Dyn.Reservations {
		sum += r.CPUCores
	}
	if sum != view.Dyn.UsedCPUCores {
		t.Fatalf("after release, sum %v != used %v", sum, view.Dyn.UsedCPUCores)
	}
}

func TestSnapshotIsDeepIndependent(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	snap := s.Snapshot()
	view := snap.Nodes["A"]
	view.Dyn.UsedCPUCores = 9999
	view.Dyn.Reservations["bogus"] = domain.NodeReservation{CPUCores: 1}

	fresh := s.Snapshot().Nodes["A"]
	if fresh.Dyn.UsedCPUCores == 9999 {
		t.Fatalf("mutating a snapshot leaked into store state")
	}
	if _, ok := fresh.Dyn.Reservations["bogus"]; ok {
		t.Fatalf("mutating a snapshot's reservation map leaked into store state")
	}
}

func TestApplyObservationEmptyChangesIsNoOp(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	before := s.Snapshot().Nodes["A"].Dyn

	err := s.ApplyObservation(domain.ObservationPayload{Type: "node", Node: "A", Changes: map[string]any{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := s.Snapshot().Nodes["A"].Dyn
	if before.Down != after.Down || before.UsedCPUCores != after.UsedCPUCores {
		t.Fatalf("empty observation changed dyn state")
	}
}

func TestApplyObservationDownMakesInfeasible(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	if err := s.ApplyObservation(domain.ObservationPayload{
		Type: "node", Node: "A", Changes: map[string]any{"down": true},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 1}); ok {
		t.Fatalf("expected reserve to fail once node is down")
	}
}

func TestApplyObservationPreservesUnsetFields(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	_ = s.ApplyObservation(domain.ObservationPayload{
		Type: "node", Node: "A", Changes: map[string]any{"thermal_derate": 0.3},
	})
	_ = s.ApplyObservation(domain.ObservationPayload{
		Type: "node", Node: "A", Changes: map[string]any{"clock_skew_ms": 5.0},
	})

	d := s.Snapshot().Nodes["A"].Dyn
	if d.ThermalDerate == nil || *d.ThermalDerate != 0.3 {
		t.Fatalf("expected thermal_derate to survive a later unrelated observation")
	}
	if d.ClockSkewMs == nil || *d.ClockSkewMs != 5.0 {
		t.Fatalf("expected clock_skew_ms to be set")
	}
}

func TestThermalDerateOneMakesCPUZero(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())
	_ = s.ApplyObservation(domain.ObservationPayload{
		Type: "node", Node: "A", Changes: map[string]any{"thermal_derate": 1.0},
	})
	eff := s.Snapshot().Nodes["A"].Effective
	if eff.FreeCPUCores != 0 {
		t.Fatalf("expected zero free cpu at full thermal derate, got %v", eff.FreeCPUCores)
	}
}

func TestEffectiveLinkSynthesisAndDown(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "A", Capacity: domain.NodeCapacity{CPUCores: 1, CPUBaseGHz: 1}})
	s.LoadNode(domain.Node{Name: "B", Capacity: domain.NodeCapacity{CPUCores: 1, CPUBaseGHz: 1}})

	m := s.EffectiveLinkBetween("A", "B")
	if m.SpeedGbps != DefaultTopologyDefaults().SpeedGbps {
		t.Fatalf("expected synthesized default speed, got %v", m.SpeedGbps)
	}

	s.LoadLink(domain.Link{A: "A", B: "B", Metrics: domain.LinkMetrics{SpeedGbps: 10, RTTMs: 2}})
	m = s.EffectiveLinkBetween("B", "A")
	if m.SpeedGbps != 10 {
		t.Fatalf("expected declared speed 10, got %v", m.SpeedGbps)
	}

	_ = s.ApplyObservation(domain.ObservationPayload{Type: "link", A: "A", B: "B", Changes: map[string]any{"down": true}})
	snap := s.Snapshot()
	if !snap.Links[domain.LinkKey("A", "B")].Dyn.Down {
		t.Fatalf("expected link to be marked down in snapshot")
	}
}

func TestFederationDerivationPriority(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "A", Labels: domain.NodeLabels{Zone: "east", Region: "us"}})
	s.LoadNode(domain.Node{Name: "B"})

	snap := s.Snapshot()
	if snap.NodeFederation["A"] != "east" {
		t.Fatalf("expected zone to win over region, got %s", snap.NodeFederation["A"])
	}
	if snap.NodeFederation["B"] != "global" {
		t.Fatalf("expected default federation 'global', got %s", snap.NodeFederation["B"])
	}
}

func TestRevertFieldsRestoresExactSubset(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(nodeA())

	_ = s.ApplyObservation(domain.ObservationPayload{
		Type: "node", Node: "A",
		Changes: map[string]any{"thermal_derate": 0.9, "clock_skew_ms": 3.0},
	})
	s.RevertNodeFields("A", []string{"thermal_derate"})

	d := s.Snapshot().Nodes["A"].Dyn
	if d.ThermalDerate != nil {
		t.Fatalf("expected thermal_derate reverted")
	}
	if d.ClockSkewMs == nil || *d.ClockSkewMs != 3.0 {
		t.Fatalf("expected clock_skew_ms untouched by unrelated revert")
	}
}

func TestNoCapacityNeverNegative(t *testing.T) {
	s := New(DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "A", Capacity: domain.NodeCapacity{CPUCores: 1, CPUBaseGHz: 1, RAMGB: 1, GPUVRAMGB: 1}})
	_, _ = s.Reserve(domain.ReserveRequest{Node: "A", CPUCores: 1, MemGB: 1, GPUVRAMGB: 1})
	eff := s.Snapshot().Nodes["A"].Effective
	if eff.FreeCPUCores < 0 || eff.FreeMemGB < 0 || eff.FreeVRAMGB < 0 {
		t.Fatalf("free capacity must never be negative: %+v", eff)
	}
	if math.Signbit(eff.FreeCPUCores) {
		t.Fatalf("free cpu must not be negative zero either")
	}
}
