package federated

import (
	"testing"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/federation"
	"github.com/fabricdt/dt/internal/dt/state"
)

func twoFederationStore() *state.Store {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{
		Name: "east-1", Labels: domain.NodeLabels{Zone: "east"},
		Capacity: domain.NodeCapacity{CPUCores: 16, CPUBaseGHz: 2, RAMGB: 32, GPUVRAMGB: 8},
	})
	s.LoadNode(domain.Node{
		Name: "east-2", Labels: domain.NodeLabels{Zone: "east"},
		Capacity: domain.NodeCapacity{CPUCores: 16, CPUBaseGHz: 2, RAMGB: 32, GPUVRAMGB: 8},
	})
	s.LoadNode(domain.Node{
		Name: "west-1", Labels: domain.NodeLabels{Zone: "west"},
		Capacity: domain.NodeCapacity{CPUCores: 16, CPUBaseGHz: 2, RAMGB: 32, GPUVRAMGB: 8},
	})
	return s
}

func jobWithOneStage() domain.Job {
	return domain.Job{ID: "j1", Stages: []domain.Stage{
		{ID: "s1", SizeMB: 5, Resources: domain.ResourceDemand{CPUCores: 2, MemGB: 2}},
	}}
}

func TestModeKeyNormalizesAliases(t *testing.T) {
	if ModeKey("FT") != "resilient" {
		t.Fatalf("expected ft alias to resolve to resilient")
	}
	if ModeKey("balanced") != "network-aware" {
		t.Fatalf("expected balanced alias to resolve to network-aware")
	}
	if ModeKey("unknown-garbage") != "resilient" {
		t.Fatalf("expected unknown mode to default to resilient")
	}
}

func TestPlanJobEmitsFallbacksForRedundancy(t *testing.T) {
	s := twoFederationStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil)

	result := planner.PlanJob(jobWithOneStage(), true, "federated")
	if result.Infeasible {
		t.Fatalf("expected feasible plan: %+v", result)
	}
	fallbacks := result.ShadowAssignments["s1"]
	if len(fallbacks) != Modes["federated"].Redundancy-1 {
		t.Fatalf("expected %d fallbacks for federated mode, got %d", Modes["federated"].Redundancy-1, len(fallbacks))
	}
}

func TestPlanJobNoStagesIsInfeasible(t *testing.T) {
	s := twoFederationStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil)

	result := planner.PlanJob(domain.Job{ID: "empty"}, true, "resilient")
	if !result.Infeasible || result.Reason != "no_stages" {
		t.Fatalf("expected no_stages infeasibility, got %+v", result)
	}
}

func TestPlanJobDryRunDoesNotReserve(t *testing.T) {
	s := twoFederationStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil)

	planner.PlanJob(jobWithOneStage(), true, "resilient")
	snap := s.Snapshot()
	total := 0.0
	for _, n := range snap.Nodes {
		total += n.Dyn.UsedCPUCores
	}
	if total != 0 {
		t.Fatalf("dry run must not reserve any capacity, used=%v", total)
	}
}

func TestPlanJobRespectsShareNothingWhenSelectingFallbacks(t *testing.T) {
	s := twoFederationStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	sharing := federation.New()
	sharing.SetPolicy("west", federation.Policy{SharingPolicy: federation.ShareNothing})
	planner := New(s, model, sharing)

	result := planner.PlanJob(jobWithOneStage(), true, "federated")
	if result.Infeasible {
		t.Fatalf("expected feasible plan: %+v", result)
	}
	for _, fed := range result.PerStage[0].FallbackFederations {
		if fed == "west" {
			t.Fatalf("expected west's ShareNothing policy to exclude it from fallbacks, got %+v", result.PerStage[0].FallbackFederations)
		}
	}
}

func TestPlanJobExcludesNodeWithDisallowedFormat(t *testing.T) {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{
		Name: "only-int8", FormatsSupported: []string{"int8"},
		Capacity: domain.NodeCapacity{CPUCores: 16, CPUBaseGHz: 2, RAMGB: 32, GPUVRAMGB: 8},
	})
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil)

	job := domain.Job{ID: "j1", Stages: []domain.Stage{
		{ID: "s1", Resources: domain.ResourceDemand{CPUCores: 2, MemGB: 2}, DisallowedFormats: []string{"int8"}},
	}}
	result := planner.PlanJob(job, true, "resilient")
	if !result.Infeasible || result.PerStage[0].Reason != "no_feasible_node" {
		t.Fatalf("expected the only node to be excluded by its disallowed format, got %+v", result)
	}
}

func TestPlanJobTracksFederationSpread(t *testing.T) {
	s := twoFederationStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil)

	job := domain.Job{ID: "multi", Stages: []domain.Stage{
		{ID: "s1", Resources: domain.ResourceDemand{CPUCores: 1}},
		{ID: "s2", Resources: domain.ResourceDemand{CPUCores: 1}},
	}}
	result := planner.PlanJob(job, true, "network-aware")
	if result.FederationSpread <= 0 {
		t.Fatalf("expected nonzero federation spread, got %v", result.FederationSpread)
	}
}
