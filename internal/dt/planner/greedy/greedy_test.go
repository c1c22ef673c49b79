package greedy

import (
	"math"
	"testing"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/state"
)

func twoNodeStore() *state.Store {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "weak", Capacity: domain.NodeCapacity{CPUCores: 2, CPUBaseGHz: 1, RAMGB: 8, GPUVRAMGB: 0}})
	s.LoadNode(domain.Node{Name: "strong", Capacity: domain.NodeCapacity{CPUCores: 32, CPUBaseGHz: 3, RAMGB: 64, GPUVRAMGB: 16}})
	return s
}

func simpleJob() domain.Job {
	return domain.Job{
		ID: "job-1",
		Stages: []domain.Stage{
			{ID: "s1", SizeMB: 10, Resources: domain.ResourceDemand{CPUCores: 1, MemGB: 1}},
		},
	}
}

func TestPlanJobPicksLowerScoreNode(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	result := planner.PlanJob(simpleJob(), true)
	if result.Infeasible {
		t.Fatalf("expected feasible plan, got infeasible: %+v", result)
	}
	if result.Assignments["s1"] != "strong" {
		t.Fatalf("expected the much faster node to win, got %s", result.Assignments["s1"])
	}
}

func TestPlanJobDryRunMakesNoReservation(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	planner.PlanJob(simpleJob(), true)
	snap := s.Snapshot()
	if snap.Nodes["strong"].Dyn.UsedCPUCores != 0 {
		t.Fatalf("dry run must not reserve capacity")
	}
}

func TestPlanJobReservesOnRealRun(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	result := planner.PlanJob(simpleJob(), false)
	if len(result.Reservations) != 1 {
		t.Fatalf("expected one reservation, got %d", len(result.Reservations))
	}
	snap := s.Snapshot()
	if snap.Nodes["strong"].Dyn.UsedCPUCores != 1 {
		t.Fatalf("expected 1 reserved cpu core on strong, got %v", snap.Nodes["strong"].Dyn.UsedCPUCores)
	}
}

func TestPlanJobNoStagesIsInfeasible(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	result := planner.PlanJob(domain.Job{ID: "empty"}, true)
	if !result.Infeasible || result.Reason != "no_stages" {
		t.Fatalf("expected no_stages infeasibility, got %+v", result)
	}
}

func TestPlanJobNoFeasibleNodeWhenResourcesExceedFabric(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	job := domain.Job{ID: "huge", Stages: []domain.Stage{
		{ID: "s1", Resources: domain.ResourceDemand{CPUCores: 9999}},
	}}
	result := planner.PlanJob(job, true)
	if !result.Infeasible {
		t.Fatalf("expected infeasible result for oversized demand")
	}
	if result.PerStage[0].Reason != "no_feasible_node" {
		t.Fatalf("expected no_feasible_node reason, got %s", result.PerStage[0].Reason)
	}
	if !math.IsInf(result.LatencyMs, 1) {
		t.Fatalf("expected +Inf latency for an infeasible job, got %v", result.LatencyMs)
	}
}

func TestPlanJobExcludesNodeWithDisallowedFormat(t *testing.T) {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{
		Name: "fp32-only", FormatsSupported: []string{"fp32"},
		Capacity: domain.NodeCapacity{CPUCores: 2, CPUBaseGHz: 1, RAMGB: 8, GPUVRAMGB: 0},
	})
	s.LoadNode(domain.Node{
		Name: "int8-capable", FormatsSupported: []string{"fp32", "int8"},
		Capacity: domain.NodeCapacity{CPUCores: 32, CPUBaseGHz: 3, RAMGB: 64, GPUVRAMGB: 16},
	})
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	job := domain.Job{ID: "job-1", Stages: []domain.Stage{
		{ID: "s1", Resources: domain.ResourceDemand{CPUCores: 1, MemGB: 1}, DisallowedFormats: []string{"int8"}},
	}}
	result := planner.PlanJob(job, true)
	if result.Infeasible {
		t.Fatalf("expected feasible plan, got infeasible: %+v", result)
	}
	if result.Assignments["s1"] != "fp32-only" {
		t.Fatalf("expected the node without the disallowed format to win, got %s", result.Assignments["s1"])
	}
}

func TestPlanJobMissingStageID(t *testing.T) {
	s := twoNodeStore()
	model := costmodel.New(costmodel.DefaultConfig(), nil)
	planner := New(s, model, nil, DefaultConfig())

	job := domain.Job{ID: "bad", Stages: []domain.Stage{{SizeMB: 1}}}
	result := planner.PlanJob(job, true)
	if !result.Infeasible || result.PerStage[0].Reason != "missing_stage_id" {
		t.Fatalf("expected missing_stage_id reason, got %+v", result)
	}
}
