package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/state"
)

func twoZoneStore() *state.Store {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "east-1", Labels: domain.NodeLabels{Zone: "east"}, Capacity: domain.NodeCapacity{CPUCores: 8, RAMGB: 16}})
	s.LoadNode(domain.Node{Name: "east-2", Labels: domain.NodeLabels{Zone: "east"}, Capacity: domain.NodeCapacity{CPUCores: 8, RAMGB: 16}})
	s.LoadNode(domain.Node{Name: "west-1", Labels: domain.NodeLabels{Zone: "west"}, Capacity: domain.NodeCapacity{CPUCores: 8, RAMGB: 16}})
	s.LoadLink(domain.Link{A: "east-1", B: "west-1", Metrics: domain.LinkMetrics{SpeedGbps: 10, RTTMs: 5}})
	return s
}

func TestApplyEventLinkDownMakesLinkDown(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindLinkDown, A: "east-1", B: "west-1"})
	if !s.LinkDown("east-1", "west-1") {
		t.Fatalf("expected link to be down after link_down event")
	}
}

func TestApplyEventSyntheticRevertClearsLinkDown(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindLinkDown, A: "east-1", B: "west-1"})
	eng.ApplyEvent(Event{Kind: revertKind(KindLinkDown), A: "east-1", B: "west-1"})
	if s.LinkDown("east-1", "west-1") {
		t.Fatalf("expected revert to clear the down override")
	}
}

func TestApplyEventNodeKillMarksNodeDown(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindNodeKill, Node: "east-1"})
	snap := s.Snapshot()
	if !snap.Nodes["east-1"].Dyn.Down {
		t.Fatalf("expected east-1 to be down after node_kill")
	}
}

func TestApplyEventZoneBlackoutAffectsAllNodesInZone(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindZoneBlackout, Label: "zone", Value: "east"})
	snap := s.Snapshot()
	if !snap.Nodes["east-1"].Dyn.Down || !snap.Nodes["east-2"].Dyn.Down {
		t.Fatalf("expected every east node down after zone_blackout")
	}
	if snap.Nodes["west-1"].Dyn.Down {
		t.Fatalf("west-1 should be unaffected by an east zone_blackout")
	}
}

func TestApplyEventZoneBlackoutUnknownValueIsNoop(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindZoneBlackout, Label: "zone", Value: "nonexistent"})
	snap := s.Snapshot()
	for name, view := range snap.Nodes {
		if view.Dyn.Down {
			t.Fatalf("node %s unexpectedly down from an unmatched zone_blackout", name)
		}
	}
}

func TestApplyEventFederationPartitionAffectsOnlyCrossGroupLinks(t *testing.T) {
	s := state.New(state.DefaultTopologyDefaults())
	s.LoadNode(domain.Node{Name: "us-1", Labels: domain.NodeLabels{Federation: "us-east"}, Capacity: domain.NodeCapacity{CPUCores: 8, RAMGB: 16}})
	s.LoadNode(domain.Node{Name: "eu-1", Labels: domain.NodeLabels{Federation: "eu-west"}, Capacity: domain.NodeCapacity{CPUCores: 8, RAMGB: 16}})
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	eng.ApplyEvent(Event{Kind: KindFederationPartition, Label: "federation", Value: "us-east", ValueB: "eu-west"})

	if got := s.EffectiveLinkBetween("us-1", "eu-1").LossPct; got <= 0 {
		t.Fatalf("expected the cross-federation node link to show elevated loss, got %v", got)
	}
	snap := s.Snapshot()
	if _, ok := snap.Links[domain.LinkKey("us-east", "eu-west")]; ok {
		t.Fatalf("federation_partition must not fabricate a link keyed by the raw label values")
	}
}

func TestThermalDerateIsClampedToUnitInterval(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 1, s)

	over := 5.0
	eng.ApplyEvent(Event{Kind: KindThermalDerate, Node: "east-1", ThermalDerate: &over})
	snap := s.Snapshot()
	if got := *snap.Nodes["east-1"].Dyn.ThermalDerate; got != 1 {
		t.Fatalf("expected thermal_derate clamped to 1, got %v", got)
	}
}

func TestCollectEventsOrdersByTimeAndInjectsReverts(t *testing.T) {
	doc := TopologyChaosDocument{
		Chaos: []eventDocument{
			{Kind: "node_kill", AtS: 10, DurationS: 5, Node: "east-1"},
			{Kind: "link_down", AtS: 2, A: "east-1", B: "west-1"},
		},
	}
	events, err := CollectEvents(doc, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 2 declared events + 1 synthetic revert, got %d", len(events))
	}
	if events[0].AtS != 2 || events[1].AtS != 10 || events[2].AtS != 15 {
		t.Fatalf("expected events sorted 2, 10, 15 by at_s, got %+v", events)
	}
	if _, ok := isRevert(events[2].Kind); !ok {
		t.Fatalf("expected the last event to be a synthetic revert marker")
	}
}

func TestCollectEventsUnknownScenarioErrors(t *testing.T) {
	doc := TopologyChaosDocument{}
	if _, err := CollectEvents(doc, "missing"); err == nil {
		t.Fatalf("expected an error for an unknown scenario")
	}
}

func TestEventQueueOrdersByAtSThenInsertionOrder(t *testing.T) {
	q := newEventQueue([]Event{
		{Kind: KindNodeKill, AtS: 5, Node: "b"},
		{Kind: KindNodeKill, AtS: 1, Node: "a"},
		{Kind: KindNodeKill, AtS: 1, Node: "c"},
	})
	first, _ := q.pop()
	second, _ := q.pop()
	third, _ := q.pop()
	if first.Node != "a" || second.Node != "c" || third.Node != "b" {
		t.Fatalf("expected order a, c, b; got %s, %s, %s", first.Node, second.Node, third.Node)
	}
}

func TestRunFiresAllEventsThenReturns(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 50, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	eng.Run(ctx, []Event{{Kind: KindNodeKill, AtS: 0, Node: "east-1"}}, 0)

	snap := s.Snapshot()
	if !snap.Nodes["east-1"].Dyn.Down {
		t.Fatalf("expected east-1 down after Run processed its event")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	s := twoZoneStore()
	sink := NewSink(s, nil, "", "")
	eng := NewEngine(sink, 0.01, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		eng.Run(ctx, []Event{{Kind: KindNodeKill, AtS: 1000, Node: "east-1"}}, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("Run did not return promptly after context cancellation")
	}
}
