package chaos

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/fabricdt/dt/internal/domain"
)

// eventDocument is the on-disk shape of one chaos event entry.
type eventDocument struct {
	Kind          string   `json:"kind"`
	AtS           float64  `json:"at_s"`
	DurationS     float64  `json:"duration_s"`
	A             string   `json:"a"`
	B             string   `json:"b"`
	Node          string   `json:"node"`
	Label         string   `json:"label"`
	Value         string   `json:"value"`
	ValueB        string   `json:"value_b"`
	SpeedGbps     *float64 `json:"speed_gbps"`
	RTTMs         *float64 `json:"rtt_ms"`
	JitterMs      *float64 `json:"jitter_ms"`
	LossPct       *float64 `json:"loss_pct"`
	ECN           *bool    `json:"ecn"`
	PowerCapW     *float64 `json:"power_cap_w"`
	ThermalDerate *float64 `json:"thermal_derate"`
	SkewMs        *float64 `json:"skew_ms"`
	PacketDup     *float64 `json:"packet_dup"`
	PacketReorder *float64 `json:"packet_reorder"`
}

func (doc eventDocument) toEvent() Event {
	valueB := doc.ValueB
	return Event{
		AtS: doc.AtS, Kind: Kind(doc.Kind), DurationS: doc.DurationS,
		A: doc.A, B: doc.B, Node: doc.Node, Label: doc.Label, Value: doc.Value, ValueB: valueB,
		SpeedGbps: doc.SpeedGbps, RTTMs: doc.RTTMs, JitterMs: doc.JitterMs, LossPct: doc.LossPct, ECN: doc.ECN,
		PowerCapW: doc.PowerCapW, ThermalDerate: doc.ThermalDerate, SkewMs: doc.SkewMs,
		PacketDup: doc.PacketDup, PacketReorder: doc.PacketReorder,
	}
}

// scenarioDocument is one named scenario's chaos event list.
type scenarioDocument struct {
	Name  string          `json:"name"`
	Chaos []eventDocument `json:"chaos"`
}

// TopologyChaosDocument is the chaos-relevant subset of the topology file:
// a base event list plus zero or more named scenarios.
type TopologyChaosDocument struct {
	Chaos     []eventDocument    `json:"chaos"`
	Scenarios []scenarioDocument `json:"scenarios"`
}

// LoadTopologyChaosFile reads the chaos/scenarios section of a topology
// file (the same file LoadTopologyFile reads defaults/links from).
func LoadTopologyChaosFile(path string) (TopologyChaosDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TopologyChaosDocument{}, fmt.Errorf("read topology chaos: %w", err)
	}
	var doc TopologyChaosDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return TopologyChaosDocument{}, fmt.Errorf("parse topology chaos: %w", err)
	}
	return doc, nil
}

func scenarioByName(doc TopologyChaosDocument, name string) (scenarioDocument, error) {
	for _, sc := range doc.Scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	return scenarioDocument{}, fmt.Errorf("%w: %q", domain.ErrUnknownScenario, name)
}

// CollectEvents builds the full, sorted event schedule: the topology's
// base chaos events plus a named scenario's events (if scenario is
// non-empty), with a synthetic revert event injected for every
// bounded-duration event. Events are stable-sorted by at_s, preserving
// declaration order for simultaneous events.
func CollectEvents(doc TopologyChaosDocument, scenario string) ([]Event, error) {
	raw := make([]eventDocument, 0, len(doc.Chaos))
	raw = append(raw, doc.Chaos...)
	if scenario != "" {
		sc, err := scenarioByName(doc, scenario)
		if err != nil {
			return nil, err
		}
		raw = append(raw, sc.Chaos...)
	}

	var events []Event
	for _, d := range raw {
		ev := d.toEvent()
		events = append(events, ev)
		if endS, bounded := ev.EndTime(); bounded && isBoundable(ev.Kind) {
			events = append(events, ev.syntheticRevert(endS))
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].AtS < events[j].AtS })
	return events, nil
}
