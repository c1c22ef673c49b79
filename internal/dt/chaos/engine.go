package chaos

import (
	"context"
	"log"
	"math"
	"sort"
	"time"

	"github.com/fabricdt/dt/internal/domain"
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Engine applies and reverts chaos events against a Sink. It holds a
// label index (federation/zone/site/region/rack -> node names) so
// zone_blackout and federation_partition can resolve a group of nodes by
// a single label/value pair, same as the original engine's node lookup.
type Engine struct {
	sink  *Sink
	speed float64
	index map[string]map[string][]string
}

// NewEngine builds an Engine from the store's current node set (the label
// index is a startup-time snapshot; it does not track nodes added later).
// speed is clamped to a 0.01 floor so a misconfigured scenario can never
// stall forever.
func NewEngine(sink *Sink, speed float64, store domain.Store) *Engine {
	if speed < 0.01 {
		speed = 0.01
	}
	snap := store.Snapshot()
	nodes := make(map[string]domain.Node, len(snap.Nodes))
	for name, view := range snap.Nodes {
		nodes[name] = view.Node
	}
	return &Engine{sink: sink, speed: speed, index: buildLabelIndex(nodes)}
}

func buildLabelIndex(nodes map[string]domain.Node) map[string]map[string][]string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	idx := map[string]map[string][]string{}
	add := func(label, value, node string) {
		if value == "" {
			return
		}
		bucket := idx[label]
		if bucket == nil {
			bucket = map[string][]string{}
			idx[label] = bucket
		}
		bucket[value] = append(bucket[value], node)
	}

	for _, name := range names {
		n := nodes[name]
		federation := n.Labels.Federation
		if federation == "" {
			for _, fallback := range []string{n.Labels.Zone, n.Labels.Site, n.Labels.Rack, n.Labels.Region} {
				if fallback != "" {
					federation = fallback
					break
				}
			}
		}
		add("federation", federation, name)
		add("zone", n.Labels.Zone, name)
		add("site", n.Labels.Site, name)
		add("region", n.Labels.Region, name)
		add("rack", n.Labels.Rack, name)
	}
	return idx
}

func (e *Engine) nodesFor(label, value string) []string {
	if label == "" || value == "" {
		return nil
	}
	return e.index[label][value]
}

// ApplyEvent dispatches a single event to the matching link/node/group
// handler, or to revertFor when it is a synthetic revert marker.
func (e *Engine) ApplyEvent(ev Event) {
	if orig, ok := isRevert(ev.Kind); ok {
		e.revertFor(orig, ev)
		return
	}
	switch {
	case linkKinds[ev.Kind]:
		e.applyLink(ev)
	case nodeKinds[ev.Kind]:
		e.applyNode(ev)
	case groupKinds[ev.Kind]:
		e.applyGroup(ev)
	default:
		log.Printf("[chaos] unknown event kind %q, skipping", ev.Kind)
	}
}

func (e *Engine) applyLink(ev Event) {
	if ev.A == "" || ev.B == "" {
		log.Printf("[chaos] %s missing a/b, skipping", ev.Kind)
		return
	}
	switch ev.Kind {
	case KindLinkDown:
		e.sink.LinkApply(ev.A, ev.B, map[string]any{"down": true})
	case KindLinkUp:
		e.sink.LinkRevert(ev.A, ev.B, []string{"down"})
	case KindLinkLossSpike:
		loss := 0.0
		if ev.LossPct != nil {
			loss = *ev.LossPct
		}
		e.sink.LinkApply(ev.A, ev.B, map[string]any{"loss_pct": clamp(loss, 0, 100)})
	case KindLinkDegrade:
		changes := map[string]any{}
		if ev.SpeedGbps != nil {
			changes["speed_gbps"] = math.Max(0, *ev.SpeedGbps)
		}
		if ev.RTTMs != nil {
			changes["rtt_ms"] = math.Max(0, *ev.RTTMs)
		}
		if ev.JitterMs != nil {
			changes["jitter_ms"] = math.Max(0, *ev.JitterMs)
		}
		if ev.LossPct != nil {
			changes["loss_pct"] = clamp(*ev.LossPct, 0, 100)
		}
		if ev.ECN != nil {
			changes["ecn"] = *ev.ECN
		}
		if len(changes) == 0 {
			return
		}
		e.sink.LinkApply(ev.A, ev.B, changes)
	}
}

func (e *Engine) applyNode(ev Event) {
	if ev.Node == "" {
		log.Printf("[chaos] %s missing node, skipping", ev.Kind)
		return
	}
	switch ev.Kind {
	case KindNodeKill:
		e.sink.NodeApply(ev.Node, map[string]any{"down": true})
	case KindNodeRecover:
		e.sink.NodeRevert(ev.Node, []string{"down"})
	case KindPowerCap:
		cap := 0.0
		if ev.PowerCapW != nil {
			cap = *ev.PowerCapW
		}
		e.sink.NodeApply(ev.Node, map[string]any{"power_cap_w": math.Max(0, cap)})
	case KindThermalDerate:
		derate := 0.2
		if ev.ThermalDerate != nil {
			derate = *ev.ThermalDerate
		}
		e.sink.NodeApply(ev.Node, map[string]any{"thermal_derate": clamp(derate, 0, 1)})
	case KindClockSkew:
		skew := 50.0
		if ev.SkewMs != nil {
			skew = *ev.SkewMs
		}
		e.sink.NodeApply(ev.Node, map[string]any{"clock_skew_ms": math.Max(0, skew)})
	case KindPacketDup:
		dup := 0.1
		if ev.PacketDup != nil {
			dup = *ev.PacketDup
		}
		e.sink.NodeApply(ev.Node, map[string]any{"packet_dup": clamp(dup, 0, 1)})
	case KindPacketReorder:
		reorder := 0.1
		if ev.PacketReorder != nil {
			reorder = *ev.PacketReorder
		}
		e.sink.NodeApply(ev.Node, map[string]any{"packet_reorder": clamp(reorder, 0, 1)})
	}
}

func (e *Engine) applyGroup(ev Event) {
	switch ev.Kind {
	case KindZoneBlackout:
		label := ev.Label
		if label == "" {
			label = "zone"
		}
		nodes := e.nodesFor(label, ev.Value)
		if len(nodes) == 0 {
			log.Printf("[chaos] zone_blackout %s=%s matched no nodes, skipping", label, ev.Value)
			return
		}
		for _, node := range nodes {
			e.sink.NodeApply(node, map[string]any{"down": true})
		}
	case KindZoneRecover:
		label := ev.Label
		if label == "" {
			label = "zone"
		}
		for _, node := range e.nodesFor(label, ev.Value) {
			e.sink.NodeRevert(node, []string{"down"})
		}
	case KindFederationPartition:
		e.applyFederationPartition(ev)
	}
}

func (e *Engine) applyFederationPartition(ev Event) {
	label := ev.Label
	if label == "" {
		label = "federation"
	}
	if ev.Value == "" || ev.ValueB == "" {
		log.Printf("[chaos] federation_partition missing value/value_b, skipping")
		return
	}
	groupA := e.nodesFor(label, ev.Value)
	groupB := e.nodesFor(label, ev.ValueB)
	if len(groupA) == 0 || len(groupB) == 0 {
		log.Printf("[chaos] federation_partition %s=%s/%s matched no nodes, skipping", label, ev.Value, ev.ValueB)
		return
	}

	changes := map[string]any{}
	if ev.SpeedGbps != nil {
		changes["speed_gbps"] = math.Max(0, *ev.SpeedGbps)
	}
	if ev.RTTMs != nil {
		changes["rtt_ms"] = math.Max(0, *ev.RTTMs)
	}
	if ev.JitterMs != nil {
		changes["jitter_ms"] = math.Max(0, *ev.JitterMs)
	}
	if ev.LossPct != nil {
		changes["loss_pct"] = clamp(*ev.LossPct, 0, 100)
	}
	if len(changes) == 0 {
		changes = map[string]any{"loss_pct": 12.0, "rtt_ms": 35.0}
	}

	for _, a := range groupA {
		for _, b := range groupB {
			e.sink.LinkApply(a, b, copyChanges(changes))
		}
	}
}

func (e *Engine) revertFederationPartition(ev Event) {
	label := ev.Label
	if label == "" {
		label = "federation"
	}
	fields := []string{"speed_gbps", "rtt_ms", "jitter_ms", "loss_pct"}
	groupA := e.nodesFor(label, ev.Value)
	groupB := e.nodesFor(label, ev.ValueB)
	for _, a := range groupA {
		for _, b := range groupB {
			e.sink.LinkRevert(a, b, fields)
		}
	}
}

func copyChanges(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// revertFor undoes the effect of an original (non-revert) kind. Only the
// fields that kind actually set are cleared — an additive ApplyObservation
// merge cannot express this, which is why reverts go through
// RevertNodeFields/RevertLinkFields instead.
func (e *Engine) revertFor(orig Kind, ev Event) {
	switch {
	case linkKinds[orig] && ev.A != "" && ev.B != "":
		switch orig {
		case KindLinkDown:
			e.sink.LinkRevert(ev.A, ev.B, []string{"down"})
		case KindLinkLossSpike:
			e.sink.LinkRevert(ev.A, ev.B, []string{"loss_pct"})
		case KindLinkDegrade:
			e.sink.LinkRevert(ev.A, ev.B, []string{"speed_gbps", "rtt_ms", "jitter_ms", "loss_pct", "ecn"})
		}
	case nodeKinds[orig] && ev.Node != "":
		switch orig {
		case KindNodeKill:
			e.sink.NodeRevert(ev.Node, []string{"down"})
		case KindPowerCap:
			e.sink.NodeRevert(ev.Node, []string{"power_cap_w"})
		case KindThermalDerate:
			e.sink.NodeRevert(ev.Node, []string{"thermal_derate"})
		case KindClockSkew:
			e.sink.NodeRevert(ev.Node, []string{"clock_skew_ms"})
		case KindPacketDup:
			e.sink.NodeRevert(ev.Node, []string{"packet_dup"})
		case KindPacketReorder:
			e.sink.NodeRevert(ev.Node, []string{"packet_reorder"})
		}
	case groupKinds[orig]:
		switch orig {
		case KindZoneBlackout:
			label := ev.Label
			if label == "" {
				label = "zone"
			}
			for _, node := range e.nodesFor(label, ev.Value) {
				e.sink.NodeRevert(node, []string{"down"})
			}
		case KindFederationPartition:
			e.revertFederationPartition(ev)
		}
	}
}

// Run drives the virtual-time event loop: real elapsed time is scaled by
// speed to produce virtual seconds, polled every 20ms, firing every event
// whose at_s has been reached. startOffsetS lets a scenario resume
// partway through (virtual clock starts already advanced by that much).
func (e *Engine) Run(ctx context.Context, events []Event, startOffsetS float64) {
	queue := newEventQueue(events)
	if queue.len() == 0 {
		log.Printf("[chaos] no chaos events scheduled")
		return
	}
	t0 := time.Now().Add(-time.Duration(startOffsetS / e.speed * float64(time.Second)))
	log.Printf("[chaos] running %d events at %.2fx speed", queue.len(), e.speed)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[chaos] stopped: %v", ctx.Err())
			return
		default:
		}

		ev, ok := queue.peek()
		if !ok {
			log.Printf("[chaos] schedule complete")
			return
		}
		virtualS := time.Since(t0).Seconds() * e.speed
		if virtualS+1e-6 >= ev.AtS {
			queue.pop()
			e.ApplyEvent(ev)
			continue
		}

		select {
		case <-ctx.Done():
			log.Printf("[chaos] stopped: %v", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}
