// Package chaos implements the Fabric Digital Twin's Chaos Scheduler: a
// virtual-time event loop that applies and reverts fault-injection
// overrides (link degradation, node kills, zone blackouts, federation
// partitions) against a Store, mirroring the fabric's real failure modes
// for testing planners under stress.
package chaos

// Kind names one event type. Grouped into link/node/group kinds, plus a
// synthetic "__revert__::<kind>" marker injected for bounded-duration
// events.
type Kind string

const (
	KindLinkDegrade   Kind = "link_degrade"
	KindLinkLossSpike Kind = "link_loss_spike"
	KindLinkDown      Kind = "link_down"
	KindLinkUp        Kind = "link_up"

	KindNodeKill       Kind = "node_kill"
	KindNodeRecover    Kind = "node_recover"
	KindPowerCap       Kind = "power_cap"
	KindThermalDerate  Kind = "thermal_derate"
	KindClockSkew      Kind = "clock_skew"
	KindPacketDup      Kind = "packet_dup"
	KindPacketReorder  Kind = "packet_reorder"

	KindZoneBlackout        Kind = "zone_blackout"
	KindZoneRecover         Kind = "zone_recover"
	KindFederationPartition Kind = "federation_partition"

	revertPrefix = "__revert__::"
)

var linkKinds = map[Kind]bool{
	KindLinkDegrade: true, KindLinkLossSpike: true, KindLinkDown: true, KindLinkUp: true,
}
var nodeKinds = map[Kind]bool{
	KindNodeKill: true, KindNodeRecover: true, KindPowerCap: true, KindThermalDerate: true,
	KindClockSkew: true, KindPacketDup: true, KindPacketReorder: true,
}
var groupKinds = map[Kind]bool{
	KindZoneBlackout: true, KindZoneRecover: true, KindFederationPartition: true,
}

func revertKind(k Kind) Kind { return Kind(revertPrefix) + k }

func isRevert(k Kind) (Kind, bool) {
	s := string(k)
	if len(s) > len(revertPrefix) && s[:len(revertPrefix)] == revertPrefix {
		return Kind(s[len(revertPrefix):]), true
	}
	return "", false
}

func isBoundable(k Kind) bool {
	return linkKinds[k] || nodeKinds[k] || groupKinds[k]
}

// Event is one scheduled chaos action, expressed in virtual seconds from
// scenario start.
type Event struct {
	AtS       float64
	Kind      Kind
	DurationS float64

	A, B, Node     string
	Label, Value   string
	ValueB         string

	SpeedGbps *float64
	RTTMs     *float64
	JitterMs  *float64
	LossPct   *float64
	ECN       *bool

	PowerCapW     *float64
	ThermalDerate *float64
	SkewMs        *float64
	PacketDup     *float64
	PacketReorder *float64
}

// EndTime returns the event's revert time and whether it is bounded.
func (e Event) EndTime() (float64, bool) {
	if e.DurationS > 0 {
		return e.AtS + e.DurationS, true
	}
	return 0, false
}

// syntheticRevert builds the implicit revert marker emitted for a bounded
// event: same identity fields, fired at end-time, carrying no modifier
// values (reverts only need identity + the original kind).
func (e Event) syntheticRevert(endS float64) Event {
	return Event{
		AtS: endS, Kind: revertKind(e.Kind),
		A: e.A, B: e.B, Node: e.Node, Label: e.Label, Value: e.Value, ValueB: e.ValueB,
	}
}
