// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

// ─── Node ───────────────────────────────────────────────────────────────────

// NodeCapacity holds a node's declared (static) resource capacity.
type NodeCapacity struct {
	CPUCores     float64 `json:"cpu_cores"`
	CPUBaseGHz   float64 `json:"cpu_base_ghz"`
	RAMGB        float64 `json:"ram_gb"`
	GPUVRAMGB    float64 `json:"gpu_vram_gb"`
	GPUAccelScore float64 `json:"gpu_accel_score"`
	NPUTops      float64 `json:"npu_tops"`
	TDPWatts     float64 `json:"tdp_w"`
}

// NodeHealth holds static health descriptors loaded with the node descriptor.
type NodeHealth struct {
	ThermalDerate    float64 `json:"thermal_derate"`
	LastWeekCrashes  int     `json:"last_week_crashes"`
	SSDWearPct       float64 `json:"ssd_wear_pct"`
}

// NodeLabels carries the locality/administrative labels used for federation
// derivation and trust lookup.
type NodeLabels struct {
	Federation string  `json:"federation,omitempty"`
	Zone       string  `json:"zone,omitempty"`
	Site       string  `json:"site,omitempty"`
	Region     string  `json:"region,omitempty"`
	Rack       string  `json:"rack,omitempty"`
	Trust      float64 `json:"trust,omitempty"`
}

// NodeReservation is a single outstanding reservation recorded on a node.
type NodeReservation struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemGB     float64 `json:"mem_gb"`
	GPUVRAMGB float64 `json:"gpu_vram_gb"`
	TSMillis  int64   `json:"ts_ms"`
}

// NodeDyn is the mutable runtime subset of a node's state. Overrides and
// observations only ever touch this struct, never the static descriptor.
type NodeDyn struct {
	Down          bool    `json:"down"`
	ThermalDerate *float64 `json:"thermal_derate,omitempty"`
	PowerCapW     *float64 `json:"power_cap_w,omitempty"`
	ClockSkewMs   *float64 `json:"clock_skew_ms,omitempty"`
	PacketDup     *float64 `json:"packet_dup,omitempty"`
	PacketReorder *float64 `json:"packet_reorder,omitempty"`

	UsedCPUCores  float64 `json:"used_cpu_cores"`
	UsedMemGB     float64 `json:"used_mem_gb"`
	UsedGPUVRAMGB float64 `json:"used_gpu_vram_gb"`

	Reservations map[string]NodeReservation `json:"reservations"`
}

// Clone returns a deep copy of the dyn subset.
func (d NodeDyn) Clone() NodeDyn {
	out := d
	if d.ThermalDerate != nil {
		v := *d.ThermalDerate
		out.ThermalDerate = &v
	}
	if d.PowerCapW != nil {
		v := *d.PowerCapW
		out.PowerCapW = &v
	}
	if d.ClockSkewMs != nil {
		v := *d.ClockSkewMs
		out.ClockSkewMs = &v
	}
	if d.PacketDup != nil {
		v := *d.PacketDup
		out.PacketDup = &v
	}
	if d.PacketReorder != nil {
		v := *d.PacketReorder
		out.PacketReorder = &v
	}
	out.Reservations = make(map[string]NodeReservation, len(d.Reservations))
	for k, v := range d.Reservations {
		out.Reservations[k] = v
	}
	return out
}

// Node is the static descriptor for one fabric node.
type Node struct {
	Name             string       `json:"name"`
	Arch             string       `json:"arch"`
	Class            string       `json:"class"`
	FormatsSupported []string     `json:"formats_supported"`
	Labels           NodeLabels   `json:"labels"`
	Capacity         NodeCapacity `json:"cpu_gpu_capacity"`
	Health           NodeHealth   `json:"health"`
}

// CPUUnits is the derived compute-capacity unit: cores * base clock.
func (n Node) CPUUnits() float64 {
	return n.Capacity.CPUCores * n.Capacity.CPUBaseGHz
}

// EffectiveCapacity is the derived, derate- and reservation-adjusted free
// capacity for one node, as returned in a Snapshot.
type EffectiveCapacity struct {
	FreeCPUCores  float64 `json:"free_cpu_cores"`
	FreeMemGB     float64 `json:"free_mem_gb"`
	FreeVRAMGB    float64 `json:"free_gpu_vram_gb"`
	EffectiveCPU  float64 `json:"effective_cpu_units"`
}

// NodeView is a deep-copied, point-in-time view of one node as returned by
// Snapshot: static descriptor, dyn subset, and derived effective capacity.
type NodeView struct {
	Node
	Dyn       NodeDyn           `json:"dyn"`
	Effective EffectiveCapacity `json:"effective"`
}

// ─── Link ───────────────────────────────────────────────────────────────────

// LinkMetrics is the set of network metrics carried by both the static
// descriptor and the dyn override of a link.
type LinkMetrics struct {
	SpeedGbps float64 `json:"speed_gbps"`
	RTTMs     float64 `json:"rtt_ms"`
	JitterMs  float64 `json:"jitter_ms"`
	LossPct   float64 `json:"loss_pct"`
	ECN       bool    `json:"ecn"`
}

// LinkDyn is the mutable runtime override of a link's metrics, plus Down.
type LinkDyn struct {
	Down bool `json:"down"`

	SpeedGbps *float64 `json:"speed_gbps,omitempty"`
	RTTMs     *float64 `json:"rtt_ms,omitempty"`
	JitterMs  *float64 `json:"jitter_ms,omitempty"`
	LossPct   *float64 `json:"loss_pct,omitempty"`
	ECN       *bool    `json:"ecn,omitempty"`
}

// Clone returns a deep copy of the dyn subset.
func (d LinkDyn) Clone() LinkDyn {
	out := d
	if d.SpeedGbps != nil {
		v := *d.SpeedGbps
		out.SpeedGbps = &v
	}
	if d.RTTMs != nil {
		v := *d.RTTMs
		out.RTTMs = &v
	}
	if d.JitterMs != nil {
		v := *d.JitterMs
		out.JitterMs = &v
	}
	if d.LossPct != nil {
		v := *d.LossPct
		out.LossPct = &v
	}
	if d.ECN != nil {
		v := *d.ECN
		out.ECN = &v
	}
	return out
}

// Link is the static descriptor for one undirected topology edge.
type Link struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	Metrics LinkMetrics `json:"metrics"`
	Profile string  `json:"profile,omitempty"`
	QoSClass string `json:"qos_class,omitempty"`
	Scope   string  `json:"scope,omitempty"`
	Subnet  string  `json:"subnet,omitempty"`
}

// LinkKey returns the canonical key for the undirected pair (a, b): the
// lexicographically-ordered pair joined by "|". key(a,b) == key(b,a).
func LinkKey(a, b string) string {
	if a <= b {
		return a + "|" + b
	}
	return b + "|" + a
}

// LinkView is a deep-copied, point-in-time view of one link.
type LinkView struct {
	Link
	Dyn       LinkDyn     `json:"dyn"`
	Effective LinkMetrics `json:"effective"`
}

// ─── Federation ─────────────────────────────────────────────────────────────

// FederationAggregate summarizes one label-derived federation of nodes.
type FederationAggregate struct {
	Name            string  `json:"name"`
	NodeCount       int     `json:"node_count"`
	TotalCPUCores   float64 `json:"total_cpu_cores"`
	FreeCPUCores    float64 `json:"free_cpu_cores"`
	TotalMemGB      float64 `json:"total_mem_gb"`
	FreeMemGB       float64 `json:"free_mem_gb"`
	TotalVRAMGB     float64 `json:"total_vram_gb"`
	FreeVRAMGB      float64 `json:"free_vram_gb"`
	DownNodes       int     `json:"down_nodes"`
	HotNodes        int     `json:"hot_nodes"`
	ReservationCount int    `json:"reservation_count"`
	LoadFactor      float64 `json:"load_factor"`
	AvgTrust        float64 `json:"avg_trust"`
	AvgLinkLoss     float64 `json:"avg_link_loss"`
}

// DownFraction returns the fraction of nodes in the federation marked down.
func (f FederationAggregate) DownFraction() float64 {
	if f.NodeCount == 0 {
		return 0
	}
	return float64(f.DownNodes) / float64(f.NodeCount)
}

// HotFraction returns the fraction of nodes with high thermal derate.
func (f FederationAggregate) HotFraction() float64 {
	if f.NodeCount == 0 {
		return 0
	}
	return float64(f.HotNodes) / float64(f.NodeCount)
}

// CrossFederationLink aggregates link health between two distinct federations.
type CrossFederationLink struct {
	FederationA string  `json:"federation_a"`
	FederationB string  `json:"federation_b"`
	MinSpeedGbps float64 `json:"min_speed_gbps"`
	MaxLossPct   float64 `json:"max_loss_pct"`
	AvgRTTMs     float64 `json:"avg_rtt_ms"`
	DownLinks    int     `json:"down_links"`
}

// ─── Job / Stage ────────────────────────────────────────────────────────────

// ResourceDemand is a stage's resource requirement.
type ResourceDemand struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemGB     float64 `json:"mem_gb"`
	GPUVRAMGB float64 `json:"gpu_vram_gb"`
}

// StageHints carries optional scheduling hints for a stage.
type StageHints struct {
	IOBound    bool    `json:"io_bound,omitempty"`
	Burstiness float64 `json:"burstiness,omitempty"`
}

// Stage is one step of a job's linear pipeline.
type Stage struct {
	ID                string         `json:"id"`
	SizeMB            float64        `json:"size_mb"`
	Resources         ResourceDemand `json:"resources"`
	AllowedFormats    []string       `json:"allowed_formats,omitempty"`
	DisallowedFormats []string       `json:"disallowed_formats,omitempty"`
	Hints             StageHints     `json:"hints,omitempty"`
}

// Job is a sequence of stages submitted to a planner.
type Job struct {
	ID          string  `json:"id"`
	DeadlineMs  float64 `json:"deadline_ms,omitempty"`
	Stages      []Stage `json:"stages"`
}

// ─── Reservation / Overrides ────────────────────────────────────────────────

// ReserveRequest is the input to State Store's Reserve operation.
type ReserveRequest struct {
	Node      string  `json:"node"`
	CPUCores  float64 `json:"cpu_cores"`
	MemGB     float64 `json:"mem_gb"`
	GPUVRAMGB float64 `json:"gpu_vram_gb"`
}

// ReservationRef names a reservation made on behalf of a planning call.
type ReservationRef struct {
	Node          string `json:"node"`
	ReservationID string `json:"reservation_id"`
}

// ObservationPayload is the external shape of one ApplyObservation call:
// {"type": "node"|"link", ...identity fields..., "changes": {...}}
type ObservationPayload struct {
	Type    string         `json:"type"`
	Node    string         `json:"node,omitempty"`
	A       string         `json:"a,omitempty"`
	B       string         `json:"b,omitempty"`
	Changes map[string]any `json:"changes"`
}

// OverrideDocument is the on-disk JSON shape written by WriteOverrides and
// consumed by the watcher and by the Chaos Scheduler's Overrides sink.
type OverrideDocument struct {
	Nodes map[string]NodeDyn `json:"nodes"`
	Links map[string]LinkDyn `json:"links"`
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// SnapshotView is the deep-copied, point-in-time view returned by Snapshot.
// Mutating it must never affect State Store state.
type SnapshotView struct {
	Nodes              map[string]NodeView             `json:"nodes"`
	Links              map[string]LinkView             `json:"links"`
	Federations        map[string]FederationAggregate  `json:"federations"`
	FederationLinks    map[string]CrossFederationLink   `json:"federation_links"`
	NodeFederation     map[string]string               `json:"node_federation"`
	TSMillis           int64                            `json:"ts_ms"`
}

