// Package state implements the Fabric Digital Twin's State Store: the
// single-writer source of truth for nodes, links, federations, and
// reservations.
//
// The pattern follows the teacher's federation/reputation trackers: a
// sync.Mutex guards every mutable map, and public methods never call one
// another while holding the lock — internal helpers carry a "Locked"
// suffix and assume the caller already holds it, since Go's sync.Mutex is
// not re-entrant.
package state

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fabricdt/dt/internal/domain"
)

// TopologyDefaults are the fallback link metrics used when an edge doesn't
// declare its own values.
type TopologyDefaults struct {
	SpeedGbps float64
	RTTMs     float64
	JitterMs  float64
	LossPct   float64
}

// DefaultTopologyDefaults mirrors the original topology document's
// conventional defaults.network block.
func DefaultTopologyDefaults() TopologyDefaults {
	return TopologyDefaults{SpeedGbps: 1, RTTMs: 5, JitterMs: 1, LossPct: 0}
}

// federationLabelPriority is the order in which node labels are consulted
// to derive a federation name: federation > zone > site > rack > region,
// else "global".
var federationLabelPriority = []string{"federation", "zone", "site", "rack", "region"}

// Store owns all mutable fabric state.
type Store struct {
	mu sync.Mutex

	nodes map[string]domain.Node
	dyn   map[string]domain.NodeDyn

	links    map[string]domain.Link // keyed by canonical LinkKey
	linkDyn  map[string]domain.LinkDyn

	defaults TopologyDefaults

	reservationSeq int64

	trust domain.TrustSource // optional; nil falls back to label trust / 0.8
}

// New creates an empty Store. Load nodes/links separately via LoadNode /
// LoadLink, or use the loader helpers in load.go.
func New(defaults TopologyDefaults) *Store {
	return &Store{
		nodes:    make(map[string]domain.Node),
		dyn:      make(map[string]domain.NodeDyn),
		links:    make(map[string]domain.Link),
		linkDyn:  make(map[string]domain.LinkDyn),
		defaults: defaults,
	}
}

// SetTrustSource wires an optional trust tracker (see internal/dt/trust).
func (s *Store) SetTrustSource(t domain.TrustSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust = t
}

// LoadNode inserts or replaces a node's static descriptor. Existing dyn
// state for that node, if any, is preserved.
func (s *Store) LoadNode(n domain.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.Name] = n
	if _, ok := s.dyn[n.Name]; !ok {
		s.dyn[n.Name] = domain.NodeDyn{Reservations: make(map[string]domain.NodeReservation)}
	}
}

// LoadLink inserts or replaces a link's static descriptor, canonicalizing
// its key.
func (s *Store) LoadLink(l domain.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.LinkKey(l.A, l.B)
	s.links[key] = l
	if _, ok := s.linkDyn[key]; !ok {
		s.linkDyn[key] = domain.LinkDyn{}
	}
}

// ─── Effective capacity ─────────────────────────────────────────────────────

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// effectiveCapacityLocked computes a node's derived free capacity. Caller
// must hold s.mu.
func (s *Store) effectiveCapacityLocked(name string) domain.EffectiveCapacity {
	n := s.nodes[name]
	d := s.dyn[name]

	derate := n.Health.ThermalDerate
	if d.ThermalDerate != nil {
		derate = *d.ThermalDerate
	}
	derate = clamp01(derate)

	effCPU := n.Capacity.CPUCores * (1 - derate)
	freeCPU := math.Max(0, effCPU-d.UsedCPUCores)
	freeMem := math.Max(0, n.Capacity.RAMGB-d.UsedMemGB)
	freeVRAM := math.Max(0, n.Capacity.GPUVRAMGB-d.UsedGPUVRAMGB)

	return domain.EffectiveCapacity{
		FreeCPUCores: freeCPU,
		FreeMemGB:    freeMem,
		FreeVRAMGB:   freeVRAM,
		EffectiveCPU: effCPU * n.Capacity.CPUBaseGHz,
	}
}

// ─── Federation derivation ──────────────────────────────────────────────────

func federationOf(n domain.Node) string {
	candidates := map[string]string{
		"federation": n.Labels.Federation,
		"zone":       n.Labels.Zone,
		"site":       n.Labels.Site,
		"rack":       n.Labels.Rack,
		"region":     n.Labels.Region,
	}
	for _, key := range federationLabelPriority {
		if v := candidates[key]; v != "" {
			return v
		}
	}
	return "global"
}

// ─── Reserve / Release ──────────────────────────────────────────────────────

const reserveEpsilon = 1e-9

// Reserve atomically reserves resources on a node. Returns ("", false) if
// the node is missing, down, or any requested resource exceeds current
// effective free capacity — this is an expected refusal, not an error.
func (s *Store) Reserve(req domain.ReserveRequest) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[req.Node]
	if !ok {
		return "", false
	}
	d := s.dyn[req.Node]
	if d.Down {
		return "", false
	}

	eff := s.effectiveCapacityLocked(req.Node)
	if eff.FreeCPUCores+reserveEpsilon < req.CPUCores {
		return "", false
	}
	if eff.FreeMemGB+reserveEpsilon < req.MemGB {
		return "", false
	}
	if eff.FreeVRAMGB+reserveEpsilon < req.GPUVRAMGB {
		return "", false
	}
	_ = n

	s.reservationSeq++
	id := fmt.Sprintf("res-%07d", s.reservationSeq)

	d.UsedCPUCores += req.CPUCores
	d.UsedMemGB += req.MemGB
	d.UsedGPUVRAMGB += req.GPUVRAMGB
	if d.Reservations == nil {
		d.Reservations = make(map[string]domain.NodeReservation)
	}
	d.Reservations[id] = domain.NodeReservation{
		CPUCores:  req.CPUCores,
		MemGB:     req.MemGB,
		GPUVRAMGB: req.GPUVRAMGB,
		TSMillis:  time.Now().UnixMilli(),
	}
	s.dyn[req.Node] = d
	return id, true
}

// Release removes a reservation and returns the node's used_* to the
// pre-Reserve amounts (clamped at zero). Returns false for an unknown
// (node, reservationID) pair — idempotent on double-release.
func (s *Store) Release(node, reservationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dyn[node]
	if !ok {
		return false
	}
	res, ok := d.Reservations[reservationID]
	if !ok {
		return false
	}
	delete(d.Reservations, reservationID)
	d.UsedCPUCores = math.Max(0, d.UsedCPUCores-res.CPUCores)
	d.UsedMemGB = math.Max(0, d.UsedMemGB-res.MemGB)
	d.UsedGPUVRAMGB = math.Max(0, d.UsedGPUVRAMGB-res.GPUVRAMGB)
	s.dyn[node] = d
	return true
}

// ─── Observations ───────────────────────────────────────────────────────────

// ApplyObservation merges a partial dyn update for one node or one link.
// Unknown keys in Changes are ignored. A field absent from Changes is
// never treated as "reset" — merge is additive, field by field.
func (s *Store) ApplyObservation(payload domain.ObservationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch payload.Type {
	case "node":
		if payload.Node == "" {
			return domain.ErrMalformedObservation
		}
		d := s.dyn[payload.Node]
		mergeNodeDyn(&d, payload.Changes)
		s.dyn[payload.Node] = d
		return nil
	case "link":
		if payload.A == "" || payload.B == "" {
			return domain.ErrMalformedObservation
		}
		key := domain.LinkKey(payload.A, payload.B)
		d := s.linkDyn[key]
		mergeLinkDyn(&d, payload.Changes)
		s.linkDyn[key] = d
		if _, ok := s.links[key]; !ok {
			s.links[key] = domain.Link{A: payload.A, B: payload.B}
		}
		return nil
	default:
		return domain.ErrMalformedObservation
	}
}

func safeFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	default:
		return def
	}
}

func mergeNodeDyn(d *domain.NodeDyn, changes map[string]any) {
	if v, ok := changes["down"].(bool); ok {
		d.Down = v
	}
	if v, ok := changes["thermal_derate"]; ok {
		f := safeFloat(v, 0)
		d.ThermalDerate = &f
	}
	if v, ok := changes["power_cap_w"]; ok {
		f := safeFloat(v, 0)
		d.PowerCapW = &f
	}
	if v, ok := changes["clock_skew_ms"]; ok {
		f := safeFloat(v, 0)
		d.ClockSkewMs = &f
	}
	if v, ok := changes["packet_dup"]; ok {
		f := safeFloat(v, 0)
		d.PacketDup = &f
	}
	if v, ok := changes["packet_reorder"]; ok {
		f := safeFloat(v, 0)
		d.PacketReorder = &f
	}
}

func mergeLinkDyn(d *domain.LinkDyn, changes map[string]any) {
	if v, ok := changes["down"].(bool); ok {
		d.Down = v
	}
	if v, ok := changes["speed_gbps"]; ok {
		f := safeFloat(v, 0)
		d.SpeedGbps = &f
	}
	if v, ok := changes["rtt_ms"]; ok {
		f := safeFloat(v, 0)
		d.RTTMs = &f
	}
	if v, ok := changes["jitter_ms"]; ok {
		f := safeFloat(v, 0)
		d.JitterMs = &f
	}
	if v, ok := changes["loss_pct"]; ok {
		f := safeFloat(v, 0)
		d.LossPct = &f
	}
	if v, ok := changes["ecn"].(bool); ok {
		d.ECN = &v
	}
}

// RevertNodeFields removes exactly the named fields from a node's dyn
// override, used by the Chaos Scheduler's synthetic revert events.
func (s *Store) RevertNodeFields(node string, fields []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dyn[node]
	for _, f := range fields {
		switch f {
		case "down":
			d.Down = false
		case "thermal_derate":
			d.ThermalDerate = nil
		case "power_cap_w":
			d.PowerCapW = nil
		case "clock_skew_ms":
			d.ClockSkewMs = nil
		case "packet_dup":
			d.PacketDup = nil
		case "packet_reorder":
			d.PacketReorder = nil
		}
	}
	s.dyn[node] = d
}

// RevertLinkFields removes exactly the named fields from a link's dyn
// override.
func (s *Store) RevertLinkFields(a, b string, fields []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.LinkKey(a, b)
	d := s.linkDyn[key]
	for _, f := range fields {
		switch f {
		case "down":
			d.Down = false
		case "speed_gbps":
			d.SpeedGbps = nil
		case "rtt_ms":
			d.RTTMs = nil
		case "jitter_ms":
			d.JitterMs = nil
		case "loss_pct":
			d.LossPct = nil
		case "ecn":
			d.ECN = nil
		}
	}
	s.linkDyn[key] = d
}

// ─── Effective link metrics ─────────────────────────────────────────────────

// EffectiveLinkBetween returns explicit link metrics if a link between a
// and b is declared; otherwise it returns the topology defaults for speed,
// rtt, jitter and loss. Per-node network speeds or latencies are not
// consulted.
func (s *Store) EffectiveLinkBetween(a, b string) domain.LinkMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveLinkLocked(a, b)
}

func (s *Store) effectiveLinkLocked(a, b string) domain.LinkMetrics {
	if a == b {
		return domain.LinkMetrics{SpeedGbps: math.Inf(1)}
	}
	key := domain.LinkKey(a, b)
	if link, ok := s.links[key]; ok {
		return s.effectiveForLinkLocked(link)
	}
	return domain.LinkMetrics{
		SpeedGbps: s.defaults.SpeedGbps,
		RTTMs:     s.defaults.RTTMs,
		JitterMs:  s.defaults.JitterMs,
		LossPct:   s.defaults.LossPct,
	}
}

func (s *Store) effectiveForLinkLocked(l domain.Link) domain.LinkMetrics {
	key := domain.LinkKey(l.A, l.B)
	d := s.linkDyn[key]
	m := l.Metrics
	if m.SpeedGbps == 0 {
		m.SpeedGbps = s.defaults.SpeedGbps
	}
	if m.RTTMs == 0 {
		m.RTTMs = s.defaults.RTTMs
	}
	if m.JitterMs == 0 {
		m.JitterMs = s.defaults.JitterMs
	}
	if d.SpeedGbps != nil {
		m.SpeedGbps = *d.SpeedGbps
	}
	if d.RTTMs != nil {
		m.RTTMs = *d.RTTMs
	}
	if d.JitterMs != nil {
		m.JitterMs = *d.JitterMs
	}
	if d.LossPct != nil {
		m.LossPct = *d.LossPct
	}
	if d.ECN != nil {
		m.ECN = *d.ECN
	}
	return m
}

func (s *Store) linkDownLocked(key string) bool {
	return s.linkDyn[key].Down
}

// LinkDown reports whether the link between a and b (or either endpoint's
// node) has been marked down, either directly or via an undeclared edge
// whose endpoint is down. Planners and the cost model use this alongside
// EffectiveLinkBetween to resolve transfer_time_ms to +Inf.
func (s *Store) LinkDown(a, b string) bool {
	if a == b {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dyn[a].Down || s.dyn[b].Down {
		return true
	}
	return s.linkDownLocked(domain.LinkKey(a, b))
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

// Snapshot returns a deep-copied, point-in-time view of the fabric.
// Mutating the returned structure never affects Store state.
func (s *Store) Snapshot() domain.SnapshotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make(map[string]domain.NodeView, len(s.nodes))
	nodeFederation := make(map[string]string, len(s.nodes))
	for name, n := range s.nodes {
		fed := federationOf(n)
		nodeFederation[name] = fed
		nodes[name] = domain.NodeView{
			Node:      n,
			Dyn:       s.dyn[name].Clone(),
			Effective: s.effectiveCapacityLocked(name),
		}
	}

	links := make(map[string]domain.LinkView, len(s.links))
	for key, l := range s.links {
		links[key] = domain.LinkView{
			Link:      l,
			Dyn:       s.linkDyn[key].Clone(),
			Effective: s.effectiveForLinkLocked(l),
		}
	}

	federations, crossLinks := s.aggregateFederationsLocked(nodeFederation)

	return domain.SnapshotView{
		Nodes:           nodes,
		Links:           links,
		Federations:     federations,
		FederationLinks: crossLinks,
		NodeFederation:  nodeFederation,
		TSMillis:        time.Now().UnixMilli(),
	}
}

// aggregateFederationsLocked computes per-federation aggregates and
// cross-federation link buckets. Caller must hold s.mu.
func (s *Store) aggregateFederationsLocked(nodeFederation map[string]string) (map[string]domain.FederationAggregate, map[string]domain.CrossFederationLink) {
	agg := make(map[string]domain.FederationAggregate)

	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	trustSum := make(map[string]float64)

	for _, name := range names {
		n := s.nodes[name]
		fed := nodeFederation[name]
		a := agg[fed]
		a.Name = fed
		a.NodeCount++

		eff := s.effectiveCapacityLocked(name)
		a.TotalCPUCores += n.Capacity.CPUCores
		a.FreeCPUCores += eff.FreeCPUCores
		a.TotalMemGB += n.Capacity.RAMGB
		a.FreeMemGB += eff.FreeMemGB
		a.TotalVRAMGB += n.Capacity.GPUVRAMGB
		a.FreeVRAMGB += eff.FreeVRAMGB

		d := s.dyn[name]
		if d.Down {
			a.DownNodes++
		}
		derate := n.Health.ThermalDerate
		if d.ThermalDerate != nil {
			derate = *d.ThermalDerate
		}
		if derate >= 0.25 {
			a.HotNodes++
		}
		a.ReservationCount += len(d.Reservations)

		trust := n.Labels.Trust
		if trust == 0 {
			trust = 0.8
		}
		if s.trust != nil {
			if v, ok := s.trust.Trust(name); ok {
				trust = v
			}
		}
		trustSum[fed] += trust

		agg[fed] = a
	}

	for fed, a := range agg {
		if a.TotalCPUCores > 0 {
			a.LoadFactor = (a.TotalCPUCores - a.FreeCPUCores) / a.TotalCPUCores
		}
		if a.NodeCount > 0 {
			a.AvgTrust = trustSum[fed] / float64(a.NodeCount)
		}
		agg[fed] = a
	}

	crossLinks := make(map[string]domain.CrossFederationLink)
	type accum struct {
		count       int
		minSpeed    float64
		maxLoss     float64
		rttSum      float64
		down        int
	}
	accums := make(map[string]*accum)

	for key, l := range s.links {
		fa := nodeFederation[l.A]
		fb := nodeFederation[l.B]
		if fa == "" || fb == "" || fa == fb {
			continue
		}
		bucketKey := fa + "<->" + fb
		if fb < fa {
			bucketKey = fb + "<->" + fa
		}
		ac, ok := accums[bucketKey]
		if !ok {
			ac = &accum{minSpeed: math.Inf(1)}
			accums[bucketKey] = ac
		}
		m := s.effectiveForLinkLocked(l)
		ac.count++
		if m.SpeedGbps < ac.minSpeed {
			ac.minSpeed = m.SpeedGbps
		}
		if m.LossPct > ac.maxLoss {
			ac.maxLoss = m.LossPct
		}
		ac.rttSum += m.RTTMs
		if s.linkDownLocked(key) {
			ac.down++
		}
	}

	for bucketKey, ac := range accums {
		parts := splitBucketKey(bucketKey)
		avgRTT := 0.0
		if ac.count > 0 {
			avgRTT = ac.rttSum / float64(ac.count)
		}
		crossLinks[bucketKey] = domain.CrossFederationLink{
			FederationA:  parts[0],
			FederationB:  parts[1],
			MinSpeedGbps: ac.minSpeed,
			MaxLossPct:   ac.maxLoss,
			AvgRTTMs:     avgRTT,
			DownLinks:    ac.down,
		}
	}

	return agg, crossLinks
}

func splitBucketKey(k string) [2]string {
	for i := 0; i+3 < len(k); i++ {
		if k[i:i+3] == "<->" {
			return [2]string{k[:i], k[i+3:]}
		}
	}
	return [2]string{k, ""}
}

// NodesByName returns a stable-sorted list of node names currently loaded.
// Planners iterate in this order so tie-break behavior ("first-encountered
// winner") is deterministic across runs.
func (s *Store) NodesByName() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
