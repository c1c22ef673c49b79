package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fabricdt/dt/internal/domain"
)

// nodeDocument is the on-disk shape of one node descriptor file, matching
// the field names named in SPEC_FULL.md §6 except the network block, which
// is not read.
type nodeDocument struct {
	Name             string   `json:"name"`
	Arch             string   `json:"arch"`
	Class            string   `json:"class"`
	FormatsSupported []string `json:"formats_supported"`
	Labels           struct {
		Federation string  `json:"federation"`
		Zone       string  `json:"zone"`
		Site       string  `json:"site"`
		Region     string  `json:"region"`
		Rack       string  `json:"rack"`
		Trust      float64 `json:"trust"`
	} `json:"labels"`
	CPU struct {
		Cores    float64 `json:"cores"`
		BaseGHz  float64 `json:"base_ghz"`
	} `json:"cpu"`
	Memory struct {
		RAMGB float64 `json:"ram_gb"`
	} `json:"memory"`
	GPU struct {
		VRAMGB     float64 `json:"vram_gb"`
		AccelScore float64 `json:"accel_score"`
	} `json:"gpu"`
	Accelerators struct {
		NPUTops float64 `json:"npu_tops"`
	} `json:"accelerators"`
	Storage struct {
		TBWPctUsed float64 `json:"tbw_pct_used"`
	} `json:"storage"`
	Health struct {
		ThermalDerate   float64 `json:"thermal_derate"`
		LastWeekCrashes int     `json:"last_week_crashes"`
	} `json:"health"`
	Power struct {
		TDPWatts float64 `json:"tdp_w"`
	} `json:"power"`
}

func (doc nodeDocument) toNode() domain.Node {
	return domain.Node{
		Name:             doc.Name,
		Arch:             doc.Arch,
		Class:            doc.Class,
		FormatsSupported: doc.FormatsSupported,
		Labels: domain.NodeLabels{
			Federation: doc.Labels.Federation,
			Zone:       doc.Labels.Zone,
			Site:       doc.Labels.Site,
			Region:     doc.Labels.Region,
			Rack:       doc.Labels.Rack,
			Trust:      doc.Labels.Trust,
		},
		Capacity: domain.NodeCapacity{
			CPUCores:      doc.CPU.Cores,
			CPUBaseGHz:    doc.CPU.BaseGHz,
			RAMGB:         doc.Memory.RAMGB,
			GPUVRAMGB:     doc.GPU.VRAMGB,
			GPUAccelScore: doc.GPU.AccelScore,
			NPUTops:       doc.Accelerators.NPUTops,
			TDPWatts:      doc.Power.TDPWatts,
		},
		Health: domain.NodeHealth{
			ThermalDerate:   doc.Health.ThermalDerate,
			LastWeekCrashes: doc.Health.LastWeekCrashes,
			SSDWearPct:      doc.Storage.TBWPctUsed,
		},
	}
}

// LoadNodesDir reads every *.json file in dir as a node descriptor.
func (s *Store) LoadNodesDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read nodes dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Printf("state: skip node file %s: %v", e.Name(), err)
			continue
		}
		var doc nodeDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Printf("state: malformed node file %s: %v", e.Name(), err)
			continue
		}
		if doc.Name == "" {
			doc.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		s.LoadNode(doc.toNode())
	}
	return nil
}

// topologyDocument is the on-disk shape of the topology file.
type topologyDocument struct {
	Defaults struct {
		Network struct {
			SpeedGbps float64 `json:"speed_gbps"`
			RTTMs     float64 `json:"rtt_ms"`
			JitterMs  float64 `json:"jitter_ms"`
			LossPct   float64 `json:"loss_pct"`
		} `json:"network"`
	} `json:"defaults"`
	Links []struct {
		A         string  `json:"a"`
		B         string  `json:"b"`
		SpeedGbps float64 `json:"speed_gbps"`
		RTTMs     float64 `json:"rtt_ms"`
		JitterMs  float64 `json:"jitter_ms"`
		LossPct   float64 `json:"loss_pct"`
		ECN       bool    `json:"ecn"`
		Profile   string  `json:"profile"`
		QoSClass  string  `json:"qos_class"`
		Scope     string  `json:"scope"`
		Subnet    string  `json:"subnet"`
	} `json:"links"`
}

// LoadTopologyFile reads the topology document (defaults + links) from path.
func (s *Store) LoadTopologyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read topology: %w", err)
	}
	var doc topologyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse topology: %w", err)
	}

	s.mu.Lock()
	if doc.Defaults.Network.SpeedGbps > 0 {
		s.defaults.SpeedGbps = doc.Defaults.Network.SpeedGbps
	}
	if doc.Defaults.Network.RTTMs > 0 {
		s.defaults.RTTMs = doc.Defaults.Network.RTTMs
	}
	if doc.Defaults.Network.JitterMs > 0 {
		s.defaults.JitterMs = doc.Defaults.Network.JitterMs
	}
	s.mu.Unlock()

	for _, l := range doc.Links {
		s.LoadLink(domain.Link{
			A: l.A,
			B: l.B,
			Metrics: domain.LinkMetrics{
				SpeedGbps: l.SpeedGbps,
				RTTMs:     l.RTTMs,
				JitterMs:  l.JitterMs,
				LossPct:   l.LossPct,
				ECN:       l.ECN,
			},
			Profile:  l.Profile,
			QoSClass: l.QoSClass,
			Scope:    l.Scope,
			Subnet:   l.Subnet,
		})
	}
	return nil
}

// ─── Overrides: write + watch ───────────────────────────────────────────────

// WriteOverrides serializes the current dyn state to an OverrideDocument
// and atomically replaces the file at path (write to temp file, rename).
func (s *Store) WriteOverrides(path string) error {
	s.mu.Lock()
	doc := domain.OverrideDocument{
		Nodes: make(map[string]domain.NodeDyn, len(s.dyn)),
		Links: make(map[string]domain.LinkDyn, len(s.linkDyn)),
	}
	for name, d := range s.dyn {
		doc.Nodes[name] = d.Clone()
	}
	for key, d := range s.linkDyn {
		doc.Links[key] = d.Clone()
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyOverrideDocument merges an externally-authored override document
// into live dyn state. Missing fields never reset existing values.
func (s *Store) applyOverrideDocument(doc domain.OverrideDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, incoming := range doc.Nodes {
		d := s.dyn[name]
		mergeNodeDynFromStruct(&d, incoming)
		s.dyn[name] = d
	}
	for key, incoming := range doc.Links {
		d := s.linkDyn[key]
		mergeLinkDynFromStruct(&d, incoming)
		s.linkDyn[key] = d
	}
}

func mergeNodeDynFromStruct(d *domain.NodeDyn, incoming domain.NodeDyn) {
	d.Down = incoming.Down
	if incoming.ThermalDerate != nil {
		d.ThermalDerate = incoming.ThermalDerate
	}
	if incoming.PowerCapW != nil {
		d.PowerCapW = incoming.PowerCapW
	}
	if incoming.ClockSkewMs != nil {
		d.ClockSkewMs = incoming.ClockSkewMs
	}
	if incoming.PacketDup != nil {
		d.PacketDup = incoming.PacketDup
	}
	if incoming.PacketReorder != nil {
		d.PacketReorder = incoming.PacketReorder
	}
}

func mergeLinkDynFromStruct(d *domain.LinkDyn, incoming domain.LinkDyn) {
	d.Down = incoming.Down
	if incoming.SpeedGbps != nil {
		d.SpeedGbps = incoming.SpeedGbps
	}
	if incoming.RTTMs != nil {
		d.RTTMs = incoming.RTTMs
	}
	if incoming.JitterMs != nil {
		d.JitterMs = incoming.JitterMs
	}
	if incoming.LossPct != nil {
		d.LossPct = incoming.LossPct
	}
	if incoming.ECN != nil {
		d.ECN = incoming.ECN
	}
}

// WatchOverrides polls path at the given interval (clamped to a minimum of
// 200ms) and merges the document whenever its mtime advances. It returns
// when ctx is cancelled.
func (s *Store) WatchOverrides(ctx context.Context, path string, interval time.Duration) {
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}
	var lastMod time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue // transient I/O warning: previous state retained
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				log.Printf("state: override read failed: %v", err)
				continue
			}
			var doc domain.OverrideDocument
			if err := json.Unmarshal(data, &doc); err != nil {
				log.Printf("state: override parse failed: %v", err)
				continue
			}
			s.applyOverrideDocument(doc)
			lastMod = info.ModTime()
		}
	}
}
