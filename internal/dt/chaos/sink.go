package chaos

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/fabricdt/dt/internal/domain"
)

// OverridesWriter is implemented by the State Store to persist the
// current dyn-override state to disk as an OverrideDocument. Optional —
// a Sink built without one simply skips the disk checkpoint.
type OverridesWriter interface {
	WriteOverrides(path string) error
}

// Sink is where the Chaos Scheduler's apply/revert calls land: the live
// Store (always), a disk checkpoint (if diskPath is set), and an optional
// HTTP push to a DT observe endpoint — mirroring the original engine's
// "write overrides.json, optionally also POST to --dt" behavior.
type Sink struct {
	store      domain.Store
	writer     OverridesWriter
	diskPath   string
	observeURL string
	client     *http.Client
}

// NewSink builds a Sink. writer/diskPath/observeURL may be left zero to
// disable that leg.
func NewSink(store domain.Store, writer OverridesWriter, diskPath, observeURL string) *Sink {
	return &Sink{
		store: store, writer: writer, diskPath: diskPath, observeURL: observeURL,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (s *Sink) LinkApply(a, b string, changes map[string]any) {
	if err := s.store.ApplyObservation(domain.ObservationPayload{Type: "link", A: a, B: b, Changes: changes}); err != nil {
		log.Printf("chaos: link_apply %s<->%s failed: %v", a, b, err)
	}
	s.persist()
	s.push("link", map[string]any{"a": a, "b": b, "changes": changes}, "apply")
}

func (s *Sink) LinkRevert(a, b string, fields []string) {
	s.store.RevertLinkFields(a, b, fields)
	s.persist()
	s.push("link", map[string]any{"a": a, "b": b, "fields": fields}, "revert")
}

func (s *Sink) NodeApply(node string, changes map[string]any) {
	if err := s.store.ApplyObservation(domain.ObservationPayload{Type: "node", Node: node, Changes: changes}); err != nil {
		log.Printf("chaos: node_apply %s failed: %v", node, err)
	}
	s.persist()
	s.push("node", map[string]any{"node": node, "changes": changes}, "apply")
}

func (s *Sink) NodeRevert(node string, fields []string) {
	s.store.RevertNodeFields(node, fields)
	s.persist()
	s.push("node", map[string]any{"node": node, "fields": fields}, "revert")
}

func (s *Sink) persist() {
	if s.writer == nil || s.diskPath == "" {
		return
	}
	if err := s.writer.WriteOverrides(s.diskPath); err != nil {
		log.Printf("chaos: overrides checkpoint write failed: %v", err)
	}
}

// push POSTs {"action": "apply"|"revert", "payload": {...}} to the
// observe endpoint. Failures are logged and otherwise ignored — the DT
// may simply be offline, which is not fatal to a running scenario.
func (s *Sink) push(kind string, payload map[string]any, action string) {
	if s.observeURL == "" {
		return
	}
	payload["type"] = kind
	body, err := json.Marshal(map[string]any{"action": action, "payload": payload})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.observeURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("chaos: observe push failed (DT may be offline): %v", err)
		return
	}
	resp.Body.Close()
}
