package cli

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/fabricdt/dt/internal/config"
	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/bandit"
	"github.com/fabricdt/dt/internal/dt/costmodel"
	"github.com/fabricdt/dt/internal/dt/federation"
	"github.com/fabricdt/dt/internal/dt/liveness"
	"github.com/fabricdt/dt/internal/dt/state"
	"github.com/fabricdt/dt/internal/dt/trust"
)

// loadConfig reads the --config file, falling back to DefaultConfig() if
// the file is absent (so a first run needs no config file on disk).
func loadConfig() (config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

// buildStore loads nodes and topology per cfg.Store, per the store
// package's own loader conventions (LoadNodesDir, LoadTopologyFile).
func buildStore(cfg config.Config) (*state.Store, error) {
	s := state.New(state.DefaultTopologyDefaults())
	if cfg.Store.NodesDir != "" {
		if err := s.LoadNodesDir(cfg.Store.NodesDir); err != nil {
			return nil, fmt.Errorf("load nodes: %w", err)
		}
	}
	if cfg.Store.TopologyFile != "" {
		if _, err := os.Stat(cfg.Store.TopologyFile); err == nil {
			if err := s.LoadTopologyFile(cfg.Store.TopologyFile); err != nil {
				return nil, fmt.Errorf("load topology: %w", err)
			}
		}
	}
	return s, nil
}

// ambientComponents bundles the optional shared singletons every planning
// path wires through internal/dt/orchestrator.
type ambientComponents struct {
	chooser *bandit.Chooser
	trust   *trust.Tracker
	sharing *federation.Registry
}

func buildAmbientComponents() ambientComponents {
	return ambientComponents{
		chooser: bandit.New(bandit.DefaultConfig()),
		trust:   trust.New(),
		sharing: federation.New(),
	}
}

func costConfigFromDefaults() costmodel.Config {
	return costmodel.DefaultConfig()
}

// defaultProber simulates a probe's outcome from a node's declared trust
// label: a node with no real network to ping still has a known
// reliability signal, so probing it weighs a failure by (1-trust) instead
// of always succeeding.
func defaultProber(store domain.Store) liveness.Prober {
	return func(ctx context.Context, node string) error {
		snap := store.Snapshot()
		nv, ok := snap.Nodes[node]
		if !ok {
			return fmt.Errorf("liveness: unknown node %q", node)
		}
		trust := nv.Labels.Trust
		if trust <= 0 {
			trust = 0.95
		}
		if rand.Float64() > trust {
			return fmt.Errorf("liveness: probe failed for node %q", node)
		}
		return nil
	}
}
