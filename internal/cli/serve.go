package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabricdt/dt/internal/api"
	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/chaos"
	"github.com/fabricdt/dt/internal/dt/liveness"
	"github.com/fabricdt/dt/internal/infra/observability"
	"github.com/fabricdt/dt/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("chaos-topology", "", "if set, also runs this topology's base chaos events alongside the HTTP surface")
	serveCmd.Flags().String("chaos-scenario", "", "named scenario to layer onto --chaos-topology")
	serveCmd.Flags().Bool("no-liveness", false, "disable the background node-liveness prober")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fabric digital twin's HTTP surface",
	Long: `Start the HTTP API, the override-file watcher, and (when the config
enables it) the advisory sqlite checkpoint loop, optionally alongside a
chaos scenario running against the same live state.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	chaosTopology, _ := cmd.Flags().GetString("chaos-topology")
	chaosScenario, _ := cmd.Flags().GetString("chaos-scenario")
	noLiveness, _ := cmd.Flags().GetBool("no-liveness")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	ambient := buildAmbientComponents()
	tracer := observability.NewTracer(observability.TracerConfig{Enabled: cfg.Observability.TracingEnabled, MaxSpans: cfg.Observability.MaxSpans})

	server := api.NewServer(store, costConfigFromDefaults(), ambient.chooser, ambient.trust, ambient.sharing, tracer)
	if cfg.API.MetricsEnabled {
		server.EnableMetrics()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Store.OverridesFile != "" {
		go store.WatchOverrides(ctx, cfg.Store.OverridesFile, cfg.Store.WatchIntervalDuration())
	}

	sink := chaos.NewSink(store, store, cfg.Store.OverridesFile, cfg.Chaos.ObserveURL)

	if chaosTopology != "" {
		doc, err := chaos.LoadTopologyChaosFile(chaosTopology)
		if err != nil {
			return fmt.Errorf("load chaos topology: %w", err)
		}
		events, err := chaos.CollectEvents(doc, chaosScenario)
		if err != nil {
			return fmt.Errorf("resolve chaos scenario: %w", err)
		}
		engine := chaos.NewEngine(sink, cfg.Chaos.Speed, store)
		go engine.Run(ctx, events, 0)
	}

	if !noLiveness {
		snap := store.Snapshot()
		nodeNames := make([]string, 0, len(snap.Nodes))
		for name := range snap.Nodes {
			nodeNames = append(nodeNames, name)
		}
		livenessCfg := liveness.DefaultConfig()
		monitor := liveness.New(livenessCfg, nodeNames, defaultProber(store), sink)
		go monitor.Run(ctx)
		go reportLivenessState(ctx, monitor, nodeNames, livenessCfg.Interval)
	}

	var db *sqlite.DB
	if cfg.Checkpoint.Enabled {
		db, err = sqlite.Open(cfg.Checkpoint.DBPath)
		if err != nil {
			return fmt.Errorf("open checkpoint db: %w", err)
		}
		defer db.Close()
		go runCheckpointLoop(ctx, db, store, cfg.Checkpoint.IntervalDuration())
	}

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("dtctl: serving on %s", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// runCheckpointLoop mirrors live reservations and federation summaries into
// sqlite on a fixed interval until ctx is cancelled. Failures are logged and
// skipped: checkpointing is advisory and never holds up the fabric's hot path.
func runCheckpointLoop(ctx context.Context, db *sqlite.DB, store domain.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CheckpointSnapshot(store.Snapshot()); err != nil {
				log.Printf("dtctl: checkpoint failed: %v", err)
			}
		}
	}
}

// reportLivenessState mirrors a liveness Monitor's per-node classification
// into the node_state gauge on the same cadence the monitor probes at.
func reportLivenessState(ctx context.Context, monitor *liveness.Monitor, nodes []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, node := range nodes {
				observability.NodeLivenessState.WithLabelValues(node).Set(float64(monitor.State(node)))
			}
		}
	}
}
