package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabricdt/dt/internal/dt/chaos"
)

func init() {
	rootCmd.AddCommand(chaosCmd)
	chaosCmd.Flags().String("topology", "", "path to the topology file (chaos/scenarios section)")
	chaosCmd.Flags().String("scenario", "", "named scenario to layer on top of the topology's base chaos events")
	chaosCmd.Flags().Float64("speed", 1.0, "virtual-time multiplier (events at_s=10 fire after 10/speed wall-clock seconds)")
	chaosCmd.Flags().Bool("dry-run", false, "print the resolved event schedule without applying it")
	chaosCmd.Flags().Bool("run", false, "apply the resolved event schedule against the fabric")
	chaosCmd.Flags().String("overrides", "", "disk path the chaos sink atomically rewrites after each change")
	chaosCmd.Flags().String("nodes", "", "directory of node descriptor files (overrides the config file's store.nodes_dir)")
	chaosCmd.Flags().String("observe", "", "optional HTTP endpoint the chaos sink pushes each change to")
	chaosCmd.MarkFlagRequired("topology")
}

var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "Run a chaos scenario against the fabric",
	Long: `Resolve a topology's base chaos events plus an optional named scenario
into a single time-ordered schedule, then either print it (--dry-run) or
apply it against the fabric in virtual time (--run).`,
	RunE: runChaos,
}

func runChaos(cmd *cobra.Command, args []string) error {
	topologyPath, _ := cmd.Flags().GetString("topology")
	scenario, _ := cmd.Flags().GetString("scenario")
	speed, _ := cmd.Flags().GetFloat64("speed")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	run, _ := cmd.Flags().GetBool("run")
	overridesPath, _ := cmd.Flags().GetString("overrides")
	nodesDir, _ := cmd.Flags().GetString("nodes")
	observeURL, _ := cmd.Flags().GetString("observe")

	if dryRun == run {
		return fmt.Errorf("exactly one of --dry-run or --run must be set")
	}

	doc, err := chaos.LoadTopologyChaosFile(topologyPath)
	if err != nil {
		return err
	}
	events, err := chaos.CollectEvents(doc, scenario)
	if err != nil {
		return err
	}

	if dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if nodesDir != "" {
		cfg.Store.NodesDir = nodesDir
	}
	cfg.Store.TopologyFile = topologyPath
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	if overridesPath == "" {
		overridesPath = cfg.Store.OverridesFile
	}

	sink := chaos.NewSink(store, store, overridesPath, observeURL)
	engine := chaos.NewEngine(sink, speed, store)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stdout, "running %d chaos events at %gx speed (ctrl-C to stop early)\n", len(events), speed)
	engine.Run(ctx, events, 0)
	fmt.Fprintln(os.Stdout, "chaos run complete")
	return nil
}
