package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabricdt/dt/internal/domain"
	"github.com/fabricdt/dt/internal/dt/orchestrator"
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringP("job", "j", "", "path to a JSON job description")
	planCmd.Flags().String("strategy", "greedy", "planning strategy: greedy, resilient, network-aware, or federated")
	planCmd.Flags().Bool("dry-run", false, "score the job without reserving capacity")
	planCmd.MarkFlagRequired("job")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan a job against the current fabric snapshot",
	Long: `Read a job description and score it against the fabric's current state
using the requested planning strategy, printing the resulting assignment,
projected latency/energy/risk, and any reservations made.`,
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	jobPath, _ := cmd.Flags().GetString("job")
	strategy, _ := cmd.Flags().GetString("strategy")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	data, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("parse job file: %w", err)
	}
	if len(job.Stages) == 0 {
		return domain.ErrJobNoStages
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	ambient := buildAmbientComponents()

	o := orchestrator.New(store, costConfigFromDefaults(), ambient.chooser, ambient.trust, ambient.sharing, orchestrator.Config{Strategy: strategy})
	result := o.PlanJob(job, dryRun)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
