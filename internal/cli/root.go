// Package cli implements dtctl, the fabric digital twin's command-line
// surface: serve, plan, chaos, and snapshot subcommands over a cobra
// command tree, in the same Use/Short/Long/RunE/Flags().StringP shape the
// teacher's agent command tree used.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dtctl",
	Short: "Operate a fabric digital twin",
	Long: `dtctl drives a Fabric Digital Twin: a simulated heterogeneous compute
fabric with a state store, cost-based planners, and a virtual-time chaos
scheduler. Use "dtctl serve" to run the HTTP surface, "dtctl plan" to score
a job against the current fabric snapshot, "dtctl chaos" to run a fault
scenario, and "dtctl snapshot" to inspect current fabric state.`,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dt.toml", "path to the TOML configuration file")
}

// Execute runs dtctl, returning the exit code the caller's main() should use:
// 0 on success, 2 when the chaos subcommand fails (unknown scenario or
// missing inputs), 1 for any other error.
func Execute() int {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if cmd == chaosCmd {
			return 2
		}
		return 1
	}
	return 0
}
