package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "chengis",
	Short: "chengis — a build execution engine",
	Long: `chengis runs pipelines against jobs: stages, steps, approval gates,
policy checks, caching, provenance, and deployment promotion.

All state is stored in ~/.chengis/ (SQLite). Configuration is read from
./chengis.yaml or ~/.chengis/config.yaml.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(iacCmd)
	rootCmd.AddCommand(analyticsCmd)
}
