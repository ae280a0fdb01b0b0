package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chengis/chengis/internal/background"
	"github.com/chengis/chengis/internal/db"
	"github.com/spf13/cobra"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show per-job build statistics",
	Long: `Aggregate success rate and average duration over every job's terminal
builds and print one line per job.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := background.NewAnalytics(env.db).Aggregate(context.Background(), env.cfg.OrgID)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		if len(stats) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
			return nil
		}
		for _, s := range stats {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s builds=%-4d success=%5.1f%% avg=%.1fm\n",
				s.JobName, s.Total, s.SuccessRate, s.AvgDuration)
		}
		return nil
	},
}

// writeAnalytics persists an aggregation snapshot next to the database so
// dashboards can read it without querying.
func writeAnalytics(stats []background.JobStats) error {
	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal analytics: %w", err)
	}
	path := filepath.Join(filepath.Dir(dbPath), "analytics.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write analytics snapshot: %w", err)
	}
	return nil
}
