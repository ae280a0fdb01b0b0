package cli

import (
	"encoding/json"
	"fmt"

	"github.com/chengis/chengis/internal/compare"
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <build-a> <build-b>",
	Short: "Diff two builds",
	Long: `Compare two builds of the same job: status, commit, branch, per-stage
status and duration, per-step status and exit codes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := compare.Load(env.db, env.cfg.OrgID, args[0], nil)
		if err != nil {
			return err
		}
		b, err := compare.Load(env.db, env.cfg.OrgID, args[1], nil)
		if err != nil {
			return err
		}
		report := compare.Compare(a, b)

		if asJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}

		if report.Identical() {
			fmt.Fprintln(cmd.OutOrStdout(), "builds are identical")
			return nil
		}
		for _, note := range report.Notes {
			fmt.Fprintln(cmd.OutOrStdout(), note)
		}
		printDiffs(cmd, "stages", report.Stages)
		printDiffs(cmd, "steps", report.Steps)
		printDiffs(cmd, "artifacts", report.Artifacts)
		return nil
	},
}

func printDiffs(cmd *cobra.Command, section string, diffs []compare.EntityDiff) {
	if len(diffs) == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", section)
	for _, d := range diffs {
		line := fmt.Sprintf("  %s %s", d.Change, d.Name)
		for _, note := range d.Notes {
			line += "  (" + note + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}

func init() {
	compareCmd.Flags().Bool("json", false, "Emit the report as JSON")
}
