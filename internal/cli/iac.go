package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/iac"
	"github.com/chengis/chengis/internal/procexec"
	"github.com/spf13/cobra"
)

var iacCmd = &cobra.Command{
	Use:   "iac",
	Short: "Infrastructure plan, apply, and state",
}

var iacPlanCmd = &cobra.Command{
	Use:   "plan <dir>",
	Short: "Plan infrastructure changes",
	Long: `Detect the IaC tool used by a project directory, run its plan command,
and print a uniform change summary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, _ := cmd.Flags().GetString("stack")

		tool, err := iac.Detect(args[0])
		if err != nil {
			return err
		}
		if tool == "" {
			return fmt.Errorf("no recognizable iac tool in %s", args[0])
		}
		command, err := iac.PlanCommand(tool, stack)
		if err != nil {
			return err
		}
		output, err := runIaC(args[0], command)
		if err != nil {
			return err
		}
		sum, err := iac.ParsePlan(tool, output)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s plan: %d to add, %d to change, %d to destroy\n",
			tool, sum.Add, sum.Change, sum.Destroy)
		for _, r := range sum.Resources {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %s.%s\n", r.Action, r.Type, r.Name)
		}
		return nil
	},
}

var iacApplyCmd = &cobra.Command{
	Use:   "apply <dir>",
	Short: "Apply infrastructure changes",
	Long: `Acquire the project lock, run the tool's apply command, and store a new
state version when the tool leaves a local state file. The lock is released
on every exit path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, _ := cmd.Flags().GetString("stack")
		project, _ := cmd.Flags().GetString("project")
		workspaceName, _ := cmd.Flags().GetString("workspace")
		owner, _ := cmd.Flags().GetString("owner")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		tool, err := iac.Detect(args[0])
		if err != nil {
			return err
		}
		if tool == "" {
			return fmt.Errorf("no recognizable iac tool in %s", args[0])
		}
		command, err := iac.ApplyCommand(tool, stack)
		if err != nil {
			return err
		}

		states := iac.NewStates(env.db, clock.System{}, env.cfg.IaC.MaxStateBytes)
		if err := states.Lock(project, owner); err != nil {
			return err
		}
		defer func() { _ = states.Unlock(project, owner) }()

		if _, err := runIaC(args[0], command); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s apply succeeded\n", tool)

		// Terraform writes its state beside the configuration; version it.
		statePath := filepath.Join(args[0], "terraform.tfstate")
		raw, err := os.ReadFile(statePath)
		if err != nil {
			return nil
		}
		prev, _, err := states.Latest(project, workspaceName)
		if err != nil {
			return err
		}
		st, err := states.Save(project, workspaceName, string(raw), owner)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state version %d saved (%d bytes)\n", st.Version, st.Size)
		diff, err := iac.Diff(prev, string(raw))
		if err != nil {
			return nil
		}
		for _, key := range diff.Added {
			fmt.Fprintf(cmd.OutOrStdout(), "  added   %s\n", key)
		}
		for _, key := range diff.Changed {
			fmt.Fprintf(cmd.OutOrStdout(), "  changed %s\n", key)
		}
		for _, key := range diff.Removed {
			fmt.Fprintf(cmd.OutOrStdout(), "  removed %s\n", key)
		}
		return nil
	},
}

var iacUnlockCmd = &cobra.Command{
	Use:   "unlock <project>",
	Short: "Release a project lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		force, _ := cmd.Flags().GetBool("force")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		states := iac.NewStates(env.db, clock.System{}, env.cfg.IaC.MaxStateBytes)
		if force {
			if err := states.ForceUnlock(args[0]); err != nil {
				return err
			}
		} else if err := states.Unlock(args[0], owner); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project %s unlocked\n", args[0])
		return nil
	},
}

// runIaC executes a tool command in dir and returns its combined stdout.
func runIaC(dir string, command []string) ([]byte, error) {
	res, err := procexec.NewExecutor().Execute(context.Background(), procexec.Request{
		Command: strings.Join(command, " "),
		Dir:     dir,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", command[0], err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s exited %d: %s", command[0], res.ExitCode, strings.Join(res.StderrLines, "\n"))
	}
	return []byte(strings.Join(res.StdoutLines, "\n")), nil
}

func init() {
	iacCmd.AddCommand(iacPlanCmd)
	iacCmd.AddCommand(iacApplyCmd)
	iacCmd.AddCommand(iacUnlockCmd)
	iacPlanCmd.Flags().String("stack", "", "Stack name for pulumi and cloudformation")
	iacApplyCmd.Flags().String("stack", "", "Stack name for pulumi and cloudformation")
	iacApplyCmd.Flags().String("project", "default", "Project id for state and locking")
	iacApplyCmd.Flags().String("workspace", "default", "State workspace name")
	iacApplyCmd.Flags().String("owner", "cli", "Lock owner")
	iacUnlockCmd.Flags().String("owner", "cli", "Lock owner")
	iacUnlockCmd.Flags().Bool("force", false, "Release the lock regardless of owner")
}
