package cli

import (
	"context"
	"fmt"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/deploy"
	"github.com/chengis/chengis/internal/store"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <build-id> <environment-id>",
	Short: "Deploy a successful build to an environment",
	Long: `Deploy a build to an environment using the named strategy. The
environment lock is held for the duration; a failing step marks the
deployment failed and releases the lock.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		owner, _ := cmd.Flags().GetString("owner")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		engine := deployEngine(env, cmd)
		d, err := engine.Execute(context.Background(), env.cfg.OrgID, args[0], args[1], strategy, owner)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployment %s %s\n", d.ID, d.Status)
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <build-id> <from-env> <to-env>",
	Short: "Promote a build to the next environment",
	Long: `Promote a successful build along the environment order. A target that
requires approval leaves the promotion pending; otherwise the artifact is
placed and a direct deployment runs immediately.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		engine := deployEngine(env, cmd)
		p, err := engine.Promote(context.Background(), env.cfg.OrgID, args[0], args[1], args[2], owner)
		if err != nil {
			return err
		}
		if p.Status == deploy.PromotionPending {
			fmt.Fprintf(cmd.OutOrStdout(), "promotion %s pending approval\n", p.ID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "promotion %s completed\n", p.ID)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <environment-id> <deployment-id>",
	Short: "Roll an environment back to its previous deployment",
	Long: `Re-deploy the most recent deployment that succeeded strictly before
the given one on the same environment.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		engine := deployEngine(env, cmd)
		d, err := engine.Rollback(context.Background(), env.cfg.OrgID, args[0], args[1], owner)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rollback deployment %s %s\n", d.ID, d.Status)
		return nil
	},
}

// deployEngine builds a deployment engine whose step runner announces each
// step. The Store carries the per-step record either way.
func deployEngine(env *appEnv, cmd *cobra.Command) *deploy.Engine {
	runner := deploy.StepRunnerFunc(func(ctx context.Context, d *store.Deployment, target *store.Environment, step string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", target.Name, step)
		return nil
	})
	return deploy.NewEngine(env.db, clock.System{}, runner, nil)
}

func init() {
	deployCmd.Flags().String("strategy", deploy.StrategyDirect, "Deployment strategy (direct, blue-green, canary)")
	deployCmd.Flags().String("owner", "cli", "Lock owner for the deployment")
	promoteCmd.Flags().String("owner", "cli", "Lock owner for the promoted deployment")
	rollbackCmd.Flags().String("owner", "cli", "Lock owner for the rollback deployment")
}
