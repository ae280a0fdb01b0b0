package cli

import (
	"context"
	"fmt"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <job-id> [pipeline.yaml]",
	Short: "Execute a pipeline for a job",
	Long: `Run a build for the named job. When a pipeline file is given it becomes the
job's pipeline source; otherwise the job's stored source is loaded. The job is
created on first use.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		commit, _ := cmd.Flags().GetString("commit")
		params, _ := cmd.Flags().GetStringToString("param")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		c := clock.System{}
		jobID := args[0]
		job, err := env.db.GetJob(env.cfg.OrgID, jobID)
		if err == store.ErrNotFound {
			source := ""
			if len(args) > 1 {
				source = args[1]
			}
			job = &store.Job{
				ID:             jobID,
				OrgID:          env.cfg.OrgID,
				Name:           jobID,
				PipelineSource: source,
				CreatedAt:      c.Now(),
			}
			if err := env.db.CreateJob(job); err != nil {
				return fmt.Errorf("create job: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		source := job.PipelineSource
		if len(args) > 1 {
			source = args[1]
		}
		if source == "" {
			return fmt.Errorf("job %s has no pipeline source; pass a pipeline file", jobID)
		}
		def, err := pipeline.Load(source)
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}

		build := &store.Build{
			ID:          clock.NewID(c),
			OrgID:       job.OrgID,
			JobID:       job.ID,
			Status:      store.StatusQueued,
			TriggerType: "manual",
			GitBranch:   branch,
			GitCommit:   commit,
			Parameters:  params,
			CreatedAt:   c.Now(),
		}
		if len(commit) >= 8 {
			build.GitCommitShort = commit[:8]
		}
		if err := env.db.CreateBuild(build); err != nil {
			return fmt.Errorf("create build: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "build #%d (%s) queued\n", build.BuildNumber, build.ID)

		exec, _, tracer := buildEngine(env)
		if err := exec.Run(context.Background(), job, build, def); err != nil {
			return fmt.Errorf("run build: %w", err)
		}
		if err := exportTraces(tracer, build.ID); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: export traces: %v\n", err)
		}

		final, err := env.db.GetBuild(job.OrgID, build.ID)
		if err != nil {
			return fmt.Errorf("load result: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "build #%d finished: %s\n", final.BuildNumber, final.Status)
		if final.Status != store.StatusSuccess {
			return fmt.Errorf("build %s", final.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("branch", "main", "Git branch the build runs against")
	runCmd.Flags().String("commit", "", "Git commit SHA")
	runCmd.Flags().StringToString("param", nil, "Build parameters (key=value)")
}
