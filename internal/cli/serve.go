package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chengis/chengis/internal/background"
	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/config"
	"github.com/chengis/chengis/internal/cron"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the schedulers",
	Long: `Run the cron scheduler and maintenance loops until interrupted. Cron
schedules fire builds for their jobs; retention removes terminal builds older
than the configured age. Analytics aggregation and secret-rotation checks run
when their feature flags are on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		c := clock.System{}
		exec, _, _ := buildEngine(env)

		trigger := func(sched store.Schedule) error {
			job, err := env.db.GetJob(sched.OrgID, sched.JobID)
			if err != nil {
				return fmt.Errorf("load job %s: %w", sched.JobID, err)
			}
			def, err := pipeline.Load(job.PipelineSource)
			if err != nil {
				return fmt.Errorf("load pipeline: %w", err)
			}
			build := &store.Build{
				ID:          clock.NewID(c),
				OrgID:       job.OrgID,
				JobID:       job.ID,
				Status:      store.StatusQueued,
				TriggerType: "cron",
				CreatedAt:   c.Now(),
			}
			if err := env.db.CreateBuild(build); err != nil {
				return fmt.Errorf("create build: %w", err)
			}
			go exec.Run(context.Background(), job, build, def)
			return nil
		}

		tickInterval := time.Duration(env.cfg.Cron.TickIntervalSec) * time.Second
		scheduler := cron.NewScheduler(env.db, c, 2*tickInterval, trigger)

		var loops []*background.Loop
		if env.cfg.Enabled("cron-scheduling") {
			loops = append(loops, background.NewLoop("cron", tickInterval, func(ctx context.Context) error {
				_, err := scheduler.ProcessDue(env.cfg.OrgID)
				return err
			}))
		}
		retention := background.NewRetention(env.db, c, time.Duration(env.cfg.Retention.MaxAgeDays)*24*time.Hour)
		loops = append(loops, retention.Loop(time.Duration(env.cfg.Retention.SweepIntervalMin)*time.Minute))

		if env.cfg.Enabled("build-analytics") {
			analytics := background.NewAnalytics(env.db)
			loops = append(loops, background.NewLoop("analytics", time.Duration(env.cfg.Analytics.SweepIntervalMin)*time.Minute, func(ctx context.Context) error {
				stats, err := analytics.Aggregate(ctx, env.cfg.OrgID)
				if err != nil {
					return err
				}
				return writeAnalytics(stats)
			}))
		}
		if env.cfg.Enabled("secret-rotation") {
			rotation := background.NewRotation(secretInventory(env.cfg), c, time.Duration(env.cfg.Secrets.MaxAgeDays)*24*time.Hour)
			loops = append(loops, rotation.Loop(time.Duration(env.cfg.Secrets.CheckIntervalMin)*time.Minute))
		}

		for _, l := range loops {
			l.Start()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "chengis serving; ctrl-c to stop")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		for _, l := range loops {
			l.Stop()
		}
		return nil
	},
}

// secretInventory lists the file-backed secrets the daemon can date: the
// signing key, whose rotation time is its modification time.
func secretInventory(cfg *config.Config) func() ([]background.SecretAge, error) {
	return func() ([]background.SecretAge, error) {
		var secrets []background.SecretAge
		if ref := cfg.Signing.KeyRef; ref != "" {
			if fi, err := os.Stat(ref); err == nil {
				secrets = append(secrets, background.SecretAge{Name: "signing-key", RotatedAt: fi.ModTime()})
			}
		}
		return secrets, nil
	}
}
