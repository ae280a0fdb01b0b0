package cli

import (
	"fmt"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/compliance"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log inspection",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		auditor := compliance.NewAuditor(env.db, clock.System{})
		result, err := auditor.Verify()
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if result.Valid {
			fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact (%d entries)\n", result.EntriesChecked)
			return nil
		}
		return fmt.Errorf("audit chain broken at entry %d (checked %d)", result.FirstInvalidID, result.EntriesChecked)
	},
}

var auditReadinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Score regulatory readiness frameworks",
	Long: `Assess SOC 2 and ISO 27001 readiness from the feature flags in effect
and the audit log. Requires the regulatory-dashboards feature flag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if !env.cfg.Enabled("regulatory-dashboards") {
			return fmt.Errorf("regulatory-dashboards feature flag is off")
		}

		head, err := env.db.LastAudit()
		if err != nil {
			return fmt.Errorf("read audit log: %w", err)
		}
		state := compliance.SystemState{
			compliance.SignalTracing:           env.cfg.Enabled("tracing"),
			compliance.SignalSLSA:              env.cfg.Enabled("slsa-provenance"),
			compliance.SignalSBOM:              env.cfg.Enabled("sbom-generation"),
			compliance.SignalPolicy:            env.cfg.Enabled("policy-engine"),
			compliance.SignalArtifactChecksums: env.cfg.Enabled("artifact-checksums"),
			compliance.SignalAuditLog:          head != nil,
		}

		for _, fw := range []compliance.Framework{compliance.SOC2(), compliance.ISO27001()} {
			a := compliance.Assess(fw, state)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %.0f%% (%d passing, %d failing, %d not assessed)\n",
				a.Framework, a.Score, a.Passing, a.Failing, a.NotAssessed)
			for _, r := range a.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %-36s %s\n", r.Check.ID, r.Check.Name, r.Status)
			}
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditReadinessCmd)
}
