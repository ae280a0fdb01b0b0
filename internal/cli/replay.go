package cli

import (
	"fmt"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/webhook"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay <webhook-id>",
	Short: "Replay a recorded webhook delivery",
	Long: `Re-run a stored webhook delivery through the inbound handler. The handler
prints the parsed event; wiring it to build triggering happens in serve.
Requires the webhook-replay feature flag.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		handler := func(provider, eventType string, headers map[string]string, body []byte) error {
			paths, err := webhook.ChangedPaths(body)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d bytes\n", provider, eventType, len(body))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d changed paths\n", provider, eventType, len(paths))
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", p)
			}
			return nil
		}
		recorder := webhook.NewRecorder(env.db, clock.System{}, handler, env.cfg.Enabled("webhook-replay"))
		return recorder.Replay(args[0])
	},
}
