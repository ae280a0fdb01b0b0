package cli

import (
	"fmt"

	"github.com/chengis/chengis/internal/approval"
	"github.com/chengis/chengis/internal/clock"
	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve <gate-id>",
	Short: "Approve a pending gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(cmd, args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <gate-id>",
	Short: "Reject a pending gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(cmd, args[0], false)
	},
}

func resolveGate(cmd *cobra.Command, gateID string, approve bool) error {
	user, _ := cmd.Flags().GetString("user")

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	mgr := approval.NewManager(env.db, clock.System{})
	var won bool
	if approve {
		won, err = mgr.Approve(gateID, user)
	} else {
		won, err = mgr.Reject(gateID, user)
	}
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("gate %s is no longer pending", gateID)
	}
	verb := "approved"
	if !approve {
		verb = "rejected"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gate %s %s by %s\n", gateID, verb, user)
	return nil
}

func init() {
	approveCmd.Flags().String("user", "cli", "User recorded on the gate")
	rejectCmd.Flags().String("user", "cli", "User recorded on the gate")
}
