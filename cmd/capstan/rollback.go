package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Songmu/prompter"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback TARGET ENVIRONMENT [BACKUP_ID|latest]",
	Short: "Restore a target from a backup",
	Long: `Rollback restores the target's images, volumes, configuration and
database from the named backup, then restarts its workload units. With no
backup id (or "latest") the most recent backup is used.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}

		backupID := "latest"
		if len(args) == 3 {
			backupID = args[2]
		}

		// A restore drops and reloads the database; in production that
		// deserves a second look.
		if target.Environment == "production" && !yes {
			if !prompter.YN(fmt.Sprintf("Restore %s in PRODUCTION from backup %q?", target.Name, backupID), false) {
				return fmt.Errorf("aborted")
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res := app.orch.Rollback(ctx, target, backupID)
		if res.Failed() {
			fmt.Printf("%s Rollback failed\n", color.RedString("✗"))
			return res.Err
		}

		fmt.Printf("%s Restored %s from %s\n", color.GreenString("✓"), target.Key(), res.RestoredFrom)
		return nil
	},
}

func init() {
	rollbackCmd.Flags().Bool("yes", false, "Skip the production confirmation prompt")
}
