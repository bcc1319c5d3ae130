package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Songmu/prompter"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/pkg/orchestrator"
)

var deployCmd = &cobra.Command{
	Use:   "deploy TARGET ENVIRONMENT",
	Short: "Run the full release pipeline for a target",
	Long: `Deploy runs the gated release pipeline: validate, back up, pull,
deploy, migrate, health-check, smoke-test, cut over, clean up.

Any gate failure after the backup stage rolls the target back to the most
recent backup. The exit code is non-zero on any failure, including a
failure that rolled back successfully: a rollback is still a failed
deployment attempt.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipBackup, _ := cmd.Flags().GetBool("skip-backup")
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")
		revision, _ := cmd.Flags().GetString("revision")

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}

		if target.Environment == "production" && !yes {
			if !prompter.YN(fmt.Sprintf("Deploy %s to PRODUCTION?", target.Name), false) {
				return fmt.Errorf("aborted")
			}
		}

		// Cancellation takes effect between stages; an in-progress stage
		// always runs to completion.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Deploying %s (%s)\n", target.Key(), target.Strategy)

		res := app.orch.Run(ctx, target, orchestrator.Options{
			SkipBackup:     skipBackup,
			Force:          force,
			Operator:       operatorName(),
			SourceRevision: revision,
		})
		printResult(res)
		if res.Failed() {
			return fmt.Errorf("deployment failed at %s: %w", res.FailedStage, res.Err)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().Bool("skip-backup", false, "Skip the backup stage")
	deployCmd.Flags().Bool("force", false, "Downgrade pre-flight validation failures to warnings")
	deployCmd.Flags().Bool("yes", false, "Skip the production confirmation prompt")
	deployCmd.Flags().String("revision", "", "Source revision being deployed (recorded in the manifest)")
}

func printResult(res *orchestrator.RunResult) {
	if !res.Failed() {
		fmt.Printf("%s Deployment complete\n", color.GreenString("✓"))
		if res.BackupID != "" {
			fmt.Printf("  Backup: %s\n", res.BackupID)
		}
		return
	}

	fmt.Printf("%s Failed at %s (%s)\n", color.RedString("✗"), res.FailedStage, res.FailureClass)
	switch {
	case res.RestoredFrom != "":
		fmt.Printf("%s Rolled back to %s\n", color.YellowString("↩"), res.RestoredFrom)
	case res.RolledBack:
		fmt.Printf("%s Traffic reverted to the previous slot\n", color.YellowString("↩"))
	}
}
