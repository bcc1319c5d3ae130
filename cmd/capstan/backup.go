package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/pkg/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create TARGET ENVIRONMENT",
	Short: "Create a backup outside of a deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		meta, err := app.backups.Create(ctx, target, backup.Options{CreatedBy: operatorName()})
		if err != nil {
			return err
		}
		fmt.Printf("%s Backup created: %s\n", color.GreenString("✓"), meta.ID)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list TARGET ENVIRONMENT",
	Short: "List backups for a target, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}

		metas, err := app.backups.List(target.Key())
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Printf("%s has no backups\n", target.Key())
			return nil
		}
		for _, meta := range metas {
			extras := ""
			if meta.DumpPath != "" {
				extras = " +db"
			}
			fmt.Printf("%s  created %s by %s  (%d images, %d volumes%s)\n",
				meta.ID, meta.CreatedAt.Format("2006-01-02 15:04"), meta.CreatedBy,
				len(meta.Images), len(meta.Volumes), extras)
		}
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup TARGET ENVIRONMENT",
	Short: "Remove backups older than the retention threshold",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("retention-days")

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}
		if days == 0 {
			days = app.settings.RetentionDays
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		removed, err := app.backups.Cleanup(ctx, target.Key(), days)
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d backups older than %d days\n", color.GreenString("✓"), removed, days)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCleanupCmd)

	backupCleanupCmd.Flags().Int("retention-days", 0, "Retention threshold in days (default: configured value)")
}
