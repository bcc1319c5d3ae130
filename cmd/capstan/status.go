package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status TARGET ENVIRONMENT",
	Short: "Show what is deployed for a target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetBool("history")
		rollback, _ := cmd.Flags().GetBool("rollback")

		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.close()

		target, err := app.lookup(args)
		if err != nil {
			return err
		}
		key := target.Key()

		switch {
		case history:
			return printHistory(app, key)
		case rollback:
			return printRollbackPoints(app, key)
		}

		current, err := app.manifests.Current(key)
		if err != nil {
			return err
		}
		if current == nil {
			fmt.Printf("%s has never been deployed\n", key)
			return nil
		}

		fmt.Printf("Target:      %s (%s)\n", key, target.Strategy)
		if target.Strategy == types.StrategyBlueGreen {
			pointer, err := app.store.GetPointer(key)
			if err != nil {
				return err
			}
			fmt.Printf("Active slot: %s\n", pointer.Active)
		}
		printRecord(app, key, current)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("history", false, "Show prior deployments, most recent first")
	statusCmd.Flags().Bool("rollback", false, "Show available rollback points")
}

func printHistory(app *app, key string) error {
	records, err := app.manifests.History(key)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("%s has no deployment history\n", key)
		return nil
	}
	for i, rec := range records {
		fmt.Printf("--- %d deployments ago ---\n", i+1)
		printRecord(app, key, rec)
	}
	return nil
}

// printRollbackPoints lists every restorable backup plus manifest records
// whose backup has already been cleaned up, marked expired. History and
// backup retention are bounded independently, so either side may outlive
// the other.
func printRollbackPoints(app *app, key string) error {
	metas, err := app.backups.List(key)
	if err != nil {
		return err
	}
	available := make(map[string]bool, len(metas))
	for _, meta := range metas {
		available[meta.ID] = true
		fmt.Printf("%s %s  created %s by %s\n",
			color.GreenString("✓"), meta.ID,
			meta.CreatedAt.Format("2006-01-02 15:04"), meta.CreatedBy)
	}

	records, err := app.manifests.History(key)
	if err != nil {
		return err
	}
	var expired []string
	for _, rec := range records {
		if rec.BackupID != "" && !available[rec.BackupID] {
			expired = append(expired, rec.BackupID)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		fmt.Printf("%s %s  (backup: expired)\n", color.YellowString("-"), id)
	}

	if len(metas) == 0 && len(expired) == 0 {
		fmt.Printf("%s has no rollback points\n", key)
	}
	return nil
}

func printRecord(app *app, key string, rec *types.DeploymentRecord) {
	fmt.Printf("Deployed:    %s by %s\n", rec.DeployedAt.Format("2006-01-02 15:04:05"), rec.Operator)
	if rec.SourceRevision != "" {
		fmt.Printf("Revision:    %s\n", rec.SourceRevision)
	}
	if rec.BackupID != "" {
		note := ""
		if _, err := app.backups.Get(key, rec.BackupID); err != nil {
			note = "  (backup: expired)"
		}
		fmt.Printf("Backup:      %s%s\n", rec.BackupID, note)
	}
	names := make([]string, 0, len(rec.Images))
	for name := range rec.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-12s %s\n", name, rec.Images[name])
	}
}
