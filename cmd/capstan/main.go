package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capstanhq/capstan/pkg/backup"
	"github.com/capstanhq/capstan/pkg/config"
	"github.com/capstanhq/capstan/pkg/cutover"
	"github.com/capstanhq/capstan/pkg/database"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/manifest"
	"github.com/capstanhq/capstan/pkg/orchestrator"
	"github.com/capstanhq/capstan/pkg/proxy"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/smoke"
	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
	"github.com/capstanhq/capstan/pkg/validate"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "capstan",
	Short: "Capstan - Gated release orchestrator for single-host deployments",
	Long: `Capstan takes a multi-container application from one version to the
next with bounded risk: it validates preconditions, snapshots recoverable
state, deploys new workload units, gates them behind health and smoke
checks before they receive live traffic, and automatically restores the
prior known-good state if any gate fails.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Capstan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(metricsCmd)
}

// app wires the collaborators together. Built once per command invocation
// and closed when the command finishes.
type app struct {
	settings  *config.Settings
	registry  *config.Registry
	store     store.Store
	runtime   runtime.ContainerRuntime
	proxy     proxy.ReverseProxy
	db        database.Engine
	backups   *backup.Manager
	manifests *manifest.Recorder
	orch      *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(settings.LogLevel),
		JSONOutput: settings.LogJSON,
	})

	registry, err := config.LoadTargets(settings.TargetsFile)
	if err != nil {
		return nil, err
	}

	st, err := store.NewBoltStore(settings.DataDir)
	if err != nil {
		return nil, err
	}

	rt, err := runtime.NewContainerdRuntime(settings.RuntimeSocket)
	if err != nil {
		st.Close()
		return nil, err
	}

	px := proxy.NewNginxProxy()
	db := database.NewPostgresEngine()
	backups := backup.NewManager(settings.BackupRoot, rt, db)
	manifests := manifest.NewRecorder(st)
	manifests.HistoryLimit = settings.HistoryLimit

	validator := validate.New(settings.DataDir)
	validator.DiskFloorBytes = settings.DiskFloorBytes
	validator.ConfigSourceDir = settings.ConfigSourceDir
	validator.ConfigLiveDir = settings.ConfigLiveDir
	validator.Proxy = px

	controller := cutover.NewController(rt, px, st)
	controller.GracePeriod = settings.GracePeriod

	orch := orchestrator.New(orchestrator.Deps{
		Settings:  settings,
		Runtime:   rt,
		Store:     st,
		Backups:   backups,
		Manifests: manifests,
		Cutover:   controller,
		Validator: validator,
		Smoke:     smoke.NewTester(),
		Database:  db,
	})

	return &app{
		settings:  settings,
		registry:  registry,
		store:     st,
		runtime:   rt,
		proxy:     px,
		db:        db,
		backups:   backups,
		manifests: manifests,
		orch:      orch,
	}, nil
}

func (a *app) close() {
	a.runtime.Close()
	a.store.Close()
}

func (a *app) lookup(args []string) (*types.Target, error) {
	return a.registry.Lookup(args[0], args[1])
}

func operatorName() string {
	if name := os.Getenv("CAPSTAN_OPERATOR"); name != "" {
		return name
	}
	return os.Getenv("USER")
}
