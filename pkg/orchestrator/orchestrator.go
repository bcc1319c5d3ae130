package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/backup"
	"github.com/capstanhq/capstan/pkg/config"
	"github.com/capstanhq/capstan/pkg/cutover"
	"github.com/capstanhq/capstan/pkg/database"
	"github.com/capstanhq/capstan/pkg/health"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/manifest"
	"github.com/capstanhq/capstan/pkg/metrics"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/smoke"
	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
	"github.com/capstanhq/capstan/pkg/validate"
)

// ErrDeployInFlight is returned when a pipeline run is already active for
// the same target.
var ErrDeployInFlight = errors.New("a deployment is already in flight for this target")

// Options control a single pipeline run.
type Options struct {
	// SkipBackup skips the backup stage. A later gate failure then rolls
	// back to the previous backup, if any.
	SkipBackup bool

	// Force downgrades pre-flight validation failures to warnings. An
	// explicit escape hatch, never silent.
	Force bool

	Operator       string
	SourceRevision string
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID        string
	Target       string
	Outcome      types.Outcome
	FailedStage  types.Stage
	FailureClass types.FailureClass
	BackupID     string
	RolledBack   bool
	RestoredFrom string
	Err          error
}

// Failed reports whether the run did not complete.
func (r *RunResult) Failed() bool {
	return r.Outcome != types.OutcomeOK
}

// Deps are the collaborators the orchestrator sequences. Every external
// surface is an interface or a component with injectable hooks, so the
// pipeline is testable end to end with fakes.
type Deps struct {
	Settings  *config.Settings
	Runtime   runtime.ContainerRuntime
	Store     store.Store
	Backups   *backup.Manager
	Manifests *manifest.Recorder
	Cutover   *cutover.Controller
	Validator *validate.Validator
	Smoke     *smoke.Tester
	Database  database.Engine

	// NewProber builds the health gate prober; overridable in tests
	// (default: health.NewProber).
	NewProber func(rt runtime.ContainerRuntime, policy types.HealthPolicy) *health.Prober
}

// Orchestrator sequences the release pipeline for a target:
//
//	Validating -> BackingUp -> PullingImages -> Deploying -> Migrating ->
//	HealthChecking -> SmokeTesting -> CuttingOver -> CleaningUp -> Done
//
// From BackingUp onward any recoverable failure branches to RollingBack,
// which restores the most recent backup. Validating and BackingUp failures
// are fatal with nothing to roll back. A successful cutover is the commit
// point; cleanup failures after it are logged only.
type Orchestrator struct {
	deps   Deps
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an orchestrator
func New(deps Deps) *Orchestrator {
	if deps.NewProber == nil {
		deps.NewProber = health.NewProber
	}
	return &Orchestrator{
		deps:     deps,
		logger:   log.WithComponent("orchestrator"),
		inflight: make(map[string]struct{}),
	}
}

// Run executes the full pipeline for a target. The pipeline for one target
// is strictly sequential; a second Run for the same target while one is in
// flight fails immediately with ErrDeployInFlight. Independent targets may
// run concurrently.
func (o *Orchestrator) Run(ctx context.Context, target *types.Target, opts Options) *RunResult {
	key := target.Key()
	res := &RunResult{
		RunID:   uuid.NewString(),
		Target:  key,
		Outcome: types.OutcomeOK,
	}

	if !o.acquire(key) {
		res.Outcome = types.OutcomeFatal
		res.FailedStage = types.StageValidating
		res.FailureClass = types.FailurePrecondition
		res.Err = ErrDeployInFlight
		return res
	}
	defer o.release(key)

	logger := o.logger.With().Str("run_id", res.RunID).Str("target", key).Logger()
	logger.Info().Str("operator", opts.Operator).Msg("pipeline started")

	rec := &store.RunRecord{
		ID:        res.RunID,
		Target:    key,
		StartedAt: time.Now().UTC(),
	}
	pipeTimer := metrics.NewTimer()
	defer func() {
		o.finish(rec, res)
		pipeTimer.ObserveDuration(metrics.PipelineDuration.WithLabelValues(key))
		metrics.PipelineRunsTotal.WithLabelValues(key, string(res.Outcome)).Inc()
		if res.Failed() {
			logger.Error().Err(res.Err).
				Str("failed_stage", string(res.FailedStage)).
				Str("failure_class", string(res.FailureClass)).
				Bool("rolled_back", res.RolledBack).
				Msg("pipeline failed")
		} else {
			logger.Info().Msg("pipeline complete")
		}
	}()

	// Validating. Read-only; a failure here has mutated nothing.
	if err := o.validateStage(ctx, target, opts, logger); err != nil {
		return o.fail(ctx, target, res, types.StageValidating, types.FailurePrecondition, types.OutcomeFatal, err, nil)
	}

	// BackingUp. A backup failure aborts before any mutation of running
	// state, so it is safe to stop here without rollback.
	var backupMeta *types.BackupMeta
	if opts.SkipBackup {
		logger.Warn().Msg("backup stage skipped by operator")
	} else {
		timer := metrics.NewTimer()
		meta, err := o.deps.Backups.Create(ctx, target, backup.Options{CreatedBy: opts.Operator})
		if err != nil {
			return o.fail(ctx, target, res, types.StageBackingUp, types.FailureBackup, types.OutcomeFatal, err, nil)
		}
		backupMeta = meta
		res.BackupID = meta.ID
		rec.BackupID = meta.ID
		o.observeStage(key, types.StageBackingUp, timer)
	}

	plan, err := o.deps.Cutover.PlanFor(target)
	if err != nil {
		return o.fail(ctx, target, res, types.StageDeploying, types.FailureDeploy, types.OutcomeRecoverable, err, nil)
	}
	oldUnits, err := o.deps.Runtime.ListUnits(ctx, key)
	if err != nil {
		return o.fail(ctx, target, res, types.StageDeploying, types.FailureDeploy, types.OutcomeRecoverable, err, nil)
	}

	// PullingImages.
	timer := metrics.NewTimer()
	for _, spec := range target.Units {
		if err := o.deps.Runtime.PullImage(ctx, spec.Image); err != nil {
			err = fmt.Errorf("failed to pull %s: %w", spec.Image, err)
			return o.fail(ctx, target, res, types.StagePullingImages, types.FailureDeploy, types.OutcomeRecoverable, err, nil)
		}
	}
	o.observeStage(key, types.StagePullingImages, timer)

	// Deploying. On failure the units created so far are handed to fail,
	// which sweeps them before the restore can retake their ports.
	timer = metrics.NewTimer()
	// Unique per run; timestamps alone collide when deploys are seconds
	// apart.
	release := uuid.NewString()[:8]
	newUnits, err := o.deployStage(ctx, target, plan, oldUnits, release)
	if err != nil {
		return o.fail(ctx, target, res, types.StageDeploying, types.FailureDeploy, types.OutcomeRecoverable, err, newUnits)
	}
	o.observeStage(key, types.StageDeploying, timer)

	// Migrating.
	if len(target.MigrateCmd) > 0 {
		timer = metrics.NewTimer()
		if err := o.migrateStage(ctx, target, newUnits); err != nil {
			return o.fail(ctx, target, res, types.StageMigrating, types.FailureMigrate, types.OutcomeRecoverable, err, newUnits)
		}
		o.observeStage(key, types.StageMigrating, timer)
	}

	// HealthChecking.
	timer = metrics.NewTimer()
	if err := o.healthStage(ctx, target, newUnits, logger); err != nil {
		metrics.GateFailuresTotal.WithLabelValues(key, "health").Inc()
		return o.fail(ctx, target, res, types.StageHealthChecking, types.FailureHealthGate, types.OutcomeRecoverable, err, newUnits)
	}
	o.observeStage(key, types.StageHealthChecking, timer)

	// SmokeTesting. Probes go straight at the unit ports; the reverse
	// proxy has not been touched, so live traffic is still untouched here.
	timer = metrics.NewTimer()
	if err := o.deps.Smoke.Run(ctx, newUnits, specsByName(target)); err != nil {
		metrics.GateFailuresTotal.WithLabelValues(key, "smoke").Inc()
		return o.fail(ctx, target, res, types.StageSmokeTesting, types.FailureSmokeGate, types.OutcomeRecoverable, err, newUnits)
	}
	o.observeStage(key, types.StageSmokeTesting, timer)

	// CuttingOver. Success here is the irrevocable commit point.
	timer = metrics.NewTimer()
	cutResult, err := o.deps.Cutover.Cutover(ctx, plan, oldUnits)
	if err != nil {
		if cutResult.Reverted {
			// The pointer flip was already undone; the old slot is live
			// again and a backup restore on top would only cause churn.
			res.FailedStage = types.StageCuttingOver
			res.FailureClass = types.FailureCutover
			res.Outcome = types.OutcomeRecoverable
			res.RolledBack = true
			res.Err = err
			metrics.RollbacksTotal.WithLabelValues(key, "pointer-revert").Inc()
			return res
		}
		return o.fail(ctx, target, res, types.StageCuttingOver, types.FailureCutover, types.OutcomeRecoverable, err, newUnits)
	}
	o.observeStage(key, types.StageCuttingOver, timer)

	// CleaningUp. Best effort from here on.
	o.cleanupStage(ctx, target, oldUnits, logger)

	// Record the manifest last. The record must exist for rollback points,
	// so unlike cleanup a failure here is surfaced, but traffic is already
	// switched and must not be reverted for it.
	record := &types.DeploymentRecord{
		Images:         make(map[string]string),
		DeployedAt:     time.Now().UTC(),
		Operator:       opts.Operator,
		SourceRevision: opts.SourceRevision,
		BackupID:       res.BackupID,
	}
	for _, spec := range target.Units {
		record.Images[spec.Name] = spec.Image
	}
	if backupMeta != nil && backupMeta.DumpPath != "" {
		record.DBBackupRef = backupMeta.ID
	}
	if err := o.deps.Manifests.Save(key, record); err != nil {
		res.FailedStage = types.StageCleaningUp
		res.FailureClass = types.FailureCleanup
		res.Outcome = types.OutcomeFatal
		res.Err = fmt.Errorf("deployed, but failed to record manifest: %w", err)
		return res
	}

	return res
}

// Rollback restores a target from a named backup, or from the latest one
// when backupID is empty or "latest".
func (o *Orchestrator) Rollback(ctx context.Context, target *types.Target, backupID string) *RunResult {
	key := target.Key()
	res := &RunResult{
		RunID:  uuid.NewString(),
		Target: key,
	}

	if !o.acquire(key) {
		res.Outcome = types.OutcomeFatal
		res.FailureClass = types.FailurePrecondition
		res.Err = ErrDeployInFlight
		return res
	}
	defer o.release(key)

	rec := &store.RunRecord{
		ID:        res.RunID,
		Target:    key,
		StartedAt: time.Now().UTC(),
	}
	defer func() { o.finish(rec, res) }()

	if backupID == "" || backupID == "latest" {
		latest, err := o.deps.Backups.Latest(key)
		if err != nil {
			res.Outcome = types.OutcomeFatal
			res.FailureClass = types.FailureRollback
			res.Err = err
			return res
		}
		backupID = latest.ID
	}

	o.logger.Info().Str("target", key).Str("backup_id", backupID).Msg("manual rollback requested")
	if err := o.deps.Backups.Restore(ctx, target, backupID); err != nil {
		res.Outcome = types.OutcomeFatal
		res.FailureClass = types.FailureRollback
		res.Err = err
		metrics.RollbacksTotal.WithLabelValues(key, "failure").Inc()
		return res
	}

	res.Outcome = types.OutcomeOK
	res.RolledBack = true
	res.RestoredFrom = backupID
	metrics.RollbacksTotal.WithLabelValues(key, "success").Inc()
	return res
}

func (o *Orchestrator) validateStage(ctx context.Context, target *types.Target, opts Options, logger zerolog.Logger) error {
	report := o.deps.Validator.Run(ctx, target)
	if !report.OK() {
		if !opts.Force {
			return report.Error()
		}
		for _, v := range report.Violations {
			logger.Warn().Str("check", string(v.Check)).Str("reason", v.Reason).Msg("validation failure overridden by force")
		}
	}

	if target.Database != nil {
		if err := o.deps.Database.Ping(ctx, target.Database); err != nil {
			err = fmt.Errorf("database unreachable: %w", err)
			if !opts.Force {
				return err
			}
			logger.Warn().Err(err).Msg("validation failure overridden by force")
		}
	}
	return nil
}

// deployStage creates and starts the new unit set. Direct strategy stops
// the old units first since the new ones take over their host ports; the
// old units stay in place, stopped, until cleanup. Blue-green deploys into
// the inactive slot while the active slot keeps serving. On error the units
// created so far are returned alongside it so the caller can sweep them.
func (o *Orchestrator) deployStage(ctx context.Context, target *types.Target, plan *cutover.Plan, oldUnits []*types.Unit, release string) ([]*types.Unit, error) {
	if target.Strategy == types.StrategyDirect {
		for _, unit := range oldUnits {
			if unit.State != types.UnitStateRunning {
				continue
			}
			if err := o.deps.Runtime.StopUnit(ctx, unit.ID, stopTimeout(target, unit.SpecName)); err != nil {
				return nil, fmt.Errorf("failed to stop unit %s: %w", unit.ID, err)
			}
		}
	}

	units := make([]*types.Unit, 0, len(target.Units))
	for _, spec := range target.Units {
		unit, err := o.deps.Runtime.CreateUnit(ctx, target, spec, plan.DeploySlot, release)
		if err != nil {
			return units, fmt.Errorf("failed to create unit for %s: %w", spec.Name, err)
		}
		units = append(units, unit)
		if err := o.deps.Runtime.StartUnit(ctx, unit.ID); err != nil {
			return units, fmt.Errorf("failed to start unit %s: %w", unit.ID, err)
		}
	}
	return units, nil
}

// migrateStage runs the target's migration command inside one of the new
// units, before the health gate. Migrations run against the new code while
// traffic, for blue-green, is still on the old slot.
func (o *Orchestrator) migrateStage(ctx context.Context, target *types.Target, newUnits []*types.Unit) error {
	unit := migrationUnit(target, newUnits)
	if unit == nil {
		return fmt.Errorf("target declares a migrate command but deployed no units to run it in")
	}
	if err := o.deps.Runtime.Exec(ctx, unit.ID, target.MigrateCmd); err != nil {
		return fmt.Errorf("migration failed in unit %s: %w", unit.ID, err)
	}
	return nil
}

func (o *Orchestrator) healthStage(ctx context.Context, target *types.Target, newUnits []*types.Unit, logger zerolog.Logger) error {
	prober := o.deps.NewProber(o.deps.Runtime, target.HealthPolicy)

	gateTimeout := o.deps.Settings.HealthTimeout
	if target.Strategy == types.StrategyBlueGreen {
		// Blue-green units warm up behind migrations and need longer.
		gateTimeout = o.deps.Settings.SlotTimeout
	}

	specs := specsByName(target)
	for _, unit := range newUnits {
		spec, ok := specs[unit.SpecName]
		if !ok {
			return fmt.Errorf("unit %s matches no spec", unit.ID)
		}
		state, err := prober.WaitHealthy(ctx, unit, spec, gateTimeout)
		if state.Failed() {
			return err
		}
		logger.Info().Str("unit", unit.ID).Msg("unit healthy")
	}
	return nil
}

// cleanupStage removes the superseded direct-strategy units. Stale units
// and images are a nuisance, not a correctness problem, so failures are
// logged and never change the run outcome. Blue-green old slots are handled
// by the cutover controller's grace timer instead.
func (o *Orchestrator) cleanupStage(ctx context.Context, target *types.Target, oldUnits []*types.Unit, logger zerolog.Logger) {
	if target.Strategy != types.StrategyDirect {
		return
	}
	for _, unit := range oldUnits {
		if err := o.deps.Runtime.RemoveUnit(ctx, unit.ID); err != nil {
			logger.Warn().Err(err).Str("unit", unit.ID).Msg("failed to remove superseded unit")
		}
	}
}

// fail finalizes a failed run. Recoverable failures sweep the units the
// run created and branch to rollback; fatal ones stop where they are.
func (o *Orchestrator) fail(ctx context.Context, target *types.Target, res *RunResult, stage types.Stage, class types.FailureClass, outcome types.Outcome, err error, newUnits []*types.Unit) *RunResult {
	res.FailedStage = stage
	res.FailureClass = class
	res.Outcome = outcome
	res.Err = err

	if outcome == types.OutcomeRecoverable {
		o.sweepFailedRelease(ctx, newUnits)
		o.rollback(ctx, target, res)
	}
	return res
}

// sweepFailedRelease removes the units a failed run created, before the
// restore runs: for direct targets they hold the host ports the restored
// units need, and a stopped or half-created unit left behind would linger
// until some later deploy's cleanup. Removal failures are logged; the
// restore still proceeds.
func (o *Orchestrator) sweepFailedRelease(ctx context.Context, units []*types.Unit) {
	for _, unit := range units {
		if err := o.deps.Runtime.RemoveUnit(ctx, unit.ID); err != nil {
			o.logger.Warn().Err(err).Str("unit", unit.ID).Msg("failed to remove unit from failed release")
		}
	}
}

// rollback restores the most recent backup, which covers the skip-backup
// case as well: the failing run's own backup, if it made one, is by
// definition the most recent. A target with no backups at all gets an
// explicit error and nothing is touched.
func (o *Orchestrator) rollback(ctx context.Context, target *types.Target, res *RunResult) {
	key := target.Key()

	latest, err := o.deps.Backups.Latest(key)
	if err != nil {
		res.Outcome = types.OutcomeFatal
		res.Err = errors.Join(res.Err, fmt.Errorf("rollback impossible: %w", err))
		metrics.RollbacksTotal.WithLabelValues(key, "unavailable").Inc()
		return
	}

	o.logger.Warn().Str("target", key).Str("backup_id", latest.ID).Msg("rolling back")
	if err := o.deps.Backups.Restore(ctx, target, latest.ID); err != nil {
		// A restore that failed once is never retried automatically;
		// operator intervention required.
		res.FailureClass = types.FailureDouble
		res.Outcome = types.OutcomeFatal
		res.Err = errors.Join(res.Err, fmt.Errorf("rollback from %s failed: %w", latest.ID, err))
		metrics.RollbacksTotal.WithLabelValues(key, "double-failure").Inc()
		return
	}

	res.RolledBack = true
	res.RestoredFrom = latest.ID
	metrics.RollbacksTotal.WithLabelValues(key, "success").Inc()
}

func (o *Orchestrator) finish(rec *store.RunRecord, res *RunResult) {
	rec.FinishedAt = time.Now().UTC()
	rec.FailedStage = res.FailedStage
	rec.FailureClass = res.FailureClass
	rec.BackupID = res.BackupID
	rec.RestoredFrom = res.RestoredFrom
	if res.Failed() {
		rec.Stage = types.StageFailed
	} else {
		rec.Stage = types.StageDone
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := o.deps.Store.PutRun(rec); err != nil {
		o.logger.Warn().Err(err).Str("run_id", rec.ID).Msg("failed to persist run record")
	}
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}

func (o *Orchestrator) observeStage(key string, stage types.Stage, timer *metrics.Timer) {
	timer.ObserveDuration(metrics.StageDuration.WithLabelValues(key, string(stage)))
}

func specsByName(target *types.Target) map[string]*types.UnitSpec {
	specs := make(map[string]*types.UnitSpec, len(target.Units))
	for _, spec := range target.Units {
		specs[spec.Name] = spec
	}
	return specs
}

// migrationUnit picks the unit migrations run in: the first api-role unit,
// falling back to the first unit.
func migrationUnit(target *types.Target, units []*types.Unit) *types.Unit {
	specs := specsByName(target)
	for _, unit := range units {
		if spec, ok := specs[unit.SpecName]; ok && spec.Role == types.UnitRoleAPI {
			return unit
		}
	}
	if len(units) > 0 {
		return units[0]
	}
	return nil
}

func stopTimeout(target *types.Target, specName string) time.Duration {
	for _, spec := range target.Units {
		if spec.Name == specName && spec.StopTimeout > 0 {
			return time.Duration(spec.StopTimeout) * time.Second
		}
	}
	return 10 * time.Second
}
