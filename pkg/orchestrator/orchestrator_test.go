package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/backup"
	"github.com/capstanhq/capstan/pkg/config"
	"github.com/capstanhq/capstan/pkg/cutover"
	"github.com/capstanhq/capstan/pkg/database"
	"github.com/capstanhq/capstan/pkg/health"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/manifest"
	"github.com/capstanhq/capstan/pkg/proxy"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/smoke"
	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
	"github.com/capstanhq/capstan/pkg/validate"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// stubChecker reports whatever its flag currently says.
type stubChecker struct {
	healthy *bool
}

func (s stubChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: *s.healthy, Message: "stub", CheckedAt: time.Now()}
}

func (s stubChecker) Type() health.CheckType { return health.CheckTypeHTTP }

type harness struct {
	rt        *runtime.FakeRuntime
	px        *proxy.FakeProxy
	db        *database.FakeEngine
	st        store.Store
	backups   *backup.Manager
	manifests *manifest.Recorder
	orch      *Orchestrator

	healthOK bool
	smokeOK  bool

	// deferred collects the cutover controller's grace-period callbacks
	// instead of scheduling them
	deferred []func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		rt:       runtime.NewFakeRuntime(),
		px:       &proxy.FakeProxy{},
		db:       &database.FakeEngine{},
		healthOK: true,
		smokeOK:  true,
	}

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.st = st

	h.backups = backup.NewManager(t.TempDir(), h.rt, h.db)
	h.manifests = manifest.NewRecorder(st)

	validator := validate.New(t.TempDir())
	validator.FreeBytes = func(string) (int64, error) { return 100 << 30, nil }

	controller := cutover.NewController(h.rt, h.px, st)
	controller.AfterFunc = func(d time.Duration, f func()) *time.Timer {
		h.deferred = append(h.deferred, f)
		return nil
	}

	tester := smoke.NewTester()
	tester.Attempts = 1
	tester.NewChecker = func(url string) health.Checker {
		return stubChecker{healthy: &h.smokeOK}
	}

	h.orch = New(Deps{
		Settings: &config.Settings{
			HealthTimeout: 500 * time.Millisecond,
			SlotTimeout:   500 * time.Millisecond,
			HistoryLimit:  10,
			RetentionDays: 14,
		},
		Runtime:   h.rt,
		Store:     st,
		Backups:   h.backups,
		Manifests: h.manifests,
		Cutover:   controller,
		Validator: validator,
		Smoke:     tester,
		Database:  h.db,
		NewProber: func(rt runtime.ContainerRuntime, policy types.HealthPolicy) *health.Prober {
			p := health.NewProber(rt, policy)
			p.Interval = 5 * time.Millisecond
			p.NewChecker = func(unit *types.Unit, spec *types.HealthCheckSpec) health.Checker {
				return stubChecker{healthy: &h.healthOK}
			}
			return p
		},
	})
	return h
}

func directTarget(image string) *types.Target {
	return &types.Target{
		Name:         "shopfront",
		Environment:  "staging",
		Strategy:     types.StrategyDirect,
		HealthPolicy: types.HealthPolicyPermissive,
		Units: []*types.UnitSpec{
			{Name: "api", Image: image, Port: 8080, Role: types.UnitRoleAPI},
		},
	}
}

func blueGreenTarget(image string) *types.Target {
	t := directTarget(image)
	t.Strategy = types.StrategyBlueGreen
	return t
}

// seedRunning installs a unit as if a previous release had deployed it.
func (h *harness) seedRunning(target *types.Target, image, release string) *types.Unit {
	prev := *target
	prev.Units = []*types.UnitSpec{{Name: "api", Image: image, Port: 8080}}
	unit := &types.Unit{
		ID:       runtime.UnitID(&prev, prev.Units[0], types.DefaultSlot, release),
		Target:   target.Key(),
		SpecName: "api",
		Slot:     types.DefaultSlot,
		Image:    image,
		Port:     8080,
		State:    types.UnitStateRunning,
	}
	h.rt.Seed(unit)
	return unit
}

func TestDeployDirectSuccess(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")
	old := h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{Operator: "alice", SourceRevision: "abc123"})
	require.False(t, res.Failed(), "pipeline error: %v", res.Err)

	// One backup exists, tagged with the pre-deploy image.
	metas, err := h.backups.List(target.Key())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "app:v1", metas[0].Images["api"])
	assert.Equal(t, res.BackupID, metas[0].ID)

	// The manifest current record names the new images.
	current, err := h.manifests.Current(target.Key())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "app:v2", current.Images["api"])
	assert.Equal(t, "alice", current.Operator)
	assert.Equal(t, "abc123", current.SourceRevision)
	assert.Equal(t, res.BackupID, current.BackupID)

	// Old unit stopped before the new one started, then removed in cleanup.
	assert.Contains(t, h.rt.Stopped, old.ID)
	assert.Contains(t, h.rt.Removed, old.ID)
	assert.Equal(t, 1, h.px.Reloads)

	rec, err := h.st.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.StageDone, rec.Stage)
}

func TestHealthGateFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.healthOK = false

	target := directTarget("app:v2")
	target.Units[0].HealthCheck = &types.HealthCheckSpec{
		Path: "/health", Interval: 5 * time.Millisecond, Retries: 1,
	}
	old := h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageHealthChecking, res.FailedStage)
	assert.Equal(t, types.FailureHealthGate, res.FailureClass)
	assert.True(t, res.RolledBack)
	assert.Equal(t, res.BackupID, res.RestoredFrom)

	// The old unit is running again on its exact pre-deploy image.
	restored := h.rt.Unit(old.ID)
	require.NotNil(t, restored)
	assert.Equal(t, types.UnitStateRunning, restored.State)
	assert.Equal(t, "app:v1", restored.Image)
	assert.Equal(t, "app:v1", h.rt.Resolve("app:v1"))

	// Traffic was never touched and the manifest still has no record.
	assert.Equal(t, 0, h.px.Reloads)
	current, err := h.manifests.Current(target.Key())
	require.NoError(t, err)
	assert.Nil(t, current)

	// The failed release's unit was swept; only the restored one remains.
	units, err := h.rt.ListUnits(context.Background(), target.Key())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, old.ID, units[0].ID)
}

func TestDeployFailureSweepsHalfCreatedUnits(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")
	old := h.seedRunning(target, "app:v1", "r0")
	h.rt.FailStartOnce = errors.New("oci runtime: exec format error")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageDeploying, res.FailedStage)
	assert.True(t, res.RolledBack)

	// The created-but-never-started unit does not linger until a later
	// deploy's cleanup; the rollback removed it and restarted the old one.
	units, err := h.rt.ListUnits(context.Background(), target.Key())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, old.ID, units[0].ID)
	assert.Equal(t, types.UnitStateRunning, units[0].State)
	require.Len(t, h.rt.Removed, 1)
	assert.NotEqual(t, old.ID, h.rt.Removed[0])
}

func TestNoBackupNoRollback(t *testing.T) {
	h := newHarness(t)
	h.healthOK = false

	target := directTarget("app:v2")
	target.Units[0].HealthCheck = &types.HealthCheckSpec{
		Path: "/health", Interval: 5 * time.Millisecond, Retries: 1,
	}

	res := h.orch.Run(context.Background(), target, Options{SkipBackup: true})
	require.True(t, res.Failed())
	assert.Equal(t, types.OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, backup.ErrNoBackup)
	assert.False(t, res.RolledBack)
	assert.Empty(t, res.RestoredFrom)

	// No restore was attempted and routing was never mutated.
	assert.Empty(t, h.db.Restores)
	assert.Equal(t, 0, h.px.Reloads)
	pointer, err := h.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, types.SlotBlue, pointer.Active)
	assert.Equal(t, uint64(0), pointer.Version)
}

func TestSmokeGateLeavesPointerUntouched(t *testing.T) {
	h := newHarness(t)
	h.smokeOK = false

	target := blueGreenTarget("app:v2")
	h.seedRunning(target, "app:v1", "r0")

	before, err := h.st.GetPointer(target.Key())
	require.NoError(t, err)

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageSmokeTesting, res.FailedStage)
	assert.Equal(t, types.FailureSmokeGate, res.FailureClass)

	after, err := h.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, before.Active, after.Active)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, h.px.Reloads)
}

func TestCutoverReloadFailureRevertsPointer(t *testing.T) {
	h := newHarness(t)

	target := blueGreenTarget("app:v2")
	h.seedRunning(target, "app:v1", "r0")
	h.px.FailReloadOnce = errors.New("nginx: reload failed")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageCuttingOver, res.FailedStage)
	assert.Equal(t, types.FailureCutover, res.FailureClass)

	// The pointer revert is the rollback; no backup restore on top of it.
	assert.True(t, res.RolledBack)
	assert.Empty(t, res.RestoredFrom)
	assert.Empty(t, h.db.Restores)

	pointer, err := h.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, types.SlotBlue, pointer.Active)

	current, err := h.manifests.Current(target.Key())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestBlueGreenDeploySuccess(t *testing.T) {
	h := newHarness(t)

	target := blueGreenTarget("app:v2")
	old := h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.False(t, res.Failed(), "pipeline error: %v", res.Err)

	pointer, err := h.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, pointer.Active)
	assert.Equal(t, 1, h.px.Reloads)

	// The old slot is only stopped by the deferred grace callback.
	assert.NotContains(t, h.rt.Stopped, old.ID)
	require.Len(t, h.deferred, 1)
	h.deferred[0]()
	assert.Contains(t, h.rt.Stopped, old.ID)
}

func TestRollbackRestoreFailureIsDoubleFailure(t *testing.T) {
	h := newHarness(t)
	h.healthOK = false
	h.db.FailRestore = errors.New("psql: connection refused")

	target := directTarget("app:v2")
	target.Database = &types.DatabaseSpec{
		Engine: "postgres", Host: "127.0.0.1", Port: 5432, Name: "shop", User: "shop",
	}
	target.Units[0].HealthCheck = &types.HealthCheckSpec{
		Path: "/health", Interval: 5 * time.Millisecond, Retries: 1,
	}
	h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.FailureDouble, res.FailureClass)
	assert.Equal(t, types.OutcomeFatal, res.Outcome)
	assert.False(t, res.RolledBack)
}

func TestValidationFailureIsFatalAndMutatesNothing(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")
	target.RequiredEnv = []string{"CAPSTAN_TEST_MISSING_VAR"}
	h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageValidating, res.FailedStage)
	assert.Equal(t, types.FailurePrecondition, res.FailureClass)
	assert.Equal(t, types.OutcomeFatal, res.Outcome)

	metas, err := h.backups.List(target.Key())
	require.NoError(t, err)
	assert.Empty(t, metas)
	assert.Empty(t, h.rt.Stopped)
	assert.Empty(t, h.rt.Pulled)
}

func TestForceDowngradesValidationFailures(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")
	target.RequiredEnv = []string{"CAPSTAN_TEST_MISSING_VAR"}
	h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{Force: true})
	assert.False(t, res.Failed(), "pipeline error: %v", res.Err)
}

func TestMigrationRunsInNewAPIUnit(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")
	target.MigrateCmd = []string{"bin/rails", "db:migrate"}
	h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.False(t, res.Failed(), "pipeline error: %v", res.Err)
	require.Len(t, h.rt.Execs, 1)
	assert.Equal(t, []string{"bin/rails", "db:migrate"}, h.rt.Execs[0])
}

func TestMigrationFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.rt.FailExec = errors.New("migration exited with status 1")

	target := directTarget("app:v2")
	target.MigrateCmd = []string{"bin/migrate"}
	h.seedRunning(target, "app:v1", "r0")

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.Equal(t, types.StageMigrating, res.FailedStage)
	assert.Equal(t, types.FailureMigrate, res.FailureClass)
	assert.True(t, res.RolledBack)
}

func TestSecondDeploySameTargetRejected(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v2")

	require.True(t, h.orch.acquire(target.Key()))
	defer h.orch.release(target.Key())

	res := h.orch.Run(context.Background(), target, Options{})
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrDeployInFlight)
}

func TestManualRollbackLatest(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v1")
	h.seedRunning(target, "app:v1", "r0")

	meta, err := h.backups.Create(context.Background(), target, backup.Options{CreatedBy: "alice"})
	require.NoError(t, err)

	res := h.orch.Rollback(context.Background(), target, "latest")
	require.False(t, res.Failed(), "rollback error: %v", res.Err)
	assert.Equal(t, meta.ID, res.RestoredFrom)
}

func TestManualRollbackUnknownBackup(t *testing.T) {
	h := newHarness(t)
	target := directTarget("app:v1")

	res := h.orch.Rollback(context.Background(), target, "shopfront-staging-19990101-000000")
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, backup.ErrBackupNotFound)
}

func TestManifestHistoryAccumulates(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		target := directTarget("app:v2")
		target.Units[0].Image = "app:v" + string(rune('1'+i))
		res := h.orch.Run(context.Background(), target, Options{})
		require.False(t, res.Failed(), "deploy %d error: %v", i, res.Err)
	}

	target := directTarget("")
	history, err := h.manifests.History(target.Key())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "app:v2", history[0].Images["api"])
	assert.Equal(t, "app:v1", history[1].Images["api"])
}
