package cutover

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/proxy"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

type env struct {
	rt  *runtime.FakeRuntime
	px  *proxy.FakeProxy
	st  store.Store
	ctl *Controller

	deferred []func()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		rt: runtime.NewFakeRuntime(),
		px: &proxy.FakeProxy{},
	}
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	e.st = st

	e.ctl = NewController(e.rt, e.px, st)
	e.ctl.AfterFunc = func(d time.Duration, f func()) *time.Timer {
		e.deferred = append(e.deferred, f)
		return nil
	}
	return e
}

func blueGreenTarget() *types.Target {
	return &types.Target{
		Name:        "shopfront",
		Environment: "production",
		Strategy:    types.StrategyBlueGreen,
		Units:       []*types.UnitSpec{{Name: "api", Image: "app:v2", Port: 8080}},
	}
}

func directTarget() *types.Target {
	t := blueGreenTarget()
	t.Strategy = types.StrategyDirect
	return t
}

func TestPlanForDirect(t *testing.T) {
	e := newEnv(t)

	plan, err := e.ctl.PlanFor(directTarget())
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSlot, plan.DeploySlot)
	assert.Equal(t, types.DefaultSlot, plan.ActiveSlot)
}

func TestPlanForBlueGreenDeploysIntoInactiveSlot(t *testing.T) {
	e := newEnv(t)
	target := blueGreenTarget()

	plan, err := e.ctl.PlanFor(target)
	require.NoError(t, err)
	assert.Equal(t, types.SlotBlue, plan.ActiveSlot)
	assert.Equal(t, types.SlotGreen, plan.DeploySlot)
	assert.Equal(t, uint64(0), plan.PointerVer)

	// After a flip, the next plan goes the other way.
	_, err = e.st.CompareAndSwapPointer(target.Key(), 0, types.SlotGreen)
	require.NoError(t, err)

	plan, err = e.ctl.PlanFor(target)
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, plan.ActiveSlot)
	assert.Equal(t, types.SlotBlue, plan.DeploySlot)
	assert.Equal(t, uint64(1), plan.PointerVer)
}

func TestDirectCutoverIsJustAReload(t *testing.T) {
	e := newEnv(t)

	plan, err := e.ctl.PlanFor(directTarget())
	require.NoError(t, err)

	res, err := e.ctl.Cutover(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.False(t, res.Reverted)
	assert.Equal(t, 1, e.px.Reloads)
}

func TestBlueGreenCutoverFlipsAndSchedulesStop(t *testing.T) {
	e := newEnv(t)
	target := blueGreenTarget()

	oldUnit := &types.Unit{
		ID: "shopfront-production-api-blue", Target: target.Key(),
		SpecName: "api", Slot: types.SlotBlue, State: types.UnitStateRunning,
	}
	e.rt.Seed(oldUnit)

	plan, err := e.ctl.PlanFor(target)
	require.NoError(t, err)

	res, err := e.ctl.Cutover(context.Background(), plan, []*types.Unit{oldUnit})
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, res.FlippedTo)
	assert.Equal(t, 1, e.px.Reloads)

	pointer, err := e.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, types.SlotGreen, pointer.Active)

	// The old slot is untouched until the grace callback fires.
	assert.Empty(t, e.rt.Stopped)
	require.Len(t, e.deferred, 1)
	e.deferred[0]()
	assert.Contains(t, e.rt.Stopped, oldUnit.ID)
}

func TestReloadFailureFlipsPointerBack(t *testing.T) {
	e := newEnv(t)
	target := blueGreenTarget()
	e.px.FailReloadOnce = errors.New("nginx: [emerg] invalid config")

	plan, err := e.ctl.PlanFor(target)
	require.NoError(t, err)

	res, err := e.ctl.Cutover(context.Background(), plan, nil)
	require.Error(t, err)
	assert.True(t, res.Reverted)

	pointer, err := e.st.GetPointer(target.Key())
	require.NoError(t, err)
	assert.Equal(t, types.SlotBlue, pointer.Active)

	// No deferred stop was scheduled for a failed cutover.
	assert.Empty(t, e.deferred)
}

func TestStalePlanRejected(t *testing.T) {
	e := newEnv(t)
	target := blueGreenTarget()

	plan, err := e.ctl.PlanFor(target)
	require.NoError(t, err)

	// Another writer moved the pointer after planning.
	_, err = e.st.CompareAndSwapPointer(target.Key(), 0, types.SlotGreen)
	require.NoError(t, err)

	_, err = e.ctl.Cutover(context.Background(), plan, nil)
	require.ErrorIs(t, err, store.ErrPointerConflict)
	assert.Equal(t, 0, e.px.Reloads)
}

func TestGraceStopSkippedAfterInstantRevert(t *testing.T) {
	e := newEnv(t)
	target := blueGreenTarget()

	oldUnit := &types.Unit{
		ID: "shopfront-production-api-blue", Target: target.Key(),
		SpecName: "api", Slot: types.SlotBlue, State: types.UnitStateRunning,
	}
	e.rt.Seed(oldUnit)

	plan, err := e.ctl.PlanFor(target)
	require.NoError(t, err)
	_, err = e.ctl.Cutover(context.Background(), plan, []*types.Unit{oldUnit})
	require.NoError(t, err)

	// Operator flips back inside the grace window.
	require.NoError(t, e.ctl.Revert(context.Background(), plan))

	require.Len(t, e.deferred, 1)
	e.deferred[0]()
	assert.Empty(t, e.rt.Stopped, "revert makes the old slot live again; it must not be stopped")
}
