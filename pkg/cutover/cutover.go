package cutover

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/metrics"
	"github.com/capstanhq/capstan/pkg/proxy"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
)

// DefaultGracePeriod is how long the superseded blue-green slot keeps its
// units stopped-but-revertable after a cutover (300s).
const DefaultGracePeriod = 300 * time.Second

// Plan is computed before deploying and consumed at cutover time. For
// blue-green targets it pins the pointer version observed at planning, so
// a racing deploy against the same target is rejected at the flip.
type Plan struct {
	Target       *types.Target
	ActiveSlot   types.Slot
	DeploySlot   types.Slot
	PointerVer   uint64
}

// Result reports what the cutover did.
type Result struct {
	// FlippedTo is the now-active slot (blue-green only)
	FlippedTo types.Slot

	// Reverted is true when a failed cutover already restored the prior
	// routing itself (pointer flipped back). The caller must not invoke
	// the backup restore path on top of it.
	Reverted bool
}

// Controller switches live traffic from the old unit set to the new one.
// It is the only writer of the active-slot pointer.
type Controller struct {
	runtime runtime.ContainerRuntime
	proxy   proxy.ReverseProxy
	store   store.Store
	logger  zerolog.Logger

	// GracePeriod before the old slot's units are stopped (default: 300s)
	GracePeriod time.Duration

	// AfterFunc schedules the deferred old-slot stop; overridable in
	// tests (default: time.AfterFunc)
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

// NewController creates a cutover controller
func NewController(rt runtime.ContainerRuntime, px proxy.ReverseProxy, st store.Store) *Controller {
	return &Controller{
		runtime:     rt,
		proxy:       px,
		store:       st,
		logger:      log.WithComponent("cutover"),
		GracePeriod: DefaultGracePeriod,
		AfterFunc:   time.AfterFunc,
	}
}

// PlanFor computes where the next deploy goes. Direct targets always deploy
// under the default slot; blue-green targets deploy into the inactive slot
// while the active one keeps serving.
func (c *Controller) PlanFor(target *types.Target) (*Plan, error) {
	plan := &Plan{
		Target:     target,
		ActiveSlot: types.DefaultSlot,
		DeploySlot: types.DefaultSlot,
	}
	if target.Strategy != types.StrategyBlueGreen {
		return plan, nil
	}

	pointer, err := c.store.GetPointer(target.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to read slot pointer: %w", err)
	}
	plan.ActiveSlot = pointer.Active
	plan.DeploySlot = pointer.Active.Other()
	plan.PointerVer = pointer.Version
	return plan, nil
}

// Cutover switches live traffic to the units deployed under the plan.
//
// Direct strategy: the new units already hold the old network identity, so
// the cutover is a proxy reload. On failure the caller owns recovery via
// the backup restore path.
//
// Blue-green: a single atomic pointer flip followed by a reload. On reload
// failure the pointer is flipped back before returning, so traffic is never
// left pointed at an unvalidated slot.
func (c *Controller) Cutover(ctx context.Context, plan *Plan, oldUnits []*types.Unit) (*Result, error) {
	if plan.Target.Strategy != types.StrategyBlueGreen {
		if err := c.reload(ctx); err != nil {
			return &Result{}, fmt.Errorf("proxy reload failed: %w", err)
		}
		return &Result{}, nil
	}

	// The flip is the only step that changes live traffic. CAS rejects a
	// pointer that moved since planning.
	flipped, err := c.store.CompareAndSwapPointer(plan.Target.Key(), plan.PointerVer, plan.DeploySlot)
	if err != nil {
		return &Result{}, fmt.Errorf("failed to flip slot pointer: %w", err)
	}
	c.logger.Info().Str("target", plan.Target.Key()).Str("slot", string(flipped.Active)).Msg("slot pointer flipped")

	if err := c.reload(ctx); err != nil {
		// Flip back; the old slot is still running and still correct.
		if _, revertErr := c.store.CompareAndSwapPointer(plan.Target.Key(), flipped.Version, plan.ActiveSlot); revertErr != nil {
			c.logger.Error().Err(revertErr).Str("target", plan.Target.Key()).Msg("failed to revert slot pointer")
			return &Result{}, fmt.Errorf("proxy reload failed and pointer revert failed: %w", err)
		}
		c.logger.Warn().Str("target", plan.Target.Key()).Str("slot", string(plan.ActiveSlot)).Msg("slot pointer reverted")
		return &Result{Reverted: true}, fmt.Errorf("proxy reload failed: %w", err)
	}

	c.scheduleOldSlotStop(plan, oldUnits)
	return &Result{FlippedTo: plan.DeploySlot}, nil
}

// Revert flips the pointer back to the previously active slot and reloads.
// Used for instant post-cutover rollback while the old slot still exists.
func (c *Controller) Revert(ctx context.Context, plan *Plan) error {
	pointer, err := c.store.GetPointer(plan.Target.Key())
	if err != nil {
		return fmt.Errorf("failed to read slot pointer: %w", err)
	}
	if _, err := c.store.CompareAndSwapPointer(plan.Target.Key(), pointer.Version, plan.ActiveSlot); err != nil {
		return fmt.Errorf("failed to revert slot pointer: %w", err)
	}
	return c.reload(ctx)
}

// scheduleOldSlotStop stops the superseded slot's units after the grace
// period. Draining and the instant-revert window both come from this delay.
// Best effort: a failure here never changes the reported pipeline outcome.
func (c *Controller) scheduleOldSlotStop(plan *Plan, oldUnits []*types.Unit) {
	grace := c.GracePeriod
	if plan.Target.GracePeriod > 0 {
		grace = plan.Target.GracePeriod
	}

	targetKey := plan.Target.Key()
	oldSlot := plan.ActiveSlot
	c.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		// Skip the stop if the pointer moved back to the old slot in the
		// meantime (operator used the instant-revert window).
		pointer, err := c.store.GetPointer(targetKey)
		if err == nil && pointer.Active == oldSlot {
			c.logger.Warn().Str("target", targetKey).Msg("old slot became active again, leaving its units running")
			return
		}

		for _, unit := range oldUnits {
			if unit.Slot != oldSlot {
				continue
			}
			if err := c.runtime.StopUnit(ctx, unit.ID, 10*time.Second); err != nil {
				c.logger.Warn().Err(err).Str("unit", unit.ID).Msg("failed to stop superseded slot unit")
			}
		}
	})
}

func (c *Controller) reload(ctx context.Context) error {
	if err := c.proxy.Reload(ctx); err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ProxyReloadsTotal.WithLabelValues("success").Inc()
	return nil
}
