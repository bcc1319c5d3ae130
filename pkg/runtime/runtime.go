package runtime

import (
	"context"
	"time"

	"github.com/capstanhq/capstan/pkg/types"
)

// ContainerRuntime is the narrow client surface the orchestrator drives.
// Implementations are synchronous; callers bound every call with a context.
type ContainerRuntime interface {
	// ListUnits returns all units labeled with the given target key.
	ListUnits(ctx context.Context, target string) ([]*types.Unit, error)

	// PullImage fetches an image from its registry.
	PullImage(ctx context.Context, imageRef string) error

	// TagImage applies an additional reference to an existing image. The
	// source reference is preserved.
	TagImage(ctx context.Context, srcRef, dstRef string) error

	// UntagImage removes a reference. The underlying image survives as
	// long as other references point at it.
	UntagImage(ctx context.Context, ref string) error

	// CreateUnit creates (but does not start) a unit for the given spec
	// under the given slot identity. The release qualifier keeps direct
	// strategy container ids unique across deploys; superseded units from
	// the prior release stay in place, stopped, until cleanup.
	CreateUnit(ctx context.Context, target *types.Target, spec *types.UnitSpec, slot types.Slot, release string) (*types.Unit, error)

	// StartUnit starts a previously created or stopped unit.
	StartUnit(ctx context.Context, unitID string) error

	// StopUnit stops a unit gracefully, force-killing after timeout. The
	// unit is not removed.
	StopUnit(ctx context.Context, unitID string, timeout time.Duration) error

	// RemoveUnit deletes a unit and its snapshot.
	RemoveUnit(ctx context.Context, unitID string) error

	// InspectState returns the current state of a unit.
	InspectState(ctx context.Context, unitID string) (types.UnitState, error)

	// Exec runs a command inside a running unit and waits for it. A
	// non-zero exit is an error.
	Exec(ctx context.Context, unitID string, command []string) error

	// Close releases the runtime connection.
	Close() error
}

// UnitID computes the unit identity for a spec. Blue-green units are named
// by slot and reused across deploys; direct units carry a release qualifier
// because the old unit keeps its container id (stopped, not removed) while
// the new one starts. The network identity both sides contend on is the
// host port, which is why direct deploys have a stop-before-start gap.
func UnitID(target *types.Target, spec *types.UnitSpec, slot types.Slot, release string) string {
	base := target.Name + "-" + target.Environment + "-" + spec.Name
	if target.Strategy == types.StrategyBlueGreen {
		return base + "-" + string(slot)
	}
	return base + "-" + release
}

// SlotPortOffset separates the green slot's host ports from the blue
// slot's. Both slots of a blue-green target run at the same time, so they
// cannot share a bind address; the reverse proxy upstream for the active
// slot is the declared port plus this offset when the pointer is on green.
const SlotPortOffset = 10000

// HostPort computes the host port a unit binds. Direct units always take
// the spec's declared port, which is exactly why their deploys have a
// stop-before-start gap. Blue-green slots each get their own port so the
// inactive slot is bindable and probeable while the active slot serves.
func HostPort(target *types.Target, spec *types.UnitSpec, slot types.Slot) int {
	if target.Strategy == types.StrategyBlueGreen && slot == types.SlotGreen {
		return spec.Port + SlotPortOffset
	}
	return spec.Port
}
