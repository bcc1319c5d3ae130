package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capstanhq/capstan/pkg/types"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. Failure hooks let
// tests force individual operations to fail.
type FakeRuntime struct {
	mu    sync.Mutex
	units map[string]*types.Unit
	tags  map[string]string // tag -> underlying image reference

	Pulled   []string
	Execs    [][]string
	Stopped  []string
	Removed  []string
	Started  []string

	FailPull   error
	FailStart  error
	FailStop   error
	FailExec   error
	FailTag    error
	FailCreate error

	// FailStartOnce fails only the next StartUnit call, then clears.
	FailStartOnce error
}

// NewFakeRuntime creates an empty fake runtime
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		units: make(map[string]*types.Unit),
		tags:  make(map[string]string),
	}
}

// Seed installs a running unit, as if a previous deploy had created it.
func (f *FakeRuntime) Seed(unit *types.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *unit
	if u.State == "" {
		u.State = types.UnitStateRunning
	}
	f.units[u.ID] = &u
	if _, ok := f.tags[u.Image]; !ok {
		f.tags[u.Image] = u.Image
	}
}

// Unit returns a copy of a unit by id, or nil.
func (f *FakeRuntime) Unit(id string) *types.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[id]; ok {
		c := *u
		return &c
	}
	return nil
}

// Resolve returns the image reference a tag points at.
func (f *FakeRuntime) Resolve(tag string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[tag]
}

func (f *FakeRuntime) ListUnits(ctx context.Context, target string) ([]*types.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var units []*types.Unit
	for _, u := range f.units {
		if u.Target == target {
			c := *u
			units = append(units, &c)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (f *FakeRuntime) PullImage(ctx context.Context, imageRef string) error {
	if f.FailPull != nil {
		return f.FailPull
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulled = append(f.Pulled, imageRef)
	if _, ok := f.tags[imageRef]; !ok {
		f.tags[imageRef] = imageRef
	}
	return nil
}

func (f *FakeRuntime) TagImage(ctx context.Context, srcRef, dstRef string) error {
	if f.FailTag != nil {
		return f.FailTag
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	underlying, ok := f.tags[srcRef]
	if !ok {
		return fmt.Errorf("image not found: %s", srcRef)
	}
	f.tags[dstRef] = underlying
	return nil
}

func (f *FakeRuntime) UntagImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tags, ref)
	return nil
}

func (f *FakeRuntime) CreateUnit(ctx context.Context, target *types.Target, spec *types.UnitSpec, slot types.Slot, release string) (*types.Unit, error) {
	if f.FailCreate != nil {
		return nil, f.FailCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := UnitID(target, spec, slot, release)
	if _, exists := f.units[id]; exists {
		if target.Strategy != types.StrategyBlueGreen {
			return nil, fmt.Errorf("unit already exists: %s", id)
		}
		delete(f.units, id)
	}
	unit := &types.Unit{
		ID:        id,
		Target:    target.Key(),
		SpecName:  spec.Name,
		Slot:      slot,
		Image:     spec.Image,
		Port:      HostPort(target, spec, slot),
		State:     types.UnitStatePending,
		CreatedAt: time.Now(),
	}
	f.units[id] = unit
	c := *unit
	return &c, nil
}

func (f *FakeRuntime) StartUnit(ctx context.Context, unitID string) error {
	if f.FailStart != nil {
		return f.FailStart
	}
	if f.FailStartOnce != nil {
		err := f.FailStartOnce
		f.FailStartOnce = nil
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return fmt.Errorf("unit not found: %s", unitID)
	}
	u.State = types.UnitStateRunning
	u.StartedAt = time.Now()
	f.Started = append(f.Started, unitID)
	return nil
}

func (f *FakeRuntime) StopUnit(ctx context.Context, unitID string, timeout time.Duration) error {
	if f.FailStop != nil {
		return f.FailStop
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return nil
	}
	u.State = types.UnitStateStopped
	f.Stopped = append(f.Stopped, unitID)
	return nil
}

func (f *FakeRuntime) RemoveUnit(ctx context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, unitID)
	f.Removed = append(f.Removed, unitID)
	return nil
}

func (f *FakeRuntime) InspectState(ctx context.Context, unitID string) (types.UnitState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[unitID]
	if !ok {
		return types.UnitStateFailed, fmt.Errorf("unit not found: %s", unitID)
	}
	return u.State, nil
}

func (f *FakeRuntime) Exec(ctx context.Context, unitID string, command []string) error {
	if f.FailExec != nil {
		return f.FailExec
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[unitID]; !ok {
		return fmt.Errorf("unit not found: %s", unitID)
	}
	f.Execs = append(f.Execs, command)
	return nil
}

func (f *FakeRuntime) Close() error { return nil }

var _ ContainerRuntime = (*FakeRuntime)(nil)
