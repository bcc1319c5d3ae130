package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capstanhq/capstan/pkg/types"
)

func TestUnitID(t *testing.T) {
	spec := &types.UnitSpec{Name: "api", Image: "app:v1", Port: 8080}

	tests := []struct {
		name     string
		strategy types.Strategy
		slot     types.Slot
		release  string
		expected string
	}{
		{
			name:     "blue-green names by slot",
			strategy: types.StrategyBlueGreen,
			slot:     types.SlotGreen,
			release:  "abc123",
			expected: "shop-production-api-green",
		},
		{
			name:     "blue-green ignores release",
			strategy: types.StrategyBlueGreen,
			slot:     types.SlotBlue,
			release:  "def456",
			expected: "shop-production-api-blue",
		},
		{
			name:     "direct names by release",
			strategy: types.StrategyDirect,
			slot:     types.SlotBlue,
			release:  "abc123",
			expected: "shop-production-api-abc123",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &types.Target{
				Name:        "shop",
				Environment: "production",
				Strategy:    tt.strategy,
				Units:       []*types.UnitSpec{spec},
			}
			assert.Equal(t, tt.expected, UnitID(target, spec, tt.slot, tt.release))
		})
	}
}

func TestHostPort(t *testing.T) {
	spec := &types.UnitSpec{Name: "api", Image: "app:v1", Port: 8080}

	tests := []struct {
		name     string
		strategy types.Strategy
		slot     types.Slot
		expected int
	}{
		{"direct blue", types.StrategyDirect, types.SlotBlue, 8080},
		{"direct green", types.StrategyDirect, types.SlotGreen, 8080},
		{"blue-green blue slot", types.StrategyBlueGreen, types.SlotBlue, 8080},
		{"blue-green green slot", types.StrategyBlueGreen, types.SlotGreen, 8080 + SlotPortOffset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &types.Target{
				Name:        "shop",
				Environment: "production",
				Strategy:    tt.strategy,
				Units:       []*types.UnitSpec{spec},
			}
			assert.Equal(t, tt.expected, HostPort(target, spec, tt.slot))
		})
	}
}

// Both slots of one blue-green target run at the same time, so their units
// must bind distinct host ports.
func TestBlueGreenSlotsBindDistinctPorts(t *testing.T) {
	spec := &types.UnitSpec{Name: "api", Image: "app:v1", Port: 8080}
	target := &types.Target{
		Name:        "shop",
		Environment: "production",
		Strategy:    types.StrategyBlueGreen,
		Units:       []*types.UnitSpec{spec},
	}
	assert.NotEqual(t,
		HostPort(target, spec, types.SlotBlue),
		HostPort(target, spec, types.SlotGreen))
}

func TestSlotOther(t *testing.T) {
	assert.Equal(t, types.SlotGreen, types.SlotBlue.Other())
	assert.Equal(t, types.SlotBlue, types.SlotGreen.Other())
}
