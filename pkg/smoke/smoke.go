package smoke

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/health"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/types"
)

// Paths probed per role, primary first. Probes hit the unit's host port
// directly; the reverse proxy is never involved, so a smoke failure means
// live traffic was never at risk.
var rolePaths = map[types.UnitRole][]string{
	types.UnitRoleAPI: {"/health", "/"},
	types.UnitRoleWeb: {"/", "/index.html"},
}

// Tester runs lightweight functional probes against newly deployed units,
// after the health gate and before cutover.
type Tester struct {
	// Attempts per path (default: 2)
	Attempts int

	// Timeout per probe (default: 5s)
	Timeout time.Duration

	// NewChecker builds the probe for a URL; overridable in tests.
	NewChecker func(url string) health.Checker

	logger zerolog.Logger
}

// NewTester creates a tester with defaults
func NewTester() *Tester {
	return &Tester{
		Attempts: 2,
		Timeout:  5 * time.Second,
		NewChecker: func(url string) health.Checker {
			return health.NewHTTPChecker(url).WithTimeout(5 * time.Second)
		},
		logger: log.WithComponent("smoke"),
	}
}

// Run probes every unit with a recognizable role. A unit failing all of its
// probed paths fails the test. Units with no role are skipped.
func (t *Tester) Run(ctx context.Context, units []*types.Unit, specs map[string]*types.UnitSpec) error {
	for _, unit := range units {
		spec, ok := specs[unit.SpecName]
		if !ok || spec.Role == "" {
			continue
		}
		paths, ok := rolePaths[spec.Role]
		if !ok {
			continue
		}

		if err := t.probeUnit(ctx, unit, paths); err != nil {
			return fmt.Errorf("smoke test failed for unit %s: %w", unit.ID, err)
		}
		t.logger.Info().Str("unit", unit.ID).Str("role", string(spec.Role)).Msg("smoke test passed")
	}
	return nil
}

// probeUnit succeeds if any probed path answers successfully
func (t *Tester) probeUnit(ctx context.Context, unit *types.Unit, paths []string) error {
	var lastMsg string
	for _, path := range paths {
		url := fmt.Sprintf("http://127.0.0.1:%d%s", unit.Port, path)
		checker := t.NewChecker(url)

		for attempt := 0; attempt < t.Attempts; attempt++ {
			probeCtx, cancel := context.WithTimeout(ctx, t.Timeout)
			result := checker.Check(probeCtx)
			cancel()

			if result.Healthy {
				return nil
			}
			lastMsg = result.Message
		}
		t.logger.Debug().Str("unit", unit.ID).Str("path", path).Str("result", lastMsg).Msg("smoke probe failed, trying fallback")
	}
	return fmt.Errorf("all probed paths failed: %s", lastMsg)
}
