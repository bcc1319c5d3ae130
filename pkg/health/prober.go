package health

import (
	"context"
	"fmt"
	"time"

	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/types"
)

// GateState is the terminal state of a health gate for one unit.
type GateState string

const (
	GateStarting  GateState = "starting"
	GateHealthy   GateState = "healthy"
	GateUnhealthy GateState = "unhealthy"
	GateTimeout   GateState = "timeout"
)

// Failed reports whether the state fails the gate. Timeout and Unhealthy
// are treated identically by callers.
func (g GateState) Failed() bool {
	return g == GateUnhealthy || g == GateTimeout
}

const (
	// DefaultGateTimeout bounds the health gate for direct deploys
	DefaultGateTimeout = 60 * time.Second

	// DefaultSlotGateTimeout bounds the health gate for blue-green
	// deploys, which warm up through migrations and need longer
	DefaultSlotGateTimeout = 120 * time.Second
)

// Prober drives a unit from Starting to a terminal gate state. It polls at
// a fixed interval up to a bounded total timeout. Unhealthy is terminal:
// the prober never retries past it, retry policy belongs to the caller.
type Prober struct {
	runtime runtime.ContainerRuntime
	policy  types.HealthPolicy

	// Interval between polls (default: 2s)
	Interval time.Duration

	// NewChecker builds the checker for a unit; overridable in tests.
	NewChecker func(unit *types.Unit, spec *types.HealthCheckSpec) Checker
}

// NewProber creates a prober over the given runtime
func NewProber(rt runtime.ContainerRuntime, policy types.HealthPolicy) *Prober {
	p := &Prober{
		runtime:  rt,
		policy:   policy,
		Interval: 2 * time.Second,
	}
	p.NewChecker = p.defaultChecker
	return p
}

func (p *Prober) defaultChecker(unit *types.Unit, spec *types.HealthCheckSpec) Checker {
	if spec.Type == "tcp" {
		return NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", unit.Port))
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", unit.Port, spec.Path)
	checker := NewHTTPChecker(url)
	if spec.ExpectedStatus != 0 {
		checker.WithStatus(spec.ExpectedStatus)
	}
	if spec.Timeout != 0 {
		checker.WithTimeout(spec.Timeout)
	}
	return checker
}

// WaitHealthy polls the unit until it is healthy, declared unhealthy, or
// the gate times out.
//
// A unit with no declared health check is healthy once observed running
// under the permissive policy, and fails the gate under the strict policy.
func (p *Prober) WaitHealthy(ctx context.Context, unit *types.Unit, spec *types.UnitSpec, gateTimeout time.Duration) (GateState, error) {
	deadline := time.Now().Add(gateTimeout)

	cfg := DefaultConfig()
	cfg.Interval = p.Interval
	var checker Checker
	if hc := spec.HealthCheck; hc != nil {
		if hc.Retries != 0 {
			cfg.Retries = hc.Retries
		}
		if hc.Interval != 0 {
			cfg.Interval = hc.Interval
		}
		// The probe context must honor a declared timeout too, or a slow
		// check gets cut off at the default before the client's own limit.
		if hc.Timeout != 0 {
			cfg.Timeout = hc.Timeout
		}
		cfg.StartPeriod = spec.StartupGrace
		checker = p.NewChecker(unit, hc)
	} else if p.policy == types.HealthPolicyStrict {
		return GateUnhealthy, fmt.Errorf("unit %s declares no health check and policy is strict", unit.ID)
	}

	status := NewStatus()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		state, err := p.runtime.InspectState(ctx, unit.ID)
		if err != nil {
			return GateUnhealthy, fmt.Errorf("failed to inspect unit %s: %w", unit.ID, err)
		}
		if state == types.UnitStateFailed {
			return GateUnhealthy, fmt.Errorf("unit %s exited", unit.ID)
		}

		if state == types.UnitStateRunning {
			if checker == nil {
				// No health check declared: running is healthy.
				return GateHealthy, nil
			}

			checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			result := checker.Check(checkCtx)
			cancel()
			status.Update(result)

			if result.Healthy {
				return GateHealthy, nil
			}
			// Failures during the startup grace period do not count
			// toward the unhealthy threshold.
			if !status.InStartPeriod(cfg) && status.ConsecutiveFailures >= cfg.Retries {
				return GateUnhealthy, fmt.Errorf("unit %s unhealthy after %d consecutive failures: %s",
					unit.ID, status.ConsecutiveFailures, result.Message)
			}
		}

		if time.Now().After(deadline) {
			msg := "unit never reached running state"
			if status.LastResult.Message != "" {
				msg = status.LastResult.Message
			}
			return GateTimeout, fmt.Errorf("unit %s health gate timed out after %s: %s", unit.ID, gateTimeout, msg)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return GateTimeout, ctx.Err()
		}
	}
}
