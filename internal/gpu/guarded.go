// SPDX-License-Identifier: MIT

package gpu

import (
	"context"

	"github.com/ManuGH/fastgpu/internal/resilience"
)

// Guarded wraps a Probe with a circuit breaker so a wedged driver fails fast
// instead of costing a full query timeout on every poll.
type Guarded struct {
	Probe   Probe
	Breaker *resilience.CircuitBreaker
}

// NewGuarded wraps p with cb.
func NewGuarded(p Probe, cb *resilience.CircuitBreaker) *Guarded {
	return &Guarded{Probe: p, Breaker: cb}
}

// Devices implements Probe.
func (g *Guarded) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := g.Breaker.Execute(func() error {
		var err error
		out, err = g.Probe.Devices(ctx)
		return err
	})
	return out, err
}

// BusyDevices implements Probe.
func (g *Guarded) BusyDevices(ctx context.Context) (map[int]bool, error) {
	var out map[int]bool
	err := g.Breaker.Execute(func() error {
		var err error
		out, err = g.Probe.BusyDevices(ctx)
		return err
	})
	return out, err
}
