// SPDX-License-Identifier: MIT

// Package gpu discovers GPU devices and reports which of them already host
// compute work.
package gpu

import (
	"context"
	"errors"
)

// ErrNoDevices is returned when a probe finds no GPUs.
var ErrNoDevices = errors.New("no GPU devices found")

// Device describes one GPU as reported by the driver.
type Device struct {
	Index          int
	UUID           string
	Name           string
	MemoryUsedMiB  int64
	MemoryTotalMiB int64
}

// Probe is the source of device information.
type Probe interface {
	// Devices lists the GPUs visible to the host, ordered by index.
	Devices(ctx context.Context) ([]Device, error)
	// BusyDevices returns the indices of GPUs running at least one compute process.
	BusyDevices(ctx context.Context) (map[int]bool, error)
}

// Static is a Probe over a fixed device list that never reports busy devices.
// It serves hosts without nvidia-smi and tests.
type Static struct {
	List []Device
}

// NewStatic returns a Static probe with one anonymous device per index.
func NewStatic(indices ...int) *Static {
	s := &Static{}
	for _, i := range indices {
		s.List = append(s.List, Device{Index: i})
	}
	return s
}

// Devices implements Probe.
func (s *Static) Devices(context.Context) ([]Device, error) {
	if len(s.List) == 0 {
		return nil, ErrNoDevices
	}
	out := make([]Device, len(s.List))
	copy(out, s.List)
	return out, nil
}

// BusyDevices implements Probe.
func (s *Static) BusyDevices(context.Context) (map[int]bool, error) {
	return map[int]bool{}, nil
}
