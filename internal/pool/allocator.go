// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/ManuGH/fastgpu/internal/gpu"
)

// Slot kinds.
const (
	KindGPU    = "gpu"
	KindWorker = "worker"
)

// Allocator decides which slots exist and whether something outside the pool
// is occupying them.
type Allocator interface {
	Kind() string
	// IDs returns slot ids in dispatch order.
	IDs() []int
	// Busy reports slots occupied by foreign work.
	Busy(ctx context.Context) (map[int]bool, error)
	// Env returns extra environment for a script running on slot id.
	Env(id int) []string
}

type gpuAllocator struct {
	probe       gpu.Probe
	ids         []int
	requireIdle bool
}

// NewGPUAllocator returns an allocator over the probed GPUs. An empty ids
// selects every device. With requireIdle, a GPU hosting any compute process
// is not handed out.
func NewGPUAllocator(ctx context.Context, probe gpu.Probe, ids []int, requireIdle bool) (Allocator, error) {
	devices, err := probe.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe GPUs: %w", err)
	}
	known := make([]int, 0, len(devices))
	for _, d := range devices {
		known = append(known, d.Index)
	}
	if len(ids) == 0 {
		ids = known
	}
	for _, id := range ids {
		if !slices.Contains(known, id) {
			return nil, fmt.Errorf("%w: %d (have %v)", ErrUnknownDevice, id, known)
		}
	}
	return &gpuAllocator{probe: probe, ids: slices.Clone(ids), requireIdle: requireIdle}, nil
}

func (a *gpuAllocator) Kind() string { return KindGPU }
func (a *gpuAllocator) IDs() []int   { return slices.Clone(a.ids) }

func (a *gpuAllocator) Busy(ctx context.Context) (map[int]bool, error) {
	if !a.requireIdle {
		return map[int]bool{}, nil
	}
	return a.probe.BusyDevices(ctx)
}

func (a *gpuAllocator) Env(id int) []string {
	return []string{"CUDA_VISIBLE_DEVICES=" + strconv.Itoa(id)}
}

type fixedAllocator struct {
	ids []int
}

// NewFixedAllocator returns worker slots that are never busy externally.
func NewFixedAllocator(ids []int) Allocator {
	return &fixedAllocator{ids: slices.Clone(ids)}
}

// WorkerIDs returns ids 0..n-1.
func WorkerIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (a *fixedAllocator) Kind() string                               { return KindWorker }
func (a *fixedAllocator) IDs() []int                                 { return slices.Clone(a.ids) }
func (a *fixedAllocator) Busy(context.Context) (map[int]bool, error) { return map[int]bool{}, nil }
func (a *fixedAllocator) Env(int) []string                           { return nil }
