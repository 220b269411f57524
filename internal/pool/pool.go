// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pool runs queued scripts on a fixed set of slots (GPUs or plain
// workers), one script per slot at a time.
//
// Scripts are plain executables dropped into <path>/to_run. The pool moves a
// script into running/ while it executes and into complete/ or fail/ when it
// exits, depending on the exit status. Slot ownership is recorded as lock
// files in running/ so that a restarted poller can tell held slots from
// leftovers of a crashed one.
package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/gpu"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/telemetry"
	"github.com/rs/zerolog"
)

// ResourcePool dispatches scripts from a work directory onto slots.
type ResourcePool struct {
	dirs   fsutil.Dirs
	alloc  Allocator
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	owned map[int]bool

	wg       sync.WaitGroup
	inflight atomic.Int64
	lastPoll atomic.Int64
	// finished receives a token whenever a run releases its slot.
	finished chan struct{}

	closer io.Closer
}

// New creates the work directory layout under path and returns a pool over alloc.
func New(path string, alloc Allocator, opts Options) (*ResourcePool, error) {
	if len(alloc.IDs()) == 0 {
		return nil, ErrNoSlots
	}
	dirs, err := fsutil.SetupDirs(path)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	logger := log.WithComponent("pool")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer(telemetry.TracerName)
	}
	logger = logger.With().
		Str(log.FieldPath, dirs.Root).
		Str(log.FieldSlotKind, alloc.Kind()).
		Logger()

	return &ResourcePool{
		dirs:     dirs,
		alloc:    alloc,
		opts:     opts,
		logger:   logger,
		owned:    make(map[int]bool),
		finished: make(chan struct{}, 1),
	}, nil
}

// NewGPU returns a pool whose slots are GPUs discovered by probe.
func NewGPU(ctx context.Context, path string, probe gpu.Probe, ids []int, requireIdle bool, opts Options) (*ResourcePool, error) {
	alloc, err := NewGPUAllocator(ctx, probe, ids, requireIdle)
	if err != nil {
		return nil, err
	}
	return New(path, alloc, opts)
}

// NewFixedWorkers returns a pool of plain worker slots.
func NewFixedWorkers(path string, ids []int, opts Options) (*ResourcePool, error) {
	return New(path, NewFixedAllocator(ids), opts)
}

// Dirs returns the work directory layout.
func (p *ResourcePool) Dirs() fsutil.Dirs { return p.dirs }

// Kind returns the slot kind of the allocator.
func (p *ResourcePool) Kind() string { return p.alloc.Kind() }

// InFlight returns the number of scripts currently executing.
func (p *ResourcePool) InFlight() int { return int(p.inflight.Load()) }

// LastPoll returns the time the poll loop last completed a pass, or the zero
// time if it has not run.
func (p *ResourcePool) LastPoll() time.Time {
	ns := p.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetCloser attaches a resource (typically the history store) released by Close.
func (p *ResourcePool) SetCloser(c io.Closer) { p.closer = c }

// Close releases the attached resources. It does not stop running scripts;
// cancel the PollScripts context for that.
func (p *ResourcePool) Close() error {
	if p.closer == nil {
		return nil
	}
	if err := p.closer.Close(); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	return nil
}

// IsAvailable reports whether slot id is neither locked nor busy.
func (p *ResourcePool) IsAvailable(ctx context.Context, id int) (bool, error) {
	if p.IsLocked(id) {
		return false, nil
	}
	busy, err := p.alloc.Busy(ctx)
	if err != nil {
		return false, fmt.Errorf("query busy slots: %w", err)
	}
	return !busy[id], nil
}

// FindNext returns the first available slot in allocator order.
func (p *ResourcePool) FindNext(ctx context.Context) (int, bool, error) {
	busy, err := p.alloc.Busy(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("query busy slots: %w", err)
	}
	for _, id := range p.alloc.IDs() {
		if !p.IsLocked(id) && !busy[id] {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// LockNext locks the first available slot for script.
func (p *ResourcePool) LockNext(ctx context.Context, script string) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok, err := p.FindNext(ctx)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := p.lockLocked(id, LockRecord{Script: script}); err != nil {
		return 0, false, err
	}
	return id, true, nil
}
