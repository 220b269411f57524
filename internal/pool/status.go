// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"fmt"

	"github.com/ManuGH/fastgpu/internal/fsutil"
)

// SlotStatus describes one slot.
type SlotStatus struct {
	ID     int         `json:"id"`
	Locked bool        `json:"locked"`
	Busy   bool        `json:"busy"`
	Lock   *LockRecord `json:"lock,omitempty"`
}

// Status is a point-in-time view of a work directory.
type Status struct {
	Path     string         `json:"path"`
	Kind     string         `json:"kind,omitempty"`
	Queue    map[string]int `json:"queue"`
	Slots    []SlotStatus   `json:"slots"`
	InFlight int            `json:"inFlight"`
	BusyErr  string         `json:"busyError,omitempty"`
}

// Snapshot reads queue counts and held locks straight from disk. It needs no
// allocator, so it works while another process is polling.
func Snapshot(dirs fsutil.Dirs) (Status, error) {
	st := Status{Path: dirs.Root, Queue: map[string]int{}}
	for dir, path := range map[string]string{
		fsutil.DirToRun:    dirs.ToRun,
		fsutil.DirRunning:  dirs.Running,
		fsutil.DirComplete: dirs.Complete,
		fsutil.DirFail:     dirs.Fail,
	} {
		n, err := fsutil.CountScripts(path)
		if err != nil {
			return Status{}, fmt.Errorf("count %s: %w", dir, err)
		}
		st.Queue[dir] = n
	}

	held, err := HeldSlots(dirs)
	if err != nil {
		return Status{}, fmt.Errorf("list slot locks: %w", err)
	}
	for _, id := range held {
		s := SlotStatus{ID: id, Locked: true}
		if rec, ok, err := ReadLock(dirs, id); err == nil && ok {
			s.Lock = &rec
		}
		st.Slots = append(st.Slots, s)
	}
	return st, nil
}

// Status extends Snapshot with every configured slot and its busy state.
func (p *ResourcePool) Status(ctx context.Context) (Status, error) {
	snap, err := Snapshot(p.dirs)
	if err != nil {
		return Status{}, err
	}
	held := make(map[int]SlotStatus, len(snap.Slots))
	for _, s := range snap.Slots {
		held[s.ID] = s
	}

	st := snap
	st.Kind = p.alloc.Kind()
	st.InFlight = p.InFlight()
	st.Slots = nil

	busy, err := p.alloc.Busy(ctx)
	if err != nil {
		st.BusyErr = err.Error()
	}
	for _, id := range p.alloc.IDs() {
		s, ok := held[id]
		if !ok {
			s = SlotStatus{ID: id}
		}
		s.Busy = busy[id]
		st.Slots = append(st.Slots, s)
	}
	return st, nil
}
