// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/metrics"
)

const (
	lockPrefix = ".slot-"
	lockSuffix = ".lock"
)

// LockRecord is the content of a slot lock file.
type LockRecord struct {
	PID      int       `json:"pid"`
	Script   string    `json:"script"`
	RunID    string    `json:"run_id,omitempty"`
	// Out is the base name of the run's files under out/.
	Out      string    `json:"out,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

func lockPath(dirs fsutil.Dirs, id int) string {
	return filepath.Join(dirs.Running, lockPrefix+strconv.Itoa(id)+lockSuffix)
}

// IsLocked reports whether a lock file exists for slot id.
func (p *ResourcePool) IsLocked(id int) bool {
	_, err := os.Stat(lockPath(p.dirs, id))
	return err == nil
}

// Lock takes slot id for rec. It fails with ErrSlotLocked if the slot is held.
func (p *ResourcePool) Lock(id int, rec LockRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockLocked(id, rec)
}

func (p *ResourcePool) lockLocked(id int, rec LockRecord) error {
	if p.IsLocked(id) {
		return fmt.Errorf("slot %d: %w", id, ErrSlotLocked)
	}
	if rec.LockedAt.IsZero() {
		rec.LockedAt = time.Now().UTC()
	}
	if err := writeLock(p.dirs, id, rec); err != nil {
		return err
	}
	p.owned[id] = true
	metrics.SetSlotLocked(id, p.alloc.Kind(), true)
	return nil
}

// Unlock releases slot id. Unlocking a free slot is not an error.
func (p *ResourcePool) Unlock(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.owned, id)
	metrics.SetSlotLocked(id, p.alloc.Kind(), false)
	if err := os.Remove(lockPath(p.dirs, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlock slot %d: %w", id, err)
	}
	return nil
}

// updateLock rewrites the record of a slot this pool holds.
func (p *ResourcePool) updateLock(id int, rec LockRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owned[id] {
		return fmt.Errorf("slot %d is not held by this pool", id)
	}
	return writeLock(p.dirs, id, rec)
}

func writeLock(dirs fsutil.Dirs, id int, rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(lockPath(dirs, id), data); err != nil {
		return fmt.Errorf("lock slot %d: %w", id, err)
	}
	return nil
}

// ReadLock returns the record of slot id, or false if the slot is free.
func ReadLock(dirs fsutil.Dirs, id int) (LockRecord, bool, error) {
	data, err := os.ReadFile(lockPath(dirs, id))
	if errors.Is(err, os.ErrNotExist) {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return LockRecord{}, true, fmt.Errorf("slot %d: corrupt lock file: %w", id, err)
	}
	return rec, true, nil
}

// HeldSlots lists the slot ids that have a lock file, ascending.
func HeldSlots(dirs fsutil.Dirs) ([]int, error) {
	entries, err := os.ReadDir(dirs.Running)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, lockPrefix) || !strings.HasSuffix(name, lockSuffix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, lockPrefix), lockSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// reclaimStaleLocks removes locks not held by this pool whose owner is gone:
// the recorded PID is dead, or no PID was ever recorded and the lock is older
// than one poll interval. A script left behind in running/ is failed.
func (p *ResourcePool) reclaimStaleLocks(now time.Time) error {
	ids, err := HeldSlots(p.dirs)
	if err != nil {
		return fmt.Errorf("list slot locks: %w", err)
	}
	for _, id := range ids {
		if _, err := p.reclaimSlot(id, now); err != nil {
			return err
		}
	}
	return nil
}

// reclaimSlot removes the lock of slot id if it is stale and reports whether
// it did. A lock that vanished since it was listed was released by one of
// this pool's runs and is left alone.
func (p *ResourcePool) reclaimSlot(id int, now time.Time) (bool, error) {
	p.mu.Lock()
	owned := p.owned[id]
	p.mu.Unlock()
	if owned {
		return false, nil
	}

	rec, held, err := ReadLock(p.dirs, id)
	if err == nil && (!held || !p.isStale(rec, now)) {
		return false, nil
	}

	logger := p.logger.With().
		Int(log.FieldSlot, id).
		Int(log.FieldPID, rec.PID).
		Str(log.FieldScript, rec.Script).
		Logger()
	if err := os.Remove(lockPath(p.dirs, id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove stale lock %d: %w", id, err)
	}
	metrics.IncStaleLockReclaimed()
	metrics.SetSlotLocked(id, p.alloc.Kind(), false)

	if rec.Script != "" {
		p.failOrphan(rec, &logger)
	}
	logger.Warn().Str(log.FieldEvent, "pool.stale_lock_reclaimed").Msg("reclaimed stale slot lock")
	return true, nil
}

func (p *ResourcePool) isStale(rec LockRecord, now time.Time) bool {
	if rec.PID > 0 {
		return !aliveFunc(rec.PID)
	}
	return now.Sub(rec.LockedAt) > p.opts.PollInterval
}
