// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"golang.org/x/time/rate"
)

// InstanceLockName is the flock file guarding a work directory.
const InstanceLockName = ".fastgpu.lock"

// PollScripts dispatches scripts from to_run until ctx is cancelled or, with
// exitWhenEmpty, until to_run is empty and no script is running.
//
// On cancellation running scripts are terminated and ctx.Err() is returned
// once they have settled. Script failures never stop the loop.
func (p *ResourcePool) PollScripts(ctx context.Context, exitWhenEmpty bool) error {
	instance := flock.New(filepath.Join(p.dirs.Root, InstanceLockName))
	locked, err := instance.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyPolling
	}
	defer func() { _ = instance.Unlock() }()

	if p.opts.History != nil {
		n, err := p.opts.History.AbandonRunning(ctx, "abandoned: owning poller exited", time.Now().UTC())
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to close stale history rows")
		} else if n > 0 {
			p.logger.Info().Int64("runs", n).Msg("closed stale history rows")
		}
	}

	wake, stopWatch := p.watch()
	defer stopWatch()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.logger.Info().
		Str(log.FieldEvent, "poll.started").
		Bool("exit_when_empty", exitWhenEmpty).
		Ints("slots", p.alloc.IDs()).
		Msg("polling for scripts")

	stall := rate.Sometimes{Interval: 10 * time.Second}
	// A wedged probe fails every pass; report it once per interval.
	failing := rate.Sometimes{First: 1, Interval: 10 * time.Second}
	for {
		if err := ctx.Err(); err != nil {
			return p.shutdown(err)
		}

		done, err := p.pollOnce(ctx, exitWhenEmpty, &stall)
		p.lastPoll.Store(time.Now().UnixNano())
		if err != nil {
			failing.Do(func() {
				p.logger.Error().Err(err).Str(log.FieldEvent, "poll.error").Msg("poll iteration failed")
			})
		}
		if done {
			p.wg.Wait()
			p.logger.Info().Str(log.FieldEvent, "poll.drained").Msg("to_run is empty, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			return p.shutdown(ctx.Err())
		case <-ticker.C:
		case <-wake:
		case <-p.finished:
		}
	}
}

// pollOnce dispatches as many scripts as there are free slots. It reports
// done when the pool should stop because there is nothing left to do.
func (p *ResourcePool) pollOnce(ctx context.Context, exitWhenEmpty bool, stall *rate.Sometimes) (bool, error) {
	if err := p.reclaimStaleLocks(time.Now()); err != nil {
		return false, err
	}
	p.recordQueueDepth()

	for ctx.Err() == nil {
		script, err := fsutil.NextScript(p.dirs.ToRun)
		if err != nil {
			return false, fmt.Errorf("scan to_run: %w", err)
		}
		if script == "" {
			return exitWhenEmpty && p.InFlight() == 0, nil
		}

		name := filepath.Base(script)
		id, ok, err := p.LockNext(ctx, name)
		if err != nil {
			return false, err
		}
		if !ok {
			metrics.IncDispatchStall()
			stall.Do(func() {
				p.logger.Debug().Str(log.FieldScript, name).Msg("no free slot, waiting")
			})
			return false, nil
		}

		running, err := fsutil.SafeRename(script, p.dirs.Running)
		if err != nil {
			_ = p.Unlock(id)
			if errors.Is(err, os.ErrNotExist) {
				// Removed from to_run between scan and move.
				continue
			}
			return false, fmt.Errorf("claim %s: %w", name, err)
		}
		if filepath.Base(running) != name {
			// Renamed on collision; the lock must name the file actually running.
			if err := p.updateLock(id, LockRecord{Script: filepath.Base(running), LockedAt: time.Now().UTC()}); err != nil {
				p.logger.Warn().Err(err).Msg("failed to update slot lock")
			}
		}

		runID := p.Run(ctx, running, id)
		p.logger.Info().
			Str(log.FieldEvent, "poll.dispatch").
			Str(log.FieldRunID, runID).
			Int(log.FieldSlot, id).
			Str(log.FieldScript, filepath.Base(running)).
			Msg("dispatched script")
	}
	return false, nil
}

func (p *ResourcePool) recordQueueDepth() {
	for dir, path := range map[string]string{
		fsutil.DirToRun:    p.dirs.ToRun,
		fsutil.DirRunning:  p.dirs.Running,
		fsutil.DirComplete: p.dirs.Complete,
		fsutil.DirFail:     p.dirs.Fail,
	} {
		if n, err := fsutil.CountScripts(path); err == nil {
			metrics.SetQueueScripts(dir, n)
		}
	}
}

// watch wakes the loop early when to_run changes. Without inotify the loop
// falls back to the ticker.
func (p *ResourcePool) watch() (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn().Err(err).Msg("file watcher unavailable, polling only")
		return wake, func() {}
	}
	if err := w.Add(p.dirs.ToRun); err != nil {
		_ = w.Close()
		p.logger.Warn().Err(err).Msg("cannot watch to_run, polling only")
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Warn().Err(err).Msg("file watcher error")
			}
		}
	}()
	return wake, func() {
		_ = w.Close()
		<-done
	}
}

// shutdown waits for terminated runs to settle, bounded by KillGrace plus
// KillTimeout.
func (p *ResourcePool) shutdown(cause error) error {
	n := p.InFlight()
	if n > 0 {
		p.logger.Info().Str(log.FieldEvent, "poll.stopping").Int("running", n).Msg("stopping running scripts")
	}

	settled := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(settled)
	}()

	timer := time.NewTimer(p.opts.KillGrace + p.opts.KillTimeout)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		p.logger.Warn().Str(log.FieldEvent, "poll.stop_timeout").Int("running", p.InFlight()).
			Msg("scripts did not exit in time")
	}
	return cause
}
