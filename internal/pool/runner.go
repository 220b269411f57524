// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/metrics"
	"github.com/ManuGH/fastgpu/internal/procgroup"
	"github.com/ManuGH/fastgpu/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
)

// EnvSlotID names the variable carrying the slot id into a script.
const EnvSlotID = "FASTGPU_ID"

// Output file suffixes under out/.
const (
	SuffixStdout   = ".stdout"
	SuffixStderr   = ".stderr"
	SuffixExitCode = ".exitcode"
)

var aliveFunc = procgroup.Alive

// Run starts script (already in running/) on slot id, which the caller has
// locked. It returns immediately; the slot is released when the script exits.
func (p *ResourcePool) Run(ctx context.Context, script string, id int) string {
	runID := uuid.NewString()
	p.inflight.Add(1)
	metrics.IncRunning()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(ctx, runID, script, id)
	}()
	return runID
}

type runResult struct {
	pid      int
	exitCode int
	errText  string
}

func (r runResult) state() history.State {
	if r.exitCode == 0 && r.errText == "" {
		return history.StateComplete
	}
	return history.StateFail
}

func (p *ResourcePool) execute(ctx context.Context, runID, script string, id int) {
	started := time.Now()
	name := filepath.Base(script)

	ctx = log.ContextWithRunID(ctx, runID)
	ctx = log.ContextWithSlot(ctx, id)
	logger := log.WithContext(ctx, p.logger).With().Str(log.FieldScript, name).Logger()

	ctx, span := p.opts.Tracer.Start(ctx, "fastgpu.run")
	span.SetAttributes(telemetry.RunAttributes(runID, name, p.alloc.Kind(), id)...)

	// Bookkeeping after the script has ended must survive cancellation.
	bg := context.WithoutCancel(ctx)

	if p.opts.History != nil {
		err := p.opts.History.Start(bg, history.Run{
			ID: runID, Script: name, Slot: id, SlotKind: p.alloc.Kind(), StartedAt: started.UTC(),
		})
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "history.start_failed").Msg("failed to record run start")
		}
	}

	out := outName(p.dirs, name, runID)
	res := p.launch(ctx, runID, script, out, id, &logger)

	if err := writeExitCode(p.dirs, out, res); err != nil {
		logger.Error().Err(err).Msg("failed to write exit code")
	}

	state := res.state()
	destDir := p.dirs.Complete
	if state == history.StateFail {
		destDir = p.dirs.Fail
	}
	final, err := fsutil.SafeRename(script, destDir)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "run.move_failed").Msg("failed to move finished script")
	}

	if err := p.Unlock(id); err != nil {
		logger.Error().Err(err).Msg("failed to unlock slot")
	}

	if p.opts.History != nil {
		if err := p.opts.History.Finish(bg, runID, state, res.exitCode, res.errText, time.Now().UTC()); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "history.finish_failed").Msg("failed to record run result")
		}
	}

	elapsed := time.Since(started)
	metrics.ObserveRun(string(state), elapsed)
	metrics.DecRunning()

	span.SetAttributes(telemetry.ResultAttributes(res.pid, res.exitCode, string(state))...)
	if state == history.StateFail {
		span.SetStatus(codes.Error, "script failed")
		if res.errText != "" {
			span.SetAttributes(telemetry.ErrorAttributes("launch")...)
		}
	}
	span.End()

	ev := logger.Info()
	if state == history.StateFail {
		ev = logger.Warn()
	}
	ev.Str(log.FieldEvent, "run.finished").
		Int(log.FieldPID, res.pid).
		Int(log.FieldExitCode, res.exitCode).
		Str(log.FieldResult, string(state)).
		Str(log.FieldFinalPath, final).
		Str("out", out).
		Dur("duration", elapsed).
		Msg("script finished")

	p.inflight.Add(-1)
	select {
	case p.finished <- struct{}{}:
	default:
	}
}

// launch runs the script to completion, or until ctx is cancelled, in which
// case its process group is terminated.
func (p *ResourcePool) launch(ctx context.Context, runID, script, out string, id int, logger *zerolog.Logger) runResult {
	name := filepath.Base(script)

	stdout, err := os.Create(filepath.Join(p.dirs.Out, out+SuffixStdout))
	if err != nil {
		return runResult{exitCode: -1, errText: fmt.Sprintf("create stdout: %v", err)}
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(filepath.Join(p.dirs.Out, out+SuffixStderr))
	if err != nil {
		return runResult{exitCode: -1, errText: fmt.Sprintf("create stderr: %v", err)}
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.Command(script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), EnvSlotID+"="+strconv.Itoa(id))
	cmd.Env = append(cmd.Env, p.alloc.Env(id)...)
	procgroup.Set(cmd)

	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "run.launch_failed").Msg("failed to launch script")
		return runResult{exitCode: -1, errText: err.Error()}
	}
	pid := cmd.Process.Pid

	if err := p.updateLock(id, LockRecord{PID: pid, Script: name, RunID: runID, Out: out, LockedAt: time.Now().UTC()}); err != nil {
		logger.Warn().Err(err).Msg("failed to record pid in slot lock")
	}
	if p.opts.History != nil {
		if err := p.opts.History.SetPID(context.WithoutCancel(ctx), runID, pid); err != nil {
			logger.Debug().Err(err).Msg("failed to record pid in history")
		}
	}
	logger.Info().Str(log.FieldEvent, "run.started").Int(log.FieldPID, pid).Msg("script started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		logger.Info().Str(log.FieldEvent, "run.terminating").Int(log.FieldPID, pid).Msg("terminating script")
		waitErr = procgroup.Terminate(cmd, waitCh, p.opts.KillGrace)
	}

	res := runResult{pid: pid, exitCode: procgroup.ExitCode(cmd.ProcessState)}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.errText = waitErr.Error()
	}
	return res
}

// outName returns the base name for the out/ files of a run. A script name
// seen before keeps its earlier output and gets the run id appended.
func outName(dirs fsutil.Dirs, name, runID string) string {
	for _, suffix := range []string{SuffixStdout, SuffixStderr, SuffixExitCode} {
		if _, err := os.Lstat(filepath.Join(dirs.Out, name+suffix)); err == nil {
			return name + "-" + runID
		}
	}
	return name
}

func writeExitCode(dirs fsutil.Dirs, name string, res runResult) error {
	content := strconv.Itoa(res.exitCode) + "\n"
	if res.errText != "" {
		content += res.errText + "\n"
	}
	return fsutil.WriteFileAtomic(filepath.Join(dirs.Out, name+SuffixExitCode), []byte(content))
}

// failOrphan moves the script of a reclaimed lock from running/ to fail/.
func (p *ResourcePool) failOrphan(rec LockRecord, logger *zerolog.Logger) {
	script := filepath.Join(p.dirs.Running, rec.Script)
	if _, err := os.Stat(script); err != nil {
		return
	}
	res := runResult{pid: rec.PID, exitCode: -1, errText: "abandoned: owning poller exited"}
	out := rec.Out
	if out == "" {
		out = rec.Script
	}
	if err := writeExitCode(p.dirs, out, res); err != nil {
		logger.Error().Err(err).Msg("failed to write exit code for orphaned script")
	}
	if _, err := fsutil.SafeRename(script, p.dirs.Fail); err != nil {
		logger.Error().Err(err).Msg("failed to move orphaned script")
	}
	if p.opts.History != nil && rec.RunID != "" {
		_ = p.opts.History.Finish(context.Background(), rec.RunID, history.StateFail, res.exitCode, res.errText, time.Now().UTC())
	}
}
