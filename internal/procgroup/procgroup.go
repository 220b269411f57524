// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts scripts in their own process group so a whole
// script tree (shell plus children) can be stopped together.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/fastgpu/internal/metrics"
	"github.com/shirou/gopsutil/v3/process"
)

// Terminate stops the process group of cmd: SIGTERM, then SIGKILL once grace
// has elapsed without waitCh delivering. It always drains waitCh and returns
// the wait error. It is safe to call on nil commands (returns nil).
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	metrics.IncProcSignal("SIGTERM", signalOutcome(Kill(cmd, syscall.SIGTERM)))

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-timer.C:
		metrics.IncProcSignal("SIGKILL", signalOutcome(Kill(cmd, syscall.SIGKILL)))
		return <-waitCh
	}
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func signalOutcome(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, syscall.ESRCH):
		return "esrch"
	default:
		return "error"
	}
}
