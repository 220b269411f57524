// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"time"
)

// DirChecker checks that a directory exists.
type DirChecker struct {
	name string
	path string
}

// NewDirChecker creates a checker for directory existence.
func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "directory not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected directory, got file", Message: c.path}
	}
	return CheckResult{Status: StatusHealthy}
}

// FuncChecker adapts a function returning an error.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) error
	// degradeOnly reports failures as degraded instead of unhealthy.
	degradeOnly bool
}

// NewFuncChecker creates a checker that is unhealthy whenever fn fails.
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// NewSoftFuncChecker creates a checker that is degraded whenever fn fails.
func NewSoftFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn, degradeOnly: true}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.fn(ctx); err != nil {
		st := StatusUnhealthy
		if c.degradeOnly {
			st = StatusDegraded
		}
		return CheckResult{Status: st, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// HeartbeatChecker reports unhealthy when the poll loop has not completed a
// pass within maxAge.
type HeartbeatChecker struct {
	last   func() time.Time
	maxAge time.Duration
}

// NewHeartbeatChecker creates a checker over the time of the last poll pass.
func NewHeartbeatChecker(last func() time.Time, maxAge time.Duration) *HeartbeatChecker {
	return &HeartbeatChecker{last: last, maxAge: maxAge}
}

func (c *HeartbeatChecker) Name() string { return "poll_loop" }

func (c *HeartbeatChecker) Check(context.Context) CheckResult {
	last := c.last()
	if last.IsZero() {
		return CheckResult{Status: StatusUnhealthy, Message: "poll loop not started"}
	}
	if age := time.Since(last); age > c.maxAge {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("last poll pass %s ago", age.Truncate(time.Millisecond)),
		}
	}
	return CheckResult{Status: StatusHealthy}
}
