// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"time"

	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes a ResourcePool. Zero values select defaults.
type Options struct {
	// PollInterval between scans of to_run.
	PollInterval time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL on shutdown.
	KillGrace time.Duration
	// KillTimeout bounds how long shutdown waits for killed runs to settle.
	KillTimeout time.Duration
	// Logger defaults to the "pool" component logger.
	Logger *zerolog.Logger
	// History is optional.
	History history.Recorder
	// Tracer defaults to the global provider's pool tracer.
	Tracer trace.Tracer
}

// Defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultKillGrace    = 10 * time.Second
	DefaultKillTimeout  = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	return o
}
