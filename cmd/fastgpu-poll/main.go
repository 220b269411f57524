// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command fastgpu_poll runs the scripts queued in <path>/to_run, one per free
// GPU (or worker slot), sorting them into complete/ and fail/.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/ManuGH/fastgpu/internal/version"
)

func main() {
	log.Configure(log.Config{
		Level:   "info",
		Service: "fastgpu",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newDefaultPool).ExecuteContext(ctx); err != nil {
		stop()
		logger.Fatal().Err(err).Str(log.FieldEvent, "main.failed").Msg("fastgpu_poll failed")
	}
	os.Exit(0)
}
