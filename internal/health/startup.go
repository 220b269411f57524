// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/fastgpu/internal/config"
	"github.com/ManuGH/fastgpu/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the work directory and runtime dependencies
// before the poller starts.
func PerformStartupChecks(workDir string, cfg config.Config) error {
	logger := log.WithComponent("startup-check")

	if err := checkWorkDir(logger, workDir); err != nil {
		return fmt.Errorf("work directory check failed: %w", err)
	}

	if cfg.MetricsListen != "" {
		_, port, err := net.SplitHostPort(cfg.MetricsListen)
		if err != nil {
			return fmt.Errorf("invalid metrics listen address %q: %w", cfg.MetricsListen, err)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("invalid metrics listen port %q in %q", port, cfg.MetricsListen)
		}
	}

	if cfg.Devices.Kind == config.KindGPU {
		if _, err := exec.LookPath(cfg.Devices.NvidiaSMI); err != nil {
			return fmt.Errorf("nvidia-smi not found (%s): %w", cfg.Devices.NvidiaSMI, err)
		}
		logger.Debug().Str("nvidia_smi", cfg.Devices.NvidiaSMI).Msg("nvidia-smi available")
	}
	return nil
}

func checkWorkDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	probe := filepath.Join(path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(probe)

	logger.Debug().Str(log.FieldPath, path).Msg("work directory is writable")
	return nil
}
