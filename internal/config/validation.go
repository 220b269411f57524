// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Validate checks cross-field constraints. All failures are joined and wrap
// ErrInvalidConfig.
func Validate(cfg Config) error {
	var errs []error

	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive, got %s", cfg.PollInterval))
	}

	switch cfg.Devices.Kind {
	case KindGPU:
		if cfg.Devices.NvidiaSMI == "" {
			errs = append(errs, errors.New("devices.nvidiaSmi must not be empty"))
		}
	case KindWorker:
		if cfg.Devices.Workers <= 0 && len(cfg.Devices.IDs) == 0 {
			errs = append(errs, errors.New("devices.kind=worker requires devices.workers > 0 or explicit devices.ids"))
		}
	default:
		errs = append(errs, fmt.Errorf("devices.kind must be %q or %q, got %q", KindGPU, KindWorker, cfg.Devices.Kind))
	}
	if cfg.Devices.Workers < 0 {
		errs = append(errs, fmt.Errorf("devices.workers must not be negative, got %d", cfg.Devices.Workers))
	}

	seen := make(map[int]struct{}, len(cfg.Devices.IDs))
	for _, id := range cfg.Devices.IDs {
		if id < 0 {
			errs = append(errs, fmt.Errorf("devices.ids must not contain negative ids, got %d", id))
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("devices.ids contains duplicate id %d", id))
		}
		seen[id] = struct{}{}
	}

	if cfg.Run.KillGrace <= 0 {
		errs = append(errs, fmt.Errorf("run.killGrace must be positive, got %s", cfg.Run.KillGrace))
	}
	if cfg.Run.KillTimeout <= 0 {
		errs = append(errs, fmt.Errorf("run.killTimeout must be positive, got %s", cfg.Run.KillTimeout))
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Exporter != "grpc" && cfg.Telemetry.Exporter != "http" {
			errs = append(errs, fmt.Errorf("telemetry.exporter must be grpc or http, got %q", cfg.Telemetry.Exporter))
		}
		if cfg.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint must be set when telemetry is enabled"))
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.samplingRate must be within [0,1], got %v", cfg.Telemetry.SamplingRate))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
