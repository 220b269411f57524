// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// DefaultConfigFile is looked up inside the work directory when no explicit
// --config is given.
const DefaultConfigFile = "fastgpu.yaml"

// Device kinds.
const (
	KindGPU    = "gpu"
	KindWorker = "worker"
)

// Config is the effective poller configuration.
type Config struct {
	PollInterval  time.Duration   `yaml:"pollInterval"`
	Devices       DevicesConfig   `yaml:"devices"`
	Run           RunConfig       `yaml:"run"`
	LogLevel      string          `yaml:"logLevel"`
	MetricsListen string          `yaml:"metricsListen"`
	History       HistoryConfig   `yaml:"history"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// DevicesConfig selects the slots scripts are dispatched to.
type DevicesConfig struct {
	// Kind is "gpu" (probe devices with nvidia-smi) or "worker" (fixed slots).
	Kind string `yaml:"kind"`
	// IDs restricts the slots in use. Empty means every probed GPU, or
	// 0..Workers-1 for the worker kind.
	IDs []int `yaml:"ids"`
	// Workers is the number of fixed slots for the worker kind.
	Workers int `yaml:"workers"`
	// RequireIdle skips GPUs that already host foreign compute processes.
	RequireIdle bool `yaml:"requireIdle"`
	// NvidiaSMI is the nvidia-smi binary used by the GPU probe.
	NvidiaSMI string `yaml:"nvidiaSmi"`
}

// RunConfig controls script supervision.
type RunConfig struct {
	KillGrace   time.Duration `yaml:"killGrace"`
	KillTimeout time.Duration `yaml:"killTimeout"`
}

// HistoryConfig controls the SQLite run ledger.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <work dir>/.fastgpu/history.sqlite.
	Path string `yaml:"path"`
}

// TelemetryConfig controls OpenTelemetry tracing of script runs.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // "grpc" or "http"
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// Default returns the configuration used when neither file nor environment
// override a value.
func Default() Config {
	return Config{
		PollInterval: 100 * time.Millisecond,
		Devices: DevicesConfig{
			Kind:        KindGPU,
			RequireIdle: true,
			NvidiaSMI:   "nvidia-smi",
		},
		Run: RunConfig{
			KillGrace:   10 * time.Second,
			KillTimeout: 5 * time.Second,
		},
		LogLevel: "info",
		History: HistoryConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "local",
		},
	}
}
