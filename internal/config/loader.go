// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. An empty configPath skips the file stage.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath:      configPath,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// ResolvePath returns the config file to load: the explicit path when given,
// otherwise <workDir>/fastgpu.yaml if it exists, otherwise "".
func ResolvePath(workDir, explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	auto := filepath.Join(workDir, DefaultConfigFile)
	if info, err := os.Stat(auto); err == nil && info.Mode().IsRegular() {
		return auto
	}
	return ""
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envIntList(key string, defaultVal []int) []int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseIntList(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults, then validates.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string, dst *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: %q, want .yaml or .yml", ErrUnsupportedFormat, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	// Decoding onto dst keeps defaults for every key the file omits.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.PollInterval = l.envDuration("FASTGPU_POLL_INTERVAL", cfg.PollInterval)

	cfg.Devices.Kind = l.envString("FASTGPU_DEVICE_KIND", cfg.Devices.Kind)
	cfg.Devices.IDs = l.envIntList("FASTGPU_IDS", cfg.Devices.IDs)
	cfg.Devices.Workers = l.envInt("FASTGPU_WORKERS", cfg.Devices.Workers)
	cfg.Devices.RequireIdle = l.envBool("FASTGPU_REQUIRE_IDLE", cfg.Devices.RequireIdle)
	cfg.Devices.NvidiaSMI = l.envString("FASTGPU_NVIDIA_SMI", cfg.Devices.NvidiaSMI)

	cfg.Run.KillGrace = l.envDuration("FASTGPU_KILL_GRACE", cfg.Run.KillGrace)
	cfg.Run.KillTimeout = l.envDuration("FASTGPU_KILL_TIMEOUT", cfg.Run.KillTimeout)

	cfg.LogLevel = l.envString("FASTGPU_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsListen = l.envString("FASTGPU_METRICS_LISTEN", cfg.MetricsListen)

	cfg.History.Enabled = l.envBool("FASTGPU_HISTORY", cfg.History.Enabled)
	cfg.History.Path = l.envString("FASTGPU_HISTORY_PATH", cfg.History.Path)

	cfg.Telemetry.Enabled = l.envBool("FASTGPU_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("FASTGPU_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("FASTGPU_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("FASTGPU_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = l.envString("FASTGPU_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
}
