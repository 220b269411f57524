// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config resolves the poller settings for one work directory.
//
// Sources are layered: Default(), then fastgpu.yaml, then FASTGPU_*
// variables. The CLI overlays flags the operator set explicitly and calls
// Validate on the result.
package config

import "errors"

var (
	// ErrUnknownConfigField marks YAML keys that match no setting.
	ErrUnknownConfigField = errors.New("unknown config field")
	// ErrUnsupportedFormat marks config files that are not YAML.
	ErrUnsupportedFormat = errors.New("unsupported config format")
	// ErrInvalidConfig wraps every Validate failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)
