// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService   = "service"
	FieldVersion   = "version"
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldRunID     = "run_id"

	// Pool fields
	FieldSlot     = "slot"
	FieldSlotKind = "slot_kind"
	FieldPID      = "pid"
	FieldExitCode = "exit_code"
	FieldResult   = "result"

	// Path fields
	FieldPath       = "path"
	FieldScript     = "script"
	FieldFinalPath  = "final_path"
	FieldConfigPath = "config_path"

	// GPU fields
	FieldDevice = "device"
	FieldUUID   = "uuid"
)
