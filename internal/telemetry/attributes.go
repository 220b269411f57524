// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys for script runs.
const (
	RunIDKey     = "fastgpu.run_id"
	ScriptKey    = "fastgpu.script"
	SlotKey      = "fastgpu.slot"
	SlotKindKey  = "fastgpu.slot_kind"
	PIDKey       = "process.pid"
	ExitCodeKey  = "process.exit_code"
	ResultKey    = "fastgpu.result"
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// RunAttributes describes a script run at dispatch time.
func RunAttributes(runID, script, slotKind string, slot int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ScriptKey, script),
		attribute.Int(SlotKey, slot),
	}
	if runID != "" {
		attrs = append(attrs, attribute.String(RunIDKey, runID))
	}
	if slotKind != "" {
		attrs = append(attrs, attribute.String(SlotKindKey, slotKind))
	}
	return attrs
}

// ResultAttributes describes how a run ended.
func ResultAttributes(pid, exitCode int, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(PIDKey, pid),
		attribute.Int(ExitCodeKey, exitCode),
		attribute.String(ResultKey, result),
	}
}

// ErrorAttributes marks a span as failed.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
