// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import "errors"

var (
	// ErrAlreadyPolling is returned when another poller holds the work directory.
	ErrAlreadyPolling = errors.New("another poller is running on this work directory")
	// ErrNoSlots is returned when an allocator exposes no slot ids.
	ErrNoSlots = errors.New("resource pool has no slots")
	// ErrUnknownDevice is returned when a requested GPU id was not probed.
	ErrUnknownDevice = errors.New("unknown GPU device")
	// ErrSlotLocked is returned by Lock for a slot that is already held.
	ErrSlotLocked = errors.New("slot already locked")
)
